package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("DB_DSN", "postgres://chat@localhost/chat")
	t.Setenv("SESSION_SECRET", "s3cret")

	cfg, err := Load("")
	req.NoError(err)
	req.Equal(":8080", cfg.Addr)
	req.Equal("user.sid", cfg.SessionCookie)
	req.Equal(24*time.Hour, cfg.SessionTTL)
	req.Equal(StoreDriverPostgres, cfg.MessageStore)
	req.Equal(1000, cfg.MaxMessageLength)
	req.Equal(50, cfg.HistoryLimit)
	req.Equal(60*time.Second, cfg.HistoryCacheTTL)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s3cret")
	t.Setenv("DB_DSN", "unused")
	require.NoError(t, os.Unsetenv("DB_DSN"))

	_, err := Load("")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"badger store", func(c *Config) { c.MessageStore = StoreDriverBadger }, false},
		{"unknown store", func(c *Config) { c.MessageStore = "mongo" }, true},
		{"zero max length", func(c *Config) { c.MaxMessageLength = 0 }, true},
		{"negative history", func(c *Config) { c.HistoryLimit = -1 }, true},
		{"zero send buffer", func(c *Config) { c.SendBufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				MessageStore:     StoreDriverPostgres,
				MaxMessageLength: 1000,
				HistoryLimit:     50,
				SendBufferSize:   256,
			}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
