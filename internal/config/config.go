package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverBadger   = "badger"
)

type Config struct {
	Addr      string `env:"ADDR,default=:8080"`
	DBDSN     string `env:"DB_DSN,required=true"`
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`

	SessionSecret string        `env:"SESSION_SECRET,required=true"`
	SessionCookie string        `env:"SESSION_COOKIE,default=user.sid"`
	SessionTTL    time.Duration `env:"SESSION_TTL,default=24h"`

	MessageStore     string        `env:"MESSAGE_STORE,default=postgres"`
	BadgerPath       string        `env:"BADGER_PATH,default=./data/messages"`
	MaxMessageLength int           `env:"MAX_MESSAGE_LENGTH,default=1000"`
	HistoryLimit     int           `env:"HISTORY_LIMIT,default=50"`
	HistoryCacheTTL  time.Duration `env:"HISTORY_CACHE_TTL,default=60s"`
	SendBufferSize   int           `env:"SEND_BUFFER_SIZE,default=256"`

	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`
}

// Load reads an optional dotenv file and then the process environment.
func Load(dotEnvPath string) (*Config, error) {
	if dotEnvPath != "" {
		if err := godotenv.Load(dotEnvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotEnvPath, err)
		}
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.MessageStore {
	case StoreDriverPostgres, StoreDriverBadger:
	default:
		return fmt.Errorf("MESSAGE_STORE must be %q or %q, got %q", StoreDriverPostgres, StoreDriverBadger, c.MessageStore)
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be positive, got %d", c.MaxMessageLength)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive, got %d", c.HistoryLimit)
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("SEND_BUFFER_SIZE must be positive, got %d", c.SendBufferSize)
	}
	return nil
}
