package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrSessionNotFound = errors.New("session not found")

// Record is the stored session document. The layout matches what the web
// layer's session middleware writes, so both sides read the same keys.
type Record struct {
	User   SessionUser `json:"user"`
	Cookie CookieMeta  `json:"cookie"`
}

type SessionUser struct {
	ID       int    `json:"_id"`
	Username string `json:"username"`
}

type CookieMeta struct {
	OriginalMaxAge int64     `json:"originalMaxAge"`
	Expires        time.Time `json:"expires"`
	HTTPOnly       bool      `json:"httpOnly"`
	Path           string    `json:"path"`
}

type Store interface {
	Get(ctx context.Context, sid string) (*Record, error)
	Set(ctx context.Context, sid string, rec *Record, ttl time.Duration) error
	Delete(ctx context.Context, sid string) error
}

// RedisStore keeps sessions under "<prefix><sid>" with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sess:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, sid string) (*Record, error) {
	data, err := s.client.Get(ctx, s.prefix+sid).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("session get: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("session decode: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Set(ctx context.Context, sid string, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+sid, data, ttl).Err(); err != nil {
		return fmt.Errorf("session set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sid string) error {
	return s.client.Del(ctx, s.prefix+sid).Err()
}
