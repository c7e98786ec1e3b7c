package chat

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	historyKeyPrefix = "chat:history:"
	loadTimeout      = 10 * time.Second
)

// CachedStore puts a Redis cache-aside layer in front of another Store.
//
// Every room has a generation counter. Inserts bump it, and cached history is
// keyed by generation, so a reader that raced an insert can only populate a
// key nobody will read again.
type CachedStore struct {
	next    Store
	client  *redis.Client
	ttl     time.Duration
	sfGroup singleflight.Group
	log     *zap.Logger
}

func NewCachedStore(next Store, client *redis.Client, ttl time.Duration, log *zap.Logger) *CachedStore {
	return &CachedStore{next: next, client: client, ttl: ttl, log: log}
}

func generationKey(roomID string) string {
	return historyKeyPrefix + hex.EncodeToString([]byte(roomID)) + ":gen"
}

func historyKey(roomID string, gen int64, limit int) string {
	return fmt.Sprintf("%s%s:%d:%d", historyKeyPrefix, hex.EncodeToString([]byte(roomID)), gen, limit)
}

func (c *CachedStore) Insert(ctx context.Context, roomID string, senderID int, content string) (*Message, error) {
	msg, err := c.next.Insert(ctx, roomID, senderID, content)
	if err != nil {
		return nil, err
	}
	if err := c.client.Incr(ctx, generationKey(roomID)).Err(); err != nil {
		c.log.Warn("history cache invalidation failed", zap.String("room", roomID), zap.Error(err))
	}
	return msg, nil
}

func (c *CachedStore) FindRecent(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	gen, err := c.client.Get(ctx, generationKey(roomID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("history cache unavailable", zap.String("room", roomID), zap.Error(err))
		return c.next.FindRecent(ctx, roomID, limit)
	}
	key := historyKey(roomID, gen, limit)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached []*Message
		if err := json.Unmarshal(data, &cached); err == nil {
			c.log.Debug("history cache hit", zap.String("room", roomID))
			if len(cached) == 0 {
				return nil, ErrNotFound
			}
			return cached, nil
		}
		c.log.Warn("history cache entry corrupt", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.log.Warn("history cache read failed", zap.String("key", key), zap.Error(err))
	}

	// The load is shared by every caller waiting on key, so it must not end
	// when the first caller goes away.
	val, err, _ := c.sfGroup.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		msgs, err := c.next.FindRecent(ctx, roomID, limit)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if msgs == nil {
			msgs = []*Message{}
		}
		payload, mErr := json.Marshal(msgs)
		if mErr == nil {
			if sErr := c.client.Set(ctx, key, payload, c.ttl).Err(); sErr != nil {
				c.log.Warn("history cache write failed", zap.String("key", key), zap.Error(sErr))
			}
		}
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}

	msgs := val.([]*Message)
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs, nil
}
