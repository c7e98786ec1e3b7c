package chat

import (
	"context"
	"errors"
	"fmt"
)

// Store is the durable message log. FindRecent returns newest first.
type Store interface {
	Insert(ctx context.Context, roomID string, senderID int, content string) (*Message, error)
	FindRecent(ctx context.Context, roomID string, limit int) ([]*Message, error)
}

// Gateway is the only path the realtime core uses to reach the message log.
type Gateway struct {
	store Store
}

func NewGateway(store Store) *Gateway {
	return &Gateway{store: store}
}

// Append persists one message and returns it with its id, timestamp and
// resolved sender name. Any store failure is reported as ErrPersistence.
func (g *Gateway) Append(ctx context.Context, roomID string, senderID int, content string) (*Message, error) {
	msg, err := g.store.Insert(ctx, roomID, senderID, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return msg, nil
}

// RecentHistory returns up to limit of the newest messages in the room,
// ordered oldest to newest. An empty room yields an empty slice.
func (g *Gateway) RecentHistory(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	newest, err := g.store.FindRecent(ctx, roomID, limit)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []*Message{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	// The slice may be shared with a cache; build a new one.
	out := make([]*Message, len(newest))
	for i, m := range newest {
		out[len(newest)-1-i] = m
	}
	return out, nil
}
