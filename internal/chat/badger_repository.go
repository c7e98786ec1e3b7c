package chat

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"studychat/internal/user"
)

// UserFinder resolves sender names for stores that don't keep a users table.
type UserFinder interface {
	GetUserByID(ctx context.Context, id int) (*user.User, error)
}

// BadgerRepository is the embedded message store, used when no relational
// database should hold chat history.
type BadgerRepository struct {
	db    *badger.DB
	users UserFinder
	log   *zap.Logger
	seq   atomic.Uint64 // orders inserts that share a timestamp
	now   func() time.Time
}

func NewBadgerRepository(db *badger.DB, users UserFinder, log *zap.Logger) *BadgerRepository {
	return &BadgerRepository{db: db, users: users, log: log, now: time.Now}
}

// roomPrefix hex-encodes the room id so one room's prefix can never match
// another room's keys.
func roomPrefix(roomID string) string {
	return fmt.Sprintf("msg:%s:", hex.EncodeToString([]byte(roomID)))
}

// Insert stores the message under "msg:{room}:{unixnano}:{seq}:{uuid}".
// Both numbers are zero padded, so keys sort in insert order within a process
// even when the clock returns the same nanosecond twice.
func (b *BadgerRepository) Insert(ctx context.Context, roomID string, senderID int, content string) (*Message, error) {
	sender, err := b.users.GetUserByID(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("resolve sender %d: %w", senderID, err)
	}

	msg := &Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Content:   content,
		CreatedAt: b.now().UTC(),
		UserID:    senderID,
		Username:  sender.Username,
	}
	key := fmt.Sprintf("%s%019d:%020d:%s", roomPrefix(roomID), msg.CreatedAt.UnixNano(), b.seq.Add(1), msg.ID)

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	}); err != nil {
		return nil, err
	}
	return msg, nil
}

// FindRecent walks the room prefix backwards, newest first.
func (b *BadgerRepository) FindRecent(_ context.Context, roomID string, limit int) ([]*Message, error) {
	messages := []*Message{}
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(roomPrefix(roomID))
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		seekKey := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				b.log.Debug("history limit reached", zap.String("room", roomID), zap.Int("limit", limit))
				break
			}
			msg := &Message{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, msg)
			}); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNotFound
	}
	return messages, nil
}
