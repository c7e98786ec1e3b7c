package chat

import (
	"context"
	"database/sql"
	"strconv"
)

// Repository is the PostgreSQL message store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes the message and joins the sender's username in the same
// round trip.
func (r *Repository) Insert(ctx context.Context, roomID string, senderID int, content string) (*Message, error) {
	query := `
		WITH m AS (
			INSERT INTO messages (room_id, sender_id, content)
			VALUES ($1, $2, $3)
			RETURNING id, room_id, content, created_at, sender_id
		)
		SELECT m.id, m.room_id, m.content, m.created_at, m.sender_id, u.username
		FROM m
		JOIN users u ON u.id = m.sender_id
	`
	var id int64
	msg := &Message{}
	err := r.db.QueryRowContext(ctx, query, roomID, senderID, content).
		Scan(&id, &msg.RoomID, &msg.Content, &msg.CreatedAt, &msg.UserID, &msg.Username)
	if err != nil {
		return nil, err
	}
	msg.ID = strconv.FormatInt(id, 10)
	return msg, nil
}

func (r *Repository) FindRecent(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	query := `
		SELECT m.id, m.room_id, m.content, m.created_at, m.sender_id, u.username
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.room_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var id int64
		msg := &Message{}
		if err := rows.Scan(&id, &msg.RoomID, &msg.Content, &msg.CreatedAt, &msg.UserID, &msg.Username); err != nil {
			return nil, err
		}
		msg.ID = strconv.FormatInt(id, 10)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNotFound
	}
	return messages, nil
}
