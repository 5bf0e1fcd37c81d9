package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// InsertMessage persists a message with a fresh UUIDv7 id. CreatedAt is
// max(now, last+1) for the conversation so timestamps never collide and
// the pagination cursor stays unambiguous.
func (db *DB) InsertMessage(convID, senderID, content string, now int64) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	m := &Message{ID: id.String(), ConversationID: convID, SenderID: senderID, Content: content}

	err = db.inTx(func(tx *sql.Tx) error {
		var last int64
		if err := tx.QueryRow(`
			SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE conversation_id = ?`,
			convID).Scan(&last); err != nil {
			return fmt.Errorf("last timestamp: %w", err)
		}
		m.CreatedAt = now
		if m.CreatedAt <= last {
			m.CreatedAt = last + 1
		}
		_, err := tx.Exec(`
			INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessage returns nil, nil when the message does not exist.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, sender_id, content, created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessagesBefore returns up to limit messages of convID strictly older
// than before (the latest ones when before is nil), oldest first. hasMore
// reports whether older messages remain.
func (db *DB) ListMessagesBefore(convID string, before *int64, limit int) (msgs []Message, hasMore bool, err error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	if before != nil {
		rows, err = db.Query(`
			SELECT id, conversation_id, sender_id, content, created_at
			FROM messages
			WHERE conversation_id = ? AND created_at < ?
			ORDER BY created_at DESC
			LIMIT ?`, convID, *before, limit+1)
	} else {
		rows, err = db.Query(`
			SELECT id, conversation_id, sender_id, content, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?`, convID, limit+1)
	}
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, false, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(msgs) > limit {
		hasMore = true
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, hasMore, nil
}
