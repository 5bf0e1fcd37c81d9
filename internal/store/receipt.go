package store

import (
	"database/sql"
	"time"
)

// RecordDelivery stores a delivery receipt. created is false when the
// receipt already existed.
func (db *DB) RecordDelivery(messageID, toUserID string) (created bool, err error) {
	res, err := db.Exec(`
		INSERT INTO delivery_receipts (message_id, to_user_id, delivered_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id, to_user_id) DO NOTHING`,
		messageID, toUserID, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DeliveredTo lists the users that acknowledged delivery of messageID.
func (db *DB) DeliveredTo(messageID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT to_user_id FROM delivery_receipts
		WHERE message_id = ? ORDER BY to_user_id`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdvanceSeen moves the seen marker of (convID, userID) to m if m is newer
// than the current one. advanced is false for stale acknowledgments, which
// leave the row untouched.
func (db *DB) AdvanceSeen(userID string, m *Message) (advanced bool, err error) {
	res, err := db.Exec(`
		INSERT INTO seen_markers (conversation_id, user_id, message_id, message_created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			message_id = excluded.message_id,
			message_created_at = excluded.message_created_at,
			updated_at = excluded.updated_at
		WHERE excluded.message_created_at > seen_markers.message_created_at`,
		m.ConversationID, userID, m.ID, m.CreatedAt, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// GetSeenMarker returns nil, nil when userID has seen nothing in convID.
func (db *DB) GetSeenMarker(convID, userID string) (*SeenMarker, error) {
	var s SeenMarker
	err := db.QueryRow(`
		SELECT conversation_id, user_id, message_id, message_created_at, updated_at
		FROM seen_markers WHERE conversation_id = ? AND user_id = ?`, convID, userID).
		Scan(&s.ConversationID, &s.UserID, &s.MessageID, &s.MessageCreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
