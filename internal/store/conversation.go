package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DMKey is the unique key of the 1:1 conversation between a and b,
// independent of argument order.
func DMKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// FindOrCreateDM returns the 1:1 conversation between a and b, creating it
// if needed. Concurrent calls converge on one row through the dm_key
// constraint. created reports whether this call inserted it.
func (db *DB) FindOrCreateDM(a, b string) (conv *Conversation, created bool, err error) {
	key := DMKey(a, b)
	err = db.inTx(func(tx *sql.Tx) error {
		id := uuid.NewString()
		res, err := tx.Exec(`
			INSERT INTO conversations (id, is_group, name, dm_key, created_at)
			VALUES (?, 0, '', ?, ?)
			ON CONFLICT(dm_key) DO NOTHING`,
			id, key, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert dm: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			created = true
			return insertMembers(tx, id, []string{a, b})
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	var id string
	if err := db.QueryRow(`SELECT id FROM conversations WHERE dm_key = ?`, key).Scan(&id); err != nil {
		return nil, false, fmt.Errorf("read dm: %w", err)
	}
	conv, err = db.GetConversation(id)
	return conv, created, err
}

// CreateGroup inserts a group conversation. Callers validate the member
// set; duplicates are collapsed here.
func (db *DB) CreateGroup(name string, members []string) (*Conversation, error) {
	id := uuid.NewString()
	err := db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, is_group, name, created_at)
			VALUES (?, 1, ?, ?)`,
			id, strings.TrimSpace(name), time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("insert group: %w", err)
		}
		return insertMembers(tx, id, members)
	})
	if err != nil {
		return nil, err
	}
	return db.GetConversation(id)
}

func insertMembers(tx *sql.Tx, convID string, members []string) error {
	for _, m := range members {
		if _, err := tx.Exec(`
			INSERT INTO conversation_members (conversation_id, user_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, convID, m); err != nil {
			return fmt.Errorf("insert member %s: %w", m, err)
		}
	}
	return nil
}

// GetConversation returns nil, nil when the conversation does not exist.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, is_group, name, created_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.IsGroup, &c.Name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Members, err = db.members(id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) members(convID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT user_id FROM conversation_members
		WHERE conversation_id = ? ORDER BY user_id`, convID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// IsMember reports whether userID belongs to convID.
func (db *DB) IsMember(convID, userID string) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM conversation_members
		WHERE conversation_id = ? AND user_id = ?`, convID, userID).Scan(&n)
	return n > 0, err
}

// ConversationIDsForUser lists the conversations userID belongs to.
func (db *DB) ConversationIDsForUser(userID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT conversation_id FROM conversation_members
		WHERE user_id = ? ORDER BY conversation_id`, userID)
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

// ListConversationsForUser returns userID's conversations, most recently
// active first.
func (db *DB) ListConversationsForUser(userID string) ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT c.id, c.is_group, c.name, c.created_at,
			COALESCE((SELECT MAX(m.created_at) FROM messages m WHERE m.conversation_id = c.id), c.created_at) AS last_at
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id
		WHERE cm.user_id = ?
		ORDER BY last_at DESC, c.id`, userID)
	if err != nil {
		return nil, err
	}

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var lastAt int64
		if err := rows.Scan(&c.ID, &c.IsGroup, &c.Name, &c.CreatedAt, &lastAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range convs {
		if convs[i].Members, err = db.members(convs[i].ID); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// UniqueMembers returns ids with blanks and duplicates removed, sorted.
func UniqueMembers(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
