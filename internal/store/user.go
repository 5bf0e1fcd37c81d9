package store

import (
	"database/sql"
	"time"
)

// UpsertUser creates a user or updates its profile. It never revives a
// deleted account.
func (db *DB) UpsertUser(u *User) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO users (id, display_name, avatar_color, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_color = excluded.avatar_color`,
		u.ID, u.DisplayName, u.AvatarColor, now)
	return err
}

// GetUser returns nil, nil when the user does not exist.
func (db *DB) GetUser(id string) (*User, error) {
	var u User
	err := db.QueryRow(`
		SELECT id, display_name, avatar_color, COALESCE(deleted_at, 0), created_at
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &u.AvatarColor, &u.DeletedAt, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// DeleteUser soft-deletes an account. Its messages and memberships stay.
func (db *DB) DeleteUser(id string) error {
	_, err := db.Exec(`UPDATE users SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UnixMilli(), id)
	return err
}
