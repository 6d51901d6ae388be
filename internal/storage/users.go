package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const defaultMessageLimit = 50

// EnsureUser loads the user row, provisioning a default free-tier row on
// first sight. Authentication happens upstream of this service, so any
// authenticated caller id is a valid user here.
func (s *Store) EnsureUser(id string) (User, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO users (id, tier, message_count, message_limit, created_at, updated_at)
		VALUES (?, 'free', 0, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, defaultMessageLimit, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return User{}, fmt.Errorf("provisioning user: %w", err)
	}
	return s.GetUser(id)
}

// GetUser loads a user row by id.
func (s *Store) GetUser(id string) (User, error) {
	var u User
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, tier, message_count, message_limit, created_at, updated_at
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Tier, &u.MessageCount, &u.MessageLimit, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return User{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return u, nil
}

// SetUserTier updates a user's tier and message limit.
func (s *Store) SetUserTier(id, tier string, messageLimit int) error {
	res, err := s.db.Exec(`UPDATE users SET tier = ?, message_limit = ?, updated_at = ? WHERE id = ?`,
		tier, messageLimit, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
