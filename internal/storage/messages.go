package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = `id, session_id, seq, role, status, content, idempotency_key, created_at, updated_at`

// AppendTurn persists one user/interviewer message pair together with the
// session's advanced sequence counter (and status) in a single transaction,
// and charges the turn against the owner's message count. Either everything
// lands or nothing does; a uniqueness violation on seq or idempotency key
// surfaces as ErrConflict.
func (s *Store) AppendTurn(sess Session, userMsg, interviewerMsg Message) error {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	for _, m := range []Message{userMsg, interviewerMsg} {
		var idemKey any
		if m.IdempotencyKey != "" {
			idemKey = m.IdempotencyKey
		}
		_, err := tx.Exec(`
			INSERT INTO messages (id, session_id, seq, role, status, content, idempotency_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, m.Seq, m.Role, m.Status, m.Content, idemKey, fmtTime(now), fmtTime(now),
		)
		if isConstraintErr(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("inserting %s message: %w", m.Role, err)
		}
	}

	res, err := tx.Exec(`UPDATE sessions SET next_seq = ?, status = ?, updated_at = ? WHERE id = ?`,
		sess.NextSeq, sess.Status, fmtTime(now), sess.ID)
	if err != nil {
		return fmt.Errorf("updating session counter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`UPDATE users SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		fmtTime(now), sess.UserID); err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}

	return tx.Commit()
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(id string) (Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// MessagesBySession returns every message of a session in ascending seq order.
func (s *Store) MessagesBySession(sessionID string) ([]Message, error) {
	return s.MessagesAfterSeq(sessionID, 0, 0)
}

// MessagesAfterSeq returns a session's messages with seq > afterSeq in
// ascending order. limit <= 0 means no limit.
func (s *Store) MessagesAfterSeq(sessionID string, afterSeq int64, limit int) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// MessageByIdempotencyKey looks up the user message previously created with
// the given key in this session, if any.
func (s *Store) MessageByIdempotencyKey(sessionID, key string) (Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND idempotency_key = ?`,
		sessionID, key)
	return scanMessage(row)
}

// InterviewerAfterSeq returns the interviewer message at seq+1, used to
// recover the paired placeholder when a duplicate user message is detected.
func (s *Store) InterviewerAfterSeq(sessionID string, seq int64) (Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND seq = ? AND role = ?`,
		sessionID, seq+1, RoleInterviewer)
	return scanMessage(row)
}

// UpdateMessage sets a message's content and status. Used by the worker to
// advance a placeholder through streaming and into its terminal state.
func (s *Store) UpdateMessage(id, content, status string) error {
	res, err := s.db.Exec(`UPDATE messages SET content = ?, status = ?, updated_at = ? WHERE id = ?`,
		content, status, fmtTime(time.Now().UTC()), id)
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

// MarkMessageStatus advances a message's status without touching content.
func (s *Store) MarkMessageStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		status, fmtTime(time.Now().UTC()), id)
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

// StalePlaceholders returns interviewer placeholders still pending since
// before cutoff. A placeholder in that state means its generation job was
// lost between commit and dispatch; the worker's reconciliation sweep
// re-enqueues these.
func (s *Store) StalePlaceholders(cutoff time.Time) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE role = ? AND status = ? AND created_at < ?
		ORDER BY created_at ASC`,
		RoleInterviewer, MessagePending, fmtTime(cutoff.UTC()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var idemKey sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Status, &m.Content, &idemKey, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}

	m.IdempotencyKey = idemKey.String
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return Message{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Message{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return m, nil
}
