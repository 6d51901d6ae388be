package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const sessionColumns = `id, user_id, title, interview_type, experience_years, job_description,
	status, next_seq, ended_at,
	evaluation_score, evaluation_knowledge, evaluation_communication,
	evaluation_problem_solving, evaluation_technical_depth, evaluation_feedback, evaluated_at,
	created_at, updated_at`

// CreateSession persists a new session row. CreatedAt/UpdatedAt are set here.
func (s *Store) CreateSession(sess *Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = SessionPending
	}
	if sess.NextSeq == 0 {
		sess.NextSeq = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, user_id, title, interview_type, experience_years, job_description, status, next_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Title, sess.InterviewType, sess.ExperienceYears,
		sess.JobDescription, sess.Status, sess.NextSeq, fmtTime(now), fmtTime(now),
	)
	if isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

// GetSession loads a session by id regardless of owner. Used by the worker,
// which operates on committed jobs rather than user requests.
func (s *Store) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetUserSession loads a session by id scoped to its owner. A session that
// exists but belongs to someone else is reported as ErrNotFound.
func (s *Store) GetUserSession(id, userID string) (Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND user_id = ?`, id, userID)
	return scanSession(row)
}

// ListSessions returns the user's sessions, newest first.
func (s *Store) ListSessions(userID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	return results, rows.Err()
}

// UpdateSessionStatus transitions a session to the given status, stamping
// ended_at for terminal transitions.
func (s *Store) UpdateSessionStatus(id, status string, endedAt *time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = ?, ended_at = ?, updated_at = ? WHERE id = ?`,
		status, fmtNullTime(endedAt), fmtTime(time.Now().UTC()), id)
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

// UpdateSessionEvaluation writes the evaluator's scores onto the session.
func (s *Store) UpdateSessionEvaluation(id string, ev Evaluation) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET
			evaluation_score = ?, evaluation_knowledge = ?, evaluation_communication = ?,
			evaluation_problem_solving = ?, evaluation_technical_depth = ?, evaluation_feedback = ?,
			evaluated_at = ?, updated_at = ?
		WHERE id = ?`,
		ev.Score, ev.Knowledge, ev.Communication, ev.ProblemSolving, ev.TechnicalDepth,
		ev.Feedback, fmtTime(ev.EvaluatedAt), fmtTime(time.Now().UTC()), id)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var endedAt, evaluatedAt, feedback sql.NullString
	var score sql.NullFloat64
	var knowledge, communication, problemSolving, technicalDepth sql.NullInt64
	var createdAt, updatedAt string

	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Title, &sess.InterviewType, &sess.ExperienceYears,
		&sess.JobDescription, &sess.Status, &sess.NextSeq, &endedAt,
		&score, &knowledge, &communication, &problemSolving, &technicalDepth, &feedback, &evaluatedAt,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}

	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Session{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if sess.EndedAt, err = parseNullTime(endedAt); err != nil {
		return Session{}, fmt.Errorf("parsing ended_at: %w", err)
	}

	if evaluatedAt.Valid {
		at, err := parseTime(evaluatedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parsing evaluated_at: %w", err)
		}
		sess.Evaluation = &Evaluation{
			Score:          score.Float64,
			Knowledge:      int(knowledge.Int64),
			Communication:  int(communication.Int64),
			ProblemSolving: int(problemSolving.Int64),
			TechnicalDepth: int(technicalDepth.Int64),
			Feedback:       feedback.String,
			EvaluatedAt:    at,
		}
	}
	return sess, nil
}
