// Package session manages interview session lifecycle: creation, listing,
// and the terminal complete/abort transitions. Sequence allocation lives on
// the storage.Session aggregate and is serialized by the LockRegistry, which
// the message append path shares.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/avress/interviewd/internal/storage"
)

// ErrInvalidState is returned for transitions a session's current status
// forbids (completing an aborted session, appending to a terminal one).
var ErrInvalidState = errors.New("invalid session state")

const defaultExperienceYears = 2

// CreateParams are the caller-supplied fields of a new session.
type CreateParams struct {
	Title           string
	InterviewType   string
	ExperienceYears int
	JobDescription  string
}

type Service struct {
	store  *storage.Store
	locks  *LockRegistry
	logger *slog.Logger
}

func NewService(store *storage.Store, locks *LockRegistry) *Service {
	return &Service{
		store:  store,
		locks:  locks,
		logger: slog.Default(),
	}
}

// Locks exposes the registry so the append coordinator serializes on the
// same per-session mutexes.
func (s *Service) Locks() *LockRegistry {
	return s.locks
}

// Create starts a new pending session owned by userID.
func (s *Service) Create(userID string, params CreateParams) (storage.Session, error) {
	interviewType := strings.TrimSpace(params.InterviewType)
	if interviewType == "" {
		return storage.Session{}, fmt.Errorf("%w: interview type cannot be empty", ErrInvalidState)
	}
	years := params.ExperienceYears
	if years <= 0 {
		years = defaultExperienceYears
	}

	if _, err := s.store.EnsureUser(userID); err != nil {
		return storage.Session{}, err
	}

	sess := storage.Session{
		ID:              uuid.New().String(),
		UserID:          userID,
		Title:           params.Title,
		InterviewType:   interviewType,
		ExperienceYears: years,
		JobDescription:  params.JobDescription,
		Status:          storage.SessionPending,
		NextSeq:         1,
	}
	if err := s.store.CreateSession(&sess); err != nil {
		return storage.Session{}, fmt.Errorf("creating session: %w", err)
	}

	s.logger.Info("session created", "session_id", sess.ID, "user_id", userID, "interview_type", interviewType)
	return sess, nil
}

// Get loads a session scoped to its owner.
func (s *Service) Get(sessionID, userID string) (storage.Session, error) {
	return s.store.GetUserSession(sessionID, userID)
}

// List returns the user's sessions, newest first.
func (s *Service) List(userID string, limit int) ([]storage.Session, error) {
	return s.store.ListSessions(userID, limit)
}

// Complete marks the session finished. Rejected when already completed or
// aborted.
func (s *Service) Complete(sessionID, userID string) (storage.Session, error) {
	return s.transition(sessionID, userID, storage.SessionCompleted, func(sess storage.Session) error {
		if sess.Status == storage.SessionCompleted {
			return fmt.Errorf("%w: session is already completed", ErrInvalidState)
		}
		if sess.Status == storage.SessionAborted {
			return fmt.Errorf("%w: cannot complete an aborted session", ErrInvalidState)
		}
		return nil
	})
}

// Abort marks the session abandoned. Rejected only when already aborted.
func (s *Service) Abort(sessionID, userID string) (storage.Session, error) {
	return s.transition(sessionID, userID, storage.SessionAborted, func(sess storage.Session) error {
		if sess.Status == storage.SessionAborted {
			return fmt.Errorf("%w: session is already aborted", ErrInvalidState)
		}
		return nil
	})
}

func (s *Service) transition(sessionID, userID, target string, allowed func(storage.Session) error) (storage.Session, error) {
	// Terminal transitions take the same lock as appends so a transition
	// cannot interleave with an in-flight turn.
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.store.GetUserSession(sessionID, userID)
	if err != nil {
		return storage.Session{}, err
	}
	if err := allowed(sess); err != nil {
		return storage.Session{}, err
	}

	ended := time.Now().UTC()
	if err := s.store.UpdateSessionStatus(sessionID, target, &ended); err != nil {
		return storage.Session{}, err
	}

	sess.Status = target
	sess.EndedAt = &ended
	s.logger.Info("session transitioned", "session_id", sessionID, "status", target)
	return sess, nil
}
