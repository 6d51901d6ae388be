// Package message implements ordered, idempotent message append with
// asynchronous generation handoff. Append is the single entry point turning
// a user's chat input into durable state plus a dispatched job; ordering
// within a session comes from the per-session lock, duplicates are absorbed
// by the idempotency key, and the generation job is dispatched only after
// the transaction committed.
package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/avress/interviewd/internal/dispatch"
	"github.com/avress/interviewd/internal/events"
	"github.com/avress/interviewd/internal/limits"
	"github.com/avress/interviewd/internal/session"
	"github.com/avress/interviewd/internal/storage"
)

// Result carries the ids of the user message and its paired interviewer
// placeholder. Retried submissions with the same idempotency key receive the
// same Result.
type Result struct {
	UserMessageID        string
	InterviewerMessageID string
}

// Store is the slice of the storage layer the coordinator needs.
// Implemented by *storage.Store.
type Store interface {
	GetUserSession(id, userID string) (storage.Session, error)
	MessageByIdempotencyKey(sessionID, key string) (storage.Message, error)
	InterviewerAfterSeq(sessionID string, seq int64) (storage.Message, error)
	AppendTurn(sess storage.Session, userMsg, interviewerMsg storage.Message) error
	MessagesAfterSeq(sessionID string, afterSeq int64, limit int) ([]storage.Message, error)
}

type Service struct {
	store     Store
	locks     *session.LockRegistry
	policy    limits.Policy
	channel   dispatch.Channel
	publisher events.Publisher
	logger    *slog.Logger
}

func NewService(store Store, locks *session.LockRegistry, policy limits.Policy, channel dispatch.Channel, publisher events.Publisher) *Service {
	return &Service{
		store:     store,
		locks:     locks,
		policy:    policy,
		channel:   channel,
		publisher: publisher,
		logger:    slog.Default(),
	}
}

// Append creates the user message and its interviewer placeholder, and
// enqueues generation after commit.
//
// The quota check runs before everything, including idempotency resolution:
// an over-limit user's duplicate submission is rejected, not served from the
// earlier result. A non-blank idempotencyKey is resolved twice — once
// lock-free for the common retry case, once under the session lock to close
// the race with a concurrent writer.
func (s *Service) Append(ctx context.Context, sessionID, userID, content, idempotencyKey string) (Result, error) {
	user, err := s.policy.Check(userID)
	if err != nil {
		if limits.IsLimitExceeded(err) {
			s.logger.Warn("message limit exceeded",
				"user_id", userID, "tier", user.Tier,
				"count", user.MessageCount, "limit", user.MessageLimit)
			s.publisher.Publish(sessionID, events.LimitExceeded(sessionID, user.MessageLimit, user.MessageCount, user.Tier))
		}
		return Result{}, err
	}

	hasKey := strings.TrimSpace(idempotencyKey) != ""

	if hasKey {
		if result, ok, err := s.resolveIdempotency(sessionID, idempotencyKey); err != nil {
			return Result{}, err
		} else if ok {
			s.logger.Info("idempotency hit (fast path)", "session_id", sessionID, "idempotency_key", idempotencyKey)
			return result, nil
		}
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.store.GetUserSession(sessionID, userID)
	if err != nil {
		return Result{}, err
	}
	if sess.Terminal() {
		return Result{}, fmt.Errorf("%w: session is %s", session.ErrInvalidState, sess.Status)
	}

	if hasKey {
		// A concurrent request may have inserted between the lock-free check
		// and lock acquisition.
		if result, ok, err := s.resolveIdempotency(sessionID, idempotencyKey); err != nil {
			return Result{}, err
		} else if ok {
			s.logger.Info("idempotency hit (under lock)", "session_id", sessionID, "idempotency_key", idempotencyKey)
			return result, nil
		}
	}

	userSeq := sess.AllocateSeq()
	interviewerSeq := sess.AllocateSeq()
	if sess.Status == storage.SessionPending {
		sess.Status = storage.SessionStarted
	}

	userMsg := storage.Message{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		Seq:            userSeq,
		Role:           storage.RoleUser,
		Status:         storage.MessageCompleted,
		Content:        content,
		IdempotencyKey: strings.TrimSpace(idempotencyKey),
	}
	placeholder := storage.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Seq:       interviewerSeq,
		Role:      storage.RoleInterviewer,
		Status:    storage.MessagePending,
	}

	if err := s.store.AppendTurn(sess, userMsg, placeholder); err != nil {
		// ErrConflict here means the locking protocol was bypassed; loud.
		if errors.Is(err, storage.ErrConflict) {
			s.logger.Error("uniqueness backstop hit despite session lock",
				"session_id", sessionID, "user_seq", userSeq)
		}
		return Result{}, err
	}

	s.logger.Info("turn appended",
		"session_id", sessionID,
		"user_message_id", userMsg.ID,
		"interviewer_message_id", placeholder.ID,
		"user_seq", userSeq)

	// Post-commit: announce and hand off. Dispatch failures are logged, not
	// surfaced — the reconciliation sweep re-issues lost jobs.
	s.publisher.Publish(sessionID, events.Accepted(sessionID, userMsg.ID, placeholder.ID))
	if err := s.channel.Enqueue(ctx, dispatch.Job{
		InterviewerMessageID: placeholder.ID,
		SessionID:            sessionID,
		UserContent:          content,
	}); err != nil {
		s.logger.Error("enqueueing generation job failed",
			"interviewer_message_id", placeholder.ID, "error", err)
	}

	return Result{UserMessageID: userMsg.ID, InterviewerMessageID: placeholder.ID}, nil
}

// resolveIdempotency returns the prior result for the key, if one exists.
func (s *Service) resolveIdempotency(sessionID, key string) (Result, bool, error) {
	existing, err := s.store.MessageByIdempotencyKey(sessionID, strings.TrimSpace(key))
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}

	result := Result{UserMessageID: existing.ID}
	paired, err := s.store.InterviewerAfterSeq(sessionID, existing.Seq)
	if err == nil {
		result.InterviewerMessageID = paired.ID
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, false, err
	}
	return result, true, nil
}

// History returns the session's messages in seq order, scoped to the owner.
// afterSeq > 0 resumes past a cursor; limit <= 0 means all.
func (s *Service) History(sessionID, userID string, afterSeq int64, limit int) ([]storage.Message, error) {
	if _, err := s.store.GetUserSession(sessionID, userID); err != nil {
		return nil, err
	}
	return s.store.MessagesAfterSeq(sessionID, afterSeq, limit)
}
