package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert would violate a uniqueness
// constraint (duplicate seq or idempotency key within a session). The
// per-session lock is supposed to make this unreachable; it is the
// storage-level backstop.
var ErrConflict = errors.New("constraint violation")

// Session statuses.
const (
	SessionPending   = "pending"
	SessionStarted   = "started"
	SessionCompleted = "completed"
	SessionAborted   = "aborted"
)

// Message roles.
const (
	RoleUser        = "user"
	RoleInterviewer = "interviewer"
)

// Message statuses.
const (
	MessagePending   = "pending"
	MessageStreaming = "streaming"
	MessageCompleted = "completed"
	MessageFailed    = "failed"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type User struct {
	ID           string
	Tier         string
	MessageCount int
	MessageLimit int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is one interview conversation owned by a user. NextSeq is the
// per-session sequence counter; it only ever increases.
type Session struct {
	ID              string
	UserID          string
	Title           string
	InterviewType   string
	ExperienceYears int
	JobDescription  string
	Status          string
	NextSeq         int64
	EndedAt         *time.Time
	Evaluation      *Evaluation
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AllocateSeq hands out the next sequence number and advances the counter.
// Callers must hold the session's lock and persist the updated session in
// the same transaction as the messages that consumed the numbers.
func (s *Session) AllocateSeq() int64 {
	seq := s.NextSeq
	s.NextSeq++
	return seq
}

// Terminal reports whether the session has reached a final status.
func (s *Session) Terminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionAborted
}

// Evaluation holds the post-interview scores written by the evaluator.
type Evaluation struct {
	Score          float64
	Knowledge      int
	Communication  int
	ProblemSolving int
	TechnicalDepth int
	Feedback       string
	EvaluatedAt    time.Time
}

type Message struct {
	ID             string
	SessionID      string
	Seq            int64
	Role           string
	Status         string
	Content        string
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
