// Package worker executes generation jobs: it streams the interviewer's
// reply from the generation capability and drives the placeholder message to
// a terminal state. Data access happens in short transactions on either side
// of the external call; no lock and no transaction is held while tokens
// stream.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/avress/interviewd/internal/dispatch"
	"github.com/avress/interviewd/internal/events"
	"github.com/avress/interviewd/internal/generate"
	"github.com/avress/interviewd/internal/storage"
)

// Counters is process-wide observability state for generation outcomes.
// Injected, never ambient; lives for the process lifetime.
type Counters struct {
	Succeeded      atomic.Int64
	Failed         atomic.Int64
	LastTTFTMillis atomic.Int64
	LastDurationMs atomic.Int64
}

// MessageStore is the slice of the storage layer the processor needs.
// Implemented by *storage.Store.
type MessageStore interface {
	GetMessage(id string) (storage.Message, error)
	GetSession(id string) (storage.Session, error)
	MessagesBySession(sessionID string) ([]storage.Message, error)
	MarkMessageStatus(id, status string) error
	UpdateMessage(id, content, status string) error
}

// Processor turns one committed placeholder into a finished interviewer
// reply.
type Processor struct {
	store     MessageStore
	gen       generate.Generator
	publisher events.Publisher
	streaming bool
	timeout   time.Duration
	counters  *Counters
	logger    *slog.Logger
}

// NewProcessor creates a Processor. streaming selects token streaming versus
// a single blocking generation call; timeout bounds the external call.
func NewProcessor(store MessageStore, gen generate.Generator, publisher events.Publisher, streaming bool, timeout time.Duration, counters *Counters) *Processor {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if counters == nil {
		counters = &Counters{}
	}
	return &Processor{
		store:     store,
		gen:       gen,
		publisher: publisher,
		streaming: streaming,
		timeout:   timeout,
		counters:  counters,
		logger:    slog.Default(),
	}
}

// Counters exposes the processor's outcome counters.
func (p *Processor) Counters() *Counters {
	return p.counters
}

// Process runs the job and leaves the placeholder in a terminal state
// regardless of outcome. A nil return means the job may be acknowledged; an
// error leaves it for the channel's retry policy after the placeholder has
// been marked failed best-effort.
func (p *Processor) Process(ctx context.Context, job dispatch.Job) error {
	done, err := p.run(ctx, job)
	if err != nil {
		p.counters.Failed.Add(1)
		p.markFailed(job, err)
		return err
	}
	if done {
		p.counters.Succeeded.Add(1)
	}
	return nil
}

// run returns (false, nil) when the job was a redelivery for an
// already-terminal placeholder and nothing was done.
func (p *Processor) run(ctx context.Context, job dispatch.Job) (bool, error) {
	start := time.Now()

	// Prepare: load and validate state, mark the placeholder streaming.
	placeholder, err := p.store.GetMessage(job.InterviewerMessageID)
	if err != nil {
		return false, fmt.Errorf("loading placeholder %s: %w", job.InterviewerMessageID, err)
	}
	if placeholder.Role != storage.RoleInterviewer {
		return false, fmt.Errorf("message %s has role %q, not an interviewer placeholder", placeholder.ID, placeholder.Role)
	}
	if placeholder.Status == storage.MessageCompleted || placeholder.Status == storage.MessageFailed {
		// Redelivered job for work that already finished.
		p.logger.Info("skipping redelivered job for terminal placeholder",
			"interviewer_message_id", placeholder.ID, "status", placeholder.Status)
		return false, nil
	}

	sess, err := p.store.GetSession(job.SessionID)
	if err != nil {
		return false, fmt.Errorf("loading session %s: %w", job.SessionID, err)
	}

	history, err := p.store.MessagesBySession(job.SessionID)
	if err != nil {
		return false, fmt.Errorf("loading history: %w", err)
	}

	if err := p.store.MarkMessageStatus(placeholder.ID, storage.MessageStreaming); err != nil {
		return false, fmt.Errorf("marking placeholder streaming: %w", err)
	}
	// Liveness nudge so subscribers render the reply as in progress.
	p.publisher.Publish(sess.ID, events.AIDelta(sess.ID, placeholder.ID, ""))

	// Generate: the only long phase; runs without any open transaction.
	req := generate.Request{
		InterviewType:   sess.InterviewType,
		ExperienceYears: sess.ExperienceYears,
		JobDescription:  sess.JobDescription,
		History:         historyTurns(history, placeholder.Seq),
		LatestMessage:   job.UserContent,
	}

	genCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Time to first token counts from the generation call, not from job
	// pickup; the prepare phase's reads stay out of it.
	genStart := time.Now()

	var reply string
	if p.streaming {
		firstDelta := false
		reply, err = p.gen.GenerateStream(genCtx, req, func(delta string) {
			if !firstDelta && delta != "" {
				firstDelta = true
				p.counters.LastTTFTMillis.Store(time.Since(genStart).Milliseconds())
			}
			p.publisher.Publish(sess.ID, events.AIDelta(sess.ID, placeholder.ID, delta))
		})
	} else {
		reply, err = p.gen.Generate(genCtx, req)
		if err == nil {
			// Single-shot: the whole call latency is the time to first token.
			p.counters.LastTTFTMillis.Store(time.Since(genStart).Milliseconds())
		}
	}
	if err != nil {
		return false, fmt.Errorf("generating reply: %w", err)
	}

	// Finalize: re-load defensively, persist the terminal state, announce.
	final, err := p.store.GetMessage(placeholder.ID)
	if err != nil {
		return false, fmt.Errorf("reloading placeholder: %w", err)
	}
	if err := p.store.UpdateMessage(final.ID, reply, storage.MessageCompleted); err != nil {
		return false, fmt.Errorf("finalizing placeholder: %w", err)
	}
	p.publisher.Publish(sess.ID, events.AIComplete(sess.ID, final.ID, reply))

	p.counters.LastDurationMs.Store(time.Since(start).Milliseconds())
	p.logger.Info("generation finished",
		"interviewer_message_id", final.ID,
		"session_id", sess.ID,
		"reply_chars", len(reply),
		"duration_ms", time.Since(start).Milliseconds())
	return true, nil
}

// markFailed is the best-effort cleanup transaction: set the placeholder
// failed and tell subscribers. Errors here are logged, never re-raised; the
// unacknowledged job remains eligible for redelivery.
func (p *Processor) markFailed(job dispatch.Job, cause error) {
	p.logger.Error("generation job failed",
		"interviewer_message_id", job.InterviewerMessageID,
		"session_id", job.SessionID,
		"error", cause)

	if err := p.store.MarkMessageStatus(job.InterviewerMessageID, storage.MessageFailed); err != nil {
		p.logger.Error("could not mark placeholder failed",
			"interviewer_message_id", job.InterviewerMessageID, "error", err)
	}
	p.publisher.Publish(job.SessionID, events.AIFailed(job.SessionID, job.InterviewerMessageID, cause.Error()))
}

// historyTurns converts stored messages into generation turns, excluding the
// placeholder itself and the user message that triggered this job (the
// request carries it separately as LatestMessage).
func historyTurns(history []storage.Message, placeholderSeq int64) []generate.Turn {
	turns := make([]generate.Turn, 0, len(history))
	for _, m := range history {
		if m.Seq >= placeholderSeq-1 {
			continue
		}
		turns = append(turns, generate.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}
