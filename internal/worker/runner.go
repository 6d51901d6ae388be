package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/avress/interviewd/internal/dispatch"
	"github.com/avress/interviewd/internal/storage"
)

// Runner consumes generation jobs from the durable queue and periodically
// reconciles placeholders whose jobs were lost between commit and dispatch.
type Runner struct {
	store      *storage.Store
	proc       *Processor
	poll       time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

// NewRunner creates a Runner. pollInterval <= 0 defaults to 500ms;
// staleAfter <= 0 defaults to 2 minutes.
func NewRunner(store *storage.Store, proc *Processor, pollInterval, staleAfter time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Runner{
		store:      store,
		proc:       proc,
		poll:       pollInterval,
		staleAfter: staleAfter,
		logger:     slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled, sweeping for stale placeholders
// between polls.
func (r *Runner) Run(ctx context.Context) {
	reconcileEvery := r.staleAfter / 2
	lastReconcile := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		done, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("worker iteration failed", "error", err)
		}

		if time.Since(lastReconcile) >= reconcileEvery {
			lastReconcile = time.Now()
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error("reconciliation sweep failed", "error", err)
			}
		}

		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// RunOnce claims and processes a single generation job. Returns true if a
// job was processed (regardless of success/failure).
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.store.ClaimNextJob([]string{dispatch.JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	var payload dispatch.Job
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		// Unparseable payloads can never succeed; fail toward dead-letter.
		r.logger.Error("malformed job payload", "job_id", job.ID, "error", err)
		if failErr := r.store.FailJob(job.ID, "malformed payload: "+err.Error()); failErr != nil {
			r.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}
	payload.RetryCount = job.Attempts

	if err := r.proc.Process(ctx, payload); err != nil {
		// Success acknowledges; failure leaves the job to the queue's
		// backoff/dead-letter policy.
		if failErr := r.store.FailJob(job.ID, err.Error()); failErr != nil {
			r.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := r.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// Reconcile re-enqueues generation jobs for interviewer placeholders that
// have sat pending longer than staleAfter with no active job. This closes
// the crash window between the append commit and dispatch.
func (r *Runner) Reconcile(ctx context.Context) error {
	stale, err := r.store.StalePlaceholders(time.Now().UTC().Add(-r.staleAfter))
	if err != nil {
		return fmt.Errorf("finding stale placeholders: %w", err)
	}

	queue := dispatch.NewQueue(r.store, 0)
	for _, placeholder := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		marker := fmt.Sprintf("%q:%q", "interviewerMessageId", placeholder.ID)
		active, err := r.store.HasActiveJobFor(dispatch.JobType, marker)
		if err != nil {
			return fmt.Errorf("checking active jobs for %s: %w", placeholder.ID, err)
		}
		if active {
			continue
		}

		// The triggering user message sits one sequence number below.
		trigger, err := r.store.MessagesAfterSeq(placeholder.SessionID, placeholder.Seq-2, 1)
		if err != nil {
			return fmt.Errorf("loading trigger message for %s: %w", placeholder.ID, err)
		}
		if len(trigger) == 0 || trigger[0].Role != storage.RoleUser {
			r.logger.Warn("stale placeholder has no paired user message", "interviewer_message_id", placeholder.ID)
			continue
		}

		r.logger.Warn("re-enqueueing lost generation job",
			"interviewer_message_id", placeholder.ID,
			"session_id", placeholder.SessionID,
			"pending_since", placeholder.CreatedAt)
		if err := queue.Enqueue(ctx, dispatch.Job{
			InterviewerMessageID: placeholder.ID,
			SessionID:            placeholder.SessionID,
			UserContent:          trigger[0].Content,
		}); err != nil {
			return fmt.Errorf("re-enqueueing job for %s: %w", placeholder.ID, err)
		}
	}
	return nil
}
