// Package dispatch decouples commit-time job creation from asynchronous
// generation. Two channels conform: Direct hands jobs straight to the
// processor on a goroutine (single-instance deployments), Queue persists
// them to the durable job table for the polling worker, giving
// at-least-once delivery with redelivery and dead-lettering.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/avress/interviewd/internal/storage"
)

// JobType is the queue type tag for generation jobs.
const JobType = "generate_reply"

// Job is the generation handoff payload. The wire shape is identical for the
// in-process and durable transports.
type Job struct {
	InterviewerMessageID string `json:"interviewerMessageId"`
	SessionID            string `json:"sessionId"`
	UserContent          string `json:"userContent"`
	RetryCount           int    `json:"retryCount,omitempty"`
}

// Channel hands committed jobs to a worker. Enqueue is fire-and-forget: the
// coordinator calls it strictly after its transaction committed and does not
// wait for processing.
type Channel interface {
	Enqueue(ctx context.Context, job Job) error
}

// Processor executes one generation job. A nil return acknowledges the job;
// an error leaves it to the channel's retry policy.
type Processor interface {
	Process(ctx context.Context, job Job) error
}

// Direct runs each job on its own goroutine with no durability. A crash
// between commit and completion loses the job; the worker's reconciliation
// sweep re-issues work for placeholders left pending.
type Direct struct {
	proc   Processor
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewDirect(proc Processor) *Direct {
	return &Direct{proc: proc, logger: slog.Default()}
}

func (d *Direct) Enqueue(_ context.Context, job Job) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// The request context ends when the HTTP response is written;
		// processing owns its own lifetime.
		if err := d.proc.Process(context.Background(), job); err != nil {
			d.logger.Error("generation job failed",
				"interviewer_message_id", job.InterviewerMessageID,
				"session_id", job.SessionID,
				"error", err)
		}
	}()
	return nil
}

// Wait blocks until all in-flight jobs finish. Used on shutdown and in tests.
func (d *Direct) Wait() {
	d.wg.Wait()
}

// Queue persists jobs to the durable job table; the worker's poll loop
// claims, processes, and acknowledges them.
type Queue struct {
	store       *storage.Store
	maxAttempts int
}

func NewQueue(store *storage.Store, maxAttempts int) *Queue {
	return &Queue{store: store, maxAttempts: maxAttempts}
}

func (q *Queue) Enqueue(_ context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job payload: %w", err)
	}
	return q.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(payload),
		MaxAttempts: q.maxAttempts,
	})
}
