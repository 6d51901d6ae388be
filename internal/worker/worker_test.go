package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/avress/interviewd/internal/dispatch"
	"github.com/avress/interviewd/internal/events"
	"github.com/avress/interviewd/internal/generate"
	"github.com/avress/interviewd/internal/storage"
)

type fakeGenerator struct {
	deltas  []string
	err     error
	lastReq generate.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req generate.Request) (string, error) {
	f.lastReq = req
	if f.err != nil {
		return "", f.err
	}
	return strings.Join(f.deltas, ""), nil
}

func (f *fakeGenerator) GenerateStream(_ context.Context, req generate.Request, onDelta func(string)) (string, error) {
	f.lastReq = req
	var b strings.Builder
	for _, d := range f.deltas {
		onDelta(d)
		b.WriteString(d)
	}
	if f.err != nil {
		return "", f.err
	}
	return b.String(), nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(_ string, ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePublisher) byType(t string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// seedTurn persists a completed user message and its pending placeholder,
// returning both.
func seedTurn(t *testing.T, store *storage.Store, content string) (storage.Session, storage.Message, storage.Message) {
	t.Helper()
	userID := uuid.New().String()
	if _, err := store.EnsureUser(userID); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	sess := storage.Session{ID: uuid.New().String(), UserID: userID, InterviewType: "backend", ExperienceYears: 4}
	if err := store.CreateSession(&sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	userMsg := storage.Message{
		ID: uuid.New().String(), SessionID: sess.ID, Seq: sess.AllocateSeq(),
		Role: storage.RoleUser, Status: storage.MessageCompleted, Content: content,
	}
	placeholder := storage.Message{
		ID: uuid.New().String(), SessionID: sess.ID, Seq: sess.AllocateSeq(),
		Role: storage.RoleInterviewer, Status: storage.MessagePending,
	}
	sess.Status = storage.SessionStarted
	if err := store.AppendTurn(sess, userMsg, placeholder); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	return sess, userMsg, placeholder
}

func openWorkerStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestProcessStreamsAndCompletes(t *testing.T) {
	store := openWorkerStore(t)
	sess, userMsg, placeholder := seedTurn(t, store, "Tell me about caching")

	gen := &fakeGenerator{deltas: []string{"Sure.", " Let's talk", " about TTLs."}}
	pub := &capturePublisher{}
	proc := NewProcessor(store, gen, pub, true, time.Minute, nil)

	job := dispatch.Job{InterviewerMessageID: placeholder.ID, SessionID: sess.ID, UserContent: userMsg.Content}
	if err := proc.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	final, err := store.GetMessage(placeholder.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if final.Status != storage.MessageCompleted {
		t.Errorf("status = %q, want completed", final.Status)
	}
	if final.Content != "Sure. Let's talk about TTLs." {
		t.Errorf("content = %q", final.Content)
	}

	// One liveness nudge plus one event per token.
	deltas := pub.byType(events.TypeAIDelta)
	if len(deltas) != 4 {
		t.Fatalf("delta events = %d, want 4", len(deltas))
	}
	if deltas[0].Delta != "" {
		t.Errorf("first delta = %q, want liveness nudge", deltas[0].Delta)
	}
	completes := pub.byType(events.TypeAIComplete)
	if len(completes) != 1 || completes[0].Content != final.Content {
		t.Errorf("complete events = %+v", completes)
	}
	if got := pub.byType(events.TypeAIFailed); len(got) != 0 {
		t.Errorf("unexpected failure events: %+v", got)
	}

	if proc.Counters().Succeeded.Load() != 1 || proc.Counters().Failed.Load() != 0 {
		t.Errorf("counters = succeeded %d failed %d",
			proc.Counters().Succeeded.Load(), proc.Counters().Failed.Load())
	}

	// The triggering user message rides in LatestMessage, not History.
	if gen.lastReq.LatestMessage != userMsg.Content {
		t.Errorf("latest message = %q", gen.lastReq.LatestMessage)
	}
	if len(gen.lastReq.History) != 0 {
		t.Errorf("history = %+v, want empty for first turn", gen.lastReq.History)
	}
}

// slowPrepareStore stretches the prepare phase so timing assertions can tell
// it apart from the generation call.
type slowPrepareStore struct {
	MessageStore
	delay time.Duration
}

func (s *slowPrepareStore) MessagesBySession(sessionID string) ([]storage.Message, error) {
	time.Sleep(s.delay)
	return s.MessageStore.MessagesBySession(sessionID)
}

func TestProcessTTFTExcludesPrepare(t *testing.T) {
	store := openWorkerStore(t)
	sess, userMsg, placeholder := seedTurn(t, store, "Hi")

	delay := 250 * time.Millisecond
	gen := &fakeGenerator{deltas: []string{"Answer"}}
	proc := NewProcessor(&slowPrepareStore{MessageStore: store, delay: delay}, gen, &capturePublisher{}, true, time.Minute, nil)

	job := dispatch.Job{InterviewerMessageID: placeholder.ID, SessionID: sess.ID, UserContent: userMsg.Content}
	if err := proc.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if ttft := proc.Counters().LastTTFTMillis.Load(); ttft >= delay.Milliseconds()/2 {
		t.Errorf("TTFT = %dms, prepare time leaked into it (delay %dms)", ttft, delay.Milliseconds())
	}
}

func TestProcessFailureMarksPlaceholderFailed(t *testing.T) {
	store := openWorkerStore(t)
	sess, userMsg, placeholder := seedTurn(t, store, "Hi")

	gen := &fakeGenerator{deltas: []string{"Partial"}, err: errors.New("upstream timeout")}
	pub := &capturePublisher{}
	proc := NewProcessor(store, gen, pub, true, time.Minute, nil)

	job := dispatch.Job{InterviewerMessageID: placeholder.ID, SessionID: sess.ID, UserContent: userMsg.Content}
	if err := proc.Process(context.Background(), job); err == nil {
		t.Fatal("Process returned nil, want error")
	}

	final, err := store.GetMessage(placeholder.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if final.Status != storage.MessageFailed {
		t.Errorf("status = %q, want failed", final.Status)
	}
	if final.Content != "" {
		t.Errorf("partial output persisted: %q", final.Content)
	}

	if got := pub.byType(events.TypeAIFailed); len(got) != 1 {
		t.Errorf("failure events = %d, want 1", len(got))
	}
	if got := pub.byType(events.TypeAIComplete); len(got) != 0 {
		t.Errorf("unexpected completion events: %+v", got)
	}
	if proc.Counters().Failed.Load() != 1 {
		t.Errorf("failed counter = %d, want 1", proc.Counters().Failed.Load())
	}
}

func TestProcessSkipsTerminalPlaceholder(t *testing.T) {
	store := openWorkerStore(t)
	sess, userMsg, placeholder := seedTurn(t, store, "Hi")
	if err := store.UpdateMessage(placeholder.ID, "already answered", storage.MessageCompleted); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}

	gen := &fakeGenerator{deltas: []string{"should not run"}}
	pub := &capturePublisher{}
	proc := NewProcessor(store, gen, pub, true, time.Minute, nil)

	job := dispatch.Job{InterviewerMessageID: placeholder.ID, SessionID: sess.ID, UserContent: userMsg.Content}
	if err := proc.Process(context.Background(), job); err != nil {
		t.Fatalf("redelivered job should ack cleanly, got %v", err)
	}

	final, _ := store.GetMessage(placeholder.ID)
	if final.Content != "already answered" {
		t.Errorf("redelivery rewrote content: %q", final.Content)
	}
	if len(pub.events) != 0 {
		t.Errorf("redelivery published events: %+v", pub.events)
	}
	if proc.Counters().Succeeded.Load() != 0 {
		t.Errorf("redelivery counted as success")
	}
}

func TestProcessIncludesPriorHistory(t *testing.T) {
	store := openWorkerStore(t)
	sess, _, first := seedTurn(t, store, "First question")
	if err := store.UpdateMessage(first.ID, "First answer", storage.MessageCompleted); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}

	userMsg := storage.Message{
		ID: uuid.New().String(), SessionID: sess.ID, Seq: sess.AllocateSeq(),
		Role: storage.RoleUser, Status: storage.MessageCompleted, Content: "Second question",
	}
	placeholder := storage.Message{
		ID: uuid.New().String(), SessionID: sess.ID, Seq: sess.AllocateSeq(),
		Role: storage.RoleInterviewer, Status: storage.MessagePending,
	}
	if err := store.AppendTurn(sess, userMsg, placeholder); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	gen := &fakeGenerator{deltas: []string{"Second answer"}}
	proc := NewProcessor(store, gen, &capturePublisher{}, false, time.Minute, nil)

	job := dispatch.Job{InterviewerMessageID: placeholder.ID, SessionID: sess.ID, UserContent: userMsg.Content}
	if err := proc.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := []generate.Turn{
		{Role: storage.RoleUser, Content: "First question"},
		{Role: storage.RoleInterviewer, Content: "First answer"},
	}
	if len(gen.lastReq.History) != len(want) {
		t.Fatalf("history = %+v, want %+v", gen.lastReq.History, want)
	}
	for i := range want {
		if gen.lastReq.History[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, gen.lastReq.History[i], want[i])
		}
	}
}

func TestRunOnceClaimsProcessesAcks(t *testing.T) {
	store := openWorkerStore(t)
	sess, userMsg, placeholder := seedTurn(t, store, "Hi")

	queue := dispatch.NewQueue(store, 3)
	job := dispatch.Job{InterviewerMessageID: placeholder.ID, SessionID: sess.ID, UserContent: userMsg.Content}
	if err := queue.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	gen := &fakeGenerator{deltas: []string{"Answer"}}
	proc := NewProcessor(store, gen, &capturePublisher{}, false, time.Minute, nil)
	runner := NewRunner(store, proc, 0, 0)

	done, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce did not claim the enqueued job")
	}

	final, _ := store.GetMessage(placeholder.ID)
	if final.Status != storage.MessageCompleted {
		t.Errorf("placeholder status = %q, want completed", final.Status)
	}

	// Acknowledged: the queue has nothing left to claim.
	if next, _ := store.ClaimNextJob([]string{dispatch.JobType}); next != nil {
		t.Errorf("job was not acknowledged: %+v", next)
	}

	if again, err := runner.RunOnce(context.Background()); err != nil || again {
		t.Errorf("empty queue RunOnce = (%v, %v), want (false, nil)", again, err)
	}
}

func TestRunOnceFailureLeavesJobForRetry(t *testing.T) {
	store := openWorkerStore(t)
	sess, userMsg, placeholder := seedTurn(t, store, "Hi")

	payload, _ := json.Marshal(dispatch.Job{
		InterviewerMessageID: placeholder.ID, SessionID: sess.ID, UserContent: userMsg.Content,
	})
	jobID := uuid.New().String()
	if err := store.EnqueueJob(storage.Job{
		ID: jobID, Type: dispatch.JobType, PayloadJSON: string(payload), MaxAttempts: 3,
	}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	gen := &fakeGenerator{err: errors.New("boom")}
	proc := NewProcessor(store, gen, &capturePublisher{}, false, time.Minute, nil)
	runner := NewRunner(store, proc, 0, 0)

	done, err := runner.RunOnce(context.Background())
	if err != nil || !done {
		t.Fatalf("RunOnce = (%v, %v)", done, err)
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobPending || job.Attempts != 1 {
		t.Errorf("job after failure = %s/%d, want pending/1", job.Status, job.Attempts)
	}
	if job.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestRunOnceDeadLettersMalformedPayload(t *testing.T) {
	store := openWorkerStore(t)
	jobID := uuid.New().String()
	if err := store.EnqueueJob(storage.Job{
		ID: jobID, Type: dispatch.JobType, PayloadJSON: "{not json", MaxAttempts: 1,
	}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	proc := NewProcessor(store, &fakeGenerator{}, &capturePublisher{}, false, time.Minute, nil)
	runner := NewRunner(store, proc, 0, 0)

	done, err := runner.RunOnce(context.Background())
	if err != nil || !done {
		t.Fatalf("RunOnce = (%v, %v)", done, err)
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobFailed {
		t.Errorf("malformed job status = %q, want failed", job.Status)
	}
}

func TestReconcileReEnqueuesLostJob(t *testing.T) {
	store := openWorkerStore(t)
	sess, userMsg, placeholder := seedTurn(t, store, "Hi")

	proc := NewProcessor(store, &fakeGenerator{deltas: []string{"Answer"}}, &capturePublisher{}, false, time.Minute, nil)
	runner := NewRunner(store, proc, time.Millisecond, time.Nanosecond)

	time.Sleep(5 * time.Millisecond)
	if err := runner.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	claimed, err := store.ClaimNextJob([]string{dispatch.JobType})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if claimed == nil {
		t.Fatal("reconciliation did not enqueue a job")
	}
	if !strings.Contains(claimed.PayloadJSON, placeholder.ID) || !strings.Contains(claimed.PayloadJSON, userMsg.Content) {
		t.Errorf("payload = %s", claimed.PayloadJSON)
	}
	if !strings.Contains(claimed.PayloadJSON, sess.ID) {
		t.Errorf("payload missing session id: %s", claimed.PayloadJSON)
	}
}

func TestReconcileSkipsPlaceholderWithActiveJob(t *testing.T) {
	store := openWorkerStore(t)
	sess, userMsg, placeholder := seedTurn(t, store, "Hi")

	queue := dispatch.NewQueue(store, 3)
	if err := queue.Enqueue(context.Background(), dispatch.Job{
		InterviewerMessageID: placeholder.ID, SessionID: sess.ID, UserContent: userMsg.Content,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	proc := NewProcessor(store, &fakeGenerator{}, &capturePublisher{}, false, time.Minute, nil)
	runner := NewRunner(store, proc, time.Millisecond, time.Nanosecond)

	time.Sleep(5 * time.Millisecond)
	if err := runner.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// Only the original job is claimable; a duplicate would surface here.
	first, err := store.ClaimNextJob([]string{dispatch.JobType})
	if err != nil || first == nil {
		t.Fatalf("ClaimNextJob = (%+v, %v)", first, err)
	}
	if second, _ := store.ClaimNextJob([]string{dispatch.JobType}); second != nil {
		t.Errorf("reconciliation enqueued a duplicate: %+v", second)
	}
}
