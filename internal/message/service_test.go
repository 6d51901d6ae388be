package message

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/avress/interviewd/internal/dispatch"
	"github.com/avress/interviewd/internal/events"
	"github.com/avress/interviewd/internal/limits"
	"github.com/avress/interviewd/internal/session"
	"github.com/avress/interviewd/internal/storage"
)

// countingStore wraps the real store and counts idempotency lookups.
type countingStore struct {
	*storage.Store
	mu           sync.Mutex
	dedupLookups int
}

func (c *countingStore) MessageByIdempotencyKey(sessionID, key string) (storage.Message, error) {
	c.mu.Lock()
	c.dedupLookups++
	c.mu.Unlock()
	return c.Store.MessageByIdempotencyKey(sessionID, key)
}

// allowAllPolicy never rejects.
type allowAllPolicy struct{}

func (allowAllPolicy) Check(userID string) (storage.User, error) {
	return storage.User{ID: userID, Tier: "free", MessageLimit: 50}, nil
}

// denyPolicy always rejects with a structured limit error.
type denyPolicy struct{}

func (denyPolicy) Check(userID string) (storage.User, error) {
	u := storage.User{ID: userID, Tier: "free", MessageCount: 50, MessageLimit: 50}
	return u, &limits.LimitExceededError{Limit: 50, Count: 50, Tier: "free"}
}

// recordingChannel captures enqueued jobs without processing them.
type recordingChannel struct {
	mu   sync.Mutex
	jobs []dispatch.Job
}

func (r *recordingChannel) Enqueue(_ context.Context, job dispatch.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingChannel) Jobs() []dispatch.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.Job(nil), r.jobs...)
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ string, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) byType(t string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	svc     *Service
	store   *countingStore
	channel *recordingChannel
	pub     *recordingPublisher
	userID  string
	sess    storage.Session
}

func newFixture(t *testing.T, policy limits.Policy) *fixture {
	t.Helper()
	raw, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { raw.Close() })

	userID := uuid.New().String()
	if _, err := raw.EnsureUser(userID); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	sess := storage.Session{ID: uuid.New().String(), UserID: userID, InterviewType: "backend"}
	if err := raw.CreateSession(&sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	store := &countingStore{Store: raw}
	channel := &recordingChannel{}
	pub := &recordingPublisher{}
	svc := NewService(store, session.NewLockRegistry(), policy, channel, pub)
	return &fixture{svc: svc, store: store, channel: channel, pub: pub, userID: userID, sess: sess}
}

func TestAppendCreatesPairAndDispatches(t *testing.T) {
	f := newFixture(t, allowAllPolicy{})

	res, err := f.svc.Append(context.Background(), f.sess.ID, f.userID, "Hi there", "")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.UserMessageID == "" || res.InterviewerMessageID == "" {
		t.Fatalf("result = %+v", res)
	}

	msgs, err := f.store.MessagesBySession(f.sess.ID)
	if err != nil {
		t.Fatalf("MessagesBySession: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != storage.RoleUser || msgs[0].Status != storage.MessageCompleted || msgs[0].Seq != 1 {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != storage.RoleInterviewer || msgs[1].Status != storage.MessagePending || msgs[1].Seq != 2 {
		t.Errorf("placeholder = %+v", msgs[1])
	}

	jobs := f.channel.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	if jobs[0].InterviewerMessageID != res.InterviewerMessageID || jobs[0].UserContent != "Hi there" {
		t.Errorf("job = %+v", jobs[0])
	}

	if got := f.pub.byType(events.TypeAccepted); len(got) != 1 {
		t.Errorf("accepted events = %d, want 1", len(got))
	}

	// First append moves the session out of pending.
	sess, err := f.store.GetSession(f.sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != storage.SessionStarted {
		t.Errorf("session status = %q, want started", sess.Status)
	}
}

func TestAppendIdempotentSameResultOnce(t *testing.T) {
	f := newFixture(t, allowAllPolicy{})
	ctx := context.Background()

	first, err := f.svc.Append(ctx, f.sess.ID, f.userID, "original content", "k1")
	if err != nil {
		t.Fatalf("first Append: %v", err)
	}
	// Same key, different content: same ids, no new rows, no new job.
	second, err := f.svc.Append(ctx, f.sess.ID, f.userID, "different content", "k1")
	if err != nil {
		t.Fatalf("second Append: %v", err)
	}
	if first != second {
		t.Errorf("results differ: %+v vs %+v", first, second)
	}

	msgs, _ := f.store.MessagesBySession(f.sess.ID)
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "original content" {
		t.Errorf("dedup overwrote content: %q", msgs[0].Content)
	}
	if jobs := f.channel.Jobs(); len(jobs) != 1 {
		t.Errorf("got %d jobs, want 1", len(jobs))
	}
}

func TestAppendConcurrentSameKey(t *testing.T) {
	f := newFixture(t, allowAllPolicy{})

	const callers = 8
	start := make(chan struct{})
	results := make([]Result, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.svc.Append(context.Background(), f.sess.ID, f.userID, "Hi", "k1")
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("caller %d got %+v, caller 0 got %+v", i, results[i], results[0])
		}
	}

	msgs, _ := f.store.MessagesBySession(f.sess.ID)
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want exactly one pair", len(msgs))
	}
	if jobs := f.channel.Jobs(); len(jobs) != 1 {
		t.Errorf("got %d jobs, want 1", len(jobs))
	}
}

func TestAppendConcurrentDistinctKeysNoLostUpdates(t *testing.T) {
	f := newFixture(t, allowAllPolicy{})

	const callers = 10
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Append(context.Background(), f.sess.ID, f.userID, "turn", uuid.New().String())
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}

	msgs, _ := f.store.MessagesBySession(f.sess.ID)
	if len(msgs) != 2*callers {
		t.Fatalf("got %d messages, want %d", len(msgs), 2*callers)
	}
	// Contiguous run of 2N sequence numbers, no gaps, no duplicates,
	// strictly alternating roles.
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Errorf("position %d has seq %d", i, m.Seq)
		}
		wantRole := storage.RoleUser
		if i%2 == 1 {
			wantRole = storage.RoleInterviewer
		}
		if m.Role != wantRole {
			t.Errorf("seq %d role = %q, want %q", m.Seq, m.Role, wantRole)
		}
	}
}

func TestAppendBlankKeySkipsDedupLookup(t *testing.T) {
	f := newFixture(t, allowAllPolicy{})

	if _, err := f.svc.Append(context.Background(), f.sess.ID, f.userID, "Hi", "   "); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if f.store.dedupLookups != 0 {
		t.Errorf("dedup lookups = %d, want 0 for blank key", f.store.dedupLookups)
	}
	msgs, _ := f.store.MessagesBySession(f.sess.ID)
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want 2", len(msgs))
	}
}

func TestAppendLimitExceededBeforeAnythingElse(t *testing.T) {
	f := newFixture(t, denyPolicy{})

	_, err := f.svc.Append(context.Background(), f.sess.ID, f.userID, "Hi", "k1")
	var le *limits.LimitExceededError
	if !errors.As(err, &le) {
		t.Fatalf("Append = %v, want LimitExceededError", err)
	}
	if le.Limit != 50 || le.Count != 50 || le.Tier != "free" {
		t.Errorf("limit error = %+v", le)
	}

	// No dedup resolution, no rows, no job; one limit event.
	if f.store.dedupLookups != 0 {
		t.Errorf("dedup lookups = %d, want 0", f.store.dedupLookups)
	}
	msgs, _ := f.store.MessagesBySession(f.sess.ID)
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0", len(msgs))
	}
	if jobs := f.channel.Jobs(); len(jobs) != 0 {
		t.Errorf("got %d jobs, want 0", len(jobs))
	}
	if got := f.pub.byType(events.TypeLimitExceeded); len(got) != 1 {
		t.Errorf("limit events = %d, want 1", len(got))
	}
}

func TestAppendMasksForeignSession(t *testing.T) {
	f := newFixture(t, allowAllPolicy{})

	_, err := f.svc.Append(context.Background(), f.sess.ID, uuid.New().String(), "Hi", "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Append by non-owner = %v, want ErrNotFound", err)
	}

	_, err = f.svc.Append(context.Background(), uuid.New().String(), f.userID, "Hi", "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Append to missing session = %v, want ErrNotFound", err)
	}
}

func TestAppendRejectedAfterTerminalStatus(t *testing.T) {
	f := newFixture(t, allowAllPolicy{})

	if err := f.store.UpdateSessionStatus(f.sess.ID, storage.SessionCompleted, nil); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}

	_, err := f.svc.Append(context.Background(), f.sess.ID, f.userID, "Hi", "")
	if !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("Append to completed session = %v, want ErrInvalidState", err)
	}
}

func TestHistoryScopedToOwner(t *testing.T) {
	f := newFixture(t, allowAllPolicy{})

	if _, err := f.svc.Append(context.Background(), f.sess.ID, f.userID, "Hi", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	msgs, err := f.svc.History(f.sess.ID, f.userID, 0, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("history = %d messages, want 2", len(msgs))
	}

	if _, err := f.svc.History(f.sess.ID, uuid.New().String(), 0, 0); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("History by non-owner = %v, want ErrNotFound", err)
	}
}
