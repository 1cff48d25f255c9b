package alertsync

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeAlertAPI drives the queue-facing side of AlertAPI from tests.
type fakeAlertAPI struct {
	mu        sync.Mutex
	submitFn  func(sub Submission) error
	submitted []Submission

	myAlerts []Alert
	nearby   []Alert
	thread   []ChatMessage
}

func (f *fakeAlertAPI) SubmitAlert(ctx context.Context, token string, sub Submission) error {
	f.mu.Lock()
	f.submitted = append(f.submitted, sub)
	fn := f.submitFn
	f.mu.Unlock()
	if fn != nil {
		return fn(sub)
	}
	return nil
}

func (f *fakeAlertAPI) MyAlerts(ctx context.Context, token string) ([]Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Alert(nil), f.myAlerts...), nil
}

func (f *fakeAlertAPI) NearbyAlerts(ctx context.Context, token string, coord Coordinate) ([]Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Alert(nil), f.nearby...), nil
}

func (f *fakeAlertAPI) ChatThread(ctx context.Context, token string, alertID int64) ([]ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ChatMessage(nil), f.thread...), nil
}

func (f *fakeAlertAPI) UpdateLocation(ctx context.Context, token string, coord Coordinate) error {
	return nil
}

func (f *fakeAlertAPI) submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submitted...)
}

func testCredentials() *StaticCredentials {
	return &StaticCredentials{Credential: Credential{AccessToken: "tok", UserID: "7", UserType: "citizen"}}
}

func newTestSyncer(t *testing.T, queue SubmissionQueue, api AlertAPI, opts SyncerOptions) *Syncer {
	t.Helper()
	opts.Queue = queue
	opts.API = api
	if opts.Credentials == nil {
		opts.Credentials = testCredentials()
	}
	syncer, err := NewSyncer(opts)
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	return syncer
}

func TestDrainDeliversAndRemoves(t *testing.T) {
	queue := NewInMemorySubmissionQueue()
	for _, content := range []string{"one", "two"} {
		if _, err := queue.Enqueue(testSubmission(content)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	api := &fakeAlertAPI{}
	syncer := newTestSyncer(t, queue, api, SyncerOptions{})

	syncer.TriggerDrain(context.Background())
	syncer.Wait()

	if queue.Depth() != 0 {
		t.Fatalf("expected drained queue, depth %d", queue.Depth())
	}
	sent := api.submissions()
	if len(sent) != 2 || sent[0].Content != "one" || sent[1].Content != "two" {
		t.Fatalf("expected both entries sent in order, got %+v", sent)
	}
}

func TestDrainKeepsRetryableAndContinues(t *testing.T) {
	queue := NewInMemorySubmissionQueue()
	for _, content := range []string{"a", "b", "c"} {
		if _, err := queue.Enqueue(testSubmission(content)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	api := &fakeAlertAPI{submitFn: func(sub Submission) error {
		if sub.Content == "b" {
			return &HTTPError{StatusCode: 503, Message: "overloaded"}
		}
		return nil
	}}
	syncer := newTestSyncer(t, queue, api, SyncerOptions{})

	syncer.TriggerDrain(context.Background())
	syncer.Wait()

	items, _ := queue.ListAll()
	if len(items) != 1 || items[0].Content != "b" {
		t.Fatalf("only the retryable entry should remain, got %+v", items)
	}
	if len(api.submissions()) != 3 {
		t.Fatalf("a retryable failure must not stop the pass, got %d sends", len(api.submissions()))
	}
}

func TestDrainDropsNonRetryable(t *testing.T) {
	queue := NewInMemorySubmissionQueue()
	if _, err := queue.Enqueue(testSubmission("rejected")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	api := &fakeAlertAPI{submitFn: func(sub Submission) error {
		return &HTTPError{StatusCode: 422, Message: "bad payload"}
	}}
	syncer := newTestSyncer(t, queue, api, SyncerOptions{})

	syncer.TriggerDrain(context.Background())
	syncer.Wait()

	if queue.Depth() != 0 {
		t.Fatalf("non-retryable entry should be dropped, depth %d", queue.Depth())
	}
}

func TestDrainAbortsOnUnauthorized(t *testing.T) {
	queue := NewInMemorySubmissionQueue()
	for _, content := range []string{"a", "b", "c"} {
		if _, err := queue.Enqueue(testSubmission(content)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	api := &fakeAlertAPI{submitFn: func(sub Submission) error {
		if sub.Content == "b" {
			return &HTTPError{StatusCode: 401, Message: "token expired"}
		}
		return nil
	}}
	var authSignals int
	var signalMu sync.Mutex
	syncer := newTestSyncer(t, queue, api, SyncerOptions{OnAuthExpired: func() {
		signalMu.Lock()
		authSignals++
		signalMu.Unlock()
	}})

	syncer.TriggerDrain(context.Background())
	syncer.Wait()

	items, _ := queue.ListAll()
	if len(items) != 2 || items[0].Content != "b" || items[1].Content != "c" {
		t.Fatalf("expected b and c kept after abort, got %+v", items)
	}
	if len(api.submissions()) != 2 {
		t.Fatalf("the pass must stop at the 401, got %d sends", len(api.submissions()))
	}
	signalMu.Lock()
	defer signalMu.Unlock()
	if authSignals != 1 {
		t.Fatalf("expected exactly one auth-expired signal, got %d", authSignals)
	}
}

func TestDrainSkipsWhenUnreachable(t *testing.T) {
	queue := NewInMemorySubmissionQueue()
	if _, err := queue.Enqueue(testSubmission("held")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	api := &fakeAlertAPI{}
	syncer := newTestSyncer(t, queue, api, SyncerOptions{Reachable: func() bool { return false }})

	syncer.TriggerDrain(context.Background())
	syncer.Wait()

	if len(api.submissions()) != 0 {
		t.Fatalf("no requests should go out while unreachable")
	}
	if queue.Depth() != 1 {
		t.Fatalf("queue must be untouched, depth %d", queue.Depth())
	}
}

func TestDrainSkipsWithoutCredential(t *testing.T) {
	queue := NewInMemorySubmissionQueue()
	if _, err := queue.Enqueue(testSubmission("held")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	api := &fakeAlertAPI{}
	syncer := newTestSyncer(t, queue, api, SyncerOptions{Credentials: &StaticCredentials{}})

	syncer.TriggerDrain(context.Background())
	syncer.Wait()

	if len(api.submissions()) != 0 || queue.Depth() != 1 {
		t.Fatalf("missing credential must leave the queue alone")
	}
}

func TestConcurrentTriggersCoalesce(t *testing.T) {
	queue := NewInMemorySubmissionQueue()
	if _, err := queue.Enqueue(testSubmission("slow")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	api := &fakeAlertAPI{submitFn: func(sub Submission) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}}
	syncer := newTestSyncer(t, queue, api, SyncerOptions{})

	ctx := context.Background()
	syncer.TriggerDrain(ctx)
	<-started
	// All of these land mid-pass and must fold into a single extra pass.
	for i := 0; i < 5; i++ {
		syncer.TriggerDrain(ctx)
	}
	close(release)
	syncer.Wait()

	// One send for the first pass; the coalesced rerun sees an empty queue.
	if sends := len(api.submissions()); sends != 1 {
		t.Fatalf("expected 1 send, got %d", sends)
	}
	if queue.Depth() != 0 {
		t.Fatalf("queue should be drained, depth %d", queue.Depth())
	}
}

func TestDrainCancelledContext(t *testing.T) {
	queue := NewInMemorySubmissionQueue()
	if _, err := queue.Enqueue(testSubmission("held")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	api := &fakeAlertAPI{}
	syncer := newTestSyncer(t, queue, api, SyncerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	syncer.TriggerDrain(ctx)
	syncer.Wait()

	if len(api.submissions()) != 0 || queue.Depth() != 1 {
		t.Fatalf("cancelled drain must not mutate the queue")
	}
}

func TestRunDrainsOnReachableTransition(t *testing.T) {
	queue := NewInMemorySubmissionQueue()
	api := &fakeAlertAPI{}

	var reachable sync.Map
	reachable.Store("up", false)
	syncer := newTestSyncer(t, queue, api, SyncerOptions{Reachable: func() bool {
		up, _ := reachable.Load("up")
		return up.(bool)
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transitions := make(chan Transition, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		syncer.Run(ctx, transitions)
	}()

	if _, err := queue.Enqueue(testSubmission("offline")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	reachable.Store("up", true)
	transitions <- BecameReachable

	deadline := time.After(2 * time.Second)
	for queue.Depth() != 0 {
		select {
		case <-deadline:
			t.Fatalf("queue not drained after reachable transition")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
	syncer.Wait()
}
