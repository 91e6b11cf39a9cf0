package aggregator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/yungbote/posterforge/internal/bus"
	"github.com/yungbote/posterforge/internal/domain"
	"github.com/yungbote/posterforge/internal/eventhub"
	"github.com/yungbote/posterforge/internal/platform/logger"
	"github.com/yungbote/posterforge/internal/store"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

type loopbackFederator struct {
	mu      sync.Mutex
	onEvent func(eventhub.Event)
}

func (f *loopbackFederator) Publish(ctx context.Context, ev eventhub.Event) error {
	f.mu.Lock()
	cb := f.onEvent
	f.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
	return nil
}
func (f *loopbackFederator) StartForwarder(ctx context.Context, onEvent func(eventhub.Event)) error {
	f.mu.Lock()
	f.onEvent = onEvent
	f.mu.Unlock()
	return nil
}
func (f *loopbackFederator) Close() error { return nil }

// fakeStore is a minimal in-memory stand-in for store.Store, enough to exercise the
// Aggregator's CAS-transition logic without a real database.
type fakeStore struct {
	mu         sync.Mutex
	state      domain.JobState
	transition []string // records every (from,to) attempted, in order
}

func newFakeStore(initial domain.JobState) *fakeStore {
	return &fakeStore{state: initial}
}

func (s *fakeStore) CreateJob(ctx context.Context, spec store.JobSpec) error { return nil }

func (s *fakeStore) TransitionJob(ctx context.Context, jobID string, from, to domain.JobState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transition = append(s.transition, string(from)+"->"+string(to))
	if s.state != from {
		return false, nil
	}
	s.state = to
	return true, nil
}

func (s *fakeStore) UpsertItem(ctx context.Context, jobID, itemID string, fields store.ItemFields) (bool, error) {
	return true, nil
}
func (s *fakeStore) BumpCounters(ctx context.Context, jobID string, dProcessed, dSuccess, dFailure int) error {
	return nil
}
func (s *fakeStore) AppendLog(ctx context.Context, jobID string, level domain.LogLevel, message string, details []byte) error {
	return nil
}
func (s *fakeStore) RecordFailure(ctx context.Context, jobID, itemID, identifier string, kind domain.FailureKind, message string, details []byte, templateSnapshot string) error {
	return nil
}
func (s *fakeStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) { return nil, nil }
func (s *fakeStore) GetItems(ctx context.Context, jobID string) ([]*domain.WorkItem, error) {
	return nil, nil
}
func (s *fakeStore) GetStats(ctx context.Context, jobID string) (*domain.Stats, error) { return nil, nil }
func (s *fakeStore) ListJobs(ctx context.Context, state *domain.JobState, limit, offset int) ([]*domain.Job, error) {
	return nil, nil
}
func (s *fakeStore) GetLogs(ctx context.Context, jobID string, level *domain.LogLevel, limit int) ([]*domain.LogEntry, error) {
	return nil, nil
}

func (s *fakeStore) currentState() domain.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func publishStats(t *testing.T, b *bus.InMemBus, jobID string, stats domain.Stats) {
	t.Helper()
	body, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal stats: %v", err)
	}
	if err := b.Publish(context.Background(), bus.TopicProgress, jobID, bus.Envelope{JobID: jobID, Kind: "progress", Body: body}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestAggregatorTransitionsQueuedToProcessingOnFirstProgress(t *testing.T) {
	b := bus.NewInMemBus()
	st := newFakeStore(domain.JobStateQueued)
	hub := eventhub.NewHub(&loopbackFederator{}, testLogger(t))
	_ = hub.StartFederation(context.Background())
	agg := NewAggregator(b, st, hub, testLogger(t))

	publishStats(t, b, "job_1", domain.Stats{JobID: "job_1", Total: 3, Processed: 1, Success: 1})

	if err := b.Consume(context.Background(), []bus.Topic{bus.TopicProgress}, "poster-aggregator", agg.handle); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if st.currentState() != domain.JobStateProcessing {
		t.Fatalf("expected job to move to processing, got %s", st.currentState())
	}
}

func TestAggregatorTransitionsToCompletedOnDrain(t *testing.T) {
	b := bus.NewInMemBus()
	st := newFakeStore(domain.JobStateProcessing)
	hub := eventhub.NewHub(&loopbackFederator{}, testLogger(t))
	_ = hub.StartFederation(context.Background())

	var captured eventhub.Event
	sub := hub.Subscribe("job_1")
	defer sub.Close()

	agg := NewAggregator(b, st, hub, testLogger(t))
	publishStats(t, b, "job_1", domain.Stats{JobID: "job_1", Total: 2, Processed: 2, Success: 2, Failure: 0})

	if err := b.Consume(context.Background(), []bus.Topic{bus.TopicProgress}, "poster-aggregator", agg.handle); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if st.currentState() != domain.JobStateCompleted {
		t.Fatalf("expected job to move to completed, got %s", st.currentState())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := sub.Next(ctx)
	if !ok {
		t.Fatalf("expected a terminal event to be published")
	}
	captured = ev
	if captured.Name != eventhub.EventJobCompleted {
		t.Fatalf("expected job_completed (not job_failed) when some items succeeded, got %s", captured.Name)
	}

	var busEnvelopes []bus.Envelope
	if err := b.Consume(context.Background(), []bus.Topic{bus.TopicResults}, "downstream", func(ctx context.Context, env bus.Envelope) error {
		busEnvelopes = append(busEnvelopes, env)
		return nil
	}); err != nil {
		t.Fatalf("Consume TopicResults: %v", err)
	}
	if len(busEnvelopes) != 1 {
		t.Fatalf("expected the job-level terminal event to also publish on Bus.results, got %d envelopes", len(busEnvelopes))
	}
}

func TestAggregatorEmitsJobFailedWhenEveryItemFailed(t *testing.T) {
	b := bus.NewInMemBus()
	st := newFakeStore(domain.JobStateProcessing)
	hub := eventhub.NewHub(&loopbackFederator{}, testLogger(t))
	_ = hub.StartFederation(context.Background())

	sub := hub.Subscribe("job_1")
	defer sub.Close()

	agg := NewAggregator(b, st, hub, testLogger(t))
	publishStats(t, b, "job_1", domain.Stats{JobID: "job_1", Total: 2, Processed: 2, Success: 0, Failure: 2})

	if err := b.Consume(context.Background(), []bus.Topic{bus.TopicProgress}, "poster-aggregator", agg.handle); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	// Terminal JobState is still `completed` regardless of the failure mix; only the
	// informational event distinguishes an all-failed drain.
	if st.currentState() != domain.JobStateCompleted {
		t.Fatalf("expected terminal state to remain completed on an all-failed drain, got %s", st.currentState())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := sub.Next(ctx)
	if !ok || ev.Name != eventhub.EventJobFailed {
		t.Fatalf("expected job_failed event when every item failed, got ev=%+v ok=%v", ev, ok)
	}

	var busEnvelopes []bus.Envelope
	if err := b.Consume(context.Background(), []bus.Topic{bus.TopicErrors}, "downstream", func(ctx context.Context, env bus.Envelope) error {
		busEnvelopes = append(busEnvelopes, env)
		return nil
	}); err != nil {
		t.Fatalf("Consume TopicErrors: %v", err)
	}
	if len(busEnvelopes) != 1 {
		t.Fatalf("expected the job-level job_failed event to also publish on Bus.errors, got %d envelopes", len(busEnvelopes))
	}
}

func TestAggregatorDoesNotTransitionBeforeDrainComplete(t *testing.T) {
	b := bus.NewInMemBus()
	st := newFakeStore(domain.JobStateProcessing)
	hub := eventhub.NewHub(&loopbackFederator{}, testLogger(t))
	_ = hub.StartFederation(context.Background())
	agg := NewAggregator(b, st, hub, testLogger(t))

	publishStats(t, b, "job_1", domain.Stats{JobID: "job_1", Total: 5, Processed: 3, Success: 3})

	if err := b.Consume(context.Background(), []bus.Topic{bus.TopicProgress}, "poster-aggregator", agg.handle); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if st.currentState() != domain.JobStateProcessing {
		t.Fatalf("expected job to remain processing until fully drained, got %s", st.currentState())
	}
}
