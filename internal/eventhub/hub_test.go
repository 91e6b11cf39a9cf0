package eventhub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/yungbote/posterforge/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// loopbackFederator skips the cross-process channel entirely: Publish calls directly
// into the registered onEvent callback, synchronously, as if this process were both
// publisher and the sole subscriber to its own federated channel.
type loopbackFederator struct {
	mu      sync.Mutex
	onEvent func(Event)
}

func (f *loopbackFederator) Publish(ctx context.Context, ev Event) error {
	f.mu.Lock()
	cb := f.onEvent
	f.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
	return nil
}

func (f *loopbackFederator) StartForwarder(ctx context.Context, onEvent func(Event)) error {
	f.mu.Lock()
	f.onEvent = onEvent
	f.mu.Unlock()
	return nil
}

func (f *loopbackFederator) Close() error { return nil }

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(&loopbackFederator{}, testLogger(t))
	if err := h.StartFederation(context.Background()); err != nil {
		t.Fatalf("StartFederation: %v", err)
	}
	return h
}

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe("job_1")
	defer sub.Close()

	if err := h.Publish(context.Background(), Event{JobID: "job_1", Name: EventProgress}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ev, ok := sub.Next(context.Background())
	if !ok || ev.Name != EventProgress {
		t.Fatalf("got ev=%+v ok=%v", ev, ok)
	}
}

func TestSubscribeOnlyReceivesItsOwnJob(t *testing.T) {
	h := newTestHub(t)
	subA := h.Subscribe("job_a")
	defer subA.Close()
	subB := h.Subscribe("job_b")
	defer subB.Close()

	_ = h.Publish(context.Background(), Event{JobID: "job_a", Name: EventProgress})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := subB.Next(ctx); ok {
		t.Fatalf("job_b subscriber should not have received job_a's event")
	}
}

func TestCloseIsIdempotentAndDrainsChannel(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe("job_1")
	sub.Close()
	sub.Close() // must not panic on double-close

	ev, ok := sub.Next(context.Background())
	if ok {
		t.Fatalf("expected closed subscription to report ok=false, got %+v", ev)
	}
}

func TestProgressEventsCoalesceWhenQueueFull(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe("job_1")
	defer sub.Close()

	// Overflow the bounded queue with progress events; the queue should coalesce
	// (drop oldest, keep newest) rather than block the publisher.
	for i := 0; i < subscriptionQueueDepth+10; i++ {
		_ = h.Publish(context.Background(), Event{JobID: "job_1", Name: EventProgress, Body: i})
	}

	var last Event
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		ev, ok := sub.Next(ctx)
		cancel()
		if !ok {
			break
		}
		last = ev
	}
	if body, ok := last.Body.(int); !ok || body != subscriptionQueueDepth+9 {
		t.Fatalf("expected the newest progress event to survive coalescing, got %+v", last)
	}
}

func TestEventsMethodExposesRawChannel(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe("job_1")
	defer sub.Close()

	_ = h.Publish(context.Background(), Event{JobID: "job_1", Name: EventJobCompleted})

	select {
	case ev := <-sub.Events():
		if ev.Name != EventJobCompleted {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting on sub.Events()")
	}
}

func TestUnsubscribeRemovesFromHubState(t *testing.T) {
	h := newTestHub(t)
	sub := h.Subscribe("job_1")
	sub.Close()

	h.mu.RLock()
	_, exists := h.subs["job_1"]
	h.mu.RUnlock()
	if exists {
		t.Fatalf("expected job_1's subscriber set to be removed once empty")
	}
}
