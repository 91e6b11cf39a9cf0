// Package eventhub is the process-local multi-subscriber event dispatcher, federated
// across processes via a shared pub/sub channel so any process hosting a subscription
// can observe events emitted by any process doing the work.
package eventhub

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/posterforge/internal/platform/logger"
)

type EventName string

const (
	EventConnected       EventName = "connected"
	EventStatus          EventName = "status"
	EventProgress        EventName = "progress"
	EventPosterCompleted EventName = "poster_completed"
	EventJobCompleted    EventName = "job_completed"
	EventJobFailed       EventName = "job_failed"
	EventLog             EventName = "log"
	EventHeartbeat       EventName = "heartbeat"
)

// Event is the federated event envelope described in spec.md §3.
type Event struct {
	JobID     string    `json:"job_id"`
	Name      EventName `json:"name"`
	Body      any       `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

func isTerminal(name EventName) bool { return name == EventJobCompleted || name == EventJobFailed }

// Subscription is a bounded per-job queue of events for one local subscriber.
type Subscription struct {
	jobID string
	ch    chan Event
	hub   *Hub
	once  sync.Once
}

// Next blocks until an event arrives, the subscription is closed, or ctx is cancelled.
// Next returns ok=false once the channel has been drained and closed.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-s.ch:
		return ev, ok
	case <-ctx.Done():
		return Event{}, false
	}
}

// Events exposes the raw delivery channel for callers that need to select over it
// alongside other channels (e.g. a heartbeat ticker in StreamGateway).
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close releases this subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// Federator publishes a locally-produced event to the shared cross-process channel,
// and invokes a callback for every event received from that channel, including the
// process's own publishes: the Hub delivers to its local subscribers only through
// this callback.
type Federator interface {
	Publish(ctx context.Context, ev Event) error
	StartForwarder(ctx context.Context, onEvent func(Event)) error
	Close() error
}

const subscriptionQueueDepth = 64

// SubscriptionIdleTimeout is the internal idle timeout named in spec.md §4.3 (30 min).
// StreamGateway's own heartbeat cadence (default H = 5s) is much shorter and fires well
// before this; it exists as a last-resort guard against a genuinely wedged subscription.
const SubscriptionIdleTimeout = 30 * time.Minute

// Hub is the EventHub described in spec.md §4.3.
type Hub struct {
	log  *logger.Logger
	fed  Federator
	mu   sync.RWMutex
	subs map[string]map[*Subscription]bool
}

func NewHub(fed Federator, log *logger.Logger) *Hub {
	h := &Hub{
		log:  log.With("component", "EventHub"),
		fed:  fed,
		subs: make(map[string]map[*Subscription]bool),
	}
	return h
}

// StartFederation launches the background forwarder that demultiplexes the shared
// channel onto local subscription queues. Call once per process after construction.
func (h *Hub) StartFederation(ctx context.Context) error {
	return h.fed.StartForwarder(ctx, h.dispatchLocal)
}

// Publish serializes the event onto the federated channel; local subscribers receive
// it via the forwarder loop, the same path a remote process's publish would take.
// This keeps local and remote delivery on one code path rather than two.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return h.fed.Publish(ctx, ev)
}

// Subscribe allocates a bounded queue for a job's events. The subscription itself has
// no timeout; StreamGateway applies SubscriptionIdleTimeout (30 minutes) and its own,
// shorter heartbeat cadence while it reads from it.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{jobID: jobID, ch: make(chan Event, subscriptionQueueDepth), hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.subs[jobID]
	if !ok {
		m = make(map[*Subscription]bool)
		h.subs[jobID] = m
	}
	m[sub] = true
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.subs[sub.jobID]; ok {
		delete(m, sub)
		if len(m) == 0 {
			delete(h.subs, sub.jobID)
		}
	}
	close(sub.ch)
}

// dispatchLocal fans an event from the federated channel out to local subscribers of
// its job. Progress events coalesce (newest replaces oldest) when a queue is full;
// terminal and log events block briefly rather than drop, then give up and log.
func (h *Hub) dispatchLocal(ev Event) {
	h.mu.RLock()
	subs := h.subs[ev.JobID]
	targets := make([]*Subscription, 0, len(subs))
	for s := range subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.deliverOne(s, ev)
	}
}

func (h *Hub) deliverOne(s *Subscription, ev Event) {
	if coalesces(ev.Name) {
		select {
		case s.ch <- ev:
		default:
			// queue full: drop the oldest pending progress event and insert this one
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
				h.log.Warn("dropping progress event after coalesce attempt", "job_id", ev.JobID)
			}
		}
		return
	}

	select {
	case s.ch <- ev:
	case <-time.After(2 * time.Second):
		h.log.Warn("dropping non-coalescing event after blocking timeout", "job_id", ev.JobID, "event", ev.Name)
	}
}

func coalesces(name EventName) bool { return name == EventProgress }
