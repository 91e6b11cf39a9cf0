// Package aggregator watches per-item progress and transitions a job to its terminal
// state once every item has been processed.
package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/yungbote/posterforge/internal/bus"
	"github.com/yungbote/posterforge/internal/domain"
	"github.com/yungbote/posterforge/internal/eventhub"
	"github.com/yungbote/posterforge/internal/platform/logger"
	"github.com/yungbote/posterforge/internal/store"
)

// Aggregator is the single place that decides a job is "done". It consumes the
// `progress` topic (one envelope per bumped counter) and, once a job's processed
// count reaches its total, performs the CAS transition to completed and emits the
// terminal event. Terminal state is `completed` regardless of the success/failure
// mix. The terminal event is `job_completed` on Bus.results, except when every item
// failed (success == 0, failure > 0): then it is `job_failed` on Bus.errors. The
// EventHub event carries the same name as the Bus envelope.
type Aggregator struct {
	log   *logger.Logger
	bus   bus.Bus
	store store.Store
	hub   *eventhub.Hub
}

func NewAggregator(b bus.Bus, st store.Store, hub *eventhub.Hub, log *logger.Logger) *Aggregator {
	return &Aggregator{log: log.With("component", "Aggregator"), bus: b, store: st, hub: hub}
}

func (a *Aggregator) Start(ctx context.Context) {
	go a.runLoop(ctx)
}

func (a *Aggregator) runLoop(ctx context.Context) {
	err := a.bus.Consume(ctx, []bus.Topic{bus.TopicProgress}, "poster-aggregator", a.handle)
	if err != nil && ctx.Err() == nil {
		a.log.Error("aggregator consume loop exited", "error", err)
	}
}

func (a *Aggregator) handle(ctx context.Context, env bus.Envelope) error {
	var stats domain.Stats
	if err := json.Unmarshal(env.Body, &stats); err != nil {
		a.log.Warn("malformed progress envelope, dropping", "error", err)
		return nil
	}

	// First progress event for a job flips it from queued to processing. A CAS
	// no-op (RowsAffected == 0) for every later event once the job has already moved.
	if _, err := a.store.TransitionJob(ctx, env.JobID, domain.JobStateQueued, domain.JobStateProcessing); err != nil {
		a.log.Warn("transition to processing failed", "job_id", env.JobID, "error", err)
	}

	if stats.Total == 0 || stats.Processed < stats.Total {
		return nil
	}

	ok, err := a.store.TransitionJob(ctx, env.JobID, domain.JobStateProcessing, domain.JobStateCompleted)
	if err != nil {
		a.log.Warn("transition to completed failed", "job_id", env.JobID, "error", err)
		return nil
	}
	if !ok {
		// Already transitioned by a concurrent delivery of the same drain condition,
		// or the job wasn't in `processing` (e.g. already cancelled). Either way, no
		// further action is needed.
		return nil
	}

	a.log.Info("job drained", "job_id", env.JobID, "total", stats.Total, "success", stats.Success, "failure", stats.Failure)

	name := eventhub.EventJobCompleted
	topic := bus.TopicResults
	if stats.Failure > 0 && stats.Success == 0 {
		name = eventhub.EventJobFailed
		topic = bus.TopicErrors
	}

	body, _ := json.Marshal(stats)
	if err := a.bus.Publish(ctx, topic, env.JobID, bus.Envelope{JobID: env.JobID, Kind: string(name), Body: body}); err != nil {
		a.log.Warn("publish terminal event to bus failed", "job_id", env.JobID, "topic", topic, "error", err)
	}

	_ = a.hub.Publish(ctx, eventhub.Event{
		JobID:     env.JobID,
		Name:      name,
		Body:      stats,
		Timestamp: time.Now(),
	})

	return nil
}
