package worker

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/yungbote/posterforge/internal/bus"
	"github.com/yungbote/posterforge/internal/domain"
	"github.com/yungbote/posterforge/internal/eventhub"
	"github.com/yungbote/posterforge/internal/platform/logger"
	"github.com/yungbote/posterforge/internal/store"
)

// Worker pulls one job-level envelope off the Bus at a time and fans it out into its
// items. It is infrastructure: per-item business logic lives entirely in RunItem;
// the Worker only owns dispatch, persistence, and event emission around it.
type Worker struct {
	log   *logger.Logger
	bus   bus.Bus
	store store.Store
	hub   *eventhub.Hub
	deps  Deps
}

func NewWorker(b bus.Bus, st store.Store, hub *eventhub.Hub, deps Deps, log *logger.Logger) *Worker {
	return &Worker{
		log:   log.With("component", "Worker"),
		bus:   b,
		store: st,
		hub:   hub,
		deps:  deps,
	}
}

// Start launches WORKER_CONCURRENCY (default 4) goroutines, each independently
// consuming the `requests` topic under the shared "poster-workers" consumer group so
// the broker load-balances jobs across them. Items within a single job are fanned
// out separately (see runItems), bounded by WORKER_BATCH_SIZE.
func (w *Worker) Start(ctx context.Context) {
	concurrency := getEnvInt("WORKER_CONCURRENCY", 4)
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("starting worker pool", "concurrency", concurrency)

	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	err := w.bus.Consume(ctx, []bus.Topic{bus.TopicRequests}, "poster-workers", func(ctx context.Context, env bus.Envelope) error {
		return w.handle(ctx, workerID, env)
	})
	if err != nil && ctx.Err() == nil {
		w.log.Error("worker consume loop exited", "worker_id", workerID, "error", err)
	}
}

// handle processes one job envelope end to end: it acks the job into queued/processing,
// expands it into items, and runs those items with bounded intra-job concurrency. A
// panic anywhere in that path is recovered here so it never crashes the consumer
// goroutine or leaves the offset uncommitted.
func (w *Worker) handle(ctx context.Context, workerID int, env bus.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job handler panic", "worker_id", workerID, "job_id", env.JobID, "panic", r)
			err = nil
		}
	}()

	jobReq, decodeErr := UnmarshalJobRequest(env.Body)
	if decodeErr != nil {
		w.log.Error("malformed job envelope, dropping", "error", decodeErr)
		return nil
	}

	w.startJob(ctx, jobReq)
	w.runItems(ctx, jobReq)
	return nil
}

// startJob performs the envelope-level steps that precede per-item work: ack the
// pending->queued transition (in case the Dispatcher's own attempt lost a race or
// never landed), CAS queued->processing, and emit the starting progress event and
// log line exactly once per job. A redelivered envelope that finds the job already
// processing skips the log/event emission but still re-runs item expansion, since
// UpsertItem/BumpCounters are idempotent per item (I4).
func (w *Worker) startJob(ctx context.Context, jobReq JobRequest) {
	if _, err := w.store.TransitionJob(ctx, jobReq.JobID, domain.JobStatePending, domain.JobStateQueued); err != nil {
		w.log.Warn("ack transition to queued failed", "job_id", jobReq.JobID, "error", err)
	}

	becameProcessing, err := w.store.TransitionJob(ctx, jobReq.JobID, domain.JobStateQueued, domain.JobStateProcessing)
	if err != nil {
		w.log.Warn("transition to processing failed", "job_id", jobReq.JobID, "error", err)
	}
	if !becameProcessing {
		return
	}

	if err := w.store.AppendLog(ctx, jobReq.JobID, domain.LogLevelInfo, "processing started", nil); err != nil {
		w.log.Warn("append log failed", "job_id", jobReq.JobID, "error", err)
	}

	stats, err := w.store.GetStats(ctx, jobReq.JobID)
	if err != nil || stats == nil {
		stats = &domain.Stats{JobID: jobReq.JobID, State: domain.JobStateProcessing, Total: len(jobReq.Items)}
	}
	w.publishProgress(ctx, jobReq.JobID, *stats, "starting")
}

// runItems expands the job envelope into its items and runs them with up to
// WORKER_BATCH_SIZE (default 8) running concurrently, the intra-job concurrency the
// 8-step worker algorithm calls for.
func (w *Worker) runItems(ctx context.Context, jobReq JobRequest) {
	batchSize := getEnvInt("WORKER_BATCH_SIZE", 8)
	if batchSize < 1 {
		batchSize = 1
	}

	sem := make(chan struct{}, batchSize)
	var wg sync.WaitGroup
	for _, item := range jobReq.Items {
		req := jobReq.ItemRequest(item)
		wg.Add(1)
		sem <- struct{}{}
		go func(req Request) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := w.runWithRecover(ctx, req)
			w.persistAndPublish(ctx, req, outcome)
		}(req)
	}
	wg.Wait()
}

func (w *Worker) runWithRecover(ctx context.Context, req Request) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{
				Status:       domain.ItemStatusFailed,
				FailureKind:  domain.FailureKindUnknown,
				ErrorMessage: "panic during item processing",
			}
		}
	}()
	return RunItem(ctx, w.deps, req)
}

// persistAndPublish records one item's outcome and, only if this delivery actually
// drove a live (non-terminal->terminal) transition, bumps the job's counters and
// publishes its result/progress events. Bus delivery is at-least-once, so a
// redelivered envelope for an item that already completed must not double-count it
// or fire duplicate events (I4, P4).
func (w *Worker) persistAndPublish(ctx context.Context, req Request, outcome Outcome) {
	fields := store.ItemFields{
		Status:          outcome.Status,
		InputIdentifier: req.InputIdentifier,
		DisplayName:     outcome.DisplayName,
		ArtifactURL:     outcome.ArtifactURL,
		ArtifactKey:     outcome.ArtifactKey,
		ProcessingMs:    outcome.ProcessingMs,
		ErrorMessage:    outcome.ErrorMessage,
	}

	transitioned, err := w.store.UpsertItem(ctx, req.JobID, req.ItemID, fields)
	if err != nil {
		w.log.Warn("upsert item failed", "job_id", req.JobID, "item_id", req.ItemID, "error", err)
	}
	if !transitioned {
		// Either the upsert failed outright, or this is a redelivery of an item
		// already in a terminal state: counters, failure records, and result events
		// for it were already emitted by the delivery that first completed it.
		return
	}

	success := outcome.Status == domain.ItemStatusCompleted
	dSuccess, dFailure := 0, 0
	if success {
		dSuccess = 1
	} else {
		dFailure = 1
	}
	if err := w.store.BumpCounters(ctx, req.JobID, 1, dSuccess, dFailure); err != nil {
		w.log.Warn("bump counters failed", "job_id", req.JobID, "item_id", req.ItemID, "error", err)
	}

	if !success {
		if err := w.store.RecordFailure(ctx, req.JobID, req.ItemID, req.InputIdentifier, outcome.FailureKind, outcome.ErrorMessage, nil, req.HTMLTemplate); err != nil {
			w.log.Warn("record failure failed", "job_id", req.JobID, "item_id", req.ItemID, "error", err)
		}
	}

	stats, err := w.store.GetStats(ctx, req.JobID)
	if err != nil || stats == nil {
		w.log.Warn("get stats failed", "job_id", req.JobID, "error", err)
		stats = &domain.Stats{JobID: req.JobID}
	}

	w.publishResult(ctx, req, outcome)
	w.publishProgress(ctx, req.JobID, *stats, "")
}

func (w *Worker) publishResult(ctx context.Context, req Request, outcome Outcome) {
	topic := bus.TopicResults
	name := eventhub.EventPosterCompleted
	if outcome.Status != domain.ItemStatusCompleted {
		topic = bus.TopicErrors
	}

	body, _ := json.Marshal(map[string]any{
		"item_id":       req.ItemID,
		"identifier":    req.InputIdentifier,
		"success":       outcome.Status == domain.ItemStatusCompleted,
		"artifact_url":  outcome.ArtifactURL,
		"failure_kind":  outcome.FailureKind,
		"error_message": outcome.ErrorMessage,
	})
	env := bus.Envelope{JobID: req.JobID, ItemID: req.ItemID, Kind: string(outcome.Status), Body: body}
	if err := w.bus.Publish(ctx, topic, req.JobID, env); err != nil {
		w.log.Warn("publish result failed", "job_id", req.JobID, "error", err)
	}

	_ = w.hub.Publish(ctx, eventhub.Event{
		JobID:     req.JobID,
		Name:      name,
		Body:      env,
		Timestamp: time.Now(),
	})
}

// publishProgress emits a progress envelope/event for the job's current counters.
// phase distinguishes the one synthetic "starting" progress event (0/total, emitted
// before any item has run) from the ordinary per-item progress updates; it rides
// along as an extra JSON field the Aggregator's domain.Stats decode simply ignores.
func (w *Worker) publishProgress(ctx context.Context, jobID string, stats domain.Stats, phase string) {
	body, _ := json.Marshal(struct {
		domain.Stats
		Phase string `json:"phase,omitempty"`
	}{Stats: stats, Phase: phase})
	env := bus.Envelope{JobID: jobID, Kind: "progress", Body: body}
	if err := w.bus.Publish(ctx, bus.TopicProgress, jobID, env); err != nil {
		w.log.Warn("publish progress failed", "job_id", jobID, "error", err)
	}

	_ = w.hub.Publish(ctx, eventhub.Event{
		JobID:     jobID,
		Name:      eventhub.EventProgress,
		Body:      stats,
		Timestamp: time.Now(),
	})
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
