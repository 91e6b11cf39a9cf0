// Package streamgateway bridges one job's EventHub subscription onto a long-lived
// HTTP Server-Sent-Events connection for a single client.
package streamgateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/posterforge/internal/domain"
	"github.com/yungbote/posterforge/internal/eventhub"
	"github.com/yungbote/posterforge/internal/platform/logger"
	"github.com/yungbote/posterforge/internal/store"
)

// Gateway serves `GET /jobs/{job_id}/events`: it subscribes to the job's EventHub
// feed, sends a catch-up `status` event from current Store state so a late
// subscriber doesn't wait for the next progress tick, then streams events until the
// job reaches a terminal state, the client disconnects, or the stream idles out.
type Gateway struct {
	log             *logger.Logger
	hub             *eventhub.Hub
	store           store.Store
	heartbeatPeriod time.Duration
}

func NewGateway(hub *eventhub.Hub, st store.Store, log *logger.Logger) *Gateway {
	heartbeatSeconds := getEnvInt("STREAM_HEARTBEAT_SECONDS", 5)
	return &Gateway{
		log:             log.With("component", "StreamGateway"),
		hub:             hub,
		store:           st,
		heartbeatPeriod: time.Duration(heartbeatSeconds) * time.Second,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		http.Error(w, "missing job_id", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sub := g.hub.Subscribe(jobID)
	defer sub.Close()

	g.writeEvent(w, eventhub.Event{JobID: jobID, Name: eventhub.EventConnected, Timestamp: time.Now()})
	flusher.Flush()

	if stats, err := g.store.GetStats(ctx, jobID); err == nil && stats != nil {
		g.writeEvent(w, eventhub.Event{JobID: jobID, Name: eventhub.EventStatus, Body: stats, Timestamp: time.Now()})
		flusher.Flush()
		if isTerminalState(stats.State) {
			return
		}
	}

	heartbeat := time.NewTicker(g.heartbeatPeriod)
	defer heartbeat.Stop()

	idleTimer := time.NewTimer(eventhub.SubscriptionIdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idleTimer.C:
			g.log.Warn("stream idle timeout, closing", "job_id", jobID)
			return
		case <-heartbeat.C:
			// Re-check Store state on every tick: this is what catches a terminal
			// transition whose event never reached this subscriber (bus lag, a
			// federation restart, or the EventHub queue coalescing/dropping it).
			// Without this, a client can keep receiving bare heartbeats forever
			// after the job has actually finished.
			if stats, err := g.store.GetStats(ctx, jobID); err == nil && stats != nil && isTerminalState(stats.State) {
				name := eventhub.EventJobCompleted
				if stats.State == domain.JobStateFailed || stats.State == domain.JobStateCancelled {
					name = eventhub.EventJobFailed
				}
				g.writeEvent(w, eventhub.Event{JobID: jobID, Name: name, Body: stats, Timestamp: time.Now()})
				flusher.Flush()
				return
			}
			g.writeEvent(w, eventhub.Event{JobID: jobID, Name: eventhub.EventHeartbeat, Timestamp: time.Now()})
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			idleTimer.Reset(eventhub.SubscriptionIdleTimeout)
			g.writeEvent(w, ev)
			flusher.Flush()
			if ev.Name == eventhub.EventJobCompleted || ev.Name == eventhub.EventJobFailed {
				return
			}
		}
	}
}

func (g *Gateway) writeEvent(w http.ResponseWriter, ev eventhub.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		g.log.Warn("failed to marshal stream event", "error", err)
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Name)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", body)
}

func isTerminalState(s domain.JobState) bool {
	return s == domain.JobStateCompleted || s == domain.JobStateFailed || s == domain.JobStateCancelled
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
