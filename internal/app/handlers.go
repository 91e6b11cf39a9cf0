package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/posterforge/internal/bus"
	"github.com/yungbote/posterforge/internal/dispatcher"
	"github.com/yungbote/posterforge/internal/domain"
	"github.com/yungbote/posterforge/internal/eventhub"
)

// submitIdentifierRequest is the wire shape for POST /jobs/identifiers.
type submitIdentifierRequest struct {
	CampaignName string         `json:"campaign_name"`
	Identifiers  []string       `json:"identifiers"`
	HTMLTemplate string         `json:"html_template"`
	PosterSize   string         `json:"poster_size"`
	LogoURL      string         `json:"logo_url"`
	SkipOverlays bool           `json:"skip_overlays"`
	Metadata     map[string]any `json:"metadata"`
}

// submitRowRequest is the wire shape for POST /jobs/rows.
type submitRowRequest struct {
	CampaignName string           `json:"campaign_name"`
	Rows         []map[string]any `json:"rows"`
	HTMLTemplate string           `json:"html_template"`
	PosterSize   string           `json:"poster_size"`
	LogoURL      string           `json:"logo_url"`
	SkipOverlays bool             `json:"skip_overlays"`
	Metadata     map[string]any   `json:"metadata"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type cancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (a *App) handleSubmitIdentifiers(w http.ResponseWriter, r *http.Request) {
	var req submitIdentifierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	jobID, err := a.Dispatcher.SubmitByIdentifier(r.Context(), dispatcher.IdentifierSubmission{
		CampaignName: req.CampaignName,
		Identifiers:  req.Identifiers,
		HTMLTemplate: req.HTMLTemplate,
		PosterSize:   req.PosterSize,
		LogoURL:      req.LogoURL,
		SkipOverlays: req.SkipOverlays,
		Metadata:     req.Metadata,
	})
	if err != nil {
		a.Log.Error("submit by identifier failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID})
}

func (a *App) handleSubmitRows(w http.ResponseWriter, r *http.Request) {
	var req submitRowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	jobID, err := a.Dispatcher.SubmitByRow(r.Context(), dispatcher.RowSubmission{
		CampaignName: req.CampaignName,
		Rows:         req.Rows,
		HTMLTemplate: req.HTMLTemplate,
		PosterSize:   req.PosterSize,
		LogoURL:      req.LogoURL,
		SkipOverlays: req.SkipOverlays,
		Metadata:     req.Metadata,
	})
	if err != nil {
		a.Log.Error("submit by row failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID})
}

// handleGetJob serves GET /jobs/{job_id}: the job row plus its current counters.
func (a *App) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	job, err := a.Store.GetJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleListJobs serves GET /jobs?state=&limit=&offset=.
func (a *App) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var statePtr *domain.JobState
	if s := q.Get("state"); s != "" {
		state := domain.JobState(s)
		statePtr = &state
	}
	limit := queryInt(q, "limit", 50)
	offset := queryInt(q, "offset", 0)

	jobs, err := a.Store.ListJobs(r.Context(), statePtr, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleGetResults serves GET /jobs/{job_id}/results: every work item's outcome.
func (a *App) handleGetResults(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	items, err := a.Store.GetItems(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetLogs serves GET /jobs/{job_id}/logs?level=&limit=.
func (a *App) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	q := r.URL.Query()
	var levelPtr *domain.LogLevel
	if l := q.Get("level"); l != "" {
		level := domain.LogLevel(strings.ToUpper(l))
		levelPtr = &level
	}
	limit := queryInt(q, "limit", 200)

	logs, err := a.Store.GetLogs(r.Context(), jobID, levelPtr, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleCancelJob serves POST /jobs/{job_id}/cancel. Idempotent on a job already in a
// terminal state: cancelling twice, or cancelling a job that already completed or failed
// naturally, both report success rather than an error (B5).
func (a *App) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	job, err := a.Store.GetJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if isTerminalJobState(job.State) {
		writeJSON(w, http.StatusOK, cancelResponse{Success: true, Message: "already terminal"})
		return
	}

	ok, err := a.Store.TransitionJob(r.Context(), jobID, job.State, domain.JobStateCancelled)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		// Lost a race with a concurrent transition (e.g. the job just completed).
		// Re-read and report whatever the job's state actually settled to.
		job, err = a.Store.GetJob(r.Context(), jobID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, cancelResponse{Success: true, Message: "job already moved to " + string(job.State)})
		return
	}

	_ = a.Store.AppendLog(r.Context(), jobID, domain.LogLevelInfo, "job cancelled", nil)
	a.publishJobCancelled(r.Context(), jobID)
	writeJSON(w, http.StatusOK, cancelResponse{Success: true, Message: "job cancelled"})
}

// publishJobCancelled emits the terminal job_failed(error="cancelled by user") event
// a successful cancel owes both EventHub subscribers and any downstream Bus.errors
// consumer, mirroring how the Aggregator announces its own terminal transitions.
func (a *App) publishJobCancelled(ctx context.Context, jobID string) {
	const cancelMessage = "cancelled by user"
	stats, err := a.Store.GetStats(ctx, jobID)
	if err != nil || stats == nil {
		stats = &domain.Stats{JobID: jobID, State: domain.JobStateCancelled}
	}

	body, _ := json.Marshal(map[string]any{"job_id": jobID, "error": cancelMessage})
	if err := a.Bus.Publish(ctx, bus.TopicErrors, jobID, bus.Envelope{JobID: jobID, Kind: string(eventhub.EventJobFailed), Body: body}); err != nil {
		a.Log.Warn("publish cancellation to bus failed", "job_id", jobID, "error", err)
	}

	_ = a.Hub.Publish(ctx, eventhub.Event{
		JobID:     jobID,
		Name:      eventhub.EventJobFailed,
		Body:      map[string]any{"stats": stats, "error": cancelMessage},
		Timestamp: time.Now(),
	})
}

func isTerminalJobState(s domain.JobState) bool {
	return s == domain.JobStateCompleted || s == domain.JobStateFailed || s == domain.JobStateCancelled
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func queryInt(q map[string][]string, key string, def int) int {
	vals, ok := q[key]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return def
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil {
		return def
	}
	return n
}
