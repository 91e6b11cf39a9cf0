// Package dispatcher turns a campaign submission into a Job row, its pre-seeded
// WorkItem rows, and a single self-contained `requests` envelope for the whole job.
// Per-item expansion happens on the Worker side, on dequeue.
package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/yungbote/posterforge/internal/bus"
	"github.com/yungbote/posterforge/internal/domain"
	"github.com/yungbote/posterforge/internal/platform/logger"
	"github.com/yungbote/posterforge/internal/store"
	"github.com/yungbote/posterforge/internal/worker"
)

// Dimensions is a named poster canvas size, used both for dispatch and for the
// Rasterizer's caller-requested fallback.
type Dimensions struct {
	Width  int
	Height int
}

// DimensionPresets mirrors the original renderer's fixed poster-size catalogue.
var DimensionPresets = map[string]Dimensions{
	"instagram-square":   {1080, 1080},
	"instagram-portrait": {1080, 1350},
	"instagram-story":    {1080, 1920},
	"linkedin-post":      {1200, 1200},
	"twitter-post":       {1200, 675},
	"facebook-post":      {1200, 630},
	"a4-portrait":        {2480, 3508},
}

func ResolveDimensions(posterSize string) Dimensions {
	if d, ok := DimensionPresets[posterSize]; ok {
		return d
	}
	return DimensionPresets["instagram-square"]
}

type Dispatcher struct {
	log   *logger.Logger
	store store.Store
	bus   bus.Bus
}

func NewDispatcher(st store.Store, b bus.Bus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{log: log.With("component", "Dispatcher"), store: st, bus: b}
}

// IdentifierSubmission is the input to SubmitByIdentifier: a campaign generating one
// poster per Topmate username/user_id.
type IdentifierSubmission struct {
	CampaignName string
	Identifiers  []string // usernames and/or numeric user_ids, mixed
	HTMLTemplate string
	PosterSize   string
	LogoURL      string
	SkipOverlays bool
	Metadata     map[string]any
}

// RowSubmission is the input to SubmitByRow: a CSV/table-driven campaign generating
// one poster per data row.
type RowSubmission struct {
	CampaignName string
	Rows         []map[string]any
	HTMLTemplate string
	PosterSize   string
	LogoURL      string
	SkipOverlays bool
	Metadata     map[string]any
}

// SubmitByIdentifier creates a job with one item per identifier, parsing each as a
// username or a numeric user_id the way the original intake did.
func (d *Dispatcher) SubmitByIdentifier(ctx context.Context, sub IdentifierSubmission) (string, error) {
	jobID := newJobID()
	dims := ResolveDimensions(sub.PosterSize)

	items := make([]string, 0, len(sub.Identifiers))
	itemIDs := make([]string, 0, len(sub.Identifiers))
	kinds := make([]worker.ItemKind, 0, len(sub.Identifiers))
	for i, id := range sub.Identifiers {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		items = append(items, id)
		itemIDs = append(itemIDs, itemID(jobID, i))
		if _, err := strconv.Atoi(id); err == nil {
			kinds = append(kinds, worker.ItemKindUserID)
		} else {
			kinds = append(kinds, worker.ItemKindUsername)
		}
	}
	if len(items) == 0 {
		return "", fmt.Errorf("no valid identifiers provided")
	}

	metaBytes, _ := json.Marshal(mergeMeta(sub.Metadata, sub.PosterSize, sub.SkipOverlays, sub.LogoURL))
	if err := d.store.CreateJob(ctx, store.JobSpec{
		JobID:        jobID,
		Kind:         domain.JobKindByIdentifier,
		CampaignName: sub.CampaignName,
		Items:        itemIDs,
		Metadata:     metaBytes,
	}); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	itemSpecs := make([]worker.ItemSpec, len(items))
	for i, id := range items {
		itemSpecs[i] = worker.ItemSpec{ItemID: itemIDs[i], Kind: kinds[i], InputIdentifier: id}
	}

	if err := d.publishJob(ctx, jobID, worker.JobRequest{
		JobID:        jobID,
		HTMLTemplate: sub.HTMLTemplate,
		Width:        dims.Width,
		Height:       dims.Height,
		LogoURL:      sub.LogoURL,
		SkipOverlays: sub.SkipOverlays,
		Items:        itemSpecs,
	}); err != nil {
		return "", err
	}

	return jobID, nil
}

// SubmitByRow creates a job with one item per data row, templating directly off each
// row's columns rather than fetching a profile.
func (d *Dispatcher) SubmitByRow(ctx context.Context, sub RowSubmission) (string, error) {
	if len(sub.Rows) == 0 {
		return "", fmt.Errorf("no rows provided")
	}
	jobID := newJobID()
	dims := ResolveDimensions(sub.PosterSize)

	itemIDs := make([]string, len(sub.Rows))
	for i := range sub.Rows {
		itemIDs[i] = itemID(jobID, i)
	}

	metaBytes, _ := json.Marshal(mergeMeta(sub.Metadata, sub.PosterSize, sub.SkipOverlays, sub.LogoURL))
	if err := d.store.CreateJob(ctx, store.JobSpec{
		JobID:        jobID,
		Kind:         domain.JobKindByRow,
		CampaignName: sub.CampaignName,
		Items:        itemIDs,
		Metadata:     metaBytes,
	}); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	itemSpecs := make([]worker.ItemSpec, len(sub.Rows))
	for i, row := range sub.Rows {
		itemSpecs[i] = worker.ItemSpec{
			ItemID:          itemIDs[i],
			Kind:            worker.ItemKindCSVRow,
			InputIdentifier: rowIdentifier(row, i),
			RowData:         row,
		}
	}

	if err := d.publishJob(ctx, jobID, worker.JobRequest{
		JobID:        jobID,
		HTMLTemplate: sub.HTMLTemplate,
		Width:        dims.Width,
		Height:       dims.Height,
		LogoURL:      sub.LogoURL,
		SkipOverlays: sub.SkipOverlays,
		Items:        itemSpecs,
	}); err != nil {
		return "", err
	}

	return jobID, nil
}

// SubmitTemplateGeneration creates a single-item job from one resolved template
// parameter set, used when a caller already has fully-formed row data (e.g. a
// re-generation request) rather than a batch of raw identifiers or rows.
func (d *Dispatcher) SubmitTemplateGeneration(ctx context.Context, campaignName, htmlTemplate, posterSize string, data map[string]any) (string, error) {
	return d.SubmitByRow(ctx, RowSubmission{
		CampaignName: campaignName,
		Rows:         []map[string]any{data},
		HTMLTemplate: htmlTemplate,
		PosterSize:   posterSize,
	})
}

// publishJob publishes the single self-contained envelope for a job and, only once
// that publish has actually landed, flips the job from pending to queued (I1:
// state=queued requires exactly one envelope already live on Bus.requests). If the
// publish fails the job is left pending and no envelope exists, so the caller's
// error is the only record of the failed attempt — there is no partial state to
// clean up, unlike the old per-item publish loop.
func (d *Dispatcher) publishJob(ctx context.Context, jobID string, jobReq worker.JobRequest) error {
	body, err := jobReq.Marshal()
	if err != nil {
		return fmt.Errorf("marshal job request: %w", err)
	}
	env := bus.Envelope{JobID: jobID, Kind: "job_request", Body: body}
	if err := d.bus.Publish(ctx, bus.TopicRequests, jobID, env); err != nil {
		return fmt.Errorf("publish job request: %w", err)
	}

	if _, err := d.store.TransitionJob(ctx, jobID, domain.JobStatePending, domain.JobStateQueued); err != nil {
		d.log.Warn("transition to queued failed", "job_id", jobID, "error", err)
	}
	return nil
}

func mergeMeta(meta map[string]any, posterSize string, skipOverlays bool, logoURL string) map[string]any {
	m := map[string]any{}
	for k, v := range meta {
		m[k] = v
	}
	m["poster_size"] = posterSize
	m["skip_overlays"] = skipOverlays
	if logoURL != "" {
		m["logo_url"] = logoURL
	}
	return m
}

func rowIdentifier(row map[string]any, index int) string {
	for _, key := range []string{"username", "Username", "name", "display_name"} {
		if v, ok := row[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("row_%d", index+1)
}

func itemID(jobID string, index int) string {
	return fmt.Sprintf("%s_item_%d", jobID, index)
}

func newJobID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return "job_" + hex.EncodeToString(buf)
}
