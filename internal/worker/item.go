package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/posterforge/internal/domain"
	"github.com/yungbote/posterforge/internal/pipeline"
)

// Deps are the collaborators a single item execution needs. They are shared across
// all items processed by a worker goroutine pool rather than constructed per-item.
type Deps struct {
	Profiles   pipeline.ProfileService
	Rasterizer pipeline.Rasterizer
	Overlay    *pipeline.Overlay
	Blobs      pipeline.BlobStore
}

// Outcome is the result of running one item through the pipeline, ready to be
// persisted via Store.UpsertItem/RecordFailure and published to the Bus.
type Outcome struct {
	Status       domain.ItemStatus
	DisplayName  string
	ArtifactURL  string
	ArtifactKey  string
	ProcessingMs int64
	FailureKind  domain.FailureKind
	ErrorMessage string
}

// RunItem executes the full per-item pipeline described for poster generation:
// identifier -> optional profile fetch -> template fill -> rasterize -> optional
// overlay -> blob upload -> Outcome. Any step's failure is classified into a
// FailureKind and returned as a failed Outcome rather than an error, since a
// per-item failure must never abort the rest of the batch.
func RunItem(ctx context.Context, deps Deps, req Request) Outcome {
	start := time.Now()
	deadline := req.Deadline()
	itemCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	data, displayName, profileErr := resolveData(itemCtx, deps.Profiles, req)
	if profileErr != nil {
		return failedOutcome(domain.FailureKindProfileFetch, profileErr, start)
	}

	filled := pipeline.FillTemplate(req.HTMLTemplate, data)

	png, err := deps.Rasterizer.Render(itemCtx, filled, req.Width, req.Height, deadline)
	if err != nil {
		if itemCtx.Err() != nil {
			return failedOutcome(domain.FailureKindTimeout, fmt.Errorf("rasterize: %w", err), start)
		}
		return failedOutcome(domain.FailureKindHTMLConversion, err, start)
	}

	if !req.SkipOverlays && (req.LogoURL != "" || profilePicURL(data) != "") {
		composited, err := deps.Overlay.Composite(itemCtx, png, req.LogoURL, profilePicURL(data))
		if err != nil {
			return failedOutcome(domain.FailureKindHTMLConversion, fmt.Errorf("overlay: %w", err), start)
		}
		png = composited
	}

	key := pipeline.PosterKey(req.JobID, req.InputIdentifier, time.Now().UnixMilli())
	url, err := deps.Blobs.Upload(itemCtx, key, png)
	if err != nil {
		return failedOutcome(domain.FailureKindUpload, err, start)
	}

	return Outcome{
		Status:       domain.ItemStatusCompleted,
		DisplayName:  displayName,
		ArtifactURL:  url,
		ArtifactKey:  key,
		ProcessingMs: time.Since(start).Milliseconds(),
	}
}

// resolveData builds the data map FillTemplate substitutes against. CSV-row items
// use their row data directly; username/user_id items fetch a Profile first and
// expose it both flattened at the top level (so `{display_name}` works) and nested
// under "profile" (so `{profile.display_name}` works).
func resolveData(ctx context.Context, profiles pipeline.ProfileService, req Request) (map[string]any, string, error) {
	if req.Kind == ItemKindCSVRow {
		data := map[string]any{}
		for k, v := range req.RowData {
			data[k] = v
		}
		display := firstNonEmptyString(data["display_name"], data["name"], req.InputIdentifier)
		return data, display, nil
	}

	if profiles == nil {
		return nil, "", fmt.Errorf("no profile service configured for identifier kind %q", req.Kind)
	}

	p, err := profiles.FetchByUsername(ctx, req.InputIdentifier)
	if err != nil {
		return nil, "", fmt.Errorf("fetch profile %q: %w", req.InputIdentifier, err)
	}

	data := p.AsMap()
	data["profile"] = p.AsMap()
	display := p.DisplayName
	if display == "" {
		display = req.InputIdentifier
	}
	return data, display, nil
}

func profilePicURL(data map[string]any) string {
	if v, ok := data["profile_pic"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func firstNonEmptyString(values ...any) string {
	for _, v := range values {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func failedOutcome(kind domain.FailureKind, err error, start time.Time) Outcome {
	return Outcome{
		Status:       domain.ItemStatusFailed,
		FailureKind:  kind,
		ErrorMessage: err.Error(),
		ProcessingMs: time.Since(start).Milliseconds(),
	}
}
