// Package sink exports completed job artifacts to an external system of record via
// two chained webhook calls per item: create a media record, then trigger a share
// record. Unlike the original's sequential export loop, items within a batch run
// concurrently; SINK_BATCH_SIZE (default 10) caps how many run at once.
package sink

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/posterforge/internal/domain"
	"github.com/yungbote/posterforge/internal/pipeline"
	"github.com/yungbote/posterforge/internal/platform/logger"
	"github.com/yungbote/posterforge/internal/store"
)

// Item is one exported artifact: an artifact URL plus the external user identifier
// it belongs to.
type Item struct {
	JobID       string
	ItemID      string
	ArtifactURL string
	Campaign    string
	UserID      string // external system's numeric user id; empty is a hard failure
}

// Result is the per-item export outcome.
type Result struct {
	Item        Item
	Success     bool
	FailureKind domain.FailureKind
	Error       string
}

type Sink struct {
	log        *logger.Logger
	store      store.Store
	blobs      pipeline.BlobStore
	httpClient *http.Client
	baseURL    string
	token      string
	batchSize  int
}

func NewSink(st store.Store, blobs pipeline.BlobStore, log *logger.Logger) *Sink {
	return &Sink{
		log:        log.With("component", "Sink"),
		store:      st,
		blobs:      blobs,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    os.Getenv("SINK_WEBHOOK_BASE_URL"),
		token:      os.Getenv("SINK_WEBHOOK_TOKEN"),
		batchSize:  getEnvInt("SINK_BATCH_SIZE", 10),
	}
}

// ExportAll exports every item, running batchSize items concurrently at a time.
func (s *Sink) ExportAll(ctx context.Context, items []Item) []Result {
	results := make([]Result, len(items))
	sem := make(chan struct{}, s.batchSize)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item Item) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.exportOne(ctx, item)
		}(i, item)
	}
	wg.Wait()

	for _, r := range results {
		if !r.Success {
			if err := s.store.RecordFailure(ctx, r.Item.JobID, r.Item.ItemID, r.Item.UserID, r.FailureKind, r.Error, nil, ""); err != nil {
				s.log.Warn("record sink failure failed", "job_id", r.Item.JobID, "error", err)
			}
		}
	}
	return results
}

func (s *Sink) exportOne(ctx context.Context, item Item) Result {
	if item.UserID == "" {
		return Result{Item: item, FailureKind: domain.FailureKindMissingUserID, Error: "no external user id available for export"}
	}

	artifactURL, err := s.resolveArtifactURL(ctx, item)
	if err != nil {
		return Result{Item: item, FailureKind: domain.FailureKindWebhookFailed, Error: fmt.Sprintf("upload artifact: %v", err)}
	}

	externalID := fmt.Sprintf("%s-%s-%d", item.Campaign, item.UserID, time.Now().UnixMilli())

	mediaPayload := map[string]any{
		"external_id": externalID,
		"url":         artifactURL,
		"status":      "COMPLETED",
		"user":        item.UserID,
	}
	if err := s.post(ctx, "/create-media/", mediaPayload); err != nil {
		return Result{Item: item, FailureKind: domain.FailureKindWebhookFailed, Error: fmt.Sprintf("create media: %v", err)}
	}

	sharePayload := map[string]any{
		"id":          externalID,
		"status":      "succeeded",
		"template_id": fmt.Sprintf("posterforge-%s", item.Campaign),
		"modifications": map[string]any{
			"campaign": item.Campaign,
		},
		"metadata": fmt.Sprintf("posterforge-%s-%d", item.UserID, time.Now().UnixMilli()),
	}
	if err := s.post(ctx, "/create-share/", sharePayload); err != nil {
		return Result{Item: item, FailureKind: domain.FailureKindWebhookFailed, Error: fmt.Sprintf("create share: %v", err)}
	}

	return Result{Item: item, Success: true}
}

// resolveArtifactURL uploads an inline `data:` artifact to the blob store and returns
// the resulting public URL, leaving an already-hosted URL untouched. Items can still
// carry a data URL here if the Worker's own upload step was skipped or failed softly.
func (s *Sink) resolveArtifactURL(ctx context.Context, item Item) (string, error) {
	if !strings.HasPrefix(item.ArtifactURL, "data:") {
		return item.ArtifactURL, nil
	}

	idx := strings.Index(item.ArtifactURL, ",")
	if idx < 0 {
		return "", fmt.Errorf("malformed data URL")
	}
	data, err := base64.StdEncoding.DecodeString(item.ArtifactURL[idx+1:])
	if err != nil {
		return "", fmt.Errorf("decode data URL: %w", err)
	}

	key := pipeline.PosterKey(item.JobID, item.ItemID, time.Now().UnixMilli())
	url, err := s.blobs.Upload(ctx, key, data)
	if err != nil {
		return "", fmt.Errorf("upload to blob store: %w", err)
	}
	return url, nil
}

func (s *Sink) post(ctx context.Context, path string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
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
