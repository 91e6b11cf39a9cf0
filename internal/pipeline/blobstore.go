package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/posterforge/internal/clients/gcp"
	"github.com/yungbote/posterforge/internal/platform/logger"
)

// BlobStore uploads a rendered poster and returns its public URL.
type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte) (url string, err error)
}

// gcsBlobStore stores posters at `jobs/{job_id}/{identifier}_{unix_ms}.png` in a single
// bucket, reusing the credential-resolution idiom from the avatar/material bucket
// client rather than re-deriving one.
type gcsBlobStore struct {
	log       *logger.Logger
	client    *storage.Client
	bucket    string
	cdnDomain string
}

func NewGCSBlobStore(log *logger.Logger) (BlobStore, error) {
	bucket := os.Getenv("POSTER_GCS_BUCKET_NAME")
	if bucket == "" {
		return nil, fmt.Errorf("missing env var POSTER_GCS_BUCKET_NAME")
	}
	cdnDomain := os.Getenv("POSTER_CDN_DOMAIN")

	ctx := context.Background()
	opts := gcp.ClientOptionsFromEnv()
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return &gcsBlobStore{
		log:       log.With("component", "BlobStore"),
		client:    client,
		bucket:    bucket,
		cdnDomain: cdnDomain,
	}, nil
}

func (s *gcsBlobStore) Upload(ctx context.Context, key string, data []byte) (string, error) {
	uploadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(uploadCtx)
	w.ContentType = "image/png"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write poster to blob store: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close blob store writer: %w", err)
	}

	if s.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", s.cdnDomain, key), nil
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key), nil
}

// PosterKey builds the canonical object key for a generated poster.
func PosterKey(jobID, identifier string, unixMillis int64) string {
	return fmt.Sprintf("jobs/%s/%s_%d.png", jobID, identifier, unixMillis)
}
