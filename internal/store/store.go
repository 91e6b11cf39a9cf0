// Package store is the durable, transactional source of truth for jobs, work items,
// failure records, and log lines.
package store

import (
	"context"

	"github.com/yungbote/posterforge/internal/domain"
	"github.com/yungbote/posterforge/internal/platform/dbctx"
)

// ErrJobExists is returned by CreateJob when job_id is already present.
type ErrJobExists struct{ JobID string }

func (e *ErrJobExists) Error() string { return "job already exists: " + e.JobID }

// ErrCountersOverflow is returned by BumpCounters if it would drive processed > total.
type ErrCountersOverflow struct{ JobID string }

func (e *ErrCountersOverflow) Error() string { return "bump_counters would exceed total: " + e.JobID }

// JobSpec is the input to CreateJob: everything needed to size and seed a new job row.
type JobSpec struct {
	JobID        string
	Kind         domain.JobKind
	CampaignName string
	Payload      []byte
	Items        []string // item_ids to pre-seed as pending WorkItem rows
	Metadata     []byte
}

// ItemFields is the set of mutable fields upsert_item may set on a WorkItem.
type ItemFields struct {
	Status          domain.ItemStatus
	InputIdentifier string
	DisplayName     string
	ArtifactURL     string
	ArtifactKey     string
	ProcessingMs    int64
	ErrorMessage    string
	Metadata        []byte
}

// Store is the public contract described in SPEC_FULL.md §4.1.
type Store interface {
	CreateJob(ctx context.Context, spec JobSpec) error
	TransitionJob(ctx context.Context, jobID string, from, to domain.JobState) (bool, error)
	// UpsertItem reports true only when this call moved the item from a non-terminal
	// state into a terminal status (completed or failed); writing a non-terminal status
	// reports false. A redelivered write for an item already in a terminal state is a
	// no-op and reports false, so callers (the Worker) know not to count it again.
	UpsertItem(ctx context.Context, jobID, itemID string, fields ItemFields) (bool, error)
	BumpCounters(ctx context.Context, jobID string, dProcessed, dSuccess, dFailure int) error
	AppendLog(ctx context.Context, jobID string, level domain.LogLevel, message string, details []byte) error
	RecordFailure(ctx context.Context, jobID, itemID, identifier string, kind domain.FailureKind, message string, details []byte, templateSnapshot string) error

	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetItems(ctx context.Context, jobID string) ([]*domain.WorkItem, error)
	GetStats(ctx context.Context, jobID string) (*domain.Stats, error)
	ListJobs(ctx context.Context, state *domain.JobState, limit, offset int) ([]*domain.Job, error)
	GetLogs(ctx context.Context, jobID string, level *domain.LogLevel, limit int) ([]*domain.LogEntry, error)
}

// dbc is a small helper to build a dbctx.Context from a plain context.Context when a
// caller-supplied transaction isn't in play.
func dbc(ctx context.Context) dbctx.Context { return dbctx.Context{Ctx: ctx} }
