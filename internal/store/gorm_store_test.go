package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/posterforge/internal/domain"
	"github.com/yungbote/posterforge/internal/platform/logger"
)

var errMissingDSN = errors.New("missing TEST_POSTGRES_DSN")

var (
	dbOnce sync.Once
	testDB *gorm.DB
	dbErr  error
)

// testDBOrSkip mirrors the repo-integration pattern: tests run against a real Postgres
// when TEST_POSTGRES_DSN is set, and are skipped otherwise rather than faked with sqlite.
func testDBOrSkip(tb testing.TB) *gorm.DB {
	tb.Helper()
	dbOnce.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			dbErr = errMissingDSN
			return
		}
		var err error
		testDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err != nil {
			dbErr = err
			return
		}
		if err := AutoMigrate(testDB); err != nil {
			dbErr = err
			return
		}
	})
	if errors.Is(dbErr, errMissingDSN) {
		tb.Skip("set TEST_POSTGRES_DSN to run store integration tests")
	}
	if dbErr != nil {
		tb.Fatalf("failed to init test db: %v", dbErr)
	}
	return testDB
}

func testLogger(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("test")
	if err != nil {
		tb.Fatalf("logger.New: %v", err)
	}
	return log
}

func newTestStore(tb testing.TB) Store {
	tb.Helper()
	db := testDBOrSkip(tb)
	return NewGormStore(db, testLogger(tb))
}

func TestCreateJobRejectsDuplicateJobID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	spec := JobSpec{JobID: "job_create_dup", Kind: domain.JobKindByIdentifier, CampaignName: "c", Items: []string{"a", "b"}}
	defer cleanupJob(t, s, spec.JobID)

	if err := s.CreateJob(ctx, spec); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	err := s.CreateJob(ctx, spec)
	var exists *ErrJobExists
	if !errors.As(err, &exists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}

	job, err := s.GetJob(ctx, spec.JobID)
	if err != nil || job == nil {
		t.Fatalf("GetJob: job=%v err=%v", job, err)
	}
	if job.Total != 2 {
		t.Fatalf("expected total seeded from len(Items)=2, got %d", job.Total)
	}

	items, err := s.GetItems(ctx, spec.JobID)
	if err != nil || len(items) != 2 {
		t.Fatalf("GetItems: items=%v err=%v", items, err)
	}
}

func TestTransitionJobIsCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := "job_cas"
	defer cleanupJob(t, s, jobID)

	if err := s.CreateJob(ctx, JobSpec{JobID: jobID, Kind: domain.JobKindByIdentifier, CampaignName: "c"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ok, err := s.TransitionJob(ctx, jobID, domain.JobStatePending, domain.JobStateQueued)
	if err != nil || !ok {
		t.Fatalf("expected pending->queued to succeed, ok=%v err=%v", ok, err)
	}

	// Retrying the same from-state a second time must fail: the row already moved on.
	ok, err = s.TransitionJob(ctx, jobID, domain.JobStatePending, domain.JobStateQueued)
	if err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	if ok {
		t.Fatalf("expected stale CAS to fail once state has already advanced")
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil || job == nil || job.State != domain.JobStateQueued {
		t.Fatalf("expected job to remain queued, got %+v err=%v", job, err)
	}
}

func TestBumpCountersRejectsOverflowPastTotal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := "job_counters"
	defer cleanupJob(t, s, jobID)

	if err := s.CreateJob(ctx, JobSpec{JobID: jobID, Kind: domain.JobKindByIdentifier, CampaignName: "c", Items: []string{"a"}}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := s.BumpCounters(ctx, jobID, 1, 1, 0); err != nil {
		t.Fatalf("BumpCounters within total: %v", err)
	}

	err := s.BumpCounters(ctx, jobID, 1, 1, 0)
	var overflow *ErrCountersOverflow
	if !errors.As(err, &overflow) {
		t.Fatalf("expected ErrCountersOverflow once processed would exceed total, got %v", err)
	}
}

func TestUpsertItemRejectsRedeliveredTransitionAwayFromTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := "job_upsert_terminal"
	defer cleanupJob(t, s, jobID)

	if err := s.CreateJob(ctx, JobSpec{JobID: jobID, Kind: domain.JobKindByIdentifier, CampaignName: "c", Items: []string{"item_0"}}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	transitioned, err := s.UpsertItem(ctx, jobID, "item_0", ItemFields{Status: domain.ItemStatusCompleted, ArtifactURL: "https://cdn/a.png"})
	if err != nil {
		t.Fatalf("UpsertItem (terminal): %v", err)
	}
	if !transitioned {
		t.Fatalf("expected the first completion to report a live transition")
	}

	// A redelivered "processing" upsert after the item already completed must be a no-op.
	transitioned, err = s.UpsertItem(ctx, jobID, "item_0", ItemFields{Status: domain.ItemStatusProcessing})
	if err != nil {
		t.Fatalf("UpsertItem (redelivery): %v", err)
	}
	if transitioned {
		t.Fatalf("expected a redelivered write against a terminal item to report no transition")
	}

	items, err := s.GetItems(ctx, jobID)
	if err != nil || len(items) != 1 {
		t.Fatalf("GetItems: items=%v err=%v", items, err)
	}
	if items[0].Status != domain.ItemStatusCompleted {
		t.Fatalf("expected item to remain completed, got %s", items[0].Status)
	}
	if items[0].ArtifactURL != "https://cdn/a.png" {
		t.Fatalf("expected the already-recorded artifact URL to survive the redelivery, got %q", items[0].ArtifactURL)
	}
}

func TestListJobsFiltersByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobA, jobB := "job_list_a", "job_list_b"
	defer cleanupJob(t, s, jobA)
	defer cleanupJob(t, s, jobB)

	if err := s.CreateJob(ctx, JobSpec{JobID: jobA, Kind: domain.JobKindByIdentifier, CampaignName: "c"}); err != nil {
		t.Fatalf("CreateJob A: %v", err)
	}
	if err := s.CreateJob(ctx, JobSpec{JobID: jobB, Kind: domain.JobKindByIdentifier, CampaignName: "c"}); err != nil {
		t.Fatalf("CreateJob B: %v", err)
	}
	if _, err := s.TransitionJob(ctx, jobB, domain.JobStatePending, domain.JobStateQueued); err != nil {
		t.Fatalf("TransitionJob B: %v", err)
	}

	queued := domain.JobStateQueued
	jobs, err := s.ListJobs(ctx, &queued, 10, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	for _, j := range jobs {
		if j.JobID == jobA {
			t.Fatalf("expected pending job %s to be excluded from queued filter", jobA)
		}
	}
}

func cleanupJob(tb testing.TB, s Store, jobID string) {
	tb.Helper()
	gs, ok := s.(*gormStore)
	if !ok {
		return
	}
	gs.db.Exec("DELETE FROM work_item WHERE job_id = ?", jobID)
	gs.db.Exec("DELETE FROM failure_record WHERE job_id = ?", jobID)
	gs.db.Exec("DELETE FROM log_entry WHERE job_id = ?", jobID)
	gs.db.Exec("DELETE FROM job WHERE job_id = ?", jobID)
}
