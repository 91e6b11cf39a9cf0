package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/posterforge/internal/domain"
	"github.com/yungbote/posterforge/internal/platform/logger"
)

type gormStore struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewGormStore builds a Postgres-backed Store.
func NewGormStore(db *gorm.DB, log *logger.Logger) Store {
	return &gormStore{db: db, log: log.With("component", "Store")}
}

func (s *gormStore) CreateJob(ctx context.Context, spec JobSpec) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.Job
		err := tx.Where("job_id = ?", spec.JobID).First(&existing).Error
		if err == nil {
			return &ErrJobExists{JobID: spec.JobID}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		job := &domain.Job{
			JobID:        spec.JobID,
			Kind:         spec.Kind,
			CampaignName: spec.CampaignName,
			Payload:      spec.Payload,
			Metadata:     spec.Metadata,
			Total:        len(spec.Items),
			State:        domain.JobStatePending,
		}
		if err := tx.Create(job).Error; err != nil {
			return err
		}

		if len(spec.Items) > 0 {
			items := make([]*domain.WorkItem, 0, len(spec.Items))
			for _, id := range spec.Items {
				items = append(items, &domain.WorkItem{
					JobID:  spec.JobID,
					ItemID: id,
					Status: domain.ItemStatusPending,
				})
			}
			if err := tx.Create(&items).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// TransitionJob is a CAS transition: it only applies when the row's current state
// matches `from`. RowsAffected == 0 signals a StateMismatch to the caller.
func (s *gormStore) TransitionJob(ctx context.Context, jobID string, from, to domain.JobState) (bool, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"state":      to,
		"updated_at": now,
	}
	switch to {
	case domain.JobStateQueued:
		updates["queued_at"] = now
	case domain.JobStateProcessing:
		updates["processing_at"] = now
	case domain.JobStateCompleted, domain.JobStateFailed, domain.JobStateCancelled:
		updates["completed_at"] = now
	}

	res := s.db.WithContext(ctx).Model(&domain.Job{}).
		Where("job_id = ? AND state = ?", jobID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpsertItem is idempotent under (job_id, item_id): once an item is terminal, its
// status is immutable (I4) and any further write — whether a redelivered completion
// or a stray transition back to processing — is a harmless no-op. The bool return
// is true only when this call moved a non-terminal item into a terminal status, so
// the Worker knows whether to count it toward the job's counters.
func (s *gormStore) UpsertItem(ctx context.Context, jobID, itemID string, fields ItemFields) (bool, error) {
	var transitioned bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item domain.WorkItem
		err := tx.Where("job_id = ? AND item_id = ?", jobID, itemID).First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			item = domain.WorkItem{JobID: jobID, ItemID: itemID, Status: domain.ItemStatusPending}
			if err := tx.Create(&item).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if isTerminalItem(item.Status) {
			// I4: once terminal, an item's status and recorded outcome are immutable;
			// a redelivered write for it (completion or otherwise) is a no-op.
			return nil
		}

		updates := map[string]interface{}{"updated_at": time.Now()}
		if fields.Status != "" {
			updates["status"] = fields.Status
		}
		if fields.InputIdentifier != "" {
			updates["input_identifier"] = fields.InputIdentifier
		}
		if fields.DisplayName != "" {
			updates["display_name"] = fields.DisplayName
		}
		if fields.ArtifactURL != "" {
			updates["artifact_url"] = fields.ArtifactURL
		}
		if fields.ArtifactKey != "" {
			updates["artifact_key"] = fields.ArtifactKey
		}
		if fields.ProcessingMs != 0 {
			updates["processing_ms"] = fields.ProcessingMs
		}
		if fields.ErrorMessage != "" {
			updates["error_message"] = fields.ErrorMessage
		}
		if fields.Metadata != nil {
			updates["metadata"] = fields.Metadata
		}

		if err := tx.Model(&domain.WorkItem{}).
			Where("job_id = ? AND item_id = ?", jobID, itemID).
			Updates(updates).Error; err != nil {
			return err
		}

		transitioned = isTerminalItem(fields.Status)
		return nil
	})
	return transitioned, err
}

func isTerminalItem(s domain.ItemStatus) bool {
	return s == domain.ItemStatusCompleted || s == domain.ItemStatusFailed
}

// BumpCounters atomically increments processed/success/failure, enforcing I3
// (processed never exceeds total) with a single guarded UPDATE.
func (s *gormStore) BumpCounters(ctx context.Context, jobID string, dProcessed, dSuccess, dFailure int) error {
	res := s.db.WithContext(ctx).Model(&domain.Job{}).
		Where("job_id = ? AND processed + ? <= total", jobID, dProcessed).
		Updates(map[string]interface{}{
			"processed":  gorm.Expr("processed + ?", dProcessed),
			"success":    gorm.Expr("success + ?", dSuccess),
			"failure":    gorm.Expr("failure + ?", dFailure),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &ErrCountersOverflow{JobID: jobID}
	}
	return nil
}

func (s *gormStore) AppendLog(ctx context.Context, jobID string, level domain.LogLevel, message string, details []byte) error {
	entry := &domain.LogEntry{JobID: jobID, Level: level, Message: message, Details: details}
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *gormStore) RecordFailure(ctx context.Context, jobID, itemID, identifier string, kind domain.FailureKind, message string, details []byte, templateSnapshot string) error {
	rec := &domain.FailureRecord{
		JobID:            jobID,
		ItemID:           itemID,
		Identifier:       identifier,
		FailureKind:      kind,
		ErrorMessage:     message,
		Details:          details,
		TemplateSnapshot: templateSnapshot,
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *gormStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *gormStore) GetItems(ctx context.Context, jobID string) ([]*domain.WorkItem, error) {
	var items []*domain.WorkItem
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at ASC").Find(&items).Error
	return items, err
}

func (s *gormStore) GetStats(ctx context.Context, jobID string) (*domain.Stats, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	return &domain.Stats{
		JobID:     job.JobID,
		State:     job.State,
		Total:     job.Total,
		Processed: job.Processed,
		Success:   job.Success,
		Failure:   job.Failure,
	}, nil
}

func (s *gormStore) ListJobs(ctx context.Context, state *domain.JobState, limit, offset int) ([]*domain.Job, error) {
	q := s.db.WithContext(ctx).Model(&domain.Job{})
	if state != nil {
		q = q.Where("state = ?", *state)
	}
	var jobs []*domain.Job
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&jobs).Error
	return jobs, err
}

func (s *gormStore) GetLogs(ctx context.Context, jobID string, level *domain.LogLevel, limit int) ([]*domain.LogEntry, error) {
	q := s.db.WithContext(ctx).Where("job_id = ?", jobID)
	if level != nil {
		q = q.Where("level = ?", *level)
	}
	var logs []*domain.LogEntry
	err := q.Order("created_at ASC").Limit(limit).Find(&logs).Error
	return logs, err
}

// AutoMigrate creates/updates the tables this Store owns.
func AutoMigrate(db *gorm.DB) error {
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return err
	}
	return db.AutoMigrate(&domain.Job{}, &domain.WorkItem{}, &domain.FailureRecord{}, &domain.LogEntry{})
}
