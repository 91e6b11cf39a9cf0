// Package domain holds the persisted entities for the poster generation orchestration core:
// Job, WorkItem, FailureRecord, and LogEntry.
package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type JobKind string

const (
	JobKindByIdentifier    JobKind = "by_identifier"
	JobKindByRow           JobKind = "by_row"
	JobKindByTemplateParam JobKind = "by_template_param"
)

type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
)

// Job is one campaign submission producing N artifacts.
type Job struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"-"`
	JobID        string         `gorm:"column:job_id;uniqueIndex;not null" json:"job_id"`
	Kind         JobKind        `gorm:"column:kind;not null" json:"kind"`
	CampaignName string         `gorm:"column:campaign_name;not null" json:"campaign_name"`
	Payload      datatypes.JSON `gorm:"column:payload;type:jsonb" json:"-"`
	Total        int            `gorm:"column:total;not null;default:0" json:"total"`
	Processed    int            `gorm:"column:processed;not null;default:0" json:"processed"`
	Success      int            `gorm:"column:success;not null;default:0" json:"success"`
	Failure      int            `gorm:"column:failure;not null;default:0" json:"failure"`
	State        JobState       `gorm:"column:state;not null;index" json:"state"`
	ErrorMessage string         `gorm:"column:error_message" json:"error_message,omitempty"`
	Metadata     datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	QueuedAt     *time.Time     `gorm:"column:queued_at" json:"queued_at,omitempty"`
	ProcessingAt *time.Time     `gorm:"column:processing_at" json:"processing_at,omitempty"`
	CompletedAt  *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Job) TableName() string { return "job" }

type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// WorkItem is one row expanded from a Job.
type WorkItem struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"-"`
	JobID           string         `gorm:"column:job_id;not null;index:idx_work_item_job_item,unique" json:"job_id"`
	ItemID          string         `gorm:"column:item_id;not null;index:idx_work_item_job_item,unique" json:"item_id"`
	InputIdentifier string         `gorm:"column:input_identifier" json:"input_identifier"`
	Status          ItemStatus     `gorm:"column:status;not null;index" json:"status"`
	DisplayName     string         `gorm:"column:display_name" json:"display_name,omitempty"`
	ArtifactURL     string         `gorm:"column:artifact_url" json:"artifact_url,omitempty"`
	ArtifactKey     string         `gorm:"column:artifact_key" json:"artifact_key,omitempty"`
	ProcessingMs    int64          `gorm:"column:processing_ms" json:"processing_ms,omitempty"`
	ErrorMessage    string         `gorm:"column:error_message" json:"error_message,omitempty"`
	Metadata        datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
}

func (WorkItem) TableName() string { return "work_item" }

type FailureKind string

const (
	FailureKindTimeout        FailureKind = "timeout"
	FailureKindHTMLConversion FailureKind = "html_conversion"
	FailureKindUpload         FailureKind = "upload"
	FailureKindProfileFetch   FailureKind = "profile_fetch"
	FailureKindMissingUserID  FailureKind = "missing_user_id"
	FailureKindWebhookFailed  FailureKind = "webhook_failed"
	FailureKindStore          FailureKind = "store"
	FailureKindUnknown        FailureKind = "unknown"
)

// FailureRecord is an append-only record of a per-item or per-job failure.
type FailureRecord struct {
	ID               uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"-"`
	JobID            string         `gorm:"column:job_id;not null;index" json:"job_id"`
	ItemID           string         `gorm:"column:item_id;index" json:"item_id,omitempty"`
	Identifier       string         `gorm:"column:identifier" json:"identifier,omitempty"`
	FailureKind      FailureKind    `gorm:"column:failure_kind;not null" json:"failure_kind"`
	ErrorMessage     string         `gorm:"column:error_message" json:"error_message"`
	Details          datatypes.JSON `gorm:"column:details;type:jsonb" json:"details,omitempty"`
	TemplateSnapshot string         `gorm:"column:template_snapshot" json:"template_snapshot,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (FailureRecord) TableName() string { return "failure_record" }

type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
	LogLevelSuccess LogLevel = "SUCCESS"
)

// LogEntry is an append-only audit log line for a job.
type LogEntry struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"-"`
	JobID     string         `gorm:"column:job_id;not null;index" json:"job_id"`
	Level     LogLevel       `gorm:"column:level;not null" json:"level"`
	Message   string         `gorm:"column:message;not null" json:"message"`
	Details   datatypes.JSON `gorm:"column:details;type:jsonb" json:"details,omitempty"`
	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (LogEntry) TableName() string { return "log_entry" }

// Stats is the read-side projection of a job's current counters, used by get_stats
// and as the basis for a StreamGateway catch-up `status` event.
type Stats struct {
	JobID     string   `json:"job_id"`
	State     JobState `json:"state"`
	Total     int      `json:"total"`
	Processed int      `json:"processed"`
	Success   int      `json:"success"`
	Failure   int      `json:"failure"`
}
