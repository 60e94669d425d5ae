package queue

import (
	"time"

	"gorm.io/gorm"
)

type EntryStatus string

const (
	StatusPending    EntryStatus = "pending"
	StatusProcessing EntryStatus = "processing"
	StatusCompleted  EntryStatus = "completed"
	StatusFailed     EntryStatus = "failed"
	StatusRetrying   EntryStatus = "retrying"
)

// AllStatuses is the display order used by statistics.
var AllStatuses = []EntryStatus{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusRetrying,
}

func (s EntryStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Active reports whether an entry in this status still counts as the job's
// one in-flight attempt.
func (s EntryStatus) Active() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusRetrying
}

type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobPaid       JobStatus = "PAID"
)

// Job is the photo -> coloring page unit of work.
type Job struct {
	ID     string `gorm:"primaryKey;size:26" json:"id"` // ULID length
	UserID string `gorm:"size:64;index;not null" json:"userId"`

	Prompt     string `gorm:"type:text" json:"prompt"`
	Style      string `gorm:"size:32" json:"style"`
	Difficulty string `gorm:"size:16" json:"difficulty"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	InputURL  string  `gorm:"type:text;not null" json:"inputUrl"`
	OutputURL *string `gorm:"type:text" json:"outputUrl"`
	PDFURL    *string `gorm:"column:pdf_url;type:text" json:"pdfUrl"`

	ErrorMessage     *string `gorm:"type:text" json:"errorMessage"`
	ProcessingTimeMs *int64  `json:"processingTimeMs"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Job) TableName() string { return "jobs" }

// Entry is one processing attempt record for a Job.
//
// ActiveJobID equals JobID while the entry is pending/processing/retrying and
// is NULL otherwise; its unique index allows at most one active entry per job.
type Entry struct {
	ID     string `gorm:"primaryKey;size:26" json:"id"`
	JobID  string `gorm:"size:26;index;not null" json:"jobId"`
	UserID string `gorm:"size:64;index:idx_queue_user_created,priority:1;not null" json:"userId"`

	Status       EntryStatus `gorm:"type:varchar(16);index:idx_queue_status_scheduled,priority:1;not null" json:"status"`
	RetryCount   int         `gorm:"not null;default:0" json:"retryCount"`
	ErrorMessage *string     `gorm:"type:text" json:"errorMessage"`
	ScheduledAt  time.Time   `gorm:"index:idx_queue_status_scheduled,priority:2;not null" json:"scheduledAt"`

	ActiveJobID *string `gorm:"size:26;uniqueIndex" json:"-"`
	ClaimedBy   *string `gorm:"size:64" json:"-"`

	CreatedAt time.Time `gorm:"index:idx_queue_user_created,priority:2" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// populated by the status projector only
	Job *Job `gorm:"-" json:"job,omitempty"`
}

func (Entry) TableName() string { return "queue_entries" }

// Statistics are the per-status counts for one user. Total is the sum of the
// five status buckets.
type Statistics struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Retrying   int64 `json:"retrying"`
}

func StatisticsFromCounts(counts map[EntryStatus]int64) Statistics {
	s := Statistics{
		Pending:    counts[StatusPending],
		Processing: counts[StatusProcessing],
		Completed:  counts[StatusCompleted],
		Failed:     counts[StatusFailed],
		Retrying:   counts[StatusRetrying],
	}
	s.Total = s.Pending + s.Processing + s.Completed + s.Failed + s.Retrying
	return s
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Job{}, &Entry{})
}
