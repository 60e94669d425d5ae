package queue

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	defaultClaimTimeout = 15 * time.Minute
	claimCandidates     = 8
	claimRounds         = 5
)

type Repo struct {
	db           *gorm.DB
	now          func() time.Time
	claimTimeout time.Duration
}

type RepoOption func(*Repo)

// WithClock overrides time.Now; tests use it to step over backoff windows.
func WithClock(now func() time.Time) RepoOption {
	return func(r *Repo) { r.now = now }
}

// WithClaimTimeout sets how long a processing entry may go without an update
// before another worker may reclaim it.
func WithClaimTimeout(d time.Duration) RepoOption {
	return func(r *Repo) {
		if d > 0 {
			r.claimTimeout = d
		}
	}
}

func NewRepo(db *gorm.DB, opts ...RepoOption) *Repo {
	r := &Repo{
		db:           db,
		now:          func() time.Time { return time.Now().UTC() },
		claimTimeout: defaultClaimTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Repo) Now() time.Time { return r.now() }

type ListOptions struct {
	Status EntryStatus // empty means all
	Limit  int
	Offset int
}

// ListEntries returns the user's entries newest first.
func (r *Repo) ListEntries(ctx context.Context, userID string, opts ListOptions) ([]Entry, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(opts.Limit).
		Offset(opts.Offset)

	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}

	var entries []Entry
	if err := q.Find(&entries).Error; err != nil {
		return nil, storeErr("list entries", err)
	}
	return entries, nil
}

// CountByStatus returns a count for every status, zero filled.
func (r *Repo) CountByStatus(ctx context.Context, userID string) (map[EntryStatus]int64, error) {
	type row struct {
		Status EntryStatus
		Count  int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).
		Model(&Entry{}).
		Select("status, COUNT(*) AS count").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, storeErr("count by status", err)
	}

	counts := make(map[EntryStatus]int64, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	for _, rw := range rows {
		counts[rw.Status] = rw.Count
	}
	return counts, nil
}

// JobsByIDs loads the user's jobs keyed by id.
func (r *Repo) JobsByIDs(ctx context.Context, userID string, ids []string) (map[string]*Job, error) {
	out := make(map[string]*Job, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var jobs []Job
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND id IN ?", userID, ids).
		Find(&jobs).Error; err != nil {
		return nil, storeErr("jobs by ids", err)
	}
	for i := range jobs {
		out[jobs[i].ID] = &jobs[i]
	}
	return out, nil
}

// ResetEntry moves a failed/retrying entry owned by userID back to pending.
// The guard and the write are one conditional UPDATE; false means nothing
// matched (wrong owner, wrong status, unknown id, or the job already has
// another active entry).
func (r *Repo) ResetEntry(ctx context.Context, entryID, userID string) (bool, error) {
	now := r.now()
	reset := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Entry{}).
			Where("id = ? AND user_id = ? AND status IN ?", entryID, userID,
				[]EntryStatus{StatusFailed, StatusRetrying}).
			Updates(map[string]any{
				"status":        StatusPending,
				"retry_count":   0,
				"error_message": nil,
				"scheduled_at":  now,
				"active_job_id": gorm.Expr("job_id"),
				"claimed_by":    nil,
				"updated_at":    now,
			})
		if res.Error != nil {
			if isDuplicate(res.Error) {
				return ErrActiveEntryExists
			}
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}

		var e Entry
		if err := tx.Select("job_id").First(&e, "id = ?", entryID).Error; err != nil {
			return err
		}
		if err := tx.Model(&Job{}).
			Where("id = ? AND user_id = ?", e.JobID, userID).
			Updates(map[string]any{
				"status":        JobPending,
				"error_message": nil,
				"updated_at":    now,
			}).Error; err != nil {
			return err
		}
		reset = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrActiveEntryExists) {
			return false, nil
		}
		return false, storeErr("reset entry", err)
	}
	return reset, nil
}

func (r *Repo) eligible(q *gorm.DB, now time.Time) *gorm.DB {
	return q.Where("((status IN ? AND scheduled_at <= ?) OR (status = ? AND updated_at <= ?))",
		[]EntryStatus{StatusPending, StatusRetrying}, now,
		StatusProcessing, now.Add(-r.claimTimeout))
}

// ClaimNextEligible takes one due entry and marks it processing for workerID.
//
// The claim is a compare-and-set: the UPDATE repeats the eligibility predicate
// and only the caller whose statement affects the row owns the entry, so two
// concurrent callers never get the same id. Returns (nil, nil) when nothing is due.
func (r *Repo) ClaimNextEligible(ctx context.Context, workerID string) (*Entry, error) {
	for round := 0; round < claimRounds; round++ {
		now := r.now()

		var candidates []Entry
		if err := r.eligible(r.db.WithContext(ctx).Select("id"), now).
			Order("scheduled_at ASC").
			Order("id ASC").
			Limit(claimCandidates).
			Find(&candidates).Error; err != nil {
			return nil, storeErr("find eligible", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for _, c := range candidates {
			res := r.eligible(r.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", c.ID), now).
				Updates(map[string]any{
					"status":     StatusProcessing,
					"claimed_by": workerID,
					"updated_at": now,
				})
			if res.Error != nil {
				return nil, storeErr("claim entry", res.Error)
			}
			if res.RowsAffected != 1 {
				// someone else won this one
				continue
			}

			var e Entry
			if err := r.db.WithContext(ctx).First(&e, "id = ?", c.ID).Error; err != nil {
				return nil, storeErr("load claimed entry", err)
			}
			return &e, nil
		}
	}
	return nil, nil
}

// ClaimForJob claims the job's latest entry outside the normal scan. Any
// status except processing may be claimed; terminal entries get a fresh
// retry budget.
func (r *Repo) ClaimForJob(ctx context.Context, jobID, workerID string) (*Entry, error) {
	var latest Entry
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at DESC").
		Order("id DESC").
		First(&latest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr("latest entry for job", err)
	}
	if latest.Status == StatusProcessing {
		return nil, ErrAlreadyProcessing
	}

	now := r.now()
	updates := map[string]any{
		"status":        StatusProcessing,
		"claimed_by":    workerID,
		"active_job_id": jobID,
		"updated_at":    now,
	}
	if !latest.Status.Active() {
		updates["retry_count"] = 0
		updates["error_message"] = nil
	}

	res := r.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ? AND status = ?", latest.ID, latest.Status).
		Updates(updates)
	if res.Error != nil {
		if isDuplicate(res.Error) {
			return nil, ErrActiveEntryExists
		}
		return nil, storeErr("claim for job", res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, ErrAlreadyProcessing
	}

	var e Entry
	if err := r.db.WithContext(ctx).First(&e, "id = ?", latest.ID).Error; err != nil {
		return nil, storeErr("load claimed entry", err)
	}
	return &e, nil
}

// Job CRUD
func (r *Repo) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr("get job", err)
	}
	return &j, nil
}

func (r *Repo) GetEntry(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	if err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr("get entry", err)
	}
	return &e, nil
}

// CreateJobWithEntry inserts the job and its first entry together.
func (r *Repo) CreateJobWithEntry(ctx context.Context, job *Job, entry *Entry) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		return tx.Create(entry).Error
	})
	if err != nil {
		if isDuplicate(err) {
			return ErrActiveEntryExists
		}
		return storeErr("create job", err)
	}
	return nil
}

// CreateEntry adds an entry for an existing job.
func (r *Repo) CreateEntry(ctx context.Context, entry *Entry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		if isDuplicate(err) {
			return ErrActiveEntryExists
		}
		return storeErr("create entry", err)
	}
	return nil
}

func (r *Repo) MarkJobProcessing(ctx context.Context, jobID string) error {
	if err := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":     JobProcessing,
			"updated_at": r.now(),
		}).Error; err != nil {
		return storeErr("mark job processing", err)
	}
	return nil
}

type Completion struct {
	EntryID          string
	JobID            string
	WorkerID         string
	OutputURL        string
	ProcessingTimeMs int64
}

func (r *Repo) MarkCompleted(ctx context.Context, c Completion) error {
	now := r.now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Entry{}).
			Where("id = ? AND status = ? AND claimed_by = ?", c.EntryID, StatusProcessing, c.WorkerID).
			Updates(map[string]any{
				"status":        StatusCompleted,
				"error_message": nil,
				"active_job_id": nil,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrClaimLost
		}
		return tx.Model(&Job{}).
			Where("id = ?", c.JobID).
			Updates(map[string]any{
				"status":             JobCompleted,
				"output_url":         c.OutputURL,
				"processing_time_ms": c.ProcessingTimeMs,
				"error_message":      nil,
				"updated_at":         now,
			}).Error
	})
	if err != nil {
		if errors.Is(err, ErrClaimLost) {
			return err
		}
		return storeErr("mark completed", err)
	}
	return nil
}

// Failure records a failed attempt. Status must be StatusRetrying (with a
// future ScheduledAt) or StatusFailed.
type Failure struct {
	EntryID     string
	JobID       string
	WorkerID    string
	Status      EntryStatus
	RetryCount  int
	Message     string
	ScheduledAt time.Time
}

func (r *Repo) MarkFailure(ctx context.Context, f Failure) error {
	now := r.now()
	entryUpdates := map[string]any{
		"status":        f.Status,
		"retry_count":   f.RetryCount,
		"error_message": f.Message,
		"claimed_by":    nil,
		"updated_at":    now,
	}
	jobStatus := JobPending
	if f.Status == StatusRetrying {
		entryUpdates["scheduled_at"] = f.ScheduledAt
	} else {
		entryUpdates["active_job_id"] = nil
		jobStatus = JobFailed
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Entry{}).
			Where("id = ? AND status = ? AND claimed_by = ?", f.EntryID, StatusProcessing, f.WorkerID).
			Updates(entryUpdates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrClaimLost
		}
		return tx.Model(&Job{}).
			Where("id = ?", f.JobID).
			Updates(map[string]any{
				"status":        jobStatus,
				"error_message": f.Message,
				"updated_at":    now,
			}).Error
	})
	if err != nil {
		if errors.Is(err, ErrClaimLost) {
			return err
		}
		return storeErr("mark failure", err)
	}
	return nil
}

// ReleaseClaim hands an interrupted attempt back to the queue without
// charging a retry: the entry is due again immediately, as pending or as
// retrying if it already failed before.
func (r *Repo) ReleaseClaim(ctx context.Context, entryID, jobID, workerID string) error {
	now := r.now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Entry{}).
			Where("id = ? AND status = ? AND claimed_by = ?", entryID, StatusProcessing, workerID).
			Updates(map[string]any{
				"status":       gorm.Expr("CASE WHEN retry_count > 0 THEN ? ELSE ? END", StatusRetrying, StatusPending),
				"scheduled_at": now,
				"claimed_by":   nil,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrClaimLost
		}
		return tx.Model(&Job{}).
			Where("id = ?", jobID).
			Updates(map[string]any{
				"status":     JobPending,
				"updated_at": now,
			}).Error
	})
	if err != nil {
		if errors.Is(err, ErrClaimLost) {
			return err
		}
		return storeErr("release claim", err)
	}
	return nil
}
