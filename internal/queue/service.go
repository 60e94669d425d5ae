package queue

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/suPer8Hu/colorific/internal/common"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Kicker wakes the worker after new work becomes due. Best effort: the cron
// trigger picks the work up anyway.
type Kicker interface {
	Kick(ctx context.Context, reason string) error
}

type Service struct {
	repo   *Repo
	kicker Kicker
}

func NewService(repo *Repo, kicker Kicker) *Service {
	return &Service{repo: repo, kicker: kicker}
}

type Pagination struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Total  int64 `json:"total"`
}

type Overview struct {
	QueueJobs  []Entry    `json:"queueJobs"`
	Statistics Statistics `json:"statistics"`
	Pagination Pagination `json:"pagination"`
}

func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Overview is the read side of the dashboard: one page of the caller's
// entries with their jobs, plus per-status statistics. Nothing is returned
// if any query fails.
func (s *Service) Overview(ctx context.Context, userID string, opts ListOptions) (*Overview, error) {
	opts.Limit, opts.Offset = NormalizePage(opts.Limit, opts.Offset)

	entries, err := s.repo.ListEntries(ctx, userID, opts)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.CountByStatus(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.JobID)
	}
	jobs, err := s.repo.JobsByIDs(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Job = jobs[entries[i].JobID]
	}

	stats := StatisticsFromCounts(counts)
	total := stats.Total
	if opts.Status != "" {
		total = counts[opts.Status]
	}

	return &Overview{
		QueueJobs:  entries,
		Statistics: stats,
		Pagination: Pagination{Limit: opts.Limit, Offset: opts.Offset, Total: total},
	}, nil
}

// Retry reopens a failed/retrying entry owned by userID.
func (s *Service) Retry(ctx context.Context, userID, entryID string) error {
	ok, err := s.repo.ResetEntry(ctx, entryID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRetryRejected
	}
	s.kick(ctx, "retry")
	return nil
}

type EnqueueRequest struct {
	UserID     string
	InputURL   string
	Prompt     string
	Style      string
	Difficulty string
}

// Enqueue creates a PENDING job and its first pending entry, due now.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, *Entry, error) {
	jobID, err := common.NewULID()
	if err != nil {
		return nil, nil, err
	}
	entryID, err := common.NewULID()
	if err != nil {
		return nil, nil, err
	}

	now := s.repo.Now()
	job := &Job{
		ID:         jobID,
		UserID:     req.UserID,
		Prompt:     strings.TrimSpace(req.Prompt),
		Style:      req.Style,
		Difficulty: req.Difficulty,
		Status:     JobPending,
		InputURL:   req.InputURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	entry := &Entry{
		ID:          entryID,
		JobID:       jobID,
		UserID:      req.UserID,
		Status:      StatusPending,
		ScheduledAt: now,
		ActiveJobID: &jobID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateJobWithEntry(ctx, job, entry); err != nil {
		return nil, nil, err
	}

	s.kick(ctx, "enqueue")
	return job, entry, nil
}

// GetJob hides jobs of other users behind ErrNotFound.
func (s *Service) GetJob(ctx context.Context, userID, jobID string) (*Job, error) {
	j, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, ErrNotFound
	}
	return j, nil
}

func (s *Service) kick(ctx context.Context, reason string) {
	if s.kicker == nil {
		return
	}
	if err := s.kicker.Kick(ctx, reason); err != nil {
		log.Printf("[queue] kick failed reason=%s err=%v", reason, err)
	}
}

// IsStoreError reports whether err came from the database layer.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrStore)
}
