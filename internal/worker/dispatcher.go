package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/colorific/internal/ai"
	"github.com/suPer8Hu/colorific/internal/notify"
	"github.com/suPer8Hu/colorific/internal/queue"
	"golang.org/x/sync/errgroup"
)

const (
	maxErrorMessageLen = 1000
	// write-backs outlive the batch context so a cancelled caller never
	// strands a claimed entry
	writeBackTimeout = 10 * time.Second
)

// Store is the part of the queue store the dispatcher drives.
type Store interface {
	ClaimNextEligible(ctx context.Context, workerID string) (*queue.Entry, error)
	ClaimForJob(ctx context.Context, jobID, workerID string) (*queue.Entry, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	MarkJobProcessing(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, c queue.Completion) error
	MarkFailure(ctx context.Context, f queue.Failure) error
	ReleaseClaim(ctx context.Context, entryID, jobID, workerID string) error
}

type Generator interface {
	Generate(ctx context.Context, req ai.GenerationRequest) (ai.GenerationResult, error)
}

type Config struct {
	WorkerID          string
	MaxRetries        int
	Backoff           Backoff
	BatchSize         int           // claims per ProcessQueue call
	TimeBudget        time.Duration // no new claims after this
	Concurrency       int
	GenerationTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = Backoff{Base: 30 * time.Second, Max: 10 * time.Minute}
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.TimeBudget <= 0 {
		c.TimeBudget = 50 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 120 * time.Second
	}
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
	// OutcomeReleased: the caller went away mid-attempt; the entry is due
	// again and no retry was charged.
	OutcomeReleased Outcome = "released"
	// OutcomeError: the result could not be written back (store error or lost claim).
	OutcomeError Outcome = "error"
)

type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Released  int `json:"released"`
	Errors    int `json:"errors"`
}

func (s *Summary) add(o Outcome) {
	s.Processed++
	switch o {
	case OutcomeCompleted:
		s.Succeeded++
	case OutcomeRetrying:
		s.Retried++
	case OutcomeFailed:
		s.Failed++
	case OutcomeReleased:
		s.Released++
	default:
		s.Errors++
	}
}

type Dispatcher struct {
	store     Store
	gen       Generator
	publisher notify.Publisher
	cfg       Config
	now       func() time.Time
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithPublisher reports every transition; nil disables events.
func WithPublisher(p notify.Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

func NewDispatcher(store Store, gen Generator, cfg Config, opts ...Option) *Dispatcher {
	cfg.defaults()
	d := &Dispatcher{
		store: store,
		gen:   gen,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ProcessQueue drains due entries until none remain, BatchSize claims were
// made, or TimeBudget elapsed. Concurrency loops claim independently; the
// store's atomic claim keeps them from sharing entries. A failing entry never
// stops the batch; only a failing claim query is returned as an error.
func (d *Dispatcher) ProcessQueue(ctx context.Context) (Summary, error) {
	start := time.Now()
	var (
		budget  atomic.Int64
		mu      sync.Mutex
		summary Summary
		g       errgroup.Group
	)
	budget.Store(int64(d.cfg.BatchSize))

	for i := 0; i < d.cfg.Concurrency; i++ {
		loopID := fmt.Sprintf("%s/%d", d.cfg.WorkerID, i)
		g.Go(func() error {
			for {
				if ctx.Err() != nil || time.Since(start) >= d.cfg.TimeBudget {
					return nil
				}
				if budget.Add(-1) < 0 {
					return nil
				}

				e, err := d.store.ClaimNextEligible(ctx, loopID)
				if err != nil {
					log.Printf("[dispatcher] claim failed worker=%s err=%v", loopID, err)
					return err
				}
				if e == nil {
					return nil
				}

				o := d.processEntry(ctx, loopID, e)
				mu.Lock()
				summary.add(o)
				mu.Unlock()
			}
		})
	}

	err := g.Wait()
	if summary.Processed > 0 || err != nil {
		log.Printf("[dispatcher] batch done worker=%s processed=%d succeeded=%d retried=%d failed=%d released=%d errors=%d cost=%s",
			d.cfg.WorkerID, summary.Processed, summary.Succeeded, summary.Retried, summary.Failed, summary.Released, summary.Errors, time.Since(start))
	}
	return summary, err
}

// ProcessSingleJob claims the job's latest entry directly and processes it.
// queue.ErrNotFound and queue.ErrAlreadyProcessing are returned unchanged.
func (d *Dispatcher) ProcessSingleJob(ctx context.Context, jobID string) (*queue.Entry, Outcome, error) {
	workerID := d.cfg.WorkerID + "/single"
	e, err := d.store.ClaimForJob(ctx, jobID, workerID)
	if err != nil {
		return nil, "", err
	}
	return e, d.processEntry(ctx, workerID, e), nil
}

func (d *Dispatcher) processEntry(ctx context.Context, workerID string, e *queue.Entry) (outcome Outcome) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[dispatcher] panic entry=%s job=%s err=%v", e.ID, e.JobID, r)
			outcome = d.fail(ctx, workerID, e, fmt.Errorf("internal error: %v", r))
		}
	}()

	job, err := d.store.GetJob(ctx, e.JobID)
	if err != nil {
		if ctx.Err() != nil {
			return d.release(ctx, workerID, e)
		}
		return d.fail(ctx, workerID, e, fmt.Errorf("load job: %w", err))
	}
	wctx, wcancel := d.writeCtx(ctx)
	err = d.store.MarkJobProcessing(wctx, job.ID)
	wcancel()
	if err != nil {
		log.Printf("[dispatcher] mark job processing job=%s err=%v", job.ID, err)
	}
	d.publish(ctx, e, queue.StatusProcessing, e.RetryCount, "")

	gctx, cancel := context.WithTimeout(ctx, d.cfg.GenerationTimeout)
	res, err := d.gen.Generate(gctx, ai.GenerationRequest{
		InputURL:   job.InputURL,
		Prompt:     job.Prompt,
		Style:      job.Style,
		Difficulty: job.Difficulty,
	})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return d.release(ctx, workerID, e)
		}
		return d.fail(ctx, workerID, e, err)
	}

	cost := time.Since(start)
	wctx, wcancel = d.writeCtx(ctx)
	defer wcancel()
	if err := d.store.MarkCompleted(wctx, queue.Completion{
		EntryID:          e.ID,
		JobID:            e.JobID,
		WorkerID:         workerID,
		OutputURL:        res.OutputURL,
		ProcessingTimeMs: cost.Milliseconds(),
	}); err != nil {
		log.Printf("[dispatcher] mark completed entry=%s job=%s err=%v", e.ID, e.JobID, err)
		return OutcomeError
	}

	d.publish(ctx, e, queue.StatusCompleted, e.RetryCount, res.OutputURL)
	if cost > 30*time.Second {
		log.Printf("[dispatcher] slow entry=%s job=%s cost=%s", e.ID, e.JobID, cost)
	}
	return OutcomeCompleted
}

// fail applies the retry policy: below MaxRetries the entry goes to retrying
// with a backoff, otherwise it is failed for good.
func (d *Dispatcher) fail(ctx context.Context, workerID string, e *queue.Entry, cause error) Outcome {
	retryCount := e.RetryCount + 1
	msg := truncateMessage(cause.Error(), maxErrorMessageLen)

	f := queue.Failure{
		EntryID:    e.ID,
		JobID:      e.JobID,
		WorkerID:   workerID,
		RetryCount: retryCount,
		Message:    msg,
	}
	outcome := OutcomeFailed
	if retryCount < d.cfg.MaxRetries {
		f.Status = queue.StatusRetrying
		f.ScheduledAt = d.now().Add(d.cfg.Backoff.Delay(retryCount))
		outcome = OutcomeRetrying
	} else {
		f.Status = queue.StatusFailed
	}

	wctx, cancel := d.writeCtx(ctx)
	defer cancel()
	if err := d.store.MarkFailure(wctx, f); err != nil {
		if errors.Is(err, queue.ErrClaimLost) {
			log.Printf("[dispatcher] claim lost entry=%s worker=%s", e.ID, workerID)
		} else {
			log.Printf("[dispatcher] mark failure entry=%s job=%s err=%v", e.ID, e.JobID, err)
		}
		return OutcomeError
	}

	log.Printf("[dispatcher] attempt failed entry=%s job=%s retry_count=%d status=%s err=%v",
		e.ID, e.JobID, retryCount, f.Status, cause)
	d.publish(ctx, e, f.Status, retryCount, "")
	return outcome
}

// release returns an interrupted entry to the queue. The attempt is not
// counted: the generator never got to answer.
func (d *Dispatcher) release(ctx context.Context, workerID string, e *queue.Entry) Outcome {
	wctx, cancel := d.writeCtx(ctx)
	defer cancel()
	if err := d.store.ReleaseClaim(wctx, e.ID, e.JobID, workerID); err != nil {
		log.Printf("[dispatcher] release claim entry=%s worker=%s err=%v", e.ID, workerID, err)
		return OutcomeError
	}
	log.Printf("[dispatcher] released entry=%s job=%s cause=%v", e.ID, e.JobID, context.Cause(ctx))
	status := queue.StatusPending
	if e.RetryCount > 0 {
		status = queue.StatusRetrying
	}
	d.publish(ctx, e, status, e.RetryCount, "")
	return OutcomeReleased
}

func (d *Dispatcher) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
}

// truncateMessage cuts msg to at most n bytes without splitting a rune;
// Postgres rejects invalid UTF-8 in text columns.
func truncateMessage(msg string, n int) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	if len(msg) <= n {
		return msg
	}
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}

func (d *Dispatcher) publish(ctx context.Context, e *queue.Entry, status queue.EntryStatus, retryCount int, outputURL string) {
	if d.publisher == nil {
		return
	}
	pctx, cancel := d.writeCtx(ctx)
	defer cancel()
	err := d.publisher.PublishEvent(pctx, notify.Event{
		QueueJobID: e.ID,
		JobID:      e.JobID,
		UserID:     e.UserID,
		Status:     string(status),
		RetryCount: retryCount,
		OutputURL:  outputURL,
		At:         d.now(),
	})
	if err != nil {
		log.Printf("[dispatcher] publish event entry=%s err=%v", e.ID, err)
	}
}
