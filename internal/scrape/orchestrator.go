// Package scrape runs collection passes: it queues due accounts and drives
// a bounded pool of workers through the rate limiter, retry policy, source
// adapter and validator, committing each accepted snapshot and invalidating
// the cached views that depend on it.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/williamDalston/social-media-scraper-sub002/internal/cache"
	"github.com/williamDalston/social-media-scraper-sub002/internal/metrics"
	"github.com/williamDalston/social-media-scraper-sub002/internal/queue"
	"github.com/williamDalston/social-media-scraper-sub002/internal/ratelimit"
	"github.com/williamDalston/social-media-scraper-sub002/internal/retry"
	"github.com/williamDalston/social-media-scraper-sub002/internal/source"
	"github.com/williamDalston/social-media-scraper-sub002/internal/storage"
	"github.com/williamDalston/social-media-scraper-sub002/internal/validate"
)

const (
	DefaultMaxWorkers     = 4
	DefaultRequestTimeout = 20 * time.Second
)

// Failure kinds that do not come from a source adapter.
const (
	KindRejected      = "rejected"
	KindStorage       = "storage"
	KindUnknownSource = "unknown_source"
)

// Repository is the record store a run reads from and commits to.
type Repository interface {
	GetDueAccounts(date string) ([]storage.TrackedAccount, error)
	ListAccounts() ([]storage.TrackedAccount, error)
	GetAccount(id string) (storage.TrackedAccount, error)
	UpsertSnapshot(snap storage.MetricSnapshot) error
	UpdateLastScraped(accountID string, at time.Time) error
	SaveRun(run storage.RunRecord) error
}

// Invalidator drops cached views by tag.
type Invalidator interface {
	InvalidateByTag(ctx context.Context, tag string)
}

// Warmer refreshes hot cache keys without blocking the caller.
type Warmer interface {
	Warm(ctx context.Context)
}

// Config tunes the worker pool.
type Config struct {
	MaxWorkers     int
	RequestTimeout time.Duration
	Retry          retry.Policy
}

// Orchestrator executes scrape runs. One run executes at a time per
// Orchestrator.
type Orchestrator struct {
	repo      Repository
	adapters  *source.Registry
	limiter   *ratelimit.Limiter
	validator *validate.Validator
	cache     Invalidator
	warmer    Warmer
	metrics   *metrics.Collector
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	running sync.Mutex
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithCache sets the invalidator notified after each committed snapshot.
func WithCache(inv Invalidator) Option {
	return func(o *Orchestrator) { o.cache = inv }
}

// WithWarmer sets the warmer triggered after a run that committed anything.
func WithWarmer(w Warmer) Option {
	return func(o *Orchestrator) { o.warmer = w }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides time.Now, which decides the snapshot date.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. The limiter is shared with anything else
// calling the same sources.
func New(repo Repository, adapters *source.Registry, limiter *ratelimit.Limiter, validator *validate.Validator, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	o := &Orchestrator{
		repo:      repo,
		adapters:  adapters,
		limiter:   limiter,
		validator: validator,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.Retry.Logger == nil {
		o.cfg.Retry.Logger = o.logger
	}
	return o
}

// Run executes one pass over the accounts selected by req and blocks until
// every started task has finished. Per-account failures are reported in the
// summary, never as the returned error. Cancelling ctx stops workers from
// starting new tasks; fetches already under way run to completion or time
// out.
func (o *Orchestrator) Run(ctx context.Context, req Request) (RunSummary, error) {
	if !o.running.TryLock() {
		return RunSummary{}, ErrRunInProgress
	}
	defer o.running.Unlock()

	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return RunSummary{}, err
	}

	clock := time.Now()
	started := o.now().UTC()
	date := storage.DateOf(started)
	accounts, err := o.selectAccounts(mode, date, req.AccountIDs)
	if err != nil {
		return RunSummary{}, err
	}

	summary := RunSummary{
		ID:        uuid.New().String(),
		Mode:      mode,
		Date:      date,
		StartedAt: started,
	}
	logger := o.logger.With("run_id", summary.ID, "mode", mode)

	q := queue.New()
	for _, acc := range accounts {
		q.Enqueue(acc)
	}
	queued := q.Len()
	logger.Info("scrape run starting", "accounts", queued, "workers", min(o.cfg.MaxWorkers, max(queued, 1)))

	var mu sync.Mutex
	record := func(out outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case out.skipped:
			summary.Skipped++
		case out.failure != nil:
			summary.Attempted++
			summary.Failed++
			summary.Failures = append(summary.Failures, *out.failure)
		default:
			summary.Attempted++
			summary.Succeeded++
			summary.Results = append(summary.Results, *out.result)
		}
	}

	var g errgroup.Group
	for range min(o.cfg.MaxWorkers, max(queued, 1)) {
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					return nil
				}
				task, ok := q.Dequeue()
				if !ok {
					return nil
				}
				out := o.process(ctx, task, date, logger)
				q.Done(task.Account.ID)
				record(out)
			}
		})
	}
	_ = g.Wait()

	// Anything still queued was never started.
	for {
		if _, ok := q.Dequeue(); !ok {
			break
		}
		summary.Skipped++
	}

	summary.Duration = time.Since(clock)
	o.metrics.ScrapeRun(string(mode), summary.Duration)

	if err := o.repo.SaveRun(summary.Record()); err != nil {
		logger.Error("saving run history", "error", err)
	}

	logger.Info("scrape run complete",
		"attempted", summary.Attempted,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"duration", summary.Duration.Round(time.Millisecond))

	if summary.Succeeded > 0 && o.warmer != nil {
		o.warmer.Warm(ctx)
	}
	return summary, nil
}

func (o *Orchestrator) selectAccounts(mode Mode, date string, ids []string) ([]storage.TrackedAccount, error) {
	switch mode {
	case ModeDue:
		accs, err := o.repo.GetDueAccounts(date)
		if err != nil {
			return nil, fmt.Errorf("loading due accounts: %w", err)
		}
		return accs, nil
	case ModePriority:
		accs, err := o.repo.GetDueAccounts(date)
		if err != nil {
			return nil, fmt.Errorf("loading due accounts: %w", err)
		}
		out := accs[:0]
		for _, a := range accs {
			if a.IsPriority {
				out = append(out, a)
			}
		}
		return out, nil
	case ModeAll:
		accs, err := o.repo.ListAccounts()
		if err != nil {
			return nil, fmt.Errorf("listing accounts: %w", err)
		}
		return accs, nil
	case ModeAccounts:
		if len(ids) == 0 {
			return nil, ErrNoAccounts
		}
		accs := make([]storage.TrackedAccount, 0, len(ids))
		for _, id := range ids {
			a, err := o.repo.GetAccount(id)
			if err != nil {
				return nil, fmt.Errorf("loading account %s: %w", id, err)
			}
			accs = append(accs, a)
		}
		return accs, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownMode, mode)
}

type outcome struct {
	skipped bool
	result  *Result
	failure *Failure
}

// process runs one task from pending to succeeded or failed.
func (o *Orchestrator) process(ctx context.Context, task *queue.Task, date string, logger *slog.Logger) outcome {
	acc := task.Account
	fail := func(kind string, err error) outcome {
		logger.Warn("scrape failed",
			"account_id", acc.ID,
			"source", acc.Source,
			"handle", acc.Handle,
			"attempts", task.Attempts,
			"kind", kind,
			"error", err)
		return outcome{failure: &Failure{
			AccountID: acc.ID,
			Source:    acc.Source,
			Handle:    acc.Handle,
			Attempts:  task.Attempts,
			Kind:      kind,
			Error:     err.Error(),
		}}
	}

	adapter, ok := o.adapters.Get(acc.Source)
	if !ok {
		return fail(KindUnknownSource, fmt.Errorf("no adapter registered for source %q", acc.Source))
	}

	// The first gate wait is the last point a cancelled run can back out.
	wait, err := o.limiter.Acquire(ctx, acc.Source)
	if err != nil {
		return outcome{skipped: true}
	}
	o.metrics.RateLimitWait(acc.Source, wait)

	// From here on the task is in flight and finishes regardless of ctx.
	flight := context.WithoutCancel(ctx)
	raw, attempts, err := retry.Execute(flight, o.cfg.Retry, func(ctx context.Context, attempt int) (source.RawResult, error) {
		if attempt > 1 {
			wait, err := o.limiter.Acquire(ctx, acc.Source)
			if err != nil {
				return nil, err
			}
			o.metrics.RateLimitWait(acc.Source, wait)
		}
		return o.fetch(ctx, adapter, acc)
	})
	task.Attempts = attempts
	if err != nil {
		return fail(source.KindName(err), err)
	}

	snap, err := o.validator.Validate(acc.ID, date, raw, o.now())
	if err != nil {
		return fail(KindRejected, err)
	}
	if err := o.repo.UpsertSnapshot(snap); err != nil {
		return fail(KindStorage, fmt.Errorf("upserting snapshot: %w", err))
	}
	if err := o.repo.UpdateLastScraped(acc.ID, snap.CollectedAt); err != nil {
		// The snapshot is committed; a stale timestamp only affects ordering.
		logger.Error("updating last_scraped_at", "account_id", acc.ID, "error", err)
	}

	o.invalidate(flight, acc)

	logger.Debug("scraped account",
		"account_id", acc.ID,
		"source", acc.Source,
		"attempts", attempts,
		"followers", snap.FollowerCount)
	return outcome{result: &Result{
		AccountID: acc.ID,
		Source:    acc.Source,
		Handle:    acc.Handle,
		Attempts:  attempts,
		Notes:     snap.Notes,
	}}
}

// fetch makes one adapter call bounded by the request timeout.
func (o *Orchestrator) fetch(ctx context.Context, adapter source.Adapter, acc storage.TrackedAccount) (source.RawResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	raw, err := adapter.Fetch(callCtx, acc)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, source.ErrTimeout) {
		err = source.NewError(source.ErrTimeout, acc, err)
	}

	outcome := "success"
	if err != nil {
		outcome = source.KindName(err)
	}
	o.metrics.ScrapeAttempt(acc.Source, outcome)
	return raw, err
}

// invalidate drops every cached view that includes acc's metrics.
func (o *Orchestrator) invalidate(ctx context.Context, acc storage.TrackedAccount) {
	if o.cache == nil {
		return
	}
	for _, tag := range []string{
		cache.TagAccount(acc.ID),
		cache.TagSource(acc.Source),
		cache.TagSummary,
		cache.TagGrid,
		cache.TagTop,
	} {
		o.cache.InvalidateByTag(ctx, tag)
	}
}
