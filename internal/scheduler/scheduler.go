// Package scheduler triggers due-mode scrape runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/williamDalston/social-media-scraper-sub002/internal/scrape"
)

// Runner executes a scrape run.
type Runner interface {
	Run(ctx context.Context, req scrape.Request) (scrape.RunSummary, error)
}

// Scheduler owns a cron instance with at most one scrape entry.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *slog.Logger

	mu      sync.Mutex
	entryID cron.EntryID
	expr    string
	ctx     context.Context
}

// New creates a Scheduler evaluating schedules in UTC. Overlapping firings
// are skipped while a previous run is still executing.
func New(runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{cron: c, runner: runner, logger: logger, ctx: context.Background()}
}

// Schedule installs expr (standard five-field cron or a descriptor such as
// "@daily"), replacing any previous schedule. An empty expr disables
// scheduled runs.
func (s *Scheduler) Schedule(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expr == "" {
		if s.entryID != 0 {
			s.cron.Remove(s.entryID)
			s.entryID = 0
		}
		s.expr = ""
		s.logger.Info("scheduled scrapes disabled")
		return nil
	}

	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("parsing schedule %q: %w", expr, err)
	}
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}
	id, err := s.cron.AddFunc(expr, s.fire)
	if err != nil {
		return fmt.Errorf("adding cron entry: %w", err)
	}
	s.entryID = id
	s.expr = expr
	s.logger.Info("scrape scheduled", "cron", expr, "next", s.cron.Entry(id).Next)
	return nil
}

// Next returns the next scheduled firing, or the zero time when nothing is
// scheduled or the scheduler is not started.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Expr returns the installed schedule.
func (s *Scheduler) Expr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr
}

// Start begins firing. Runs started by the scheduler inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts the scheduler and waits for a firing in progress to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	s.RunNow(ctx)
}

// RunNow performs one scheduled run synchronously.
func (s *Scheduler) RunNow(ctx context.Context) (scrape.RunSummary, error) {
	sum, err := s.runner.Run(ctx, scrape.Request{Mode: scrape.ModeDue})
	switch {
	case errors.Is(err, scrape.ErrRunInProgress):
		s.logger.Info("scheduled scrape skipped, a run is already in progress")
	case err != nil:
		s.logger.Error("scheduled scrape failed", "error", err)
	default:
		s.logger.Info("scheduled scrape finished",
			"run_id", sum.ID,
			"succeeded", sum.Succeeded,
			"failed", sum.Failed)
	}
	return sum, err
}
