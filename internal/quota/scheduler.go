package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultResetSchedule fires at midnight on the 1st of every month.
const DefaultResetSchedule = "0 0 1 * *"

// Scheduler triggers the monthly reset on a cron schedule.
type Scheduler struct {
	sweeper  *Sweeper
	schedule cron.Schedule
	spec     string
	loc      *time.Location
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
	// ctx is handed to each sweep and cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler parses spec, a five-field cron expression evaluated in loc.
func NewScheduler(sweeper *Sweeper, spec string, loc *time.Location, logger *slog.Logger) (*Scheduler, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper is required")
	}
	if spec == "" {
		spec = DefaultResetSchedule
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse reset schedule %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sweeper:  sweeper,
		schedule: sched,
		spec:     spec,
		loc:      loc,
		logger:   logger,
	}, nil
}

// Start begins scheduling. Calling it again while started is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	c := cron.New(cron.WithLocation(s.loc))
	c.Schedule(s.schedule, cron.FuncJob(s.run))
	c.Start()

	s.cron = c
	s.started = true
	s.logger.Info("quota reset scheduler started",
		"schedule", s.spec,
		"next", s.Next(time.Now()).Format(time.RFC3339),
	)
}

// Stop halts scheduling and waits for a running sweep to finish. When ctx
// ends first the sweep is cancelled and ctx's error returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.cancel
	s.cron = nil
	s.started = false
	s.mu.Unlock()
	defer cancel()

	done := c.Stop()
	select {
	case <-done.Done():
		s.logger.Info("quota reset scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("quota reset scheduler stop timed out, cancelling sweep")
		return ctx.Err()
	}
}

// Next returns the first scheduled run after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	n, err := s.sweeper.RunMonthlyReset(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.logger.Warn("scheduled quota reset skipped, previous run still active")
	case errors.Is(err, context.Canceled):
		s.logger.Warn("scheduled quota reset cancelled", "reset", n)
	case err != nil:
		s.logger.Error("scheduled quota reset failed", "reset", n, "error", err)
	}
}
