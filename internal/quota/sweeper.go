package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/p-n-ai/pai-quota/internal/platform/metrics"
)

// Latch guards a sweep across processes. TryAcquire reports ok=false
// when another holder has it.
type Latch interface {
	TryAcquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

// SweeperConfig wires the sweeper.
type SweeperConfig struct {
	Ledger LedgerStore
	// Latch is optional. Without it only runs within this process are
	// serialized.
	Latch    Latch
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

// Sweeper resets free-tier usage at month boundaries. Runs never overlap.
type Sweeper struct {
	ledger  LedgerStore
	latch   Latch
	loc     *time.Location
	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
	running atomic.Bool
}

// NewSweeper returns a sweeper over the given ledger.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	s := &Sweeper{
		ledger: cfg.Ledger,
		latch:  cfg.Latch,
		loc:    cfg.Location,
		now:    cfg.Now,
		logger: cfg.Logger,
		tracer: otel.Tracer(tracerName),
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Running reports whether a sweep is in progress in this process.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// RunMonthlyReset resets every entry due at the current time and returns
// how many were reset.
func (s *Sweeper) RunMonthlyReset(ctx context.Context) (int, error) {
	return s.RunMonthlyResetAt(ctx, s.now())
}

// RunMonthlyResetAt resets every entry due at ref. It fails with
// ErrSweepInProgress when another sweep holds the latch.
func (s *Sweeper) RunMonthlyResetAt(ctx context.Context, ref time.Time) (n int, err error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SweepRuns.WithLabelValues("skipped").Inc()
		return 0, ErrSweepInProgress
	}
	defer s.running.Store(false)

	if s.latch != nil {
		release, ok, err := s.latch.TryAcquire(ctx)
		if err != nil {
			metrics.SweepRuns.WithLabelValues("failed").Inc()
			return 0, fmt.Errorf("acquire sweep latch: %w", err)
		}
		if !ok {
			metrics.SweepRuns.WithLabelValues("skipped").Inc()
			return 0, ErrSweepInProgress
		}
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				s.logger.Warn("failed to release sweep latch", "error", rerr)
			}
		}()
	}

	ref = ref.In(s.loc)
	ctx, span := s.tracer.Start(ctx, "quota.Sweeper.RunMonthlyReset",
		trace.WithAttributes(attribute.String("quota.period", PeriodOf(ref).String())))
	defer func() {
		span.SetAttributes(attribute.Int("quota.reset_count", n))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()
	s.logger.Info("monthly quota reset started", "reference", ref.Format(time.RFC3339))

	resetAt := s.now()
	for e, err := range s.ledger.EntriesNeedingReset(ctx, ref) {
		if err != nil {
			metrics.SweepRuns.WithLabelValues("failed").Inc()
			s.logger.Error("monthly quota reset failed", "reset", n, "error", err)
			return n, fmt.Errorf("list entries needing reset: %w", err)
		}
		if err := s.ledger.SaveEntry(ctx, e.Reset(resetAt)); err != nil {
			metrics.SweepRuns.WithLabelValues("failed").Inc()
			s.logger.Error("monthly quota reset failed", "reset", n, "entry_id", e.ID, "error", err)
			return n, fmt.Errorf("reset entry %s: %w", e.ID, err)
		}
		n++
		metrics.SweepEntriesReset.Inc()
	}

	metrics.SweepRuns.WithLabelValues("completed").Inc()
	s.logger.Info("monthly quota reset completed",
		"reset", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return n, nil
}
