package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/p-n-ai/pai-quota/internal/platform/metrics"
)

const tracerName = "github.com/p-n-ai/pai-quota/internal/quota"

// sourceNone labels allocations that found nothing to charge.
const sourceNone Source = "none"

// MaxQuestionLength bounds the question text in runes.
const MaxQuestionLength = 4000

// AllocatorConfig wires the allocator to its collaborators.
type AllocatorConfig struct {
	Users     UserStore
	Ledger    LedgerStore
	Bundles   BundleStore
	Recorder  Recorder
	Generator Generator

	// Location resolves the calendar month of a request. Defaults to UTC.
	Location *time.Location
	// GenerateTimeout bounds a single generator call. Zero means no limit
	// beyond the request context.
	GenerateTimeout time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// Allocator charges each question to the free allowance or a bundle and
// records the exchange that paid for it.
type Allocator struct {
	users     UserStore
	ledger    LedgerStore
	bundles   BundleStore
	recorder  Recorder
	generator Generator

	loc             *time.Location
	generateTimeout time.Duration
	now             func() time.Time
	logger          *slog.Logger
	tracer          trace.Tracer
}

// NewAllocator validates cfg and returns an allocator.
func NewAllocator(cfg AllocatorConfig) (*Allocator, error) {
	switch {
	case cfg.Users == nil:
		return nil, fmt.Errorf("user store is required")
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("ledger store is required")
	case cfg.Bundles == nil:
		return nil, fmt.Errorf("bundle store is required")
	case cfg.Recorder == nil:
		return nil, fmt.Errorf("recorder is required")
	case cfg.Generator == nil:
		return nil, fmt.Errorf("generator is required")
	}

	a := &Allocator{
		users:           cfg.Users,
		ledger:          cfg.Ledger,
		bundles:         cfg.Bundles,
		recorder:        cfg.Recorder,
		generator:       cfg.Generator,
		loc:             cfg.Location,
		generateTimeout: cfg.GenerateTimeout,
		now:             cfg.Now,
		logger:          cfg.Logger,
		tracer:          otel.Tracer(tracerName),
	}
	if a.loc == nil {
		a.loc = time.UTC
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

// NormalizeQuestion trims and NFC-normalizes question text, rejecting
// blank or oversized input.
func NormalizeQuestion(question string) (string, error) {
	q := norm.NFC.String(strings.TrimSpace(question))
	if q == "" {
		return "", &ValidationError{Field: "question", Message: "must be a non-empty string"}
	}
	if n := len([]rune(q)); n > MaxQuestionLength {
		return "", &ValidationError{Field: "question", Message: fmt.Sprintf("must be at most %d characters, got %d", MaxQuestionLength, n)}
	}
	return q, nil
}

// Ask serves one question for userID at the current time.
func (a *Allocator) Ask(ctx context.Context, userID, question string) (Exchange, error) {
	return a.AskAt(ctx, userID, question, a.now())
}

// AskAt serves one question for userID as of now.
//
// The answer is generated before the atomic commit. A failure at any
// step leaves the ledger and bundles as they were.
func (a *Allocator) AskAt(ctx context.Context, userID, question string, now time.Time) (ex Exchange, err error) {
	ctx, span := a.tracer.Start(ctx, "quota.Allocator.Ask", trace.WithAttributes(attribute.String("user.id", userID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(userID) == "" {
		return Exchange{}, &ValidationError{Field: "userId", Message: "is required"}
	}
	q, err := NormalizeQuestion(question)
	if err != nil {
		return Exchange{}, err
	}

	exists, err := a.users.UserExists(ctx, userID)
	if err != nil {
		return Exchange{}, fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return Exchange{}, ErrUserNotFound
	}

	period := PeriodOf(now.In(a.loc))
	entry, err := a.ledger.GetOrCreateEntry(ctx, userID, period)
	if err != nil {
		return Exchange{}, fmt.Errorf("get usage entry: %w", err)
	}

	if entry.HasFreeQuota() {
		span.SetAttributes(attribute.String("quota.source", string(SourceFree)))
		return a.serveFree(ctx, entry, q)
	}

	span.SetAttributes(attribute.String("quota.source", string(SourceBundle)))
	return a.serveBundle(ctx, entry, q, now)
}

func (a *Allocator) serveFree(ctx context.Context, entry LedgerEntry, question string) (Exchange, error) {
	next, err := entry.ReserveFreeUnit()
	if err != nil {
		return Exchange{}, a.fail(SourceFree, freeQuotaExceeded(entry.FreeUsed))
	}

	answer, err := a.generate(ctx, question)
	if err != nil {
		return Exchange{}, a.fail(SourceFree, err)
	}

	saved, err := a.commit(ctx, FreeCharge(next), newExchange(entry.UserID, question, answer))
	if errors.Is(err, ErrQuotaExhausted) {
		a.logger.Warn("free quota taken by a concurrent request",
			"user_id", entry.UserID,
			"period", entry.Period().String(),
		)
		return Exchange{}, a.fail(SourceFree, freeQuotaExceeded(FreeLimit))
	}
	if err != nil {
		return Exchange{}, a.fail(SourceFree, fmt.Errorf("commit free exchange: %w", err))
	}

	metrics.Allocations.WithLabelValues(string(SourceFree), metrics.OutcomeServed).Inc()
	a.logger.Info("question served",
		"user_id", entry.UserID,
		"source", SourceFree,
		"free_used", next.FreeUsed,
		"tokens", saved.TokensUsed,
	)
	return saved, nil
}

func (a *Allocator) serveBundle(ctx context.Context, entry LedgerEntry, question string, now time.Time) (Exchange, error) {
	bundles, err := a.bundles.ListActiveBundles(ctx, entry.UserID, now)
	if err != nil {
		return Exchange{}, a.fail(SourceBundle, fmt.Errorf("list active bundles: %w", err))
	}
	if len(bundles) == 0 {
		return Exchange{}, a.fail(sourceNone, freeQuotaExceeded(entry.FreeUsed))
	}

	candidate := bundles[0]
	if !candidate.CanDeduct(1, now) {
		return Exchange{}, a.fail(SourceBundle, bundleQuotaExceeded(bundles))
	}
	next, err := candidate.Deduct(1, now)
	if err != nil {
		return Exchange{}, a.fail(SourceBundle, bundleQuotaExceeded(bundles))
	}

	answer, err := a.generate(ctx, question)
	if err != nil {
		return Exchange{}, a.fail(SourceBundle, err)
	}

	saved, err := a.commit(ctx, BundleCharge(next, 1), newExchange(entry.UserID, question, answer))
	if errors.Is(err, ErrInsufficientQuota) {
		a.logger.Warn("bundle quota taken by a concurrent request",
			"user_id", entry.UserID,
			"bundle_id", candidate.ID,
		)
		return Exchange{}, a.fail(SourceBundle, bundleQuotaExceeded(bundles))
	}
	if err != nil {
		return Exchange{}, a.fail(SourceBundle, fmt.Errorf("commit bundle exchange: %w", err))
	}

	metrics.Allocations.WithLabelValues(string(SourceBundle), metrics.OutcomeServed).Inc()
	a.logger.Info("question served",
		"user_id", entry.UserID,
		"source", SourceBundle,
		"bundle_id", candidate.ID,
		"tier", candidate.Tier,
		"remaining", next.RemainingQuota,
		"tokens", saved.TokensUsed,
	)
	return saved, nil
}

func (a *Allocator) generate(ctx context.Context, question string) (Answer, error) {
	ctx, span := a.tracer.Start(ctx, "quota.Generator.Generate")
	defer span.End()

	if a.generateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.generateTimeout)
		defer cancel()
	}

	start := time.Now()
	answer, err := a.generator.Generate(ctx, question)
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return Answer{}, &GenerationError{Err: err}
	}
	if answer.TokensUsed < 0 {
		answer.TokensUsed = 0
	}
	span.SetAttributes(attribute.Int("tokens.used", answer.TokensUsed))
	return answer, nil
}

func (a *Allocator) commit(ctx context.Context, charge Charge, ex Exchange) (Exchange, error) {
	ctx, span := a.tracer.Start(ctx, "quota.Recorder.Commit", trace.WithAttributes(
		attribute.String("quota.source", string(charge.Source)),
		attribute.Int64("quota.amount", charge.Amount),
	))
	defer span.End()

	saved, err := a.recorder.Commit(ctx, charge, ex)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return saved, err
}

// fail records the outcome of a failed allocation and returns err.
func (a *Allocator) fail(source Source, err error) error {
	outcome := metrics.OutcomeError
	var qe *QuotaExceededError
	var ge *GenerationError
	switch {
	case errors.As(err, &qe) && qe.Code == CodeBundleQuotaExceeded:
		outcome = metrics.OutcomeBundleQuotaExceeded
	case errors.As(err, &qe):
		outcome = metrics.OutcomeQuotaExceeded
	case errors.As(err, &ge):
		outcome = metrics.OutcomeGenerationFailed
	}
	metrics.Allocations.WithLabelValues(string(source), outcome).Inc()
	return err
}

func newExchange(userID, question string, answer Answer) Exchange {
	return Exchange{
		UserID:     userID,
		Question:   question,
		Answer:     answer.Text,
		TokensUsed: answer.TokensUsed,
	}
}

// Status is a user's quota position for the current month.
type Status struct {
	Period        string          `json:"period"`
	FreeUsed      int             `json:"freeQuotaUsed"`
	FreeLimit     int             `json:"freeQuotaLimit"`
	FreeRemaining int             `json:"freeQuotaRemaining"`
	ActiveBundle  *Bundle         `json:"activeBundle,omitempty"`
	Bundles       []BundleSummary `json:"bundles"`
}

// Status reports a user's free usage and active bundles without charging.
func (a *Allocator) Status(ctx context.Context, userID string) (Status, error) {
	exists, err := a.users.UserExists(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return Status{}, ErrUserNotFound
	}

	now := a.now()
	period := PeriodOf(now.In(a.loc))
	entry, err := a.ledger.GetOrCreateEntry(ctx, userID, period)
	if err != nil {
		return Status{}, fmt.Errorf("get usage entry: %w", err)
	}
	bundles, err := a.bundles.ListActiveBundles(ctx, userID, now)
	if err != nil {
		return Status{}, fmt.Errorf("list active bundles: %w", err)
	}

	st := Status{
		Period:        period.String(),
		FreeUsed:      entry.FreeUsed,
		FreeLimit:     FreeLimit,
		FreeRemaining: entry.FreeRemaining(),
		Bundles:       make([]BundleSummary, 0, len(bundles)),
	}
	for _, b := range bundles {
		st.Bundles = append(st.Bundles, b.Summary())
	}
	latest, ok, err := a.bundles.LatestActiveBundle(ctx, userID, now)
	if err != nil {
		return Status{}, fmt.Errorf("latest active bundle: %w", err)
	}
	if ok {
		st.ActiveBundle = &latest
	}
	return st, nil
}
