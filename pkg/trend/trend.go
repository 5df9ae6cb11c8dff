// Package trend implements the override trend analyzer: rolling-window
// statistics over the override event sub-stream, emitting witnessed
// alert events through the event writer when any of three independent
// thresholds fire. Thresholds are compiled CEL expressions, each
// replaceable per Analyzer at construction through WithThreshold.
package trend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/constitutional-ledger/core/pkg/event"
	"github.com/constitutional-ledger/core/pkg/halt"
)

// tracker is the subset of metrics.Provider Analyzer needs.
type tracker interface {
	Track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// AlertKind names which of the three checks fired.
type AlertKind string

const (
	KindPercentageIncrease AlertKind = "PERCENTAGE_INCREASE"
	Kind30DayFlood         AlertKind = "THRESHOLD_30_DAY"
	KindGovernanceReview   AlertKind = "GOVERNANCE_REVIEW"
)

const (
	shortWindow = 30 * 24 * time.Hour
	longWindow  = 365 * 24 * time.Hour

	defaultPercentageExpr = "percentage_change >= 50.0"
	default30DayFloodExpr = "current_count > 5"
	defaultGovernanceExpr = "review_count > 20"
)

// Alert is the payload shape for both override.anti_success_alert and
// override.governance_review_required: before_count,
// after_count, percentage_change, window_days, detected_at.
type Alert struct {
	Kind             AlertKind
	BeforeCount      int
	AfterCount       int
	PercentageChange float64
	WindowDays       int
	DetectedAt       time.Time
}

func (a Alert) payload() map[string]any {
	return map[string]any{
		"before_count":      float64(a.BeforeCount),
		"after_count":       float64(a.AfterCount),
		"percentage_change": a.PercentageChange,
		"window_days":       float64(a.WindowDays),
		"detected_at":       a.DetectedAt.UTC().Format(time.RFC3339Nano),
	}
}

// repository is the subset of eventstore.EventStore the analyzer needs
// to scan the override sub-stream. A full scan per analysis run is
// acceptable here: the analyzer is read-only relative to its
// repository and runs on a slow cadence.
type repository interface {
	MaxSequence(ctx context.Context) (uint64, error)
	ListRange(ctx context.Context, from, to uint64) ([]event.Event, error)
}

// eventWriter is the subset of writer.Writer the analyzer needs.
// Alert emission uses the ordinary halt-checked path, not the
// halt-emission bypass: override.anti_success_alert and
// override.governance_review_required are not on
// writer.HaltEmissionAllowlist; alerts are ordinary governance events
// and must be halt-checked and witnessed like any other.
type eventWriter interface {
	Write(ctx context.Context, eventType string, payload map[string]any, agentID string, localTimestamp time.Time) (uint64, error)
}

// Analyzer runs the three override-trend checks.
type Analyzer struct {
	store     repository
	haltFlag  halt.Flag
	writer    eventWriter
	eventType string
	agentID   string
	clock     func() time.Time
	metrics   tracker

	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
	exprs    map[AlertKind]string
}

// Option configures an Analyzer at construction time.
type Option func(*Analyzer)

// WithThreshold overrides the default CEL expression for one of the
// three checks. The expression must evaluate to a bool given the
// variables declared in New: percentage_change (double), current_count
// (int) and review_count (int).
func WithThreshold(kind AlertKind, expr string) Option {
	return func(a *Analyzer) { a.exprs[kind] = expr }
}

// WithClock overrides the analyzer's notion of "now", for deterministic
// tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Analyzer) { a.clock = clock }
}

// WithMetrics attaches a metrics.Provider so each analysis run is
// traced and recorded under the ledger's RED instruments.
func WithMetrics(m tracker) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// New builds an Analyzer. eventType names the override sub-stream to
// scan (e.g. "override.issued").
func New(store repository, haltFlag halt.Flag, w eventWriter, eventType, agentID string, opts ...Option) (*Analyzer, error) {
	env, err := cel.NewEnv(
		cel.Variable("percentage_change", cel.DoubleType),
		cel.Variable("current_count", cel.IntType),
		cel.Variable("review_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("trend: build cel environment: %w", err)
	}

	a := &Analyzer{
		store:     store,
		haltFlag:  haltFlag,
		writer:    w,
		eventType: eventType,
		agentID:   agentID,
		clock:     time.Now,
		env:       env,
		programs:  make(map[string]cel.Program),
		exprs: map[AlertKind]string{
			KindPercentageIncrease: defaultPercentageExpr,
			Kind30DayFlood:         default30DayFloodExpr,
			KindGovernanceReview:   defaultGovernanceExpr,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Analyzer) eval(expr string, input map[string]any) (bool, error) {
	a.mu.RLock()
	prg, ok := a.programs[expr]
	a.mu.RUnlock()

	if !ok {
		a.mu.Lock()
		if prg, ok = a.programs[expr]; !ok {
			ast, issues := a.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				a.mu.Unlock()
				return false, fmt.Errorf("trend: compile %q: %w", expr, issues.Err())
			}
			p, err := a.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
			if err != nil {
				a.mu.Unlock()
				return false, fmt.Errorf("trend: build program for %q: %w", expr, err)
			}
			a.programs[expr] = p
			prg = p
		}
		a.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("trend: eval %q: %w", expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("trend: expression %q did not evaluate to bool", expr)
	}
	return val, nil
}

// countInWindow returns how many events of a.eventType have a
// LocalTimestamp in (since, until].
func (a *Analyzer) countInWindow(ctx context.Context, since, until time.Time) (int, error) {
	maxSeq, err := a.store.MaxSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("trend: read max sequence: %w", err)
	}
	if maxSeq == 0 {
		return 0, nil
	}
	events, err := a.store.ListRange(ctx, 1, maxSeq)
	if err != nil {
		return 0, fmt.Errorf("trend: list events: %w", err)
	}

	count := 0
	for _, ev := range events {
		if ev.EventType != a.eventType {
			continue
		}
		if ev.LocalTimestamp.After(since) && !ev.LocalTimestamp.After(until) {
			count++
		}
	}
	return count, nil
}

func computePercentageChange(current, previous int) float64 {
	if previous == 0 {
		if current > 0 {
			return 100.0
		}
		return 0.0
	}
	return (float64(current) - float64(previous)) / float64(previous) * 100.0
}

// RunFullAnalysis runs all three checks and emits a witnessed
// alert for each that fires. It obeys halt-check-first: if the system
// is halted, analysis does not run at all.
func (a *Analyzer) RunFullAnalysis(ctx context.Context) (alerts []Alert, err error) {
	if a.metrics != nil {
		var done func(error)
		ctx, done = a.metrics.Track(ctx, "trend.analyzer.run")
		defer func() { done(err) }()
	}
	return a.runFullAnalysis(ctx)
}

func (a *Analyzer) runFullAnalysis(ctx context.Context) ([]Alert, error) {
	state, err := a.haltFlag.IsHalted(ctx)
	if err != nil {
		return nil, fmt.Errorf("trend: read halt flag: %w", err)
	}
	if state.Halted {
		return nil, halt.Wrap(halt.ErrSystemHalted.Tag, halt.BandConstitutional,
			fmt.Sprintf("system halted: %s", state.Reason), nil)
	}

	now := a.clock()
	var fired []Alert

	percentageAlert, err := a.checkPercentageIncrease(ctx, now)
	if err != nil {
		return fired, err
	}
	if percentageAlert != nil {
		fired = append(fired, *percentageAlert)
	}

	floodAlert, err := a.check30DayFlood(ctx, now)
	if err != nil {
		return fired, err
	}
	if floodAlert != nil {
		fired = append(fired, *floodAlert)
	}

	governanceAlert, err := a.checkGovernanceReview(ctx, now)
	if err != nil {
		return fired, err
	}
	if governanceAlert != nil {
		fired = append(fired, *governanceAlert)
	}

	for _, alert := range fired {
		eventType := "override.anti_success_alert"
		if alert.Kind == KindGovernanceReview {
			eventType = "override.governance_review_required"
		}
		if _, err := a.writer.Write(ctx, eventType, alert.payload(), a.agentID, alert.DetectedAt); err != nil {
			return fired, fmt.Errorf("trend: emit %s alert: %w", alert.Kind, err)
		}
	}

	return fired, nil
}

func (a *Analyzer) checkPercentageIncrease(ctx context.Context, now time.Time) (*Alert, error) {
	current, err := a.countInWindow(ctx, now.Add(-shortWindow), now)
	if err != nil {
		return nil, err
	}
	previous, err := a.countInWindow(ctx, now.Add(-2*shortWindow), now.Add(-shortWindow))
	if err != nil {
		return nil, err
	}

	change := computePercentageChange(current, previous)
	fired, err := a.eval(a.exprs[KindPercentageIncrease], map[string]any{
		"percentage_change": change,
		"current_count":     int64(current),
		"review_count":      int64(0),
	})
	if err != nil {
		return nil, err
	}
	if !fired {
		return nil, nil
	}
	return &Alert{
		Kind:             KindPercentageIncrease,
		BeforeCount:      previous,
		AfterCount:       current,
		PercentageChange: change,
		WindowDays:       30,
		DetectedAt:       now,
	}, nil
}

func (a *Analyzer) check30DayFlood(ctx context.Context, now time.Time) (*Alert, error) {
	current, err := a.countInWindow(ctx, now.Add(-shortWindow), now)
	if err != nil {
		return nil, err
	}

	fired, err := a.eval(a.exprs[Kind30DayFlood], map[string]any{
		"percentage_change": 0.0,
		"current_count":     int64(current),
		"review_count":      int64(0),
	})
	if err != nil {
		return nil, err
	}
	if !fired {
		return nil, nil
	}
	return &Alert{
		Kind:             Kind30DayFlood,
		BeforeCount:      0,
		AfterCount:       current,
		PercentageChange: 0,
		WindowDays:       30,
		DetectedAt:       now,
	}, nil
}

func (a *Analyzer) checkGovernanceReview(ctx context.Context, now time.Time) (*Alert, error) {
	count, err := a.countInWindow(ctx, now.Add(-longWindow), now)
	if err != nil {
		return nil, err
	}

	fired, err := a.eval(a.exprs[KindGovernanceReview], map[string]any{
		"percentage_change": 0.0,
		"current_count":     int64(0),
		"review_count":      int64(count),
	})
	if err != nil {
		return nil, err
	}
	if !fired {
		return nil, nil
	}
	return &Alert{
		Kind:             KindGovernanceReview,
		BeforeCount:      0,
		AfterCount:       count,
		PercentageChange: 0,
		WindowDays:       365,
		DetectedAt:       now,
	}, nil
}
