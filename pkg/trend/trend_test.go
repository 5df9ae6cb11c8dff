package trend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/constitutional-ledger/core/pkg/event"
	"github.com/constitutional-ledger/core/pkg/halt"
)

type stubRepo struct {
	events []event.Event
}

func (r *stubRepo) MaxSequence(_ context.Context) (uint64, error) {
	return uint64(len(r.events)), nil
}

func (r *stubRepo) ListRange(_ context.Context, _, _ uint64) ([]event.Event, error) {
	return r.events, nil
}

type stubHaltFlag struct {
	halted bool
	reason string
}

func (f *stubHaltFlag) IsHalted(_ context.Context) (halt.State, error) {
	return halt.State{Halted: f.halted, Reason: f.reason}, nil
}

func (f *stubHaltFlag) TriggerHalt(_ context.Context, reason, _ string) error {
	f.halted = true
	f.reason = reason
	return nil
}

func (f *stubHaltFlag) ResetWithToken(_ context.Context, _ string) error {
	f.halted = false
	f.reason = ""
	return nil
}

type stubWriter struct {
	writes []string
}

func (w *stubWriter) Write(_ context.Context, eventType string, _ map[string]any, _ string, _ time.Time) (uint64, error) {
	w.writes = append(w.writes, eventType)
	return uint64(len(w.writes)), nil
}

func overrideEvent(at time.Time) event.Event {
	return event.Event{
		EventID:        event.NewEventID(),
		EventType:      "override.issued",
		LocalTimestamp: at,
	}
}

func TestAnalyzer_NoAlertsOnQuietStream(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := &stubRepo{events: []event.Event{overrideEvent(now.Add(-5 * 24 * time.Hour))}}
	haltFlag := &stubHaltFlag{}
	w := &stubWriter{}

	a, err := New(repo, haltFlag, w, "override.issued", "system:trend", WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	alerts, err := a.RunFullAnalysis(context.Background())
	if err != nil {
		t.Fatalf("run full analysis: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(alerts))
	}
	if len(w.writes) != 0 {
		t.Errorf("expected no writes, got %v", w.writes)
	}
}

func TestAnalyzer_30DayFloodFires(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	var events []event.Event
	for i := 0; i < 6; i++ {
		events = append(events, overrideEvent(now.Add(-time.Duration(i)*24*time.Hour)))
	}
	repo := &stubRepo{events: events}
	haltFlag := &stubHaltFlag{}
	w := &stubWriter{}

	a, err := New(repo, haltFlag, w, "override.issued", "system:trend", WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	alerts, err := a.RunFullAnalysis(context.Background())
	if err != nil {
		t.Fatalf("run full analysis: %v", err)
	}

	found := false
	for _, al := range alerts {
		if al.Kind == Kind30DayFlood {
			found = true
			if al.AfterCount != 6 {
				t.Errorf("expected after_count 6, got %d", al.AfterCount)
			}
		}
	}
	if !found {
		t.Error("expected THRESHOLD_30_DAY alert to fire with 6 overrides in 30 days")
	}
	if len(w.writes) == 0 {
		t.Error("expected at least one witnessed alert write")
	}
}

func TestAnalyzer_PercentageIncreaseFires(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	var events []event.Event
	// previous window (31-60 days ago): 2 overrides
	events = append(events, overrideEvent(now.Add(-35*24*time.Hour)))
	events = append(events, overrideEvent(now.Add(-40*24*time.Hour)))
	// current window (0-30 days ago): 4 overrides => 100% increase
	for i := 0; i < 4; i++ {
		events = append(events, overrideEvent(now.Add(-time.Duration(i)*24*time.Hour)))
	}
	repo := &stubRepo{events: events}
	haltFlag := &stubHaltFlag{}
	w := &stubWriter{}

	a, err := New(repo, haltFlag, w, "override.issued", "system:trend", WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	alerts, err := a.RunFullAnalysis(context.Background())
	if err != nil {
		t.Fatalf("run full analysis: %v", err)
	}

	found := false
	for _, al := range alerts {
		if al.Kind == KindPercentageIncrease {
			found = true
			if al.PercentageChange != 100.0 {
				t.Errorf("expected 100%% change, got %f", al.PercentageChange)
			}
		}
	}
	if !found {
		t.Error("expected PERCENTAGE_INCREASE alert to fire with 2 -> 4 overrides")
	}
}

func TestAnalyzer_ZeroPreviousWithCurrentIsHundredPercent(t *testing.T) {
	if got := computePercentageChange(3, 0); got != 100.0 {
		t.Errorf("expected 100%%, got %f", got)
	}
	if got := computePercentageChange(0, 0); got != 0.0 {
		t.Errorf("expected 0%% when both are zero, got %f", got)
	}
}

func TestAnalyzer_GovernanceReviewFires(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	var events []event.Event
	for i := 0; i < 21; i++ {
		events = append(events, overrideEvent(now.Add(-time.Duration(i)*10*24*time.Hour)))
	}
	repo := &stubRepo{events: events}
	haltFlag := &stubHaltFlag{}
	w := &stubWriter{}

	a, err := New(repo, haltFlag, w, "override.issued", "system:trend", WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	alerts, err := a.RunFullAnalysis(context.Background())
	if err != nil {
		t.Fatalf("run full analysis: %v", err)
	}

	found := false
	for _, al := range alerts {
		if al.Kind == KindGovernanceReview {
			found = true
		}
	}
	if !found {
		t.Error("expected GOVERNANCE_REVIEW alert with 21 overrides in 365 days")
	}
}

func TestAnalyzer_HaltedSystemRefusesToRun(t *testing.T) {
	repo := &stubRepo{}
	haltFlag := &stubHaltFlag{halted: true, reason: "test halt"}
	w := &stubWriter{}

	a, err := New(repo, haltFlag, w, "override.issued", "system:trend")
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	_, err = a.RunFullAnalysis(context.Background())
	if !errors.Is(err, halt.ErrSystemHalted) {
		t.Errorf("expected ErrSystemHalted, got %v", err)
	}
	if len(w.writes) != 0 {
		t.Error("expected no writes when halted")
	}
}

func TestAnalyzer_CustomThresholdOverride(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	var events []event.Event
	for i := 0; i < 3; i++ {
		events = append(events, overrideEvent(now.Add(-time.Duration(i)*24*time.Hour)))
	}
	repo := &stubRepo{events: events}
	haltFlag := &stubHaltFlag{}
	w := &stubWriter{}

	a, err := New(repo, haltFlag, w, "override.issued", "system:trend",
		WithClock(func() time.Time { return now }),
		WithThreshold(Kind30DayFlood, "current_count > 2"))
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}

	alerts, err := a.RunFullAnalysis(context.Background())
	if err != nil {
		t.Fatalf("run full analysis: %v", err)
	}

	found := false
	for _, al := range alerts {
		if al.Kind == Kind30DayFlood {
			found = true
		}
	}
	if !found {
		t.Error("expected lowered threshold to fire with only 3 overrides")
	}
}
