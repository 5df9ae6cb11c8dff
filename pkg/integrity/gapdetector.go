package integrity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/constitutional-ledger/core/pkg/canonical"
	"github.com/constitutional-ledger/core/pkg/crypto"
	"github.com/constitutional-ledger/core/pkg/eventstore"
	"github.com/constitutional-ledger/core/pkg/worker"
)

// DefaultGapCheckInterval is the detector's cycle period (two cycles
// per minute, matching the detection SLA).
const DefaultGapCheckInterval = 30 * time.Second

// SequenceGap is the forensic record GapDetector produces when the
// sequence space is not contiguous. Its signable content is a
// deterministic byte string including previous_check_ts, so witnesses
// attest to the full forensic context and not just the headline gap.
type SequenceGap struct {
	DetectionTimestamp   time.Time `json:"detection_ts"`
	ExpectedFirstMissing uint64    `json:"expected_first_missing"`
	ActualMax            uint64    `json:"actual_max"`
	GapSize              int       `json:"gap_size"`
	MissingSequences     []uint64  `json:"missing_sequences"`
	PreviousCheckTS      time.Time `json:"previous_check_ts"`
}

// CanonicalBytes returns the deterministic signable bytes for this gap
// record.
func (g SequenceGap) CanonicalBytes() ([]byte, error) {
	type view struct {
		DetectionTimestamp   string   `json:"detection_ts"`
		ExpectedFirstMissing uint64   `json:"expected_first_missing"`
		ActualMax            uint64   `json:"actual_max"`
		GapSize              int      `json:"gap_size"`
		MissingSequences     []uint64 `json:"missing_sequences"`
		PreviousCheckTS      string   `json:"previous_check_ts"`
	}
	v := view{
		DetectionTimestamp:   g.DetectionTimestamp.UTC().Format(time.RFC3339Nano),
		ExpectedFirstMissing: g.ExpectedFirstMissing,
		ActualMax:            g.ActualMax,
		GapSize:              g.GapSize,
		MissingSequences:     g.MissingSequences,
		PreviousCheckTS:      g.PreviousCheckTS.UTC().Format(time.RFC3339Nano),
	}
	return canonical.Marshal(v)
}

// GapDetector periodically verifies that the event store's sequence
// space is contiguous.
type GapDetector struct {
	store      eventstore.EventStore
	haltFlag   haltTrigger
	emitter    breachEmitter
	deadLetter crypto.DeadLetterSink
	agentID    string
	haltOnGap  bool
	clock      func() time.Time
	metrics    tracker

	mu          sync.Mutex
	lastChecked uint64
	lastCheckTS time.Time
	gaps        []SequenceGap

	interval *worker.Interval
}

// NewGapDetector builds a GapDetector. haltOnGap controls whether a detected gap
// triggers a system-wide halt.
func NewGapDetector(store eventstore.EventStore, haltFlag haltTrigger, emitter breachEmitter, deadLetter crypto.DeadLetterSink, agentID string, haltOnGap bool) *GapDetector {
	g := &GapDetector{
		store:      store,
		haltFlag:   haltFlag,
		emitter:    emitter,
		deadLetter: deadLetter,
		agentID:    agentID,
		haltOnGap:  haltOnGap,
		clock:      time.Now,
	}
	g.interval = worker.NewInterval(DefaultGapCheckInterval, 0, g.runCycle, nil)
	return g
}

// SetMetrics attaches a metrics.Provider so each cycle is traced and
// recorded under the ledger's RED instruments.
func (g *GapDetector) SetMetrics(m tracker) { g.metrics = m }

// Start begins the periodic schedule.
func (g *GapDetector) Start(ctx context.Context) { g.interval.Start(ctx) }

// Stop cancels the schedule.
func (g *GapDetector) Stop() { g.interval.Stop() }

// RunOnce triggers an immediate cycle, honoring the same self-throttle
// as the scheduled path.
func (g *GapDetector) RunOnce(ctx context.Context) error {
	return g.interval.RunOnce(ctx)
}

func (g *GapDetector) runCycle(ctx context.Context) (err error) {
	if g.metrics != nil {
		var done func(error)
		ctx, done = g.metrics.Track(ctx, "integrity.gapdetector.cycle")
		defer func() { done(err) }()
	}
	return g.runCycleInner(ctx)
}

func (g *GapDetector) runCycleInner(ctx context.Context) error {
	now := g.clock()

	g.mu.Lock()
	lastChecked := g.lastChecked
	previousCheckTS := g.lastCheckTS
	g.mu.Unlock()

	maxSequence, err := g.store.MaxSequence(ctx)
	if err != nil {
		return fmt.Errorf("integrity: read max sequence: %w", err)
	}
	if maxSequence <= lastChecked {
		g.mu.Lock()
		g.lastCheckTS = now
		g.mu.Unlock()
		return nil
	}

	present, err := g.store.SequencesInRange(ctx, lastChecked, maxSequence)
	if err != nil {
		return fmt.Errorf("integrity: read sequences in range: %w", err)
	}

	missing := missingSequences(lastChecked, maxSequence, present)

	g.mu.Lock()
	g.lastChecked = maxSequence
	g.lastCheckTS = now
	g.mu.Unlock()

	if len(missing) == 0 {
		return nil
	}

	gap := SequenceGap{
		DetectionTimestamp:   now,
		ExpectedFirstMissing: missing[0],
		ActualMax:            maxSequence,
		GapSize:              len(missing),
		MissingSequences:     missing,
		PreviousCheckTS:      previousCheckTS,
	}

	g.mu.Lock()
	g.gaps = append(g.gaps, gap)
	g.mu.Unlock()

	return g.reportGap(ctx, gap)
}

// missingSequences returns every integer in (lastChecked, maxSequence]
// that does not appear in present (which is assumed sorted ascending).
func missingSequences(lastChecked, maxSequence uint64, present []uint64) []uint64 {
	presentSet := make(map[uint64]bool, len(present))
	for _, s := range present {
		presentSet[s] = true
	}
	var missing []uint64
	for s := lastChecked + 1; s <= maxSequence; s++ {
		if !presentSet[s] {
			missing = append(missing, s)
		}
	}
	return missing
}

func (g *GapDetector) reportGap(ctx context.Context, gap SequenceGap) error {
	payload := map[string]any{
		"detection_ts":           gap.DetectionTimestamp.UTC().Format(time.RFC3339Nano),
		"expected_first_missing": float64(gap.ExpectedFirstMissing),
		"actual_max":             float64(gap.ActualMax),
		"gap_size":               float64(gap.GapSize),
		"missing_sequences":      toFloatSlice(gap.MissingSequences),
		"previous_check_ts":      gap.PreviousCheckTS.UTC().Format(time.RFC3339Nano),
	}

	// Emit the crisis event through the ordinary (halt-emission-
	// allowlisted) path first, and only then set the flag, carrying the
	// emitted event's own ID as CrisisEventID. If emission fails, fall
	// back to the dead-letter sink; the halt still fires (haltOnGap
	// means the gap itself is the trigger), but with no crisis event to
	// point to, since none was appended.
	crisisEventID := ""
	seq, emitErr := g.emitter.WriteHaltEmission(ctx, "sequence.gap_detected", payload, g.agentID, g.clock())
	if emitErr != nil {
		if dlErr := g.deadLetter.Append("sequence.gap_detected", g.agentID, payload, emitErr.Error()); dlErr != nil {
			return fmt.Errorf("integrity: gap emission and dead-letter both failed: %w (dead-letter: %v)", emitErr, dlErr)
		}
	} else if crisis, err := g.store.GetBySequence(ctx, seq); err == nil {
		crisisEventID = crisis.EventID
	}

	if g.haltOnGap {
		reason := fmt.Sprintf("sequence gap detected: %d missing sequence(s) starting at %d", gap.GapSize, gap.ExpectedFirstMissing)
		if err := g.haltFlag.TriggerHalt(ctx, reason, crisisEventID); err != nil {
			return fmt.Errorf("integrity: trigger halt on gap: %w", err)
		}
	}

	return nil
}

func toFloatSlice(in []uint64) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

// Gaps returns every gap recorded so far, for observers and tests.
// Gaps are never back-filled: this list only grows.
func (g *GapDetector) Gaps() []SequenceGap {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]SequenceGap, len(g.gaps))
	copy(out, g.gaps)
	return out
}
