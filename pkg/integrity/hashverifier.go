// Package integrity implements the hash verifier and the gap detector:
// the continuous monitors that re-derive the chain's own invariants
// (content_hash integrity, sequence contiguity) instead of trusting
// what the store returns, and escalate to a halt the moment either
// breaks.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/constitutional-ledger/core/pkg/crypto"
	"github.com/constitutional-ledger/core/pkg/eventstore"
	"github.com/constitutional-ledger/core/pkg/halt"
)

// tracker is the subset of metrics.Provider the monitors in this
// package need.
type tracker interface {
	Track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// ScanOutcome classifies a completed or aborted scan.
type ScanOutcome string

const (
	ScanPassed  ScanOutcome = "passed"
	ScanFailed  ScanOutcome = "failed"
	ScanAborted ScanOutcome = "aborted"
)

// ScanResult is HashVerifier.run_full_scan's return value.
type ScanResult struct {
	ScanID         string        `json:"scan_id"`
	EventsScanned  uint64        `json:"events_scanned"`
	Outcome        ScanOutcome   `json:"outcome"`
	FailedEventID  string        `json:"failed_event_id,omitempty"`
	Expected       string        `json:"expected,omitempty"`
	Actual         string        `json:"actual,omitempty"`
	Duration       time.Duration `json:"duration"`
	CompletedAt    time.Time     `json:"completed_at"`
}

// Healthy reports whether this scan passed. The no-scan-yet case is
// handled by GetLastScanStatus, not here.
func (r ScanResult) Healthy() bool {
	return r.Outcome == ScanPassed
}

// haltTrigger is the subset of halt.Flag HashVerifier needs.
type haltTrigger interface {
	TriggerHalt(ctx context.Context, reason, crisisEventID string) error
}

// breachEmitter is the subset of writer.Writer HashVerifier needs to
// emit hash.verification_breach through the ordinary witnessed path.
type breachEmitter interface {
	WriteHaltEmission(ctx context.Context, eventType string, payload map[string]any, agentID string, localTimestamp time.Time) (uint64, error)
}

// DefaultScanInterval and DefaultScanTimeout are the scan defaults.
const (
	DefaultScanInterval = 3600 * time.Second
	DefaultScanTimeout  = 600 * time.Second
)

// HashVerifier performs single-event and full-chain integrity checks.
type HashVerifier struct {
	store      eventstore.EventStore
	haltFlag   haltTrigger
	emitter    breachEmitter
	deadLetter crypto.DeadLetterSink
	agentID    string
	clock      func() time.Time
	metrics    tracker

	mu       sync.Mutex
	scanning bool
	lastScan *ScanResult
}

// SetMetrics attaches a metrics.Provider so RunFullScan is traced and
// recorded under the ledger's RED instruments.
func (v *HashVerifier) SetMetrics(m tracker) { v.metrics = m }

// New builds a HashVerifier. deadLetter receives hash.verification_breach
// records when the ordinary write path is itself blocked by a prior
// halt.
func New(store eventstore.EventStore, haltFlag haltTrigger, emitter breachEmitter, deadLetter crypto.DeadLetterSink, agentID string) *HashVerifier {
	return &HashVerifier{
		store:      store,
		haltFlag:   haltFlag,
		emitter:    emitter,
		deadLetter: deadLetter,
		agentID:    agentID,
		clock:      time.Now,
	}
}

// VerifyEvent re-serializes ev, recomputes content_hash and compares it
// against the stored value with constant-time comparison. On
// mismatch it triggers a halt and emits (or dead-letters) a breach
// record, then returns ErrHashMismatch.
func (v *HashVerifier) VerifyEvent(ctx context.Context, eventID string) error {
	ev, err := v.store.GetByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("integrity: load event %s: %w", eventID, err)
	}

	expected, err := ev.ComputeContentHash()
	if err != nil {
		return fmt.Errorf("integrity: recompute hash for %s: %w", eventID, err)
	}

	if crypto.ConstantTimeEqualHex(expected, ev.ContentHash) {
		return nil
	}

	return v.reportBreach(ctx, ev.EventID, expected, ev.ContentHash)
}

func (v *HashVerifier) reportBreach(ctx context.Context, eventID, expected, actual string) error {
	payload := map[string]any{
		"event_id": eventID,
		"expected": expected,
		"actual":   actual,
	}
	reason := fmt.Sprintf("hash verification breach on event %s", eventID)

	// The crisis event witnessing this halt is appended through the
	// ordinary path first (the allowlisted halt-emission bypass lets it
	// through even though the flag is not yet set); only once it is
	// durably recorded does the flag take effect, carrying that event's
	// own ID as CrisisEventID. If the emission itself fails (e.g.
	// witness pool unreachable), fall back to the dead-letter sink and
	// trigger the halt with no crisis event ID to point to, since none
	// was ever appended.
	crisisEventID := ""
	seq, emitErr := v.emitter.WriteHaltEmission(ctx, "hash.verification_breach", payload, v.agentID, v.clock())
	if emitErr != nil {
		if dlErr := v.deadLetter.Append("hash.verification_breach", v.agentID, payload, emitErr.Error()); dlErr != nil {
			return fmt.Errorf("integrity: breach emission and dead-letter both failed: %w (dead-letter: %v)", emitErr, dlErr)
		}
	} else if crisis, err := v.store.GetBySequence(ctx, seq); err == nil {
		crisisEventID = crisis.EventID
	}

	if err := v.haltFlag.TriggerHalt(ctx, reason, crisisEventID); err != nil {
		return fmt.Errorf("integrity: trigger halt after breach: %w", err)
	}

	return halt.Wrap(halt.ErrHashMismatch.Tag, halt.BandConstitutional,
		fmt.Sprintf("content_hash mismatch on %s: expected %s, got %s", eventID, expected, actual), nil)
}

// RunFullScan iterates events in sequence order, recomputing and
// comparing content_hash and prev_hash chaining, and
// early-exits on the first violation. Scans are serialized:
// a concurrent call fails with ErrScanInProgress.
func (v *HashVerifier) RunFullScan(ctx context.Context, scanID string, limit uint64) (result ScanResult, err error) {
	if v.metrics != nil {
		var done func(error)
		ctx, done = v.metrics.Track(ctx, "integrity.hashverifier.scan", attribute.String("scan.id", scanID))
		defer func() { done(err) }()
	}
	return v.runFullScan(ctx, scanID, limit)
}

func (v *HashVerifier) runFullScan(ctx context.Context, scanID string, limit uint64) (ScanResult, error) {
	v.mu.Lock()
	if v.scanning {
		v.mu.Unlock()
		return ScanResult{}, halt.ErrScanInProgress
	}
	v.scanning = true
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		v.scanning = false
		v.mu.Unlock()
	}()

	started := v.clock()
	maxSequence, err := v.store.MaxSequence(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("integrity: read max sequence: %w", err)
	}
	if limit > 0 && limit < maxSequence {
		maxSequence = limit
	}

	result := ScanResult{ScanID: scanID, Outcome: ScanPassed}
	prevHash := ""

	for seq := uint64(1); seq <= maxSequence; seq++ {
		select {
		case <-ctx.Done():
			result.Outcome = ScanAborted
			result.Duration = v.clock().Sub(started)
			result.CompletedAt = v.clock()
			v.recordLast(result)
			return result, fmt.Errorf("integrity: scan timed out after %d events: %w", result.EventsScanned, ctx.Err())
		default:
		}

		ev, err := v.store.GetBySequence(ctx, seq)
		if err != nil {
			return ScanResult{}, fmt.Errorf("integrity: load sequence %d: %w", seq, err)
		}
		result.EventsScanned++

		expected, err := ev.ComputeContentHash()
		if err != nil {
			return ScanResult{}, fmt.Errorf("integrity: recompute hash for sequence %d: %w", seq, err)
		}
		if !crypto.ConstantTimeEqualHex(expected, ev.ContentHash) {
			result.Outcome = ScanFailed
			result.FailedEventID = ev.EventID
			result.Expected = expected
			result.Actual = ev.ContentHash
			result.Duration = v.clock().Sub(started)
			result.CompletedAt = v.clock()
			v.recordLast(result)

			if breachErr := v.reportBreach(ctx, ev.EventID, expected, ev.ContentHash); breachErr != nil {
				return result, breachErr
			}
			return result, halt.ErrHashMismatch
		}

		if seq > 1 && !crypto.ConstantTimeEqualHex(ev.PrevHash, prevHash) {
			result.Outcome = ScanFailed
			result.FailedEventID = ev.EventID
			result.Expected = prevHash
			result.Actual = ev.PrevHash
			result.Duration = v.clock().Sub(started)
			result.CompletedAt = v.clock()
			v.recordLast(result)

			// reportBreach returns a chain:hash_mismatch error on success;
			// only its emission or halt failures are passed through here.
			if breachErr := v.reportBreach(ctx, ev.EventID, prevHash, ev.PrevHash); breachErr != nil && !errors.Is(breachErr, halt.ErrHashMismatch) {
				return result, breachErr
			}
			return result, halt.ErrChainBroken
		}

		prevHash = ev.ContentHash
	}

	result.Duration = v.clock().Sub(started)
	result.CompletedAt = v.clock()
	v.recordLast(result)
	return result, nil
}

func (v *HashVerifier) recordLast(r ScanResult) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := r
	v.lastScan = &cp
}

// GetLastScanStatus returns the most recent scan outcome. No scans yet
// counts as healthy.
func (v *HashVerifier) GetLastScanStatus() (ScanResult, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lastScan == nil {
		return ScanResult{Outcome: ScanPassed}, true
	}
	return *v.lastScan, v.lastScan.Healthy()
}
