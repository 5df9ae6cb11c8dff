// Package writer implements the event writer: the transactional front
// door every constitutional event passes through. It validates halt
// state, freezes and optionally schema-validates the payload, selects
// a witness, chains and signs the event, and appends it atomically,
// retrying the append step under bounded backoff on optimistic-
// concurrency contention.
package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/constitutional-ledger/core/pkg/backoff"
	"github.com/constitutional-ledger/core/pkg/canonical"
	"github.com/constitutional-ledger/core/pkg/event"
	"github.com/constitutional-ledger/core/pkg/eventstore"
	"github.com/constitutional-ledger/core/pkg/halt"
	"github.com/constitutional-ledger/core/pkg/selector"
)

// tracker is the subset of metrics.Provider a Writer needs. Kept as an
// interface so this package does not require a live OTLP collector in
// tests.
type tracker interface {
	Track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// AgentSigner produces the agent-side signature over an event's
// signable bytes. Key management is external to this package —
// implementations typically resolve agentID to a pkg/keyring-backed
// Ed25519 key.
type AgentSigner interface {
	Sign(ctx context.Context, agentID string, data []byte) (signature string, err error)
}

// WitnessAttestor requests the selected witness's signature over the
// same signable bytes the agent signed. An implementation may
// round-trip this to the witness's own signing process;
// LocalWitnessAttestor, which cmd/ledgerd wires, instead signs in
// process with witness keys this process holds.
type WitnessAttestor interface {
	Attest(ctx context.Context, witnessID string, data []byte) (signature string, err error)
}

// HaltEmissionAllowlist is the exact set of event types permitted to
// use WriteHaltEmission's halt-check bypass: only the handful of
// crisis/resolution/checkpoint events the halt machinery itself must
// be able to emit while writes are otherwise frozen.
var HaltEmissionAllowlist = map[string]bool{
	"hash.verification_breach": true,
	"sequence.gap_detected":    true,
	"halt.triggered":           true,
	"halt.resolved":            true,
	"checkpoint.created":       true,
}

// Writer is the transactional event-writing pipeline.
type Writer struct {
	store        eventstore.EventStore
	haltFlag     halt.Flag
	selector     *selector.Selector
	agentSigner  AgentSigner
	attestor     WitnessAttestor
	clock        func() time.Time
	retryPolicy  backoff.Policy
	schemas      map[string]*jsonschema.Schema
	defaultFloor int
	metrics      tracker
}

// Option configures a Writer at construction time.
type Option func(*Writer)

// WithRetryPolicy overrides the default bounded-backoff policy used
// around the append step's optimistic-concurrency retry.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(w *Writer) { w.retryPolicy = p }
}

// WithClock overrides the writer's notion of "now", for deterministic
// tests.
func WithClock(clock func() time.Time) Option {
	return func(w *Writer) { w.clock = clock }
}

// WithDefaultFloor overrides the witness-pool floor used by Write (as
// opposed to WriteHighStakes, which always uses selector.HighStakesFloor).
func WithDefaultFloor(floor int) Option {
	return func(w *Writer) { w.defaultFloor = floor }
}

// WithMetrics attaches a metrics.Provider so every write is traced and
// recorded under the ledger.operation.duration/ledger.errors.total RED
// instruments.
func WithMetrics(m tracker) Option {
	return func(w *Writer) { w.metrics = m }
}

// New builds a Writer from its upstream components.
func New(store eventstore.EventStore, haltFlag halt.Flag, sel *selector.Selector, agentSigner AgentSigner, attestor WitnessAttestor, opts ...Option) *Writer {
	w := &Writer{
		store:        store,
		haltFlag:     haltFlag,
		selector:     sel,
		agentSigner:  agentSigner,
		attestor:     attestor,
		clock:        time.Now,
		retryPolicy:  backoff.DefaultPolicy(),
		schemas:      make(map[string]*jsonschema.Schema),
		defaultFloor: selector.StandardFloor,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RegisterSchema compiles and registers a JSON Schema that every
// payload for eventType must validate against during the step-2
// freeze. Passing an empty schema string removes any existing schema
// for eventType.
func (w *Writer) RegisterSchema(eventType, schema string) error {
	if schema == "" {
		delete(w.schemas, eventType)
		return nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://ledger.local/schema/" + eventType + ".json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("writer: load schema for %s: %w", eventType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("writer: compile schema for %s: %w", eventType, err)
	}
	w.schemas[eventType] = compiled
	return nil
}

// Write runs the full write procedure and returns the assigned
// sequence number.
func (w *Writer) Write(ctx context.Context, eventType string, payload map[string]any, agentID string, localTimestamp time.Time) (uint64, error) {
	return w.write(ctx, eventType, payload, agentID, localTimestamp, w.defaultFloor, false)
}

// WriteHighStakes is Write with the high-stakes witness-pool floor:
// overrides, dissolutions, and ceremonies pause unless the larger
// pool is available.
func (w *Writer) WriteHighStakes(ctx context.Context, eventType string, payload map[string]any, agentID string, localTimestamp time.Time) (uint64, error) {
	return w.write(ctx, eventType, payload, agentID, localTimestamp, selector.HighStakesFloor, false)
}

// WriteHaltEmission bypasses the initial halt check, but only for the
// event types in HaltEmissionAllowlist, so the crisis event witnessing
// a halt can be appended before the flag takes effect. Everything else
// about the procedure — freeze, selection, chaining, signing, append,
// retry — runs unchanged.
func (w *Writer) WriteHaltEmission(ctx context.Context, eventType string, payload map[string]any, agentID string, localTimestamp time.Time) (uint64, error) {
	if !HaltEmissionAllowlist[eventType] {
		return 0, fmt.Errorf("writer: event type %q is not in the halt-emission allowlist", eventType)
	}
	return w.write(ctx, eventType, payload, agentID, localTimestamp, w.defaultFloor, true)
}

func (w *Writer) write(ctx context.Context, eventType string, payload map[string]any, agentID string, localTimestamp time.Time, floor int, bypassHalt bool) (assigned uint64, err error) {
	if w.metrics != nil {
		var done func(error)
		ctx, done = w.metrics.Track(ctx, "writer.write", attribute.String("event.type", eventType))
		defer func() { done(err) }()
	}
	return w.writeInner(ctx, eventType, payload, agentID, localTimestamp, floor, bypassHalt)
}

func (w *Writer) writeInner(ctx context.Context, eventType string, payload map[string]any, agentID string, localTimestamp time.Time, floor int, bypassHalt bool) (uint64, error) {
	// Step 1: halt check first, unless this is the halt-emission path.
	if !bypassHalt {
		state, err := w.haltFlag.IsHalted(ctx)
		if err != nil {
			return 0, fmt.Errorf("writer: read halt flag: %w", err)
		}
		if state.Halted {
			return 0, halt.Wrap(halt.ErrSystemHalted.Tag, halt.BandConstitutional,
				fmt.Sprintf("system halted: %s", state.Reason), nil)
		}
	}

	// Step 2: freeze payload.
	frozen, err := canonical.FreezePayload(payload)
	if err != nil {
		return 0, fmt.Errorf("writer: freeze payload: %w", err)
	}
	if schema, ok := w.schemas[eventType]; ok {
		if err := schema.Validate(frozen); err != nil {
			return 0, fmt.Errorf("writer: payload for %q failed schema validation: %w", eventType, err)
		}
	}

	// Step 3: select witness. Select itself records nothing against the
	// pair history/last-selected state; commitSelection does that, and
	// is only invoked once signing and attestation (steps 6-7) succeed,
	// so a failure anywhere in between releases the selected witness
	// with no trace left in the pair history.
	selection, commitSelection, err := w.selector.Select(ctx, floor)
	if err != nil {
		return 0, err
	}

	now := w.clock()
	ev := event.Event{
		EventID:        event.NewEventID(),
		EventType:      eventType,
		Payload:        frozen,
		AgentID:        agentID,
		LocalTimestamp: localTimestamp,
		WitnessID:      selection.SelectedWitnessID,
	}
	if ev.LocalTimestamp.IsZero() {
		ev.LocalTimestamp = now
	}

	signable, err := ev.SignableBytes()
	if err != nil {
		return 0, fmt.Errorf("writer: compute signable bytes: %w", err)
	}

	// Step 6: agent signature.
	ev.Signature, err = w.agentSigner.Sign(ctx, agentID, signable)
	if err != nil {
		return 0, fmt.Errorf("writer: agent signing failed: %w", err)
	}

	// Step 7: witness attestation over the same bytes. Failure here
	// aborts without appending, and without committing the selection:
	// commitSelection has not been called yet, so the witness pair
	// history and last-selected state are untouched, as if this
	// candidate had never been chosen.
	ev.WitnessSignature, err = w.attestor.Attest(ctx, selection.SelectedWitnessID, signable)
	if err != nil {
		return 0, fmt.Errorf("writer: witness attestation failed: %w", err)
	}

	// Steps 6-7 both succeeded: the witness genuinely attested this
	// event, so its selection is now durable regardless of how the
	// append retry loop below plays out.
	commitSelection()

	var assigned uint64
	retryErr := w.retryPolicy.Run(ctx, func(err error) bool {
		return errors.Is(err, eventstore.ErrTailChanged)
	}, func(ctx context.Context, attempt int) error {
		// Step 4: read tail.
		tail, err := w.store.Tail(ctx)
		if err != nil {
			return fmt.Errorf("writer: read tail: %w", err)
		}

		candidate := ev
		candidate.Sequence = tail.Sequence + 1
		candidate.PrevHash = tail.ContentHash

		// Step 5: canonical bytes + content_hash, now that sequence and
		// prev_hash are settled (they are not part of the hashed view,
		// but the event is otherwise complete).
		contentHash, err := candidate.ComputeContentHash()
		if err != nil {
			return fmt.Errorf("writer: compute content hash: %w", err)
		}
		candidate.ContentHash = contentHash

		// Step 8: atomic append, guarded by the tail we just read.
		appended, err := w.store.Append(ctx, tail, candidate)
		if err != nil {
			return err
		}
		assigned = appended.Sequence
		return nil
	})
	if retryErr != nil {
		return 0, halt.Wrap(halt.ErrWriteContention.Tag, halt.BandContention,
			"append retries exhausted", retryErr)
	}

	return assigned, nil
}
