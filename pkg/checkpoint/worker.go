package checkpoint

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/constitutional-ledger/core/pkg/eventstore"
	"github.com/constitutional-ledger/core/pkg/merkle"
	"github.com/constitutional-ledger/core/pkg/worker"
)

// tracker is the subset of metrics.Provider CheckpointWorker needs.
type tracker interface {
	Track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// eventWriter is the subset of writer.Writer the checkpoint worker
// needs: checkpoint creation is itself a witnessed event.
type eventWriter interface {
	WriteHaltEmission(ctx context.Context, eventType string, payload map[string]any, agentID string, localTimestamp time.Time) (uint64, error)
}

// DefaultInterval is the default checkpoint cadence.
const DefaultInterval = 7 * 24 * time.Hour

// Worker periodically builds a Merkle tree over every event from
// sequence 1 to the current maximum, whenever events have been appended
// since the last checkpoint, and persists the root.
type Worker struct {
	store      eventstore.EventStore
	checkpoint Store
	writer     eventWriter
	creatorID  string
	clock      func() time.Time
	interval   *worker.Interval
	metrics    tracker
	archiver   Archiver
}

// New builds a checkpoint worker. worker.Interval's self-throttle
// guarantees no two checkpoint builds ever run concurrently.
func New(store eventstore.EventStore, checkpointStore Store, w eventWriter, creatorID string, interval, timeout time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	cw := &Worker{
		store:      store,
		checkpoint: checkpointStore,
		writer:     w,
		creatorID:  creatorID,
		clock:      time.Now,
	}
	cw.interval = worker.NewInterval(interval, timeout, cw.runCycle, nil)
	return cw
}

// SetMetrics attaches a metrics.Provider so each checkpoint build is
// traced and recorded under the ledger's RED instruments.
func (w *Worker) SetMetrics(m tracker) { w.metrics = m }

// SetArchiver attaches an Archiver; every periodic checkpoint build
// then exports the checkpoint and its inclusion proofs to durable
// off-process storage. Nil (the default) means persist-only.
func (w *Worker) SetArchiver(a Archiver) { w.archiver = a }

// Start begins the periodic schedule.
func (w *Worker) Start(ctx context.Context) { w.interval.Start(ctx) }

// Stop cancels the schedule and waits for any in-flight cycle to exit.
func (w *Worker) Stop() { w.interval.Stop() }

// RunOnce triggers an immediate checkpoint build, honoring the same
// self-throttle as the scheduled path. Used for tests and for manual
// anchors.
func (w *Worker) RunOnce(ctx context.Context) error {
	return w.interval.RunOnce(ctx)
}

// EnsureGenesis persists the genesis checkpoint (sequence 0, anchor_hash
// = genesis anchor) if no checkpoint exists yet.
func (w *Worker) EnsureGenesis(ctx context.Context) error {
	_, err := w.checkpoint.Latest(ctx)
	if err == nil {
		return nil
	}
	if err != ErrNotFound {
		return fmt.Errorf("checkpoint: read latest: %w", err)
	}

	cp, _, err := BuildCheckpoint(nil, 0, AnchorGenesis, w.creatorID, w.clock())
	if err != nil {
		return err
	}
	return w.persist(ctx, cp)
}

func (w *Worker) runCycle(ctx context.Context) (err error) {
	if w.metrics != nil {
		var done func(error)
		ctx, done = w.metrics.Track(ctx, "checkpoint.worker.cycle")
		defer func() { done(err) }()
	}
	return w.runCycleInner(ctx)
}

func (w *Worker) runCycleInner(ctx context.Context) error {
	latest, err := w.checkpoint.Latest(ctx)
	lastSequence := uint64(0)
	if err == nil {
		lastSequence = latest.EventSequence
	} else if err != ErrNotFound {
		return fmt.Errorf("checkpoint: read latest: %w", err)
	}

	maxSequence, err := w.store.MaxSequence(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint: read max sequence: %w", err)
	}
	if maxSequence <= lastSequence {
		return nil // nothing new to checkpoint
	}

	events, err := w.store.ListRange(ctx, 1, maxSequence)
	if err != nil {
		return fmt.Errorf("checkpoint: list events: %w", err)
	}
	leaves := make([]string, len(events))
	for i, ev := range events {
		leaves[i] = ev.ContentHash
	}

	cp, tree, err := BuildCheckpoint(leaves, maxSequence, AnchorPeriodic, w.creatorID, w.clock())
	if err != nil {
		return err
	}
	if err := w.persist(ctx, cp); err != nil {
		return err
	}
	return w.archive(ctx, cp, tree)
}

// archive exports the checkpoint plus an inclusion proof per covered
// event, so observer verification survives this process going away.
// The checkpoint is already durable in the local store by the time
// this runs; an archive failure surfaces as a cycle error and the
// bundle is re-exported with the next build.
func (w *Worker) archive(ctx context.Context, cp Checkpoint, tree merkle.Tree) error {
	if w.archiver == nil {
		return nil
	}
	proofs := make([]merkle.InclusionProof, 0, cp.LeafCount)
	for i := 0; i < cp.LeafCount; i++ {
		proof, err := merkle.BuildInclusionProof(uint64(i+1), i, tree)
		if err != nil {
			return fmt.Errorf("checkpoint: build inclusion proof for leaf %d: %w", i, err)
		}
		proofs = append(proofs, proof)
	}
	if err := w.archiver.Archive(ctx, Bundle{Checkpoint: cp, Proofs: proofs}); err != nil {
		return fmt.Errorf("checkpoint: archive bundle %s: %w", cp.CheckpointID, err)
	}
	return nil
}

func (w *Worker) persist(ctx context.Context, cp Checkpoint) error {
	if _, err := w.writer.WriteHaltEmission(ctx, "checkpoint.created", map[string]any{
		"checkpoint_id":  cp.CheckpointID,
		"event_sequence": float64(cp.EventSequence),
		"anchor_hash":    cp.AnchorHash,
		"anchor_type":    string(cp.AnchorType),
		"leaf_count":     float64(cp.LeafCount),
	}, w.creatorID, cp.Timestamp); err != nil {
		return fmt.Errorf("checkpoint: witness checkpoint creation: %w", err)
	}
	return w.checkpoint.Append(ctx, cp)
}
