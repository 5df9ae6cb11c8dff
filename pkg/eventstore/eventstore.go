// Package eventstore implements the append-only, sequence-indexed
// event store: monotonically increasing sequence numbers, no deletes,
// no out-of-order writes.
package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/constitutional-ledger/core/pkg/event"
)

// ErrNotFound is returned when a lookup by event_id or sequence finds
// nothing. This is a caller error — never a constitutional
// violation.
var ErrNotFound = errors.New("eventstore: event not found")

// ErrTailChanged is returned by Append when the observed
// (prev_sequence, prev_content_hash) no longer matches the store's tail
// at commit time — the optimistic-concurrency signal the event writer
// retries on.
var ErrTailChanged = errors.New("eventstore: tail changed since read, retry append")

// Tail is the (sequence, content_hash) pair the event writer reads
// and chains its next event from.
type Tail struct {
	Sequence    uint64
	ContentHash string
}

// IsGenesis reports whether this tail represents an empty store.
func (t Tail) IsGenesis() bool {
	return t.Sequence == 0
}

// GenesisTail is the tail of an empty store: sequence 0, and the
// genesis anchor as the hash a first write chains from.
func GenesisTail() Tail {
	return Tail{Sequence: 0, ContentHash: event.GenesisAnchor}
}

// EventStore is the append-only port every EventWriter, HashVerifier and
// GapDetector implementation is built against. Implementations MUST
// reject deletes (there is no Delete method) and out-of-order appends
// (see Append's tail-mismatch contract).
type EventStore interface {
	// Tail returns the current (sequence, content_hash) pair, or
	// GenesisTail() if the store is empty.
	Tail(ctx context.Context) (Tail, error)

	// Append inserts ev with sequence = expectedTail.Sequence+1 and
	// prev_hash = expectedTail.ContentHash, succeeding only if the
	// store's actual tail still equals expectedTail at commit time.
	// Returns ErrTailChanged on a concurrent-append race; the caller is
	// expected to re-read the tail and retry.
	Append(ctx context.Context, expectedTail Tail, ev event.Event) (event.Event, error)

	// GetByID returns the event with the given event_id.
	GetByID(ctx context.Context, eventID string) (event.Event, error)

	// GetBySequence returns the event at the given sequence.
	GetBySequence(ctx context.Context, sequence uint64) (event.Event, error)

	// MaxSequence returns the highest sequence present, or 0 if empty.
	MaxSequence(ctx context.Context) (uint64, error)

	// SequencesInRange returns the set of sequences present in
	// (from, to] in ascending order — used by GapDetector to find holes
	// without materializing every event.
	SequencesInRange(ctx context.Context, from, to uint64) ([]uint64, error)

	// ListRange returns events with sequence in [from, to] in ascending
	// order, used by HashVerifier.run_full_scan and CheckpointWorker.
	ListRange(ctx context.Context, from, to uint64) ([]event.Event, error)

	// Len returns the total number of events stored.
	Len(ctx context.Context) (uint64, error)
}

// ValidateAppend checks the structural append contract shared by every
// implementation: sequence must be expectedTail.Sequence+1 and prev_hash
// must equal expectedTail.ContentHash. Implementations call this before
// attempting their storage-specific commit so the error is uniform.
func ValidateAppend(expectedTail Tail, ev event.Event) error {
	wantSeq := expectedTail.Sequence + 1
	if ev.Sequence != wantSeq {
		return fmt.Errorf("eventstore: event sequence %d does not follow tail sequence %d", ev.Sequence, expectedTail.Sequence)
	}
	if ev.PrevHash != expectedTail.ContentHash {
		return fmt.Errorf("eventstore: event prev_hash does not match tail content_hash")
	}
	return nil
}
