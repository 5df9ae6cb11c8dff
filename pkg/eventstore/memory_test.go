package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/constitutional-ledger/core/pkg/event"
)

func makeEvent(seq uint64, prevHash string) event.Event {
	ev := event.Event{
		Sequence:       seq,
		EventID:        event.NewEventID(),
		EventType:      "test.event",
		Payload:        map[string]any{"x": float64(1)},
		Signature:      "sig",
		AgentID:        "a",
		LocalTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		WitnessID:      "WITNESS:test",
		WitnessSignature: "wsig",
		PrevHash:       prevHash,
	}
	hash, err := ev.ComputeContentHash()
	if err != nil {
		panic(err)
	}
	ev.ContentHash = hash
	return ev
}

func TestInMemory_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()

	tail, err := store.Tail(ctx)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if !tail.IsGenesis() || tail.ContentHash != event.GenesisAnchor {
		t.Fatalf("expected genesis tail, got %+v", tail)
	}

	ev1 := makeEvent(1, event.GenesisAnchor)
	stored, err := store.Append(ctx, tail, ev1)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if stored.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", stored.Sequence)
	}

	got, err := store.GetBySequence(ctx, 1)
	if err != nil {
		t.Fatalf("GetBySequence failed: %v", err)
	}
	if got.ContentHash != ev1.ContentHash {
		t.Errorf("content hash mismatch")
	}

	byID, err := store.GetByID(ctx, ev1.EventID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if byID.Sequence != 1 {
		t.Errorf("expected sequence 1 by id lookup")
	}
}

func TestInMemory_AppendRejectsStaleTail(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()

	tail, _ := store.Tail(ctx)
	ev1 := makeEvent(1, event.GenesisAnchor)
	if _, err := store.Append(ctx, tail, ev1); err != nil {
		t.Fatalf("first append failed: %v", err)
	}

	// tail is now stale (still genesis); a second append against it must
	// be rejected per the optimistic-concurrency contract.
	ev2 := makeEvent(1, event.GenesisAnchor)
	_, err := store.Append(ctx, tail, ev2)
	if err != ErrTailChanged {
		t.Errorf("expected ErrTailChanged, got %v", err)
	}
}

func TestInMemory_SequencesInRangeReportsContiguousRun(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()

	tail, _ := store.Tail(ctx)
	for i := uint64(1); i <= 5; i++ {
		ev := makeEvent(i, tail.ContentHash)
		stored, err := store.Append(ctx, tail, ev)
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		tail = Tail{Sequence: stored.Sequence, ContentHash: stored.ContentHash}
	}

	// simulate removing event 3 out-of-band is not directly supported by
	// this in-memory store (append-only has no delete), so instead we
	// check SequencesInRange reports a contiguous run.
	seqs, err := store.SequencesInRange(ctx, 0, 5)
	if err != nil {
		t.Fatalf("SequencesInRange failed: %v", err)
	}
	if len(seqs) != 5 {
		t.Fatalf("expected 5 sequences, got %d", len(seqs))
	}
}

func TestInMemory_GetNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	if _, err := store.GetBySequence(ctx, 1); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetByID(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
