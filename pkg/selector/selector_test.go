package selector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/constitutional-ledger/core/pkg/event"
	"github.com/constitutional-ledger/core/pkg/eventstore"
	"github.com/constitutional-ledger/core/pkg/halt"
	"github.com/constitutional-ledger/core/pkg/witness"
)

type fixedEntropy struct {
	buf []byte
	err error
}

func (f fixedEntropy) Read(_ context.Context, n int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.buf, nil
}

func buildPool(t *testing.T, n int) *witness.Pool {
	t.Helper()
	pool := witness.NewPool()
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		err := pool.Register(witness.Witness{
			WitnessID:  "WITNESS:" + id,
			PublicKey:  make([]byte, 32),
			ActiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return pool
}

func TestSelector_SelectIsVerifiable(t *testing.T) {
	ctx := context.Background()
	pool := buildPool(t, 5)
	store := eventstore.NewInMemory()

	sel := New(fixedEntropy{buf: make([]byte, 32)}, pool, witness.NewPairHistory(), witness.NewLastSelected(), store)
	selection, commit, err := sel.Select(ctx, StandardFloor)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	commit()
	if !Verify(selection) {
		t.Error("expected selection to satisfy the verification law")
	}
	if selection.AlgorithmVersion != AlgorithmVersion.String() {
		t.Errorf("unexpected algorithm version: %s", selection.AlgorithmVersion)
	}
}

func TestSelector_EntropyFailureNeverFallsBack(t *testing.T) {
	ctx := context.Background()
	pool := buildPool(t, 5)
	store := eventstore.NewInMemory()

	sel := New(fixedEntropy{err: errors.New("rng down")}, pool, witness.NewPairHistory(), witness.NewLastSelected(), store)
	_, _, err := sel.Select(ctx, StandardFloor)
	if !errors.Is(err, halt.ErrEntropyUnavailable) {
		t.Errorf("expected ErrEntropyUnavailable, got %v", err)
	}
}

func TestSelector_InsufficientPoolFloor(t *testing.T) {
	ctx := context.Background()
	pool := buildPool(t, 2)
	store := eventstore.NewInMemory()

	sel := New(fixedEntropy{buf: make([]byte, 32)}, pool, witness.NewPairHistory(), witness.NewLastSelected(), store)
	_, _, err := sel.Select(ctx, StandardFloor)
	if !errors.Is(err, halt.ErrInsufficientWitnessPool) {
		t.Errorf("expected ErrInsufficientWitnessPool, got %v", err)
	}
}

func TestSelector_PairExhaustedWithTwoWitnesses(t *testing.T) {
	// Rotation enforcement with the smallest possible pool: two
	// witnesses {W1, W2}. The immediately preceding witness is W1, and
	// the pair {W1, W2} was already used within the cooldown window.
	// The only other candidate is W1 itself, which is never a valid
	// rotation target, so selection must exhaust with PairExhausted.
	ctx := context.Background()
	pool := buildPool(t, 2)
	store := eventstore.NewInMemory()
	pairHistory := witness.NewPairHistory()
	lastSelected := witness.NewLastSelected()

	snapshot := pool.ActiveSnapshot(time.Now())
	w1, w2 := snapshot[0], snapshot[1]
	lastSelected.Set(w1)
	pairHistory.Record(w1, w2, time.Now())

	sel := New(fixedEntropy{buf: make([]byte, 32)}, pool, pairHistory, lastSelected, store)
	_, _, err := sel.Select(ctx, 2)
	if !errors.Is(err, halt.ErrPairExhausted) {
		t.Fatalf("expected ErrPairExhausted, got %v", err)
	}
}

func TestVerifyWithHistory_AcceptsRotatedSelection(t *testing.T) {
	ctx := context.Background()
	pool := buildPool(t, 4)
	store := eventstore.NewInMemory()
	pairHistory := witness.NewPairHistory()
	lastSelected := witness.NewLastSelected()

	// Pre-compute the deterministic candidate so its pair with the
	// preceding witness can be put on cooldown, forcing a rotation.
	snapshot := pool.ActiveSnapshot(time.Now())
	seed := combineSeed(make([]byte, 32), event.GenesisAnchor)
	detIdx := deterministicIndex(seed, len(snapshot))
	detCandidate := snapshot[detIdx]
	prev := snapshot[(detIdx+1)%len(snapshot)]
	lastSelected.Set(prev)
	pairHistory.Record(prev, detCandidate, time.Now())

	sel := New(fixedEntropy{buf: make([]byte, 32)}, pool, pairHistory, lastSelected, store)
	selection, _, err := sel.Select(ctx, StandardFloor)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if selection.SelectedWitnessID == detCandidate {
		t.Fatal("expected selection to rotate away from the blocked candidate")
	}
	if Verify(selection) {
		t.Error("strict verification law must not hold for a rotated selection")
	}

	blockedAtSelectionTime := func(p, c string) bool {
		return witness.PairKey(p, c) == witness.PairKey(prev, detCandidate)
	}
	if !VerifyWithHistory(selection, prev, blockedAtSelectionTime) {
		t.Error("expected rotated selection to verify once history is replayed")
	}
}

func TestVerify_RejectsTamperedSelection(t *testing.T) {
	ctx := context.Background()
	pool := buildPool(t, 5)
	store := eventstore.NewInMemory()

	sel := New(fixedEntropy{buf: make([]byte, 32)}, pool, witness.NewPairHistory(), witness.NewLastSelected(), store)
	selection, commit, err := sel.Select(ctx, StandardFloor)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	commit()

	selection.SelectedWitnessID = "WITNESS:not-the-real-one"
	if Verify(selection) {
		t.Error("expected tampered selection to fail verification")
	}
}
