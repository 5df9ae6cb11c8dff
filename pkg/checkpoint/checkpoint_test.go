package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/constitutional-ledger/core/pkg/event"
)

func TestInMemory_LatestEmptyReturnsNotFound(t *testing.T) {
	s := NewInMemory()
	_, err := s.Latest(context.Background())
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemory_AppendAndLatest(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	cp1, _, err := BuildCheckpoint(nil, 0, AnchorGenesis, "system:checkpoint", time.Now())
	if err != nil {
		t.Fatalf("build genesis: %v", err)
	}
	if err := s.Append(ctx, cp1); err != nil {
		t.Fatalf("append genesis: %v", err)
	}

	cp2, _, err := BuildCheckpoint([]string{"a", "b", "c"}, 10, AnchorPeriodic, "system:checkpoint", time.Now())
	if err != nil {
		t.Fatalf("build periodic: %v", err)
	}
	if err := s.Append(ctx, cp2); err != nil {
		t.Fatalf("append periodic: %v", err)
	}

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.CheckpointID != cp2.CheckpointID {
		t.Errorf("expected latest to be cp2, got %s", latest.CheckpointID)
	}
}

func TestInMemory_AppendRejectsNonIncreasingSequence(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	cp1, _, _ := BuildCheckpoint([]string{"a"}, 5, AnchorPeriodic, "system:checkpoint", time.Now())
	if err := s.Append(ctx, cp1); err != nil {
		t.Fatalf("append: %v", err)
	}

	cp2, _, _ := BuildCheckpoint([]string{"a"}, 5, AnchorPeriodic, "system:checkpoint", time.Now())
	if err := s.Append(ctx, cp2); err == nil {
		t.Error("expected error appending checkpoint with non-increasing sequence")
	}
}

func TestInMemory_ForSequenceFindsSmallestGreaterOrEqual(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	for _, seq := range []uint64{10, 20, 30} {
		cp, _, _ := BuildCheckpoint([]string{"leaf"}, seq, AnchorPeriodic, "system:checkpoint", time.Now())
		if err := s.Append(ctx, cp); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}

	cp, err := s.ForSequence(ctx, 15)
	if err != nil {
		t.Fatalf("for sequence 15: %v", err)
	}
	if cp.EventSequence != 20 {
		t.Errorf("expected checkpoint at sequence 20, got %d", cp.EventSequence)
	}

	cp, err = s.ForSequence(ctx, 30)
	if err != nil {
		t.Fatalf("for sequence 30: %v", err)
	}
	if cp.EventSequence != 30 {
		t.Errorf("expected exact match at 30, got %d", cp.EventSequence)
	}

	_, err = s.ForSequence(ctx, 31)
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound beyond newest checkpoint, got %v", err)
	}
}

func TestInMemory_ListReturnsNewestFirst(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	for _, seq := range []uint64{10, 20, 30} {
		cp, _, _ := BuildCheckpoint([]string{"leaf"}, seq, AnchorPeriodic, "system:checkpoint", time.Now())
		if err := s.Append(ctx, cp); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(list))
	}
	if list[0].EventSequence != 30 || list[2].EventSequence != 10 {
		t.Errorf("expected newest-first order, got sequences %d,%d,%d",
			list[0].EventSequence, list[1].EventSequence, list[2].EventSequence)
	}
}

func TestBuildCheckpoint_GenesisUsesGenesisAnchor(t *testing.T) {
	cp, tree, err := BuildCheckpoint(nil, 0, AnchorGenesis, "system:checkpoint", time.Now())
	if err != nil {
		t.Fatalf("build genesis: %v", err)
	}
	if cp.AnchorHash != event.GenesisAnchor {
		t.Errorf("expected genesis anchor hash, got %s", cp.AnchorHash)
	}
	if cp.LeafCount != 0 {
		t.Errorf("expected zero leaves for genesis, got %d", cp.LeafCount)
	}
	if tree.Root != "" {
		t.Errorf("expected no tree built for genesis, got root %s", tree.Root)
	}
}

func TestBuildCheckpoint_PeriodicBuildsRealTree(t *testing.T) {
	leaves := []string{"hash-a", "hash-b", "hash-c", "hash-d"}
	cp, tree, err := BuildCheckpoint(leaves, 4, AnchorPeriodic, "system:checkpoint", time.Now())
	if err != nil {
		t.Fatalf("build periodic: %v", err)
	}
	if cp.AnchorHash == "" || cp.AnchorHash == event.GenesisAnchor {
		t.Errorf("expected a real tree root, got %s", cp.AnchorHash)
	}
	if cp.AnchorHash != tree.Root {
		t.Errorf("checkpoint anchor hash must match tree root: %s != %s", cp.AnchorHash, tree.Root)
	}
	if cp.LeafCount != 4 {
		t.Errorf("expected leaf count 4, got %d", cp.LeafCount)
	}
}

func TestBuildCheckpoint_DeterministicAcrossCalls(t *testing.T) {
	leaves := []string{"hash-a", "hash-b", "hash-c"}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cp1, tree1, err := BuildCheckpoint(leaves, 3, AnchorManual, "system:checkpoint", at)
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	cp2, tree2, err := BuildCheckpoint(leaves, 3, AnchorManual, "system:checkpoint", at)
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}
	if tree1.Root != tree2.Root {
		t.Errorf("expected deterministic root, got %s vs %s", tree1.Root, tree2.Root)
	}
	if cp1.AnchorHash != cp2.AnchorHash {
		t.Errorf("expected deterministic anchor hash across rebuilds")
	}
}

func TestMemoryArchiver_ArchiveAndFetch(t *testing.T) {
	a := NewMemoryArchiver()
	ctx := context.Background()

	cp, _, err := BuildCheckpoint([]string{"a", "b"}, 2, AnchorPeriodic, "system:checkpoint", time.Now())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	bundle := Bundle{Checkpoint: cp}

	if err := a.Archive(ctx, bundle); err != nil {
		t.Fatalf("archive: %v", err)
	}

	fetched, err := a.Fetch(ctx, cp.CheckpointID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if fetched.Checkpoint.CheckpointID != cp.CheckpointID {
		t.Errorf("fetched wrong checkpoint: %s != %s", fetched.Checkpoint.CheckpointID, cp.CheckpointID)
	}
}

func TestMemoryArchiver_FetchMissingReturnsNotFound(t *testing.T) {
	a := NewMemoryArchiver()
	_, err := a.Fetch(context.Background(), "does-not-exist")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
