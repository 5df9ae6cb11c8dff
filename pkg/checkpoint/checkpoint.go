// Package checkpoint implements the checkpoint store and the periodic
// checkpoint worker: the ordered list of Merkle anchors that let an
// observer verify inclusion of any event in O(log n) bandwidth without
// replaying the whole chain.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/constitutional-ledger/core/pkg/event"
	"github.com/constitutional-ledger/core/pkg/merkle"
)

// AnchorType names why a checkpoint was created.
type AnchorType string

const (
	AnchorGenesis  AnchorType = "genesis"
	AnchorPeriodic AnchorType = "periodic"
	AnchorManual   AnchorType = "manual"
)

// Checkpoint is an immutable Merkle anchor binding an event-sequence
// prefix to a root.
type Checkpoint struct {
	CheckpointID   string     `json:"checkpoint_id"`
	EventSequence  uint64     `json:"event_sequence"`
	Timestamp      time.Time  `json:"timestamp"`
	AnchorHash     string     `json:"anchor_hash"`
	AnchorType     AnchorType `json:"anchor_type"`
	CreatorID      string     `json:"creator_id"`
	LeafCount      int        `json:"leaf_count"`
}

// ErrNotFound is a caller-band error: no checkpoint satisfies the
// lookup.
var ErrNotFound = errors.New("checkpoint: not found")

// Store is the ordered, append-only list of anchors. Checkpoints are
// never deleted or revised, mirroring the append-only discipline the
// event chain itself follows.
type Store interface {
	Append(ctx context.Context, cp Checkpoint) error
	// Latest returns the highest-sequence checkpoint, or ErrNotFound if
	// none exist yet.
	Latest(ctx context.Context) (Checkpoint, error)
	// ForSequence returns the smallest checkpoint whose EventSequence is
	// >= n. ErrNotFound means n
	// falls in the pending interval after the newest checkpoint (or no
	// checkpoint exists at all) — callers fall back to the hash chain.
	ForSequence(ctx context.Context, n uint64) (Checkpoint, error)
	// List returns all checkpoints, newest first.
	List(ctx context.Context) ([]Checkpoint, error)
}

// InMemory is the reference Store implementation.
type InMemory struct {
	mu          sync.RWMutex
	checkpoints []Checkpoint // kept sorted ascending by EventSequence
}

func NewInMemory() *InMemory {
	return &InMemory{}
}

func (s *InMemory) Append(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.checkpoints) > 0 {
		last := s.checkpoints[len(s.checkpoints)-1]
		if cp.EventSequence <= last.EventSequence && cp.AnchorType != AnchorGenesis {
			return fmt.Errorf("checkpoint: new checkpoint sequence %d must exceed last %d", cp.EventSequence, last.EventSequence)
		}
	}
	s.checkpoints = append(s.checkpoints, cp)
	return nil
}

func (s *InMemory) Latest(_ context.Context) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.checkpoints) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return s.checkpoints[len(s.checkpoints)-1], nil
}

func (s *InMemory) ForSequence(_ context.Context, n uint64) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := sort.Search(len(s.checkpoints), func(i int) bool {
		return s.checkpoints[i].EventSequence >= n
	})
	if idx == len(s.checkpoints) {
		return Checkpoint{}, ErrNotFound
	}
	return s.checkpoints[idx], nil
}

func (s *InMemory) List(_ context.Context) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Checkpoint, len(s.checkpoints))
	for i, cp := range s.checkpoints {
		out[len(s.checkpoints)-1-i] = cp
	}
	return out, nil
}

var _ Store = (*InMemory)(nil)

// NewCheckpointID generates a fresh checkpoint_id.
func NewCheckpointID() string {
	return uuid.New().String()
}

// BuildCheckpoint builds the Merkle tree over leaves (content hashes
// in sequence order) and assembles the resulting Checkpoint. It does
// not persist or witness the checkpoint — callers (Worker) do that as
// a separate, witnessed step.
func BuildCheckpoint(leaves []string, eventSequence uint64, anchorType AnchorType, creatorID string, at time.Time) (Checkpoint, merkle.Tree, error) {
	if eventSequence == 0 && anchorType == AnchorGenesis {
		return Checkpoint{
			CheckpointID:  NewCheckpointID(),
			EventSequence: 0,
			Timestamp:     at,
			AnchorHash:    event.GenesisAnchor,
			AnchorType:    AnchorGenesis,
			CreatorID:     creatorID,
			LeafCount:     0,
		}, merkle.Tree{}, nil
	}

	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return Checkpoint{}, merkle.Tree{}, fmt.Errorf("checkpoint: build tree: %w", err)
	}

	return Checkpoint{
		CheckpointID:  NewCheckpointID(),
		EventSequence: eventSequence,
		Timestamp:     at,
		AnchorHash:    tree.Root,
		AnchorType:    anchorType,
		CreatorID:     creatorID,
		LeafCount:     len(leaves),
	}, tree, nil
}
