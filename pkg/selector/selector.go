// Package selector implements the verifiable witness selector: the
// published, reproducible algorithm that picks the next witness for an
// event.
package selector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/constitutional-ledger/core/pkg/entropy"
	"github.com/constitutional-ledger/core/pkg/event"
	"github.com/constitutional-ledger/core/pkg/eventstore"
	"github.com/constitutional-ledger/core/pkg/halt"
	"github.com/constitutional-ledger/core/pkg/witness"
)

// AlgorithmVersion is the published version of the selection
// algorithm, recorded in every Selection so an observer can range-
// match compatible selector implementations when replaying a
// historical record.
var AlgorithmVersion = semver.MustParse("1.0.0")

// PairCooldown is the window within which a witness pair may not be
// reused.
const PairCooldown = 24 * time.Hour

// StandardFloor and HighStakesFloor are the two published pool-size
// floors: high-stakes events (overrides, dissolutions, ceremonies)
// pause unless the larger pool is available.
const (
	StandardFloor   = 4
	HighStakesFloor = 12
)

// Selection is the published record an observer re-runs the
// candidate-index computation against to verify the selector behaved
// correctly.
type Selection struct {
	Seed              string    `json:"seed"`
	SeedSource        string    `json:"seed_source"`
	SelectedWitnessID string    `json:"selected_witness_id"`
	PoolSnapshot      []string  `json:"pool_snapshot"`
	AlgorithmVersion  string    `json:"algorithm_version"`
	Timestamp         time.Time `json:"timestamp"`
}

// Selector ties together the witness pool, the entropy source, the
// event store head, and the pair history to pick the next witness.
type Selector struct {
	entropySource entropy.Source
	pool          *witness.Pool
	pairHistory   *witness.PairHistory
	lastSelected  *witness.LastSelected
	store         eventstore.EventStore
	clock         func() time.Time
}

// New builds a Selector from its five upstream components.
func New(entropySource entropy.Source, pool *witness.Pool, pairHistory *witness.PairHistory, lastSelected *witness.LastSelected, store eventstore.EventStore) *Selector {
	return &Selector{
		entropySource: entropySource,
		pool:          pool,
		pairHistory:   pairHistory,
		lastSelected:  lastSelected,
		store:         store,
		clock:         time.Now,
	}
}

// Select runs the published selection algorithm and returns the
// Selection record, the chosen witness ID, and a commit callback.
// floor is the pool-size floor to enforce (StandardFloor or
// HighStakesFloor for high-stakes writes).
//
// Select itself never mutates PairHistory/LastSelected: it only
// computes what the mutation *would* be. The caller must invoke the
// returned commit func to actually record the selection once it knows
// the event will carry it through to a witnessed, signed append: a
// failed write must release the selected witness with no history
// record persisting. If commit is never called — because
// signing or attestation failed, or the caller simply discards the
// result — no trace of the candidate is left in the history, and the next
// Select call is free to re-select it without spuriously treating it as
// "just used".
func (s *Selector) Select(ctx context.Context, floor int) (Selection, func(), error) {
	noop := func() {}

	// Step 1: external entropy, never a weak fallback.
	entropyExt, err := s.entropySource.Read(ctx, entropy.MinBytes)
	if err != nil {
		return Selection{}, noop, halt.Wrap(halt.ErrEntropyUnavailable.Tag, halt.BandConstitutional,
			"entropy source failed during witness selection", err)
	}

	// Step 2: chain binding from the current head (or genesis anchor).
	tail, err := s.store.Tail(ctx)
	if err != nil {
		return Selection{}, noop, fmt.Errorf("selector: read tail: %w", err)
	}
	chainBinding := tail.ContentHash
	if chainBinding == "" {
		chainBinding = event.GenesisAnchor
	}

	// Step 3: combined seed.
	seed := combineSeed(entropyExt, chainBinding)

	// Step 4: pool snapshot, alphabetically sorted, floor-checked.
	now := s.clock()
	pool := s.pool.ActiveSnapshot(now)
	if len(pool) < floor {
		return Selection{}, noop, halt.Wrap(halt.ErrInsufficientWitnessPool.Tag, halt.BandConstitutional,
			fmt.Sprintf("active pool size %d below floor %d", len(pool), floor), nil)
	}

	// Step 5: deterministic candidate index.
	idx := deterministicIndex(seed, len(pool))
	candidate := pool[idx]

	// Steps 6-7: pair-rotation retry against the immediately preceding
	// witness. A candidate identical to the immediately preceding
	// witness is treated the same as a recently-used pair: it is never
	// a valid "alternative" to rotate to. This check reads only the
	// already-committed pair history, so a prior Select call whose
	// commit was never invoked cannot block this one.
	prevWitness, hasPrev := s.lastSelected.Get()
	if hasPrev {
		blocked := func(c string) bool {
			return c == prevWitness || s.pairHistory.RecentlyUsed(prevWitness, c, now, PairCooldown)
		}
		attempts := 0
		for attempts < len(pool) && blocked(candidate) {
			idx = (idx + 1) % len(pool)
			candidate = pool[idx]
			attempts++
		}
		if attempts == len(pool) {
			return Selection{}, noop, halt.Wrap(halt.ErrPairExhausted.Tag, halt.BandConstitutional,
				"all witness pairs in pool exhausted within cooldown window", nil)
		}
	}

	selection := Selection{
		Seed:              hex.EncodeToString(seed),
		SeedSource:        "entropy+chain_binding",
		SelectedWitnessID: candidate,
		PoolSnapshot:      pool,
		AlgorithmVersion:  AlgorithmVersion.String(),
		Timestamp:         now,
	}

	commit := func() {
		if hasPrev {
			s.pairHistory.Record(prevWitness, candidate, now)
		}
		s.lastSelected.Set(candidate)
	}

	return selection, commit, nil
}

// combineSeed derives seed = SHA-256(entropy_ext || chain_binding_bytes).
func combineSeed(entropyExt []byte, chainBinding string) []byte {
	h := sha256.New()
	h.Write(entropyExt)
	h.Write([]byte(chainBinding))
	return h.Sum(nil)
}

// deterministicIndex computes int.from_bytes(seed, 'big') mod |P|,
// the published candidate-index formula.
func deterministicIndex(seed []byte, poolSize int) int {
	n := new(big.Int).SetBytes(seed)
	mod := new(big.Int).SetInt64(int64(poolSize))
	return int(new(big.Int).Mod(n, mod).Int64())
}

// Verify is the published verification law: re-deriving the candidate
// index from the recorded seed and pool snapshot must reproduce the
// recorded selected witness. It holds exactly when no pair rotation
// occurred; a selection that rotated past cooldown-blocked pairs is
// verified with VerifyWithHistory instead, since rotation depends on
// pair history the bare record does not carry.
func Verify(selection Selection) bool {
	if len(selection.PoolSnapshot) == 0 {
		return false
	}
	seed, err := hex.DecodeString(selection.Seed)
	if err != nil {
		return false
	}
	idx := deterministicIndex(seed, len(selection.PoolSnapshot))
	return selection.PoolSnapshot[idx] == selection.SelectedWitnessID
}

// VerifyWithHistory replays the full selection, rotation included.
// blocked reports whether selecting candidate after prevWitness would
// have reused a pair within the cooldown window at selection time —
// both derivable by an observer from the chain's public witness
// history. The replay must land on the recorded witness for the
// selection to verify.
func VerifyWithHistory(selection Selection, prevWitness string, blocked func(prev, candidate string) bool) bool {
	n := len(selection.PoolSnapshot)
	if n == 0 {
		return false
	}
	seed, err := hex.DecodeString(selection.Seed)
	if err != nil {
		return false
	}
	idx := deterministicIndex(seed, n)
	if prevWitness == "" {
		return selection.PoolSnapshot[idx] == selection.SelectedWitnessID
	}
	for attempts := 0; attempts < n; attempts++ {
		candidate := selection.PoolSnapshot[idx]
		if candidate != prevWitness && !blocked(prevWitness, candidate) {
			return candidate == selection.SelectedWitnessID
		}
		idx = (idx + 1) % n
	}
	return false
}
