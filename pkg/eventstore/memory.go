package eventstore

import (
	"context"
	"sort"
	"sync"

	"github.com/constitutional-ledger/core/pkg/event"
)

// InMemory is a reference EventStore used by tests and by
// single-process deployments that accept losing the chain on restart:
// a single RWMutex guarding the event slice plus a cached tail.
type InMemory struct {
	mu       sync.RWMutex
	events   []event.Event // events[i] has Sequence == i+1
	byID     map[string]int
	tail     Tail
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID: make(map[string]int),
		tail: GenesisTail(),
	}
}

func (s *InMemory) Tail(ctx context.Context) (Tail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tail, nil
}

func (s *InMemory) Append(ctx context.Context, expectedTail Tail, ev event.Event) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tail != expectedTail {
		return event.Event{}, ErrTailChanged
	}
	if err := ValidateAppend(expectedTail, ev); err != nil {
		return event.Event{}, err
	}

	idx := len(s.events)
	s.events = append(s.events, ev)
	s.byID[ev.EventID] = idx
	s.tail = Tail{Sequence: ev.Sequence, ContentHash: ev.ContentHash}
	return ev, nil
}

func (s *InMemory) GetByID(ctx context.Context, eventID string) (event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[eventID]
	if !ok {
		return event.Event{}, ErrNotFound
	}
	return s.events[idx], nil
}

func (s *InMemory) GetBySequence(ctx context.Context, sequence uint64) (event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sequence == 0 || sequence > uint64(len(s.events)) {
		return event.Event{}, ErrNotFound
	}
	return s.events[sequence-1], nil
}

func (s *InMemory) MaxSequence(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.events)), nil
}

func (s *InMemory) SequencesInRange(ctx context.Context, from, to uint64) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []uint64
	for _, ev := range s.events {
		if ev.Sequence > from && ev.Sequence <= to {
			out = append(out, ev.Sequence)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *InMemory) ListRange(ctx context.Context, from, to uint64) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Event
	for _, ev := range s.events {
		if ev.Sequence >= from && ev.Sequence <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *InMemory) Len(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.events)), nil
}

var _ EventStore = (*InMemory)(nil)
