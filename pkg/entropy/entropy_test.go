package entropy

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSystemSource_ReturnsRequestedLength(t *testing.T) {
	src := NewSystemSource()
	buf, err := src.Read(context.Background(), 32)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(buf) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(buf))
	}
}

func TestSystemSource_RejectsBelowMinimum(t *testing.T) {
	src := NewSystemSource()
	if _, err := src.Read(context.Background(), 16); err == nil {
		t.Error("expected error for request below MinBytes")
	}
}

func TestResilientSource_RetriesThenSucceeds(t *testing.T) {
	attempts := 0
	fetch := func(ctx context.Context, n int) ([]byte, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("upstream timeout")
		}
		return make([]byte, n), nil
	}
	src := NewResilientSource(fetch, 3, 5, time.Minute)
	buf, err := src.Read(context.Background(), 32)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(buf) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(buf))
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestResilientSource_ExhaustsRetriesWithoutFallback(t *testing.T) {
	fetch := func(ctx context.Context, n int) ([]byte, error) {
		return nil, errors.New("upstream down")
	}
	src := NewResilientSource(fetch, 2, 5, time.Minute)
	_, err := src.Read(context.Background(), 32)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestResilientSource_CircuitBreakerOpensAfterThreshold(t *testing.T) {
	fetch := func(ctx context.Context, n int) ([]byte, error) {
		return nil, errors.New("upstream down")
	}
	src := NewResilientSource(fetch, 0, 1, time.Minute)

	if _, err := src.Read(context.Background(), 32); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected first call to fail with ErrUnavailable, got %v", err)
	}

	// breaker should now be open; a second call must fail fast without
	// invoking fetch again (verified indirectly via consistent error).
	if _, err := src.Read(context.Background(), 32); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected breaker-open error, got %v", err)
	}
}

func TestChained_FallsThroughToSecondSource(t *testing.T) {
	failing := NewResilientSource(func(ctx context.Context, n int) ([]byte, error) {
		return nil, errors.New("down")
	}, 0, 5, time.Minute)
	chained := NewChained(failing, NewSystemSource())

	buf, err := chained.Read(context.Background(), 32)
	if err != nil {
		t.Fatalf("expected success via second source, got %v", err)
	}
	if len(buf) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(buf))
	}
}

func TestChained_AllFailReturnsUnavailable(t *testing.T) {
	failing := func(ctx context.Context, n int) ([]byte, error) {
		return nil, errors.New("down")
	}
	chained := NewChained(
		NewResilientSource(failing, 0, 5, time.Minute),
		NewResilientSource(failing, 0, 5, time.Minute),
	)
	if _, err := chained.Read(context.Background(), 32); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
