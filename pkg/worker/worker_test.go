package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestInterval_RunsOnSchedule(t *testing.T) {
	var count int32
	w := NewInterval(20*time.Millisecond, 0, func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	}, nil)

	w.Start(context.Background())
	time.Sleep(90 * time.Millisecond)
	w.Stop()

	if atomic.LoadInt32(&count) < 2 {
		t.Errorf("expected at least 2 cycles, got %d", count)
	}
}

func TestInterval_SkipsOverlappingCycle(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	w := NewInterval(5*time.Millisecond, 0, func(ctx context.Context) error {
		n := atomic.AddInt32(&concurrent, 1)
		if n > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, n)
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return nil
	}, nil)

	w.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	w.Stop()

	if atomic.LoadInt32(&maxConcurrent) > 1 {
		t.Errorf("expected at most 1 concurrent cycle, saw %d", maxConcurrent)
	}
}

func TestInterval_OnErrorCalled(t *testing.T) {
	errCh := make(chan error, 1)
	w := NewInterval(10*time.Millisecond, 0, func(ctx context.Context) error {
		return context.DeadlineExceeded
	}, func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})

	w.Start(context.Background())
	defer w.Stop()

	select {
	case err := <-errCh:
		if err != context.DeadlineExceeded {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected onError to be called")
	}
}

func TestInterval_StopWithoutStartIsSafe(t *testing.T) {
	w := NewInterval(time.Second, 0, func(ctx context.Context) error { return nil }, nil)
	w.Stop()
}
