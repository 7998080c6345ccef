package account

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireSerializes(t *testing.T) {
	t.Parallel()
	a := New("shared", "twitter", "ct0=x", 0)

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := a.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxInFlight)
				if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			release()
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Fatalf("observed %d concurrent holders, want 1", got)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()
	a := New("shared", "twitter", "", 0)

	release, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := a.Acquire(ctx); err == nil {
		t.Fatal("expected context error while permit is held")
	}
}

func TestRegistryResolution(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := r.Add(New("main", "twitter", "", 0)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(New("main", "twitter", "", 0)); err == nil {
		t.Fatal("expected duplicate name error")
	}

	if _, err := r.Get("main", "twitter"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := r.Get("main", "bilibili"); err == nil {
		t.Fatal("expected platform mismatch error")
	}
	if _, err := r.Get("missing", "twitter"); err == nil {
		t.Fatal("expected not-found error")
	}
}
