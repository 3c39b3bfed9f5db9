package chainlock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/chainspace/internal/chainlock"
)

func TestAcquireRelease(t *testing.T) {
	tbl := chainlock.New()
	ctx := context.Background()
	if err := tbl.Acquire(ctx, "k", "a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if owner, ok := tbl.Owner("k"); !ok || owner != "a" {
		t.Fatalf("unexpected owner %q %v", owner, ok)
	}
	if err := tbl.Release("k", "b"); !errors.Is(err, chainlock.ErrNotLockOwner) {
		t.Fatalf("expected ErrNotLockOwner, got %v", err)
	}
	if err := tbl.Release("k", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := tbl.Release("k", "a"); !errors.Is(err, chainlock.ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table, got %d", tbl.Len())
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	tbl := chainlock.New()
	ctx := context.Background()
	if err := tbl.Acquire(ctx, "k", "a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	acquired := make(chan struct{})
	go func() {
		if err := tbl.Acquire(ctx, "k", "b"); err != nil {
			t.Errorf("acquire b: %v", err)
		}
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second acquire should block")
	case <-time.After(20 * time.Millisecond):
	}
	if err := tbl.Release("k", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	if owner, _ := tbl.Owner("k"); owner != "b" {
		t.Fatalf("expected b to own the lock, got %q", owner)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	tbl := chainlock.New()
	if !tbl.TryAcquire("k", "a") {
		t.Fatal("try acquire on free key failed")
	}
	if tbl.TryAcquire("k", "b") {
		t.Fatal("try acquire on held key succeeded")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tbl.Acquire(ctx, "k", "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMutualExclusion(t *testing.T) {
	tbl := chainlock.New()
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		owner := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := tbl.Acquire(ctx, "k", owner); err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				mu.Lock()
				holders++
				if holders > maxSeen {
					maxSeen = holders
				}
				mu.Unlock()
				mu.Lock()
				holders--
				mu.Unlock()
				if err := tbl.Release("k", owner); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxSeen)
	}
}
