package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mkallio/flowstate/internal/persistence"
	"github.com/mkallio/flowstate/pkg/api"
)

func TestAcquireRelease(t *testing.T) {
	store := persistence.NewInMemoryStore()
	mgr := NewManagerWithOwner(store, "w1")
	ctx := context.Background()

	lease, err := mgr.Acquire(ctx, "order", "o-1", time.Second, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Key() != "order:o-1" {
		t.Fatalf("lease key: got %q", lease.Key())
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Idempotent.
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("repeated Release: %v", err)
	}

	// Free again for anyone.
	if _, err := NewManagerWithOwner(store, "w2").Acquire(ctx, "order", "o-1", time.Second, time.Second); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestAcquireTimeout(t *testing.T) {
	store := persistence.NewInMemoryStore()
	ctx := context.Background()

	holder := NewManagerWithOwner(store, "holder")
	if _, err := holder.Acquire(ctx, "order", "o-1", time.Minute, time.Second); err != nil {
		t.Fatalf("holder Acquire: %v", err)
	}

	waiter := NewManagerWithOwner(store, "waiter")
	start := time.Now()
	_, err := waiter.Acquire(ctx, "order", "o-1", time.Minute, 100*time.Millisecond)
	if !api.IsLockTimeout(err) {
		t.Fatalf("contended Acquire: got %v, want LockTimeoutError", err)
	}
	if !api.IsRetriable(err) {
		t.Fatalf("lock timeout should be retriable")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("waited far past the timeout: %v", time.Since(start))
	}
}

func TestAcquireAfterHolderCrash(t *testing.T) {
	store := persistence.NewInMemoryStore()
	ctx := context.Background()

	// The holder takes a short lease and never releases it.
	crashed := NewManagerWithOwner(store, "crashed")
	if _, err := crashed.Acquire(ctx, "order", "o-1", 30*time.Millisecond, time.Second); err != nil {
		t.Fatalf("crashed Acquire: %v", err)
	}

	// A recovering worker just waits out the TTL.
	recovered := NewManagerWithOwner(store, "recovered")
	lease, err := recovered.Acquire(ctx, "order", "o-1", time.Second, time.Second)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	if lease == nil {
		t.Fatalf("expected a lease")
	}
}

func TestStaleReleaseLeavesSuccessorHeld(t *testing.T) {
	store := persistence.NewInMemoryStore()
	ctx := context.Background()

	// One worker acquires twice in a row: the first lease expires unreleased
	// mid-flight, the second is taken fresh on the same key.
	mgr := NewManagerWithOwner(store, "w1")
	stale, err := mgr.Acquire(ctx, "order", "o-1", 30*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	live, err := mgr.Acquire(ctx, "order", "o-1", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if live.Token() == stale.Token() {
		t.Fatalf("acquisitions share a token: %q", live.Token())
	}

	// Releasing the expired lease must not touch the live one.
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale Release: %v", err)
	}
	other := NewManagerWithOwner(store, "w2")
	if _, err := other.Acquire(ctx, "order", "o-1", time.Second, 50*time.Millisecond); !api.IsLockTimeout(err) {
		t.Fatalf("live lease lost to stale release: got %v, want LockTimeoutError", err)
	}

	// The stale lease can no longer renew either.
	if err := stale.Renew(ctx, time.Minute); !errors.Is(err, persistence.ErrNotLockOwner) {
		t.Fatalf("stale Renew: got %v, want ErrNotLockOwner", err)
	}

	if err := live.Release(ctx); err != nil {
		t.Fatalf("live Release: %v", err)
	}
}

func TestAcquireExactlyOne(t *testing.T) {
	store := persistence.NewInMemoryStore()
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr := NewManager(store)
			lease, err := mgr.Acquire(ctx, "order", "o-1", time.Minute, 50*time.Millisecond)
			if err != nil {
				if !api.IsLockTimeout(err) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			winners++
			mu.Unlock()
			_ = lease
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners: got %d, want exactly 1", winners)
	}
}

func TestRenewExtends(t *testing.T) {
	store := persistence.NewInMemoryStore()
	mgr := NewManagerWithOwner(store, "w1")
	ctx := context.Background()

	lease, err := mgr.Acquire(ctx, "order", "o-1", 40*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := lease.Renew(ctx, time.Second); err != nil {
		t.Fatalf("Renew: %v", err)
	}

	// Past the original TTL but inside the renewed one: still held.
	time.Sleep(80 * time.Millisecond)
	other := NewManagerWithOwner(store, "w2")
	if _, err := other.Acquire(ctx, "order", "o-1", time.Second, 50*time.Millisecond); !api.IsLockTimeout(err) {
		t.Fatalf("expected renewed lease to still block, got %v", err)
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	store := persistence.NewInMemoryStore()
	ctx := context.Background()

	holder := NewManagerWithOwner(store, "holder")
	if _, err := holder.Acquire(ctx, "order", "o-1", time.Minute, time.Second); err != nil {
		t.Fatalf("holder Acquire: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := NewManagerWithOwner(store, "w2").Acquire(cctx, "order", "o-1", time.Minute, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Acquire: got %v, want context.Canceled", err)
	}
}
