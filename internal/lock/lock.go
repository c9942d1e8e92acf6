// Package lock implements distributed, lease-based mutual exclusion keyed by
// (machine, entity). All locking state lives in the shared store as
// short-lived, atomically created records with a TTL; no process ever
// assumes it is the sole holder of in-memory lock state, so a crashed
// holder is recovered purely by lease expiry.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mkallio/flowstate/internal/persistence"
	"github.com/mkallio/flowstate/pkg/api"
)

// Default acquisition backoff. The wait starts small and doubles up to the
// cap so contended entities don't hammer the store.
const (
	defaultInitialBackoff = 10 * time.Millisecond
	defaultMaxBackoff     = 250 * time.Millisecond
)

// Manager acquires and releases entity leases against a LockStore. One
// Manager represents one owner (typically one worker process). The owner ID
// identifies the worker in logs; lease records carry a per-acquisition token.
type Manager struct {
	store   persistence.LockStore
	owner   string
	initial time.Duration
	max     time.Duration
}

// NewManager creates a Manager with a random owner ID.
func NewManager(store persistence.LockStore) *Manager {
	return NewManagerWithOwner(store, uuid.NewString())
}

// NewManagerWithOwner creates a Manager with an explicit owner ID, which is
// useful when the caller already has a stable worker identity.
func NewManagerWithOwner(store persistence.LockStore, owner string) *Manager {
	return &Manager{
		store:   store,
		owner:   owner,
		initial: defaultInitialBackoff,
		max:     defaultMaxBackoff,
	}
}

// Owner returns the manager's owner ID.
func (m *Manager) Owner() string { return m.owner }

// Lease is a held lock. It never outlives one transition attempt: acquire,
// optionally renew, then release.
//
// Each acquisition carries its own fencing token as the stored lease value.
// The token, not the manager's owner ID, is what Release and Renew match on,
// so releasing a lease that expired and was re-acquired cannot delete the
// successor, even when the same worker holds both.
type Lease struct {
	mgr       *Manager
	key       string
	token     string
	ExpiresAt time.Time
}

// Key returns the lease's store key.
func (l *Lease) Key() string { return l.key }

// Token returns the acquisition's fencing token.
func (l *Lease) Token() string { return l.token }

// LeaseKey builds the store key for an entity lock.
func LeaseKey(machineID, entityID string) string {
	return machineID + ":" + entityID
}

// Acquire obtains the lease for (machineID, entityID), polling with
// exponential backoff until timeout. On timeout it returns a retriable
// LockTimeoutError and has performed no side effects.
func (m *Manager) Acquire(ctx context.Context, machineID, entityID string, ttl, timeout time.Duration) (*Lease, error) {
	key := LeaseKey(machineID, entityID)
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)
	backoff := m.initial

	for {
		ok, err := m.store.CreateIfAbsent(ctx, key, token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lease{mgr: m, key: key, token: token, ExpiresAt: time.Now().Add(ttl)}, nil
		}

		if time.Now().Add(backoff).After(deadline) {
			return nil, &api.LockTimeoutError{
				MachineID: machineID,
				EntityID:  entityID,
				Waited:    timeout,
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > m.max {
			backoff = m.max
		}
	}
}

// Release deletes the lease. Safe to call after natural expiry; releasing a
// lease anyone has since acquired, this worker included, is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	return l.mgr.store.DeleteKey(ctx, l.key, l.token)
}

// Renew extends the lease by ttl. It is the extension point for transitions
// whose actions may outlive the original TTL; the engine does not call it
// automatically.
func (l *Lease) Renew(ctx context.Context, ttl time.Duration) error {
	if err := l.mgr.store.RenewKey(ctx, l.key, l.token, ttl); err != nil {
		return err
	}
	l.ExpiresAt = time.Now().Add(ttl)
	return nil
}
