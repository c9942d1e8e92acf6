package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/mkallio/flowstate/pkg/api"
)

var (
	// ErrRecordNotFound is returned when an entity record does not exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrRecordExists is returned by CreateRecord when the entity already
	// has a record for the machine.
	ErrRecordExists = errors.New("record already exists")

	// ErrVersionConflict is returned by UpdateRecord when the stored version
	// no longer matches the caller's. Under correct locking this indicates a
	// bug or a preempted lease.
	ErrVersionConflict = errors.New("record version conflict")
)

// Record is one entity's durable state: the current machine state, the
// context bag, and an optimistic-concurrency version.
type Record struct {
	MachineID string
	EntityID  string
	State     string
	Context   api.Context
	Version   int64
	UpdatedAt time.Time
}

// RecordStore holds entity records. Implementations must support an
// optimistic version check on update and a state-partitioned scan, which is
// what cron and function triggers use to enumerate entities sitting in a
// state.
type RecordStore interface {
	// CreateRecord inserts a new record with Version 1.
	// Returns ErrRecordExists if the (machine, entity) pair already exists.
	CreateRecord(ctx context.Context, rec *Record) error

	// GetRecord fetches a record. Returns ErrRecordNotFound if absent.
	GetRecord(ctx context.Context, machineID, entityID string) (*Record, error)

	// UpdateRecord persists rec's State and Context if the stored version
	// still equals rec.Version, then bumps the version. Returns
	// ErrVersionConflict otherwise.
	UpdateRecord(ctx context.Context, rec *Record) error

	// ListByState returns records of the machine currently in the given
	// state. limit <= 0 means no limit.
	ListByState(ctx context.Context, machineID, state string, limit int) ([]*Record, error)
}

// LockStore provides the atomic primitives the lease protocol is built on.
// Lease records are only ever created atomically, deleted, or renewed,
// never read-modify-written.
type LockStore interface {
	// CreateIfAbsent atomically creates the lease key with a TTL, storing
	// token as the lease value. Returns false when a live lease already
	// exists. An expired lease counts as absent.
	//
	// The token identifies one acquisition, not one process: the same
	// worker acquiring the same key twice uses two distinct tokens, so a
	// stale release after expiry can never touch the successor lease.
	CreateIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// DeleteKey removes the lease if its value still equals token.
	// Deleting a missing, expired, or re-acquired lease is not an error.
	DeleteKey(ctx context.Context, key, token string) error

	// RenewKey extends the lease if its value still equals token.
	RenewKey(ctx context.Context, key, token string, ttl time.Duration) error
}

// ErrNotLockOwner is returned by RenewKey when the lease is missing, expired,
// or was acquired under a different token.
var ErrNotLockOwner = errors.New("lease not held by owner")

// HistoryStore is the append-only audit log, partitioned by
// (machine, entity). Records are never rewritten.
type HistoryStore interface {
	AppendTransition(ctx context.Context, rec api.TransitionRecord) error

	// ListTransitions returns the entity's records newest first, filtered
	// by q.
	ListTransitions(ctx context.Context, machineID, entityID string, q api.HistoryQuery) ([]api.TransitionRecord, error)
}

// Persistence bundles the three stores so the engine can depend on a single
// abstraction.
type Persistence struct {
	Records RecordStore
	Locks   LockStore
	History HistoryStore
}

// matchesQuery reports whether a record falls inside the query's time range.
// Shared by store implementations that filter client-side.
func matchesQuery(rec api.TransitionRecord, q api.HistoryQuery) bool {
	if !q.From.IsZero() && rec.At.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && rec.At.After(q.To) {
		return false
	}
	return true
}
