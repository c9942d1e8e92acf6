package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mkallio/flowstate/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of RecordStore, LockStore,
// and HistoryStore backed by maps. It gives a single-process engine the same
// semantics as the remote backends, which is what the engine and trigger
// tests run against.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]*Record
	locks   map[string]memLease
	history map[recordKey][]api.TransitionRecord
}

type recordKey struct {
	machineID string
	entityID  string
}

type memLease struct {
	token     string
	expiresAt time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[recordKey]*Record),
		locks:   make(map[string]memLease),
		history: make(map[recordKey][]api.TransitionRecord),
	}
}

var (
	_ RecordStore  = (*InMemoryStore)(nil)
	_ LockStore    = (*InMemoryStore)(nil)
	_ HistoryStore = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) CreateRecord(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{rec.MachineID, rec.EntityID}
	if _, ok := s.records[key]; ok {
		return ErrRecordExists
	}

	stored := *rec
	stored.Context = rec.Context.Clone()
	stored.Version = 1
	stored.UpdatedAt = time.Now()
	s.records[key] = &stored

	rec.Version = stored.Version
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *InMemoryStore) GetRecord(ctx context.Context, machineID, entityID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.records[recordKey{machineID, entityID}]
	if !ok {
		return nil, ErrRecordNotFound
	}

	out := *stored
	out.Context = stored.Context.Clone()
	return &out, nil
}

func (s *InMemoryStore) UpdateRecord(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{rec.MachineID, rec.EntityID}
	stored, ok := s.records[key]
	if !ok {
		return ErrRecordNotFound
	}
	if stored.Version != rec.Version {
		return ErrVersionConflict
	}

	stored.State = rec.State
	stored.Context = rec.Context.Clone()
	stored.Version++
	stored.UpdatedAt = time.Now()

	rec.Version = stored.Version
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *InMemoryStore) ListByState(ctx context.Context, machineID, state string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for key, stored := range s.records {
		if key.machineID != machineID || stored.State != state {
			continue
		}
		cp := *stored
		cp.Context = stored.Context.Clone()
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if cur, ok := s.locks[key]; ok && cur.expiresAt.After(now) {
		return false, nil
	}
	s.locks[key] = memLease{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) DeleteKey(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.locks[key]; ok && cur.token == token {
		delete(s.locks, key)
	}
	return nil
}

func (s *InMemoryStore) RenewKey(ctx context.Context, key, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[key]
	if !ok || cur.token != token || !cur.expiresAt.After(time.Now()) {
		return ErrNotLockOwner
	}
	cur.expiresAt = time.Now().Add(ttl)
	s.locks[key] = cur
	return nil
}

func (s *InMemoryStore) AppendTransition(ctx context.Context, rec api.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{rec.MachineID, rec.EntityID}
	s.history[key] = append(s.history[key], rec)
	return nil
}

func (s *InMemoryStore) ListTransitions(ctx context.Context, machineID, entityID string, q api.HistoryQuery) ([]api.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.history[recordKey{machineID, entityID}]

	out := make([]api.TransitionRecord, 0, len(stored))
	for _, rec := range stored {
		if matchesQuery(rec, q) {
			out = append(out, rec)
		}
	}

	// Newest first. Appends are chronological, so a stable reverse sort
	// keeps same-timestamp records in insertion order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].At.After(out[j].At)
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
