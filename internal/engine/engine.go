// Package engine implements the transition engine: the single serialization
// point every manual call and every trigger firing goes through.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mkallio/flowstate/internal/bus"
	"github.com/mkallio/flowstate/internal/lock"
	"github.com/mkallio/flowstate/internal/persistence"
	"github.com/mkallio/flowstate/internal/registry"
	"github.com/mkallio/flowstate/pkg/api"
)

// Defaults for the lease protocol. The TTL bounds how long a crashed holder
// blocks an entity; the timeout bounds how long a caller waits behind a
// healthy one.
const (
	DefaultLockTTL     = 15 * time.Second
	DefaultLockTimeout = 5 * time.Second
)

// Engine executes transitions against a Persistence bundle, serialized per
// entity through the lock manager.
type Engine struct {
	registry *registry.Registry
	records  persistence.RecordStore
	history  persistence.HistoryStore
	locks    *lock.Manager
	bus      bus.Bus
	observer api.Observer

	lockTTL     time.Duration
	lockTimeout time.Duration
}

var _ api.Engine = (*Engine)(nil)

// Config describes how to construct an Engine. Zero-valued fields get
// defaults; Persistence and Bus are required.
type Config struct {
	Persistence persistence.Persistence
	Bus         bus.Bus
	Observer    api.Observer

	// Owner identifies this process on lease records. Empty means a random
	// UUID.
	Owner string

	LockTTL     time.Duration
	LockTimeout time.Duration
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}

	var locks *lock.Manager
	if cfg.Owner != "" {
		locks = lock.NewManagerWithOwner(cfg.Persistence.Locks, cfg.Owner)
	} else {
		locks = lock.NewManager(cfg.Persistence.Locks)
	}

	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	return &Engine{
		registry:    registry.New(),
		records:     cfg.Persistence.Records,
		history:     cfg.Persistence.History,
		locks:       locks,
		bus:         cfg.Bus,
		observer:    obs,
		lockTTL:     ttl,
		lockTimeout: timeout,
	}
}

// NewInMemory returns an Engine backed entirely by in-memory stores and an
// in-memory bus.
func NewInMemory(obs api.Observer) *Engine {
	mem := persistence.NewInMemoryStore()
	return New(Config{
		Persistence: persistence.Persistence{Records: mem, Locks: mem, History: mem},
		Bus:         bus.NewInMemoryBus(),
		Observer:    obs,
	})
}

// NewSQLite returns an Engine persisting records, locks, and history in the
// given SQLite database. The bus stays in-memory: SQLite coordinates
// exclusion and durability, not messaging.
func NewSQLite(db *sql.DB, obs api.Observer) (*Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return New(Config{
		Persistence: persistence.Persistence{Records: store, Locks: store, History: store},
		Bus:         bus.NewInMemoryBus(),
		Observer:    obs,
	}), nil
}

// NewRedis returns an Engine persisting in Redis and using Redis pub/sub as
// the bus, the full multi-process deployment shape.
func NewRedis(client *redis.Client, obs api.Observer) *Engine {
	store := persistence.NewRedisStore(client, "flowstate:")
	return New(Config{
		Persistence: persistence.Persistence{Records: store, Locks: store, History: store},
		Bus:         bus.NewRedisBus(client),
		Observer:    obs,
	})
}

// Registry exposes the engine's definition registry to the trigger
// scheduler and the root package.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Records exposes the record store for state-partitioned trigger scans.
func (e *Engine) Records() persistence.RecordStore { return e.records }

// Bus exposes the engine's bus for trigger subscriptions.
func (e *Engine) Bus() bus.Bus { return e.bus }

// Observer returns the engine's observer.
func (e *Engine) Observer() api.Observer { return e.observer }

func (e *Engine) RegisterMachine(def api.MachineDefinition) error {
	return e.registry.Register(def)
}

func (e *Engine) InitializeEntity(ctx context.Context, machineID, entityID string, initial api.Context) error {
	def, err := e.registry.Get(machineID)
	if err != nil {
		return err
	}

	rec := &persistence.Record{
		MachineID: machineID,
		EntityID:  entityID,
		State:     def.InitialState,
		Context:   initial.Clone(),
	}
	if err := e.records.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, persistence.ErrRecordExists) {
			return fmt.Errorf("%w: %s/%s", api.ErrEntityExists, machineID, entityID)
		}
		return err
	}

	// Announce the birth so event triggers on the initial state can react
	// to the starting context.
	e.publishSignal(ctx, machineID, entityID, def.InitialState, nil, rec.Context)
	return nil
}

func (e *Engine) GetState(ctx context.Context, machineID, entityID string) (string, error) {
	rec, err := e.getRecord(ctx, machineID, entityID)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

func (e *Engine) GetContext(ctx context.Context, machineID, entityID string) (api.Context, error) {
	rec, err := e.getRecord(ctx, machineID, entityID)
	if err != nil {
		return nil, err
	}
	return rec.Context, nil
}

func (e *Engine) CanTransition(ctx context.Context, machineID, entityID, event string) (bool, error) {
	def, err := e.registry.Get(machineID)
	if err != nil {
		return false, err
	}
	rec, err := e.getRecord(ctx, machineID, entityID)
	if err != nil {
		return false, err
	}
	_, ok := def.States[rec.State].Transitions[event]
	return ok, nil
}

func (e *Engine) ValidEvents(ctx context.Context, machineID, entityID string) ([]string, error) {
	def, err := e.registry.Get(machineID)
	if err != nil {
		return nil, err
	}
	rec, err := e.getRecord(ctx, machineID, entityID)
	if err != nil {
		return nil, err
	}

	transitions := def.States[rec.State].Transitions
	events := make([]string, 0, len(transitions))
	for event := range transitions {
		events = append(events, event)
	}
	return events, nil
}

// GetTransitionHistory returns the entity's audit records, newest first.
func (e *Engine) GetTransitionHistory(ctx context.Context, machineID, entityID string, q api.HistoryQuery) ([]api.TransitionRecord, error) {
	return e.history.ListTransitions(ctx, machineID, entityID, q)
}

func (e *Engine) getRecord(ctx context.Context, machineID, entityID string) (*persistence.Record, error) {
	rec, err := e.records.GetRecord(ctx, machineID, entityID)
	if err != nil {
		if errors.Is(err, persistence.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", api.ErrEntityNotFound, machineID, entityID)
		}
		return nil, err
	}
	return rec, nil
}

func (e *Engine) publishSignal(ctx context.Context, machineID, entityID, state string, prior, current api.Context) {
	// Bus publication is fire-and-forget: the transition is already
	// durable, and the bus contract is lossy anyway.
	_ = e.bus.Publish(ctx, api.EntityTopic(machineID), api.Signal{
		MachineID: machineID,
		EntityID:  entityID,
		State:     state,
		Prior:     prior,
		Current:   current,
	})
}

func newRecordID() string {
	return uuid.NewString()
}
