package flowstate

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkallio/flowstate/internal/engine"
	"github.com/mkallio/flowstate/internal/registry"
	"github.com/mkallio/flowstate/internal/trigger"
	"github.com/mkallio/flowstate/pkg/api"
	"github.com/mkallio/flowstate/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine            = api.Engine
	MachineDefinition = api.MachineDefinition
	StateDefinition   = api.StateDefinition
	TriggerDefinition = api.TriggerDefinition
	TriggerKind       = api.TriggerKind
	TriggerSource     = api.TriggerSource
	Context           = api.Context
	Transition        = api.Transition
	TransitionRecord  = api.TransitionRecord
	TransitionResult  = api.TransitionResult
	HistoryQuery      = api.HistoryQuery
	Signal            = api.Signal
	Guard             = api.Guard
	Action            = api.Action
	Condition         = api.Condition
	Predicate         = api.Predicate
	Handle            = api.Handle
	Observer          = api.Observer
	NoopObserver      = api.NoopObserver
	LoggingObserver   = api.LoggingObserver
	MetricsObserver   = api.MetricsObserver
	CompositeObserver = api.CompositeObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewMetricsObserver   = api.NewMetricsObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export trigger kinds and sources for convenience.

const (
	TriggerEvent    = api.TriggerEvent
	TriggerCron     = api.TriggerCron
	TriggerDate     = api.TriggerDate
	TriggerFunction = api.TriggerFunction

	SourceManual   = api.SourceManual
	SourceEvent    = api.SourceEvent
	SourceCron     = api.SourceCron
	SourceDate     = api.SourceDate
	SourceFunction = api.SourceFunction
)

// Engine constructors. These wrap the internal/engine package so external
// callers never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
// Suitable for tests and single-process deployments.
func NewInMemoryEngine() Engine {
	return engine.NewInMemory(nil)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given
// Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.NewInMemory(obs)
}

// NewSQLiteEngine returns an Engine that persists entity records, leases,
// and the audit log in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLite(db, nil)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given
// Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return engine.NewSQLite(db, obs)
}

// NewRedisEngine returns an Engine that persists in Redis and uses Redis
// pub/sub as its notification bus. This is the multi-process deployment
// shape: engines in separate processes sharing one Redis coordinate purely
// through it.
func NewRedisEngine(client *redis.Client) Engine {
	return engine.NewRedis(client, nil)
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given
// Observer.
func NewRedisEngineWithObserver(client *redis.Client, obs Observer) Engine {
	return engine.NewRedis(client, obs)
}

// LoadMachineYAML parses a declarative machine document and binds its named
// guard/action/condition/predicate references against the given functions.
// The returned definition is validated and ready to register.
func LoadMachineYAML(data []byte, b YAMLBinding) (MachineDefinition, error) {
	return registry.LoadYAML(data, registry.Binding(b))
}

// YAMLBinding supplies the Go functions a YAML machine document references
// by name.
type YAMLBinding struct {
	Guards     map[string]Guard
	Actions    map[string]Action
	Conditions map[string]Condition
	Predicates map[string]Predicate
}

// ChildEntityID derives the entity ID of a child machine instance owned by
// a parent entity.
func ChildEntityID(parentEntityID, childID string) string {
	return api.ChildEntityID(parentEntityID, childID)
}

// Runner bundles an Engine with a trigger Worker so a process can register
// machines, serve manual calls, and run automatic triggers with one object.
//
//	runner, _ := flowstate.NewRunner(flowstate.NewInMemoryEngine(), flowstate.RunnerConfig{})
//	_ = runner.Engine.RegisterMachine(def)
//	_ = runner.Start(ctx)
//	defer runner.Stop()
type Runner struct {
	Engine Engine
	Worker *worker.Worker
}

// RunnerConfig configures a Runner's trigger scheduling.
type RunnerConfig struct {
	// WorkerID is the stable worker identity. Empty means a random UUID.
	WorkerID string

	// PoolSize bounds concurrent trigger evaluations. Zero means the
	// scheduler default.
	PoolSize int

	// DateScanInterval and DefaultPollInterval tune the polling trigger
	// kinds. Zero means the scheduler defaults.
	DateScanInterval    time.Duration
	DefaultPollInterval time.Duration
}

// NewRunner wraps an engine created by one of this package's constructors.
// Engines constructed elsewhere are not supported.
func NewRunner(eng Engine, cfg RunnerConfig) (*Runner, error) {
	impl, ok := eng.(*engine.Engine)
	if !ok {
		return nil, errors.New("flowstate: engine was not constructed by this package")
	}

	sched := trigger.New(trigger.Config{
		Registry:            impl.Registry(),
		Records:             impl.Records(),
		Bus:                 impl.Bus(),
		Engine:              impl,
		Observer:            impl.Observer(),
		PoolSize:            cfg.PoolSize,
		DateScanInterval:    cfg.DateScanInterval,
		DefaultPollInterval: cfg.DefaultPollInterval,
	})

	return &Runner{
		Engine: eng,
		Worker: worker.New(sched, worker.Config{ID: cfg.WorkerID}),
	}, nil
}

// Start launches trigger scheduling.
func (r *Runner) Start(ctx context.Context) error {
	return r.Worker.Start(ctx)
}

// Stop shuts trigger scheduling down.
func (r *Runner) Stop() {
	r.Worker.Stop()
}
