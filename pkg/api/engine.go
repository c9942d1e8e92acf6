package api

import "context"

// Engine is the public surface of the transition engine.
//
// All state-mutating operations serialize per entity through a lease held in
// the shared store, so multiple independent worker processes may call into
// engines backed by the same store concurrently. Transitions on different
// entities proceed fully in parallel.
type Engine interface {
	// RegisterMachine validates and installs a machine definition.
	// Definitions are immutable once registered; a dangling state, guard,
	// action, condition, or predicate reference fails with a ConfigError.
	RegisterMachine(def MachineDefinition) error

	// InitializeEntity creates the entity's record in the machine's initial
	// state with the given starting context.
	InitializeEntity(ctx context.Context, machineID, entityID string, initial Context) error

	// Send applies an event to the entity: resolves the target state,
	// evaluates the guard, runs exit and entry actions, persists the new
	// state and context, appends an audit record, and publishes a
	// transition notification, all while holding the entity's lock.
	//
	// Failure modes: InvalidTransitionError, GuardRejectedError,
	// ActionExecutionError (state untouched in all three), LockTimeoutError
	// (retriable, no side effects), ConflictError.
	Send(ctx context.Context, machineID, entityID, event string, data map[string]any) (*TransitionResult, error)

	// GetState returns the entity's current state name. The returned value
	// is always a key of the owning machine's state map.
	GetState(ctx context.Context, machineID, entityID string) (string, error)

	// CanTransition reports whether the current state maps the event.
	// Guards are not evaluated.
	CanTransition(ctx context.Context, machineID, entityID, event string) (bool, error)

	// ValidEvents returns the events mapped from the entity's current state.
	// Terminal states return an empty slice.
	ValidEvents(ctx context.Context, machineID, entityID string) ([]string, error)

	// GetTransitionHistory returns the entity's transition records,
	// newest first.
	GetTransitionHistory(ctx context.Context, machineID, entityID string, q HistoryQuery) ([]TransitionRecord, error)

	// GetContext returns a copy of the entity's current context.
	GetContext(ctx context.Context, machineID, entityID string) (Context, error)

	// UpdateContext patches fields on the entity's context under the
	// entity's lock and publishes a context-change signal carrying the
	// prior and new context, which is what event-kind triggers listen for.
	// It does not transition state and appends no audit record.
	UpdateContext(ctx context.Context, machineID, entityID string, fields map[string]any) error
}
