package api

import (
	"context"
	"time"
)

// Context is the mutable per-entity data bag carried across transitions.
// Values must be gob-encodable when a persistent store backend is used.
type Context map[string]any

// Clone returns a shallow copy of the context. Nested maps and slices are
// shared with the original.
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Guard decides whether an event-driven transition may proceed. Returning
// false or an error rejects the transition; the error message becomes the
// rejection reason shown to callers.
type Guard func(ctx context.Context, t *Transition) (bool, error)

// Action is a side-effecting function run on state exit or entry. It may
// mutate t.Context and call out through t.Handle. An error aborts the
// transition before any state is persisted; external side effects already
// performed by the action are NOT rolled back (actions should be idempotent
// or safely re-runnable).
type Action func(ctx context.Context, t *Transition) error

// Condition gates a declared trigger. It receives the signal that woke the
// trigger, including the entity's prior and current context where available.
//
// Signals delivered through the bus have been through a JSON round trip, so
// numeric context fields arrive as float64 regardless of how they were
// written; a condition asserting `.(int)` on them never fires.
type Condition func(ctx context.Context, sig Signal) (bool, error)

// Predicate backs function-kind triggers: it is polled against the entity's
// current context and fires the trigger on its first true return.
type Predicate func(ctx context.Context, entityCtx Context) (bool, error)

// Handle exposes the narrow storage and messaging capabilities available to
// guards and actions. It deliberately hides the engine's internals: actions
// read or patch other entities' records and publish application events, and
// nothing else.
type Handle interface {
	// GetRecord reads another entity's current state and context.
	GetRecord(ctx context.Context, machineID, entityID string) (string, Context, error)

	// UpdateFields patches fields on another entity's context. The entity
	// being transitioned must not be patched through the handle; its context
	// is mutated directly on the Transition.
	UpdateFields(ctx context.Context, machineID, entityID string, fields map[string]any) error

	// Publish emits an application-level event on the bus.
	Publish(ctx context.Context, topic string, payload any) error
}

// Transition is the in-flight view passed to guards and actions.
type Transition struct {
	MachineID string
	EntityID  string
	From      string
	To        string
	Event     string

	// EventData is the payload supplied by the caller or trigger.
	EventData map[string]any

	// Context is the entity's mutable context. Changes made by actions are
	// persisted together with the new state.
	Context Context

	Handle Handle
}

// TriggerKind enumerates the supported automatic transition sources.
type TriggerKind string

const (
	TriggerEvent    TriggerKind = "event"
	TriggerCron     TriggerKind = "cron"
	TriggerDate     TriggerKind = "date"
	TriggerFunction TriggerKind = "function"
)

// TriggerDefinition declares a condition-driven automatic transition out of
// the owning state. All kinds funnel through the same per-entity lock as a
// manual Send, so trigger-driven and manual transitions never race.
type TriggerDefinition struct {
	Kind        TriggerKind `yaml:"kind"`
	TargetState string      `yaml:"target"`

	// Condition names a Condition in the machine definition. Empty means the
	// trigger fires unconditionally once its kind-specific wake-up occurs.
	// Function-kind triggers use Predicate instead.
	Condition string `yaml:"condition,omitempty"`

	// EventName is the bus topic an event-kind trigger subscribes to.
	// Empty means the engine's own entity-update topic for the machine.
	EventName string `yaml:"event,omitempty"`

	// Schedule is the cron expression for cron-kind triggers. Supports a
	// five-field expression or "@every <duration>".
	Schedule string `yaml:"schedule,omitempty"`

	// DeadlineField names the context field holding the deadline timestamp
	// for date-kind triggers. The field may hold a time.Time, RFC 3339
	// string, or Unix seconds.
	DeadlineField string `yaml:"deadlineField,omitempty"`

	// Predicate names a Predicate for function-kind triggers.
	Predicate string `yaml:"predicate,omitempty"`

	// PollInterval is how often function-kind triggers evaluate their
	// predicate. Zero means the runtime default.
	PollInterval time.Duration `yaml:"pollInterval,omitempty"`
}

// StateDefinition describes one state of a machine.
type StateDefinition struct {
	// Transitions maps event name to target state name.
	Transitions map[string]string

	// Guards maps event name to the name of a Guard gating that event.
	Guards map[string]string

	// EntryAction and ExitAction name Actions run when the state is entered
	// or left. Empty means none.
	EntryAction string
	ExitAction  string

	Triggers []TriggerDefinition

	// Terminal states end the workflow; their transition map must be empty.
	Terminal bool
}

// MachineDefinition is the immutable, validated specification of one machine.
// Every transition target and every guard/action/condition/predicate name
// must resolve within the definition; the registry checks this eagerly at
// registration time so a dangling reference fails the whole machine load
// instead of an individual transition.
type MachineDefinition struct {
	ID           string
	InitialState string
	States       map[string]StateDefinition

	Guards     map[string]Guard
	Actions    map[string]Action
	Conditions map[string]Condition
	Predicates map[string]Predicate
}

// Signal is what a trigger condition is evaluated against.
type Signal struct {
	MachineID string
	EntityID  string

	// State is the entity's state at the time the signal was produced.
	State string

	// Prior and Current are the entity context before and after the change
	// that produced the signal. Cron, date and function wake-ups carry only
	// Current.
	Prior   Context
	Current Context

	// Payload is the raw event payload for externally published events.
	Payload map[string]any
}

// ChildEntityID derives the entity ID for a child machine instance owned by
// a parent entity. Composed workflows reference children by this ID instead
// of embedding machine instances in each other.
func ChildEntityID(parentEntityID, childID string) string {
	return parentEntityID + "/" + childID
}
