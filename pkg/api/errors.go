package api

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMachineNotFound is returned when no machine with the given ID is
	// registered.
	ErrMachineNotFound = errors.New("machine not found")

	// ErrEntityNotFound is returned when an entity has not been initialized
	// for the machine.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrEntityExists is returned by InitializeEntity when the entity already
	// has a record for the machine.
	ErrEntityExists = errors.New("entity already initialized")
)

// ConfigError reports an invalid machine definition: a missing initial state,
// a transition pointing at an undefined state, or a guard/action/condition/
// predicate name with no registered implementation. It is raised at
// registration time, never mid-transition, and should fail application
// startup.
type ConfigError struct {
	MachineID string
	Detail    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("machine %q: invalid definition: %s", e.MachineID, e.Detail)
}

// InvalidTransitionError reports that the event has no mapping from the
// entity's current state. It is a terminal business error; re-sending the
// same event after the state has moved is re-evaluated against the new state
// and typically fails with this error again.
type InvalidTransitionError struct {
	MachineID    string
	EntityID     string
	Event        string
	CurrentState string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("machine %q entity %q: no transition for event %q from state %q",
		e.MachineID, e.EntityID, e.Event, e.CurrentState)
}

// GuardRejectedError reports that a guard vetoed the transition. Reason is
// human-readable and safe to surface to end users.
type GuardRejectedError struct {
	MachineID    string
	EntityID     string
	Event        string
	CurrentState string
	Guard        string
	Reason       string
}

func (e *GuardRejectedError) Error() string {
	return fmt.Sprintf("machine %q entity %q: guard %q rejected event %q in state %q: %s",
		e.MachineID, e.EntityID, e.Guard, e.Event, e.CurrentState, e.Reason)
}

// LockTimeoutError reports that the entity's lock could not be acquired
// within the configured wait window. It is transient: callers should back
// off and retry.
type LockTimeoutError struct {
	MachineID string
	EntityID  string

	// Event is the event or trigger source whose delivery timed out. Empty
	// when the timeout happened outside event delivery, e.g. a context patch.
	Event string

	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("machine %q entity %q: lock not acquired within %s for event %q",
			e.MachineID, e.EntityID, e.Waited, e.Event)
	}
	return fmt.Sprintf("machine %q entity %q: lock not acquired within %s",
		e.MachineID, e.EntityID, e.Waited)
}

// ActionExecutionError wraps an error returned by a user-supplied entry or
// exit action. The transition is aborted with no state mutation, but side
// effects the action performed before failing remain visible.
type ActionExecutionError struct {
	MachineID    string
	EntityID     string
	Event        string
	CurrentState string
	Action       string
	Err          error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("machine %q entity %q: action %q failed during event %q from state %q: %v",
		e.MachineID, e.EntityID, e.Action, e.Event, e.CurrentState, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// ConflictError reports that the store's optimistic version check failed
// while persisting a transition. Under correct locking this should not
// occur; seeing one usually means a lease expired mid-transition.
type ConflictError struct {
	MachineID string
	EntityID  string

	// Event and CurrentState describe the transition whose persist lost the
	// version check. Event is empty for conflicts on context patches.
	Event        string
	CurrentState string
}

func (e *ConflictError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("machine %q entity %q: record version conflict persisting event %q from state %q",
			e.MachineID, e.EntityID, e.Event, e.CurrentState)
	}
	return fmt.Sprintf("machine %q entity %q: record version conflict", e.MachineID, e.EntityID)
}

func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

func IsGuardRejected(err error) bool {
	var e *GuardRejectedError
	return errors.As(err, &e)
}

func IsLockTimeout(err error) bool {
	var e *LockTimeoutError
	return errors.As(err, &e)
}

func IsConfigError(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}

// IsRetriable reports whether the caller may retry the call as-is. Only lock
// timeouts and store version conflicts are retriable; business errors are
// not.
func IsRetriable(err error) bool {
	var lt *LockTimeoutError
	var cf *ConflictError
	return errors.As(err, &lt) || errors.As(err, &cf)
}
