package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mkallio/flowstate/internal/lock"
	"github.com/mkallio/flowstate/internal/persistence"
	"github.com/mkallio/flowstate/pkg/api"
)

// Send applies an event to the entity under its lock. See api.Engine for the
// contract; see executeTransition for the pipeline.
func (e *Engine) Send(ctx context.Context, machineID, entityID, event string, data map[string]any) (*api.TransitionResult, error) {
	def, err := e.registry.Get(machineID)
	if err != nil {
		return nil, err
	}

	lease, err := e.acquire(ctx, machineID, entityID, event)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	rec, err := e.getRecord(ctx, machineID, entityID)
	if err != nil {
		return nil, err
	}

	state := def.States[rec.State]
	target, ok := state.Transitions[event]
	if !ok {
		err := &api.InvalidTransitionError{
			MachineID:    machineID,
			EntityID:     entityID,
			Event:        event,
			CurrentState: rec.State,
		}
		e.observer.OnTransitionFailed(ctx, machineID, entityID, event, err)
		return nil, err
	}

	res, err := e.executeTransition(ctx, def, rec, transitionSpec{
		event:     event,
		target:    target,
		guardName: state.Guards[event],
		data:      data,
		source:    api.SourceManual,
	})
	if err != nil {
		e.observer.OnTransitionFailed(ctx, machineID, entityID, event, err)
		return nil, err
	}
	return res, nil
}

// FireTrigger runs a trigger-initiated transition. The trigger declares its
// target directly, so the event-to-target lookup is bypassed; everything
// else (lock, actions, persistence, audit, notification) is identical to a
// manual Send. The condition was evaluated outside the lock, so the owning
// state is re-checked once the lock is held: a trigger that lost the race
// fails with InvalidTransitionError and changes nothing.
func (e *Engine) FireTrigger(ctx context.Context, machineID, entityID, fromState, target string, source api.TriggerSource, data map[string]any) (*api.TransitionResult, error) {
	def, err := e.registry.Get(machineID)
	if err != nil {
		return nil, err
	}
	if _, ok := def.States[target]; !ok {
		return nil, &api.ConfigError{MachineID: machineID, Detail: fmt.Sprintf("trigger targets undefined state %q", target)}
	}

	lease, err := e.acquire(ctx, machineID, entityID, string(source))
	if err != nil {
		return nil, err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	rec, err := e.getRecord(ctx, machineID, entityID)
	if err != nil {
		return nil, err
	}

	if rec.State != fromState {
		err := &api.InvalidTransitionError{
			MachineID:    machineID,
			EntityID:     entityID,
			Event:        string(source),
			CurrentState: rec.State,
		}
		return nil, err
	}

	res, err := e.executeTransition(ctx, def, rec, transitionSpec{
		event:  string(source),
		target: target,
		data:   data,
		source: source,
	})
	if err != nil {
		e.observer.OnTransitionFailed(ctx, machineID, entityID, string(source), err)
		return nil, err
	}
	return res, nil
}

// UpdateContext patches the entity's context under its lock and publishes
// the change signal event triggers listen for. No state transition, no
// audit record.
func (e *Engine) UpdateContext(ctx context.Context, machineID, entityID string, fields map[string]any) error {
	if _, err := e.registry.Get(machineID); err != nil {
		return err
	}

	lease, err := e.acquire(ctx, machineID, entityID, "")
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	rec, err := e.getRecord(ctx, machineID, entityID)
	if err != nil {
		return err
	}

	prior := rec.Context.Clone()
	if rec.Context == nil {
		rec.Context = make(api.Context, len(fields))
	}
	for k, v := range fields {
		rec.Context[k] = v
	}

	if err := e.records.UpdateRecord(ctx, rec); err != nil {
		if errors.Is(err, persistence.ErrVersionConflict) {
			return &api.ConflictError{MachineID: machineID, EntityID: entityID, CurrentState: rec.State}
		}
		return err
	}

	e.publishSignal(ctx, machineID, entityID, rec.State, prior, rec.Context)
	return nil
}

type transitionSpec struct {
	event     string
	target    string
	guardName string
	data      map[string]any
	source    api.TriggerSource
}

// executeTransition is the guarded pipeline: guard, exit action, entry
// action, persist, audit, notify. The caller holds the entity lock. State
// and audit log are written only after the guard and both actions succeed;
// any earlier failure leaves both untouched.
func (e *Engine) executeTransition(ctx context.Context, def api.MachineDefinition, rec *persistence.Record, spec transitionSpec) (*api.TransitionResult, error) {
	prior := rec.Context.Clone()

	tr := &api.Transition{
		MachineID: rec.MachineID,
		EntityID:  rec.EntityID,
		From:      rec.State,
		To:        spec.target,
		Event:     spec.event,
		EventData: spec.data,
		Context:   rec.Context,
		Handle:    &capabilityHandle{engine: e, machineID: rec.MachineID, entityID: rec.EntityID},
	}
	if tr.Context == nil {
		tr.Context = make(api.Context)
	}

	if spec.guardName != "" {
		guard := def.Guards[spec.guardName]
		ok, gerr := runGuard(ctx, guard, tr)
		if gerr != nil || !ok {
			reason := "guard returned false"
			if gerr != nil {
				reason = gerr.Error()
			}
			return nil, &api.GuardRejectedError{
				MachineID:    rec.MachineID,
				EntityID:     rec.EntityID,
				Event:        spec.event,
				CurrentState: rec.State,
				Guard:        spec.guardName,
				Reason:       reason,
			}
		}
	}

	fromState := def.States[rec.State]
	targetState := def.States[spec.target]

	if fromState.ExitAction != "" {
		if err := def.Actions[fromState.ExitAction](ctx, tr); err != nil {
			return nil, &api.ActionExecutionError{
				MachineID:    rec.MachineID,
				EntityID:     rec.EntityID,
				Event:        spec.event,
				CurrentState: rec.State,
				Action:       fromState.ExitAction,
				Err:          err,
			}
		}
	}
	if targetState.EntryAction != "" {
		if err := def.Actions[targetState.EntryAction](ctx, tr); err != nil {
			return nil, &api.ActionExecutionError{
				MachineID:    rec.MachineID,
				EntityID:     rec.EntityID,
				Event:        spec.event,
				CurrentState: rec.State,
				Action:       targetState.EntryAction,
				Err:          err,
			}
		}
	}

	from := rec.State
	rec.State = spec.target
	rec.Context = tr.Context
	if err := e.records.UpdateRecord(ctx, rec); err != nil {
		rec.State = from
		if errors.Is(err, persistence.ErrVersionConflict) {
			return nil, &api.ConflictError{
				MachineID:    rec.MachineID,
				EntityID:     rec.EntityID,
				Event:        spec.event,
				CurrentState: from,
			}
		}
		return nil, err
	}

	now := time.Now()
	record := api.TransitionRecord{
		ID:          newRecordID(),
		MachineID:   rec.MachineID,
		EntityID:    rec.EntityID,
		From:        from,
		To:          spec.target,
		Event:       spec.event,
		EventData:   spec.data,
		TriggeredBy: spec.source,
		At:          now,
	}
	if err := e.history.AppendTransition(ctx, record); err != nil {
		return nil, fmt.Errorf("append transition record: %w", err)
	}

	_ = e.bus.Publish(ctx, api.TopicTransition, api.Notification{
		MachineID: rec.MachineID,
		EntityID:  rec.EntityID,
		From:      from,
		To:        spec.target,
		Event:     spec.event,
		Source:    spec.source,
		At:        now,
	})
	e.publishSignal(ctx, rec.MachineID, rec.EntityID, rec.State, prior, rec.Context)

	e.observer.OnTransition(ctx, record)

	return &api.TransitionResult{
		MachineID: rec.MachineID,
		EntityID:  rec.EntityID,
		From:      from,
		To:        spec.target,
		Event:     spec.event,
		At:        now,
	}, nil
}

// runGuard converts a guard panic into a rejection rather than letting it
// tear down the worker; a panicking guard and a false guard mean the same
// thing to the caller.
func runGuard(ctx context.Context, guard api.Guard, tr *api.Transition) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("guard panicked: %v", r)
		}
	}()
	return guard(ctx, tr)
}

func (e *Engine) acquire(ctx context.Context, machineID, entityID, event string) (*lock.Lease, error) {
	start := time.Now()
	l, err := e.locks.Acquire(ctx, machineID, entityID, e.lockTTL, e.lockTimeout)
	if err != nil {
		var lt *api.LockTimeoutError
		if errors.As(err, &lt) {
			lt.Event = event
			e.observer.OnLockTimeout(ctx, machineID, entityID)
		}
		return nil, err
	}
	e.observer.OnLockAcquired(ctx, machineID, entityID, time.Since(start))
	return l, nil
}

// capabilityHandle is the narrow handle passed to guards and actions. It
// exposes record reads, cross-entity patches, and bus publication, nothing
// else of the engine.
type capabilityHandle struct {
	engine    *Engine
	machineID string
	entityID  string
}

var _ api.Handle = (*capabilityHandle)(nil)

func (h *capabilityHandle) GetRecord(ctx context.Context, machineID, entityID string) (string, api.Context, error) {
	rec, err := h.engine.getRecord(ctx, machineID, entityID)
	if err != nil {
		return "", nil, err
	}
	return rec.State, rec.Context, nil
}

func (h *capabilityHandle) UpdateFields(ctx context.Context, machineID, entityID string, fields map[string]any) error {
	if machineID == h.machineID && entityID == h.entityID {
		return errors.New("the entity being transitioned must be mutated through the transition context, not the handle")
	}
	return h.engine.UpdateContext(ctx, machineID, entityID, fields)
}

func (h *capabilityHandle) Publish(ctx context.Context, topic string, payload any) error {
	return h.engine.bus.Publish(ctx, topic, payload)
}
