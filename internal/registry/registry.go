// Package registry holds validated machine definitions. Validation is eager:
// a definition with any dangling reference is rejected whole at registration
// time, so nothing can fail lazily mid-transition.
package registry

import (
	"fmt"
	"sync"

	"github.com/mkallio/flowstate/pkg/api"
)

// Registry is a goroutine-safe set of immutable machine definitions.
type Registry struct {
	mu       sync.RWMutex
	machines map[string]api.MachineDefinition
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{machines: make(map[string]api.MachineDefinition)}
}

// Register validates def and installs it. Re-registering an ID fails.
func (r *Registry) Register(def api.MachineDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.machines[def.ID]; exists {
		return &api.ConfigError{MachineID: def.ID, Detail: "machine already registered"}
	}
	r.machines[def.ID] = def
	return nil
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (api.MachineDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.machines[id]
	if !ok {
		return api.MachineDefinition{}, fmt.Errorf("%w: %s", api.ErrMachineNotFound, id)
	}
	return def, nil
}

// All returns every registered definition.
func (r *Registry) All() []api.MachineDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.MachineDefinition, 0, len(r.machines))
	for _, def := range r.machines {
		out = append(out, def)
	}
	return out
}

// Validate checks a definition for internal consistency: the initial state
// exists, every transition and trigger target resolves to a declared state,
// every guard/action/condition/predicate name resolves to a registered
// function, terminal states have no outgoing transitions, and each trigger
// carries its kind-specific fields.
func Validate(def api.MachineDefinition) error {
	fail := func(format string, args ...any) error {
		return &api.ConfigError{MachineID: def.ID, Detail: fmt.Sprintf(format, args...)}
	}

	if def.ID == "" {
		return fail("machine ID is required")
	}
	if len(def.States) == 0 {
		return fail("machine must declare at least one state")
	}
	if def.InitialState == "" {
		return fail("initial state is required")
	}
	if _, ok := def.States[def.InitialState]; !ok {
		return fail("initial state %q is not a declared state", def.InitialState)
	}

	for name, state := range def.States {
		if state.Terminal && len(state.Transitions) > 0 {
			return fail("terminal state %q has outgoing transitions", name)
		}

		for event, target := range state.Transitions {
			if event == "" {
				return fail("state %q has a transition with an empty event name", name)
			}
			if _, ok := def.States[target]; !ok {
				return fail("state %q event %q targets undefined state %q", name, event, target)
			}
		}

		for event, guard := range state.Guards {
			if _, ok := state.Transitions[event]; !ok {
				return fail("state %q guards event %q which has no transition", name, event)
			}
			if _, ok := def.Guards[guard]; !ok {
				return fail("state %q event %q references unregistered guard %q", name, event, guard)
			}
		}

		if state.EntryAction != "" {
			if _, ok := def.Actions[state.EntryAction]; !ok {
				return fail("state %q references unregistered entry action %q", name, state.EntryAction)
			}
		}
		if state.ExitAction != "" {
			if _, ok := def.Actions[state.ExitAction]; !ok {
				return fail("state %q references unregistered exit action %q", name, state.ExitAction)
			}
		}

		for i, trig := range state.Triggers {
			if err := validateTrigger(def, name, i, trig); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateTrigger(def api.MachineDefinition, state string, i int, trig api.TriggerDefinition) error {
	fail := func(format string, args ...any) error {
		detail := fmt.Sprintf("state %q trigger %d: ", state, i) + fmt.Sprintf(format, args...)
		return &api.ConfigError{MachineID: def.ID, Detail: detail}
	}

	if trig.TargetState == "" {
		return fail("target state is required")
	}
	if _, ok := def.States[trig.TargetState]; !ok {
		return fail("targets undefined state %q", trig.TargetState)
	}

	if trig.Condition != "" {
		if _, ok := def.Conditions[trig.Condition]; !ok {
			return fail("references unregistered condition %q", trig.Condition)
		}
	}

	switch trig.Kind {
	case api.TriggerEvent:
		// EventName may be empty: the scheduler defaults to the machine's
		// entity-update topic.
	case api.TriggerCron:
		if trig.Schedule == "" {
			return fail("cron trigger requires a schedule")
		}
	case api.TriggerDate:
		if trig.DeadlineField == "" {
			return fail("date trigger requires a deadline field")
		}
	case api.TriggerFunction:
		if trig.Predicate == "" {
			return fail("function trigger requires a predicate")
		}
		if _, ok := def.Predicates[trig.Predicate]; !ok {
			return fail("references unregistered predicate %q", trig.Predicate)
		}
	default:
		return fail("unknown trigger kind %q", trig.Kind)
	}

	return nil
}
