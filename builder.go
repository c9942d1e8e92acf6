package flowstate

import (
	"fmt"
	"time"

	"github.com/mkallio/flowstate/internal/registry"
	"github.com/mkallio/flowstate/pkg/api"
)

// MachineBuilder provides a fluent API for defining state machines:
//
//	order := flowstate.NewMachine("order").
//	    Guard("canShip", canShip).
//	    Action("notifyShipped", notifyShipped).
//	    State("pending").
//	        On("PAY", "paid").
//	    Done().
//	    State("paid").
//	        GuardedOn("SHIP", "shipped", "canShip").
//	    Done().
//	    State("shipped").
//	        Entry("notifyShipped").
//	        On("DELIVER", "delivered").
//	    Done().
//	    State("delivered").Terminal().Done().
//	    Initial("pending")
//
//	if err := order.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
type MachineBuilder struct {
	def api.MachineDefinition
}

// NewMachine creates a builder for the machine with the given ID.
func NewMachine(id string) *MachineBuilder {
	return &MachineBuilder{
		def: api.MachineDefinition{
			ID:         id,
			States:     make(map[string]api.StateDefinition),
			Guards:     make(map[string]api.Guard),
			Actions:    make(map[string]api.Action),
			Conditions: make(map[string]api.Condition),
			Predicates: make(map[string]api.Predicate),
		},
	}
}

// ID returns the machine ID.
func (b *MachineBuilder) ID() string {
	return b.def.ID
}

// Definition returns the underlying MachineDefinition.
// Typically used when interacting with lower-level APIs.
func (b *MachineBuilder) Definition() MachineDefinition {
	return b.def
}

// Initial sets the entity birth state.
func (b *MachineBuilder) Initial(state string) *MachineBuilder {
	b.def.InitialState = state
	return b
}

// Guard registers a named guard function.
func (b *MachineBuilder) Guard(name string, fn Guard) *MachineBuilder {
	if fn == nil {
		panic(fmt.Sprintf("flowstate: guard %q has nil function", name))
	}
	b.def.Guards[name] = fn
	return b
}

// Action registers a named action function.
func (b *MachineBuilder) Action(name string, fn Action) *MachineBuilder {
	if fn == nil {
		panic(fmt.Sprintf("flowstate: action %q has nil function", name))
	}
	b.def.Actions[name] = fn
	return b
}

// Condition registers a named trigger condition.
func (b *MachineBuilder) Condition(name string, fn Condition) *MachineBuilder {
	if fn == nil {
		panic(fmt.Sprintf("flowstate: condition %q has nil function", name))
	}
	b.def.Conditions[name] = fn
	return b
}

// Predicate registers a named function-trigger predicate.
func (b *MachineBuilder) Predicate(name string, fn Predicate) *MachineBuilder {
	if fn == nil {
		panic(fmt.Sprintf("flowstate: predicate %q has nil function", name))
	}
	b.def.Predicates[name] = fn
	return b
}

// State opens a StateBuilder for the named state. Reopening an existing
// state continues editing it.
func (b *MachineBuilder) State(name string) *StateBuilder {
	st, ok := b.def.States[name]
	if !ok {
		st = api.StateDefinition{
			Transitions: make(map[string]string),
			Guards:      make(map[string]string),
		}
	}
	return &StateBuilder{machine: b, name: name, st: st}
}

// Build validates the definition and returns it.
func (b *MachineBuilder) Build() (MachineDefinition, error) {
	if err := registry.Validate(b.def); err != nil {
		return MachineDefinition{}, err
	}
	return b.def, nil
}

// Register validates the built machine and registers it with the engine.
func (b *MachineBuilder) Register(eng Engine) error {
	return eng.RegisterMachine(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *MachineBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(fmt.Sprintf("flowstate: register machine %q: %v", b.def.ID, err))
	}
}

// StateBuilder configures one state of a machine under construction.
type StateBuilder struct {
	machine *MachineBuilder
	name    string
	st      api.StateDefinition
}

// On adds an unguarded transition for the named event.
func (s *StateBuilder) On(event, target string) *StateBuilder {
	s.st.Transitions[event] = target
	return s
}

// GuardedOn adds a transition whose guard must approve before the
// transition commits.
func (s *StateBuilder) GuardedOn(event, target, guard string) *StateBuilder {
	s.st.Transitions[event] = target
	s.st.Guards[event] = guard
	return s
}

// Entry sets the action run after every transition into this state.
func (s *StateBuilder) Entry(action string) *StateBuilder {
	s.st.EntryAction = action
	return s
}

// Exit sets the action run before every transition out of this state.
func (s *StateBuilder) Exit(action string) *StateBuilder {
	s.st.ExitAction = action
	return s
}

// Terminal marks the state as final. Terminal states accept no events.
func (s *StateBuilder) Terminal() *StateBuilder {
	s.st.Terminal = true
	return s
}

// OnEvent attaches an event trigger. An empty eventName subscribes to the
// entity's own context-change signals.
func (s *StateBuilder) OnEvent(eventName, target, condition string) *StateBuilder {
	s.st.Triggers = append(s.st.Triggers, api.TriggerDefinition{
		Kind:        api.TriggerEvent,
		EventName:   eventName,
		TargetState: target,
		Condition:   condition,
	})
	return s
}

// OnCron attaches a cron trigger with the given schedule expression.
func (s *StateBuilder) OnCron(schedule, target, condition string) *StateBuilder {
	s.st.Triggers = append(s.st.Triggers, api.TriggerDefinition{
		Kind:        api.TriggerCron,
		Schedule:    schedule,
		TargetState: target,
		Condition:   condition,
	})
	return s
}

// OnDeadline attaches a date trigger that fires when the named context
// field's deadline passes.
func (s *StateBuilder) OnDeadline(field, target, condition string) *StateBuilder {
	s.st.Triggers = append(s.st.Triggers, api.TriggerDefinition{
		Kind:          api.TriggerDate,
		DeadlineField: field,
		TargetState:   target,
		Condition:     condition,
	})
	return s
}

// OnPredicate attaches a function trigger that polls the named predicate.
// A zero interval uses the scheduler default.
func (s *StateBuilder) OnPredicate(predicate, target string, interval time.Duration) *StateBuilder {
	s.st.Triggers = append(s.st.Triggers, api.TriggerDefinition{
		Kind:         api.TriggerFunction,
		Predicate:    predicate,
		TargetState:  target,
		PollInterval: interval,
	})
	return s
}

// Trigger attaches a fully specified trigger definition.
func (s *StateBuilder) Trigger(t TriggerDefinition) *StateBuilder {
	s.st.Triggers = append(s.st.Triggers, t)
	return s
}

// Done commits the state back into the machine builder.
func (s *StateBuilder) Done() *MachineBuilder {
	s.machine.def.States[s.name] = s.st
	return s.machine
}
