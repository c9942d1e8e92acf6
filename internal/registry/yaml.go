package registry

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkallio/flowstate/pkg/api"
)

// Binding supplies the Go functions a YAML machine document references by
// name. Validation of the assembled definition catches any name the
// document uses that the binding does not provide.
type Binding struct {
	Guards     map[string]api.Guard
	Actions    map[string]api.Action
	Conditions map[string]api.Condition
	Predicates map[string]api.Predicate
}

// yamlMachine is the document shape:
//
//	id: order
//	initial: pending
//	states:
//	  pending:
//	    on:
//	      PAY: paid
//	    guards:
//	      PAY: canPay
//	    entry: notifyCreated
//	    triggers:
//	      - kind: event
//	        target: processing
//	        condition: paymentConfirmed
//	  delivered:
//	    terminal: true
type yamlMachine struct {
	ID      string               `yaml:"id"`
	Initial string               `yaml:"initial"`
	States  map[string]yamlState `yaml:"states"`
}

type yamlState struct {
	On       map[string]string `yaml:"on"`
	Guards   map[string]string `yaml:"guards"`
	Entry    string            `yaml:"entry"`
	Exit     string            `yaml:"exit"`
	Terminal bool              `yaml:"terminal"`
	Triggers []yamlTrigger     `yaml:"triggers"`
}

type yamlTrigger struct {
	Kind          string `yaml:"kind"`
	Target        string `yaml:"target"`
	Condition     string `yaml:"condition"`
	Event         string `yaml:"event"`
	Schedule      string `yaml:"schedule"`
	DeadlineField string `yaml:"deadlineField"`
	Predicate     string `yaml:"predicate"`
	PollInterval  string `yaml:"pollInterval"`
}

// LoadYAML parses a machine document, binds its named references against b,
// and returns the validated definition.
func LoadYAML(data []byte, b Binding) (api.MachineDefinition, error) {
	var doc yamlMachine
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return api.MachineDefinition{}, fmt.Errorf("parse machine document: %w", err)
	}

	def := api.MachineDefinition{
		ID:           doc.ID,
		InitialState: doc.Initial,
		States:       make(map[string]api.StateDefinition, len(doc.States)),
		Guards:       b.Guards,
		Actions:      b.Actions,
		Conditions:   b.Conditions,
		Predicates:   b.Predicates,
	}

	for name, ys := range doc.States {
		state := api.StateDefinition{
			Transitions: ys.On,
			Guards:      ys.Guards,
			EntryAction: ys.Entry,
			ExitAction:  ys.Exit,
			Terminal:    ys.Terminal,
		}

		for i, yt := range ys.Triggers {
			trig := api.TriggerDefinition{
				Kind:          api.TriggerKind(yt.Kind),
				TargetState:   yt.Target,
				Condition:     yt.Condition,
				EventName:     yt.Event,
				Schedule:      yt.Schedule,
				DeadlineField: yt.DeadlineField,
				Predicate:     yt.Predicate,
			}
			if yt.PollInterval != "" {
				d, err := time.ParseDuration(yt.PollInterval)
				if err != nil {
					return api.MachineDefinition{}, &api.ConfigError{
						MachineID: doc.ID,
						Detail:    fmt.Sprintf("state %q trigger %d: bad pollInterval %q", name, i, yt.PollInterval),
					}
				}
				trig.PollInterval = d
			}
			state.Triggers = append(state.Triggers, trig)
		}

		def.States[name] = state
	}

	if err := Validate(def); err != nil {
		return api.MachineDefinition{}, err
	}
	return def, nil
}
