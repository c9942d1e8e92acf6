package flowstate

import (
	"fmt"
	"sort"
	"strings"
)

// Mermaid renders a machine definition as a Mermaid state diagram.
// Manual transitions are labeled with their event (and guard, when one is
// mapped); trigger transitions are labeled with the trigger kind and its
// source expression. Output is deterministic so it can be committed to docs.
func Mermaid(def MachineDefinition) (string, error) {
	if def.ID == "" {
		return "", fmt.Errorf("flowstate: machine ID must not be empty")
	}
	if def.InitialState == "" {
		return "", fmt.Errorf("flowstate: machine %q has no initial state", def.ID)
	}

	var sb strings.Builder
	sb.WriteString("stateDiagram-v2\n")
	fmt.Fprintf(&sb, "    [*] --> %s\n", def.InitialState)

	names := make([]string, 0, len(def.States))
	for name := range def.States {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		st := def.States[name]

		events := make([]string, 0, len(st.Transitions))
		for event := range st.Transitions {
			events = append(events, event)
		}
		sort.Strings(events)

		for _, event := range events {
			label := event
			if guard, ok := st.Guards[event]; ok {
				label += " [" + guard + "]"
			}
			fmt.Fprintf(&sb, "    %s --> %s: %s\n", name, st.Transitions[event], label)
		}

		for _, trig := range st.Triggers {
			fmt.Fprintf(&sb, "    %s --> %s: %s\n", name, trig.TargetState, triggerLabel(trig))
		}

		if st.Terminal {
			fmt.Fprintf(&sb, "    %s --> [*]\n", name)
		}
	}

	return sb.String(), nil
}

func triggerLabel(trig TriggerDefinition) string {
	var label string
	switch trig.Kind {
	case TriggerEvent:
		label = "event"
		if trig.EventName != "" {
			label += " " + trig.EventName
		}
	case TriggerCron:
		label = "cron " + trig.Schedule
	case TriggerDate:
		label = "deadline " + trig.DeadlineField
	case TriggerFunction:
		label = "when " + trig.Predicate
	default:
		label = string(trig.Kind)
	}
	if trig.Condition != "" {
		label += " [" + trig.Condition + "]"
	}
	return label
}
