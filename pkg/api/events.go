package api

import "time"

// TriggerSource records what initiated a transition.
type TriggerSource string

const (
	SourceManual   TriggerSource = "manual"
	SourceEvent    TriggerSource = "event"
	SourceCron     TriggerSource = "cron"
	SourceDate     TriggerSource = "date"
	SourceFunction TriggerSource = "function"
)

// TransitionRecord is the immutable audit record appended once per successful
// transition. Records are partitioned by (MachineID, EntityID) and never
// edited or deleted.
type TransitionRecord struct {
	// ID disambiguates records sharing a timestamp. Assigned by the engine.
	ID string

	MachineID string
	EntityID  string
	From      string
	To        string
	Event     string

	// EventData is a snapshot of the payload that drove the transition.
	EventData map[string]any

	TriggeredBy TriggerSource
	At          time.Time
}

// TransitionResult is returned by Send on success.
type TransitionResult struct {
	MachineID string
	EntityID  string
	From      string
	To        string
	Event     string
	At        time.Time
}

// Notification is published on the transition topic after every successful
// transition.
type Notification struct {
	MachineID string        `json:"machineId"`
	EntityID  string        `json:"entityId"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Event     string        `json:"event"`
	Source    TriggerSource `json:"source"`
	At        time.Time     `json:"at"`
}

// HistoryQuery selects transition records. Zero values mean "no filter".
type HistoryQuery struct {
	Limit int
	From  time.Time
	To    time.Time
}

// Bus topics used by the engine. Event-kind triggers may subscribe to
// arbitrary application topics instead.
const (
	// TopicTransition receives a Notification for every transition.
	TopicTransition = "flowstate.transition"

	// TopicEntityPrefix + machineID receives a Signal whenever an entity's
	// context changes, through UpdateContext or a transition.
	TopicEntityPrefix = "flowstate.entity:"
)

// EntityTopic returns the context-update topic for a machine.
func EntityTopic(machineID string) string {
	return TopicEntityPrefix + machineID
}
