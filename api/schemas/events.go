package schemas

import (
	"encoding/json"
	"time"
)

// -- Run Lifecycle Events --

// EventType classifies a single record in a run's event history.
type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventStateChange      EventType = "state_change"
	EventObservation      EventType = "observation"
	EventPerceptionMerged EventType = "perception_merged"
	EventPerceptionGap    EventType = "perception_gap"
	EventDecision         EventType = "decision"
	EventConstraintReject EventType = "constraint_reject"
	EventActionDispatched EventType = "action_dispatched"
	EventActionFailure    EventType = "action_failure"
	EventRunFinished      EventType = "run_finished"
)

// Event is one structured record emitted to the tracking sink. Events for a
// run carry a monotonically increasing sequence number; the pair
// (RunID, Seq) is unique.
type Event struct {
	ID      string          `json:"id"`
	RunID   string          `json:"run_id"`
	Seq     uint64          `json:"seq"`
	Type    EventType       `json:"type"`
	At      time.Time       `json:"at"`
	State   RunState        `json:"state"`
	Action  *Action         `json:"action,omitempty"`
	Note    string          `json:"note,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
