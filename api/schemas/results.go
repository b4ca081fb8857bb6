package schemas

import "time"

// -- Run State Machine --

// RunState is a state of the action-perception loop engine.
type RunState string

const (
	StateIdle                  RunState = "idle"
	StateObserving             RunState = "observing"
	StatePerceiving            RunState = "perceiving"
	StateDeciding              RunState = "deciding"
	StateValidating            RunState = "validating"
	StateActing                RunState = "acting"
	StateAwaitingPostcondition RunState = "awaiting_postcondition"
	StateCompleted             RunState = "completed"
	StateFaulted               RunState = "faulted"
	StateCancelled             RunState = "cancelled"
)

// Terminal reports whether the state ends a run.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFaulted || s == StateCancelled
}

// FaultReason says why a run ended in StateFaulted. Only faulted runs carry
// a reason.
type FaultReason string

const (
	FaultNone         FaultReason = ""
	FaultTransport    FaultReason = "transport_failure"
	FaultActionStall  FaultReason = "action_stall"
	FaultGapExhausted FaultReason = "perception_gap_exhausted"
)

// -- Result --

// QualityMetrics aggregates what a run achieved, independent of how it
// terminated.
type QualityMetrics struct {
	CellsFound      int                `json:"cells_found"`
	CoverageVisited int                `json:"coverage_visited"`
	Acquisitions    int                `json:"acquisitions"`
	ActionFailures  int                `json:"action_failures"`
	PerceptionGaps  int                `json:"perception_gaps"`
	ExposureMs      map[string]float64 `json:"exposure_ms"`
	Duration        time.Duration      `json:"duration"`
}

// Result is the terminal record of one experiment run: how it ended, the
// final perception snapshot, the full event history, and aggregate quality
// metrics. Every run, including faulted and cancelled ones, produces a
// populated Result.
type Result struct {
	RunID     string         `json:"run_id"`
	State     RunState       `json:"state"`
	Fault     FaultReason    `json:"fault,omitempty"`
	Final     Perception     `json:"final"`
	History   []Event        `json:"history"`
	Metrics   QualityMetrics `json:"metrics"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}
