package schemas

import (
	"fmt"
	"strings"
	"time"
)

// -- Actions --

// ActionKind names one of the fixed set of atomic hardware intents.
type ActionKind string

const (
	ActionMoveStage  ActionKind = "move_stage"
	ActionSetChannel ActionKind = "set_channel"
	ActionAcquire    ActionKind = "acquire"
	ActionAutoFocus  ActionKind = "autofocus"
	ActionWait       ActionKind = "wait"
	ActionComposite  ActionKind = "composite"
)

// Action is a named, parameterized hardware intent proposed by a strategy.
// It is a tagged variant: Kind selects which parameter fields are
// meaningful. Actions live for exactly one engine cycle; only their recorded
// effects survive.
type Action struct {
	Kind ActionKind `json:"kind"`

	// MoveStage
	Target StagePosition `json:"target,omitempty"`

	// SetChannel / Acquire
	Channel string `json:"channel,omitempty"`

	// Acquire
	ExposureMs float64 `json:"exposure_ms,omitempty"`

	// AutoFocus
	RangeUm float64 `json:"range_um,omitempty"`
	Steps   int     `json:"steps,omitempty"`

	// Wait
	Duration time.Duration `json:"duration,omitempty"`

	// Composite
	Children []Action `json:"children,omitempty"`
}

// String renders a short human-readable form used in logs and stall
// fingerprinting.
func (a Action) String() string {
	switch a.Kind {
	case ActionMoveStage:
		return fmt.Sprintf("move_stage(%s)", a.Target.Key())
	case ActionSetChannel:
		return fmt.Sprintf("set_channel(%s)", a.Channel)
	case ActionAcquire:
		return fmt.Sprintf("acquire(%s,%.0fms)", a.Channel, a.ExposureMs)
	case ActionAutoFocus:
		return fmt.Sprintf("autofocus(%.1fum,%d)", a.RangeUm, a.Steps)
	case ActionWait:
		return fmt.Sprintf("wait(%s)", a.Duration)
	case ActionComposite:
		parts := make([]string, len(a.Children))
		for i, c := range a.Children {
			parts[i] = c.String()
		}
		return "composite[" + strings.Join(parts, " ") + "]"
	}
	return string(a.Kind)
}

// MoveStage returns a stage movement intent.
func MoveStage(target StagePosition) Action {
	return Action{Kind: ActionMoveStage, Target: target}
}

// SetChannel returns a channel switch intent.
func SetChannel(channel string) Action {
	return Action{Kind: ActionSetChannel, Channel: channel}
}

// Acquire returns an image acquisition intent.
func Acquire(channel string, exposureMs float64) Action {
	return Action{Kind: ActionAcquire, Channel: channel, ExposureMs: exposureMs}
}

// AutoFocus returns a focus sweep intent.
func AutoFocus(rangeUm float64, steps int) Action {
	return Action{Kind: ActionAutoFocus, RangeUm: rangeUm, Steps: steps}
}

// Wait returns a no-hardware idle intent.
func Wait(d time.Duration) Action {
	return Action{Kind: ActionWait, Duration: d}
}

// Composite returns an ordered bundle of child intents dispatched as one.
func Composite(children ...Action) Action {
	return Action{Kind: ActionComposite, Children: children}
}

// DispatchAck is the hardware collaborator's acknowledgement that an action
// finished executing (successfully or not at the transport level; whether it
// achieved its intent is the postcondition check's business).
type DispatchAck struct {
	Kind        ActionKind `json:"kind"`
	CompletedAt time.Time  `json:"completed_at"`
	Detail      string     `json:"detail,omitempty"`
}
