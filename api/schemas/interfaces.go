package schemas

import (
	"context"
)

// -- Collaborator Interfaces --
//
// The control loop core talks to the outside world only through the narrow
// interfaces below. Implementations (hardware RPC bridges, segmentation
// models, databases, UIs) are injected at construction; the core holds no
// process-wide singletons.

// HardwareAdapter is the hardware-abstraction collaborator. Both methods may
// block while motors move or cameras expose; callers bound them with the
// context. Transport problems must surface as TransportError so the engine
// can tell them apart from validation failures.
type HardwareAdapter interface {
	// AcquireObservation captures a raw observation under the given optical
	// state.
	AcquireObservation(ctx context.Context, fov FieldOfView) (RawObservation, error)
	// Dispatch executes a single validated action.
	Dispatch(ctx context.Context, action Action) (DispatchAck, error)
}

// Analyzer maps a raw observation to detected entities and quality scores.
// Implementations are expected to be side-effect free; the same observation
// must analyze to the same result.
type Analyzer interface {
	Analyze(ctx context.Context, obs RawObservation) (AnalysisResult, error)
}

// TrackingSink accepts structured run events, fire-and-forget. A sink that
// is slow or temporarily unavailable must never block or fail the loop;
// buffering or dropping with a warning are both acceptable.
type TrackingSink interface {
	Record(event Event)
}

// SnapshotPublisher receives the latest perception snapshot and metrics for
// external viewers. At most one update per cycle is offered; publishers are
// free to skip snapshots under load. Publish must not block the loop.
type SnapshotPublisher interface {
	Publish(p Perception, m QualityMetrics)
}

// -- Strategy --

// Strategy is a decision policy: given the current perception it proposes
// the next action or declares the objective met. Strategies may keep private
// goal-tracking state, updated only inside NextAction, and never share
// mutable state with each other except through the perception they are
// handed.
type Strategy interface {
	// NextAction returns the next hardware intent, or nil when no action is
	// needed this cycle (the engine then advances time without dispatching).
	NextAction(p Perception) *Action
	// IsComplete declares the stopping condition.
	IsComplete(p Perception) bool
}

// RejectionAware is an optional extension: strategies that implement it are
// told when their last proposal was rejected by validation, before being
// asked again.
type RejectionAware interface {
	NoteRejection(a Action, reason string)
}
