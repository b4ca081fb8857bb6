// Package action declares the closed set of atomic hardware operations, the
// validation contract checked before dispatch, and the postcondition
// predicates checked after. Pre-dispatch validation and post-dispatch
// verification are deliberately separate phases: the first rejects a
// proposal, the second confirms an effect.
package action

import (
	"fmt"
	"time"

	"github.com/finchlab/scopeflow/api/schemas"
	"github.com/finchlab/scopeflow/internal/config"
)

// maxWait bounds a single Wait action so a strategy cannot park the loop.
const maxWait = time.Minute

// maxCompositeDepth bounds nesting of composite actions.
const maxCompositeDepth = 3

// Postcondition is a predicate over the perception before and after an
// action that decides whether the action achieved its intent.
type Postcondition func(prev, next schemas.Perception) bool

// Catalog validates actions against the configured hardware envelope and
// derives their expected postconditions.
type Catalog struct {
	stage    config.StageConfig
	channels config.ChannelConfig
}

// NewCatalog builds a catalog for the given stage and channel configuration.
func NewCatalog(stage config.StageConfig, channels config.ChannelConfig) *Catalog {
	return &Catalog{stage: stage, channels: channels}
}

// Validate is the pure pre-dispatch check: parameters against declared
// constraints and the current perception. A non-nil error is always a
// *schemas.ConstraintViolation.
func (c *Catalog) Validate(a schemas.Action, p schemas.Perception) error {
	return c.validate(a, p, 0)
}

func (c *Catalog) validate(a schemas.Action, p schemas.Perception, depth int) error {
	switch a.Kind {
	case schemas.ActionMoveStage:
		return c.validateMove(a)
	case schemas.ActionSetChannel:
		return c.validateChannel(a.Channel)
	case schemas.ActionAcquire:
		if err := c.validateChannel(a.Channel); err != nil {
			return err
		}
		if a.ExposureMs <= 0 || a.ExposureMs > c.channels.MaxExposureMs {
			return violation(a.Kind, fmt.Sprintf("exposure %.1fms outside (0, %.1f]", a.ExposureMs, c.channels.MaxExposureMs))
		}
		return nil
	case schemas.ActionAutoFocus:
		if a.RangeUm <= 0 {
			return violation(a.Kind, "focus range must be positive")
		}
		if a.Steps < 2 {
			return violation(a.Kind, "focus sweep needs at least 2 steps")
		}
		return nil
	case schemas.ActionWait:
		if a.Duration <= 0 || a.Duration > maxWait {
			return violation(a.Kind, fmt.Sprintf("wait duration %s outside (0, %s]", a.Duration, maxWait))
		}
		return nil
	case schemas.ActionComposite:
		if depth >= maxCompositeDepth {
			return violation(a.Kind, "composite nesting too deep")
		}
		if len(a.Children) == 0 {
			return violation(a.Kind, "composite action has no children")
		}
		for i, child := range a.Children {
			if err := c.validate(child, p, depth+1); err != nil {
				return violation(a.Kind, fmt.Sprintf("child %d: %v", i, err))
			}
		}
		return nil
	}
	return violation(a.Kind, "unknown action kind")
}

func (c *Catalog) validateMove(a schemas.Action) error {
	t := a.Target
	if t.X < c.stage.XMin || t.X > c.stage.XMax ||
		t.Y < c.stage.YMin || t.Y > c.stage.YMax ||
		t.Z < c.stage.ZMin || t.Z > c.stage.ZMax {
		return violation(a.Kind, fmt.Sprintf("target %s outside stage limits", t.Key()))
	}
	return nil
}

func (c *Catalog) validateChannel(channel string) error {
	if channel == "" {
		return violation(schemas.ActionSetChannel, "channel is empty")
	}
	if !c.channels.Has(channel) {
		return violation(schemas.ActionSetChannel, fmt.Sprintf("channel %q not configured", channel))
	}
	return nil
}

// Postcondition returns the predicate that confirms the action's expected
// effect on the next perception.
func (c *Catalog) Postcondition(a schemas.Action) Postcondition {
	switch a.Kind {
	case schemas.ActionMoveStage:
		target := a.Target
		tol := c.stage.PositionTolerance
		return func(_, next schemas.Perception) bool {
			return next.FieldOfView.Position.DistanceTo(target) <= tol
		}
	case schemas.ActionSetChannel:
		channel := a.Channel
		return func(_, next schemas.Perception) bool {
			return next.FieldOfView.Channel == channel
		}
	case schemas.ActionAcquire:
		return func(prev, next schemas.Perception) bool {
			// An acquisition succeeded when the acquired position's coverage
			// advanced past what we knew before dispatch.
			key := next.FieldOfView.Position.Key()
			return next.Coverage[key] > prev.Coverage[key]
		}
	case schemas.ActionAutoFocus:
		return func(prev, next schemas.Perception) bool {
			return next.FocusQuality >= prev.FocusQuality
		}
	case schemas.ActionWait:
		return func(_, _ schemas.Perception) bool { return true }
	case schemas.ActionComposite:
		preds := make([]Postcondition, len(a.Children))
		for i, child := range a.Children {
			preds[i] = c.Postcondition(child)
		}
		return func(prev, next schemas.Perception) bool {
			for _, pred := range preds {
				if !pred(prev, next) {
					return false
				}
			}
			return true
		}
	}
	return func(_, _ schemas.Perception) bool { return false }
}

func violation(kind schemas.ActionKind, reason string) error {
	return &schemas.ConstraintViolation{Kind: kind, Reason: reason}
}
