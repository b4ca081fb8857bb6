package experiment

import (
	"time"

	"github.com/finchlab/scopeflow/api/schemas"
)

// StopCriteria are run-level completion conditions layered over a strategy's
// own objective. Any satisfied criterion completes the run; zero values
// disable the corresponding criterion.
type StopCriteria struct {
	// MaxDuration ends the run after this much wall-clock time.
	MaxDuration time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	// CellTarget ends the run once this many entities are perceived.
	CellTarget int `mapstructure:"cell_target" yaml:"cell_target"`
	// CoverageTarget ends the run once this many positions were observed.
	CoverageTarget int `mapstructure:"coverage_target" yaml:"coverage_target"`
}

func (c StopCriteria) enabled() bool {
	return c.MaxDuration > 0 || c.CellTarget > 0 || c.CoverageTarget > 0
}

// stopWrapper decorates a strategy with stopping criteria. It reports
// complete as soon as the inner strategy finishes or any criterion fires,
// and stops proposing actions at that point.
type stopWrapper struct {
	inner    schemas.Strategy
	criteria StopCriteria
	deadline time.Time
	now      func() time.Time
}

func newStopWrapper(inner schemas.Strategy, criteria StopCriteria, now func() time.Time) *stopWrapper {
	if now == nil {
		now = time.Now
	}
	w := &stopWrapper{inner: inner, criteria: criteria, now: now}
	if criteria.MaxDuration > 0 {
		w.deadline = now().Add(criteria.MaxDuration)
	}
	return w
}

func (w *stopWrapper) NextAction(p schemas.Perception) *schemas.Action {
	if w.met(p) {
		return nil
	}
	return w.inner.NextAction(p)
}

func (w *stopWrapper) IsComplete(p schemas.Perception) bool {
	return w.met(p) || w.inner.IsComplete(p)
}

// NoteRejection forwards to the inner strategy when it cares.
func (w *stopWrapper) NoteRejection(a schemas.Action, reason string) {
	if ra, ok := w.inner.(schemas.RejectionAware); ok {
		ra.NoteRejection(a, reason)
	}
}

func (w *stopWrapper) met(p schemas.Perception) bool {
	if !w.deadline.IsZero() && !w.now().Before(w.deadline) {
		return true
	}
	if w.criteria.CellTarget > 0 && p.EntityCount(0, "") >= w.criteria.CellTarget {
		return true
	}
	if w.criteria.CoverageTarget > 0 && len(p.Coverage) >= w.criteria.CoverageTarget {
		return true
	}
	return false
}
