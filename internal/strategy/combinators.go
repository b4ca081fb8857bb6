// Package strategy provides the decision policies that drive the
// action-perception loop: three combinators (sequential, composite,
// conditional) and the built-in microscopy strategies composed from them.
//
// Tie-break rule: whenever more than one sub-strategy could propose an
// action in the same cycle, declaration order wins. This is deterministic on
// purpose; run reproducibility depends on it.
package strategy

import (
	"github.com/finchlab/scopeflow/api/schemas"
)

// Sequential runs an ordered list of sub-strategies, delegating to the first
// whose objective is not yet met. It completes when every child has.
type Sequential struct {
	children     []schemas.Strategy
	lastProposer schemas.Strategy
}

// NewSequential wraps the given strategies in declaration order.
func NewSequential(children ...schemas.Strategy) *Sequential {
	return &Sequential{children: children}
}

func (s *Sequential) NextAction(p schemas.Perception) *schemas.Action {
	for _, c := range s.children {
		if !c.IsComplete(p) {
			s.lastProposer = c
			return c.NextAction(p)
		}
	}
	return nil
}

func (s *Sequential) IsComplete(p schemas.Perception) bool {
	for _, c := range s.children {
		if !c.IsComplete(p) {
			return false
		}
	}
	return true
}

// NoteRejection forwards the rejection to the child that made the proposal.
func (s *Sequential) NoteRejection(a schemas.Action, reason string) {
	if ra, ok := s.lastProposer.(schemas.RejectionAware); ok {
		ra.NoteRejection(a, reason)
	}
}

// Composite asks a prioritized set of sub-strategies each cycle and takes
// the first non-nil proposal. Unlike Sequential, a higher-priority child
// that proposed nothing this cycle may propose again later; completion still
// requires every child to report complete.
type Composite struct {
	children []schemas.Strategy
	// lastProposer remembers which child made the most recent proposal so a
	// rejection reaches the right one.
	lastProposer schemas.Strategy
}

// NewComposite wraps the given strategies in priority (declaration) order.
func NewComposite(children ...schemas.Strategy) *Composite {
	return &Composite{children: children}
}

func (s *Composite) NextAction(p schemas.Perception) *schemas.Action {
	for _, c := range s.children {
		if c.IsComplete(p) {
			continue
		}
		if a := c.NextAction(p); a != nil {
			s.lastProposer = c
			return a
		}
	}
	return nil
}

func (s *Composite) IsComplete(p schemas.Perception) bool {
	for _, c := range s.children {
		if !c.IsComplete(p) {
			return false
		}
	}
	return true
}

func (s *Composite) NoteRejection(a schemas.Action, reason string) {
	if ra, ok := s.lastProposer.(schemas.RejectionAware); ok {
		ra.NoteRejection(a, reason)
	}
}

// Conditional branches between two sub-strategies on a perception
// predicate, re-evaluated every cycle. There is no branch lock: a flapping
// predicate flaps the branch, unless the children themselves hold state.
type Conditional struct {
	predicate    func(schemas.Perception) bool
	ifTrue       schemas.Strategy
	ifFalse      schemas.Strategy
	lastProposer schemas.Strategy
}

// NewConditional builds a conditional branch strategy.
func NewConditional(predicate func(schemas.Perception) bool, ifTrue, ifFalse schemas.Strategy) *Conditional {
	return &Conditional{predicate: predicate, ifTrue: ifTrue, ifFalse: ifFalse}
}

func (s *Conditional) branch(p schemas.Perception) schemas.Strategy {
	if s.predicate(p) {
		return s.ifTrue
	}
	return s.ifFalse
}

func (s *Conditional) NextAction(p schemas.Perception) *schemas.Action {
	b := s.branch(p)
	s.lastProposer = b
	return b.NextAction(p)
}

func (s *Conditional) IsComplete(p schemas.Perception) bool {
	return s.branch(p).IsComplete(p)
}

func (s *Conditional) NoteRejection(a schemas.Action, reason string) {
	if ra, ok := s.lastProposer.(schemas.RejectionAware); ok {
		ra.NoteRejection(a, reason)
	}
}
