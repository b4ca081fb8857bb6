package strategy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchlab/scopeflow/api/schemas"
	"github.com/finchlab/scopeflow/internal/strategy"
)

// scriptedStrategy is a minimal controllable strategy for combinator tests.
type scriptedStrategy struct {
	action     *schemas.Action
	complete   bool
	rejections []string
}

func (s *scriptedStrategy) NextAction(schemas.Perception) *schemas.Action { return s.action }
func (s *scriptedStrategy) IsComplete(schemas.Perception) bool            { return s.complete }
func (s *scriptedStrategy) NoteRejection(_ schemas.Action, reason string) {
	s.rejections = append(s.rejections, reason)
}

func actionPtr(a schemas.Action) *schemas.Action { return &a }

func TestSequentialDelegatesToFirstIncomplete(t *testing.T) {
	first := &scriptedStrategy{complete: true}
	second := &scriptedStrategy{action: actionPtr(schemas.SetChannel("DAPI"))}
	third := &scriptedStrategy{action: actionPtr(schemas.SetChannel("GFP"))}

	seq := strategy.NewSequential(first, second, third)
	p := schemas.Perception{}

	a := seq.NextAction(p)
	require.NotNil(t, a)
	assert.Equal(t, "DAPI", a.Channel, "the first incomplete child in declaration order proposes")
	assert.False(t, seq.IsComplete(p))

	second.complete = true
	a = seq.NextAction(p)
	require.NotNil(t, a)
	assert.Equal(t, "GFP", a.Channel)

	third.complete = true
	assert.True(t, seq.IsComplete(p))
	assert.Nil(t, seq.NextAction(p))
}

func TestCompositeTakesFirstNonNilProposal(t *testing.T) {
	quiet := &scriptedStrategy{} // incomplete but proposes nothing this cycle
	eager := &scriptedStrategy{action: actionPtr(schemas.AutoFocus(10, 10))}

	comp := strategy.NewComposite(quiet, eager)
	p := schemas.Perception{}

	a := comp.NextAction(p)
	require.NotNil(t, a)
	assert.Equal(t, schemas.ActionAutoFocus, a.Kind)

	// A higher-priority child that starts proposing wins the next cycle.
	quiet.action = actionPtr(schemas.SetChannel("DAPI"))
	a = comp.NextAction(p)
	require.NotNil(t, a)
	assert.Equal(t, schemas.ActionSetChannel, a.Kind, "declaration order breaks the tie")
}

func TestCompositeSkipsCompleteChildren(t *testing.T) {
	done := &scriptedStrategy{complete: true, action: actionPtr(schemas.SetChannel("DAPI"))}
	active := &scriptedStrategy{action: actionPtr(schemas.SetChannel("GFP"))}

	comp := strategy.NewComposite(done, active)
	a := comp.NextAction(schemas.Perception{})
	require.NotNil(t, a)
	assert.Equal(t, "GFP", a.Channel, "a complete child must not propose")
}

func TestRejectionReachesOnlyTheProposer(t *testing.T) {
	first := &scriptedStrategy{action: actionPtr(schemas.SetChannel("DAPI"))}
	second := &scriptedStrategy{action: actionPtr(schemas.SetChannel("GFP"))}
	seq := strategy.NewSequential(first, second)

	a := seq.NextAction(schemas.Perception{})
	require.NotNil(t, a)
	seq.NoteRejection(*a, "channel not configured")

	assert.Equal(t, []string{"channel not configured"}, first.rejections)
	assert.Empty(t, second.rejections, "a rejection must not corrupt non-proposing children")
}

func TestConditionalReevaluatesEachCycle(t *testing.T) {
	focused := &scriptedStrategy{action: actionPtr(schemas.Acquire("DAPI", 50))}
	unfocused := &scriptedStrategy{action: actionPtr(schemas.AutoFocus(10, 10))}

	cond := strategy.NewConditional(func(p schemas.Perception) bool {
		return p.FocusQuality >= 0.6
	}, focused, unfocused)

	blurry := schemas.Perception{FocusQuality: 0.2}
	sharp := schemas.Perception{FocusQuality: 0.9}

	a := cond.NextAction(blurry)
	require.NotNil(t, a)
	assert.Equal(t, schemas.ActionAutoFocus, a.Kind)

	a = cond.NextAction(sharp)
	require.NotNil(t, a)
	assert.Equal(t, schemas.ActionAcquire, a.Kind)

	cond.NoteRejection(*a, "exposure out of range")
	assert.Equal(t, []string{"exposure out of range"}, focused.rejections)
	assert.Empty(t, unfocused.rejections)
}
