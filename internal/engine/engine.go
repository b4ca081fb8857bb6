// Package engine implements the action-perception loop: the state machine
// that alternates observing the sample, merging what was seen, asking the
// strategy for the next hardware intent, validating it, dispatching it, and
// verifying its effect, until the strategy declares completion or a fault
// ends the run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/api/schemas"
	"github.com/finchlab/scopeflow/internal/action"
	"github.com/finchlab/scopeflow/internal/config"
	"github.com/finchlab/scopeflow/internal/perception"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Engine owns one run's decision sequence. It is single-threaded in its own
// loop: the store, the strategy, and the catalog are never touched
// concurrently for the same run. Cancellation is cooperative via Cancel()
// or the run context and is honored at every state transition; an in-flight
// hardware operation is always allowed to finish.
type Engine struct {
	cfg       config.EngineConfig
	hardware  schemas.HardwareAdapter
	analyzer  schemas.Analyzer
	sink      schemas.TrackingSink
	publisher schemas.SnapshotPublisher
	store     *perception.Store
	catalog   *action.Catalog
	strategy  schemas.Strategy
	logger    *zap.Logger
	clock     func() time.Time

	runID     string
	seq       atomic.Uint64
	cancelled atomic.Bool

	state   schemas.RunState
	fault   schemas.FaultReason
	history []schemas.Event
	metrics schemas.QualityMetrics

	// stall detection across Deciding/Validating round trips
	rejectionStreak int
	lastRejected    string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a time source. Tests use this to keep timestamps and
// schedules deterministic.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// New wires an engine for one run. All collaborators are required except the
// sink and publisher, which default to no-ops.
func New(
	cfg config.EngineConfig,
	store *perception.Store,
	catalog *action.Catalog,
	strategy schemas.Strategy,
	hardware schemas.HardwareAdapter,
	analyzer schemas.Analyzer,
	sink schemas.TrackingSink,
	publisher schemas.SnapshotPublisher,
	logger *zap.Logger,
	opts ...Option,
) (*Engine, error) {
	if store == nil || catalog == nil || strategy == nil || hardware == nil || analyzer == nil {
		return nil, fmt.Errorf("cannot initialize engine with nil collaborators")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = nopSink{}
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	e := &Engine{
		cfg:       cfg,
		hardware:  hardware,
		analyzer:  analyzer,
		sink:      sink,
		publisher: publisher,
		store:     store,
		catalog:   catalog,
		strategy:  strategy,
		runID:     uuid.NewString(),
		state:     schemas.StateIdle,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.Named("LoopEngine").With(zap.String("runID", e.runID))
	return e, nil
}

// RunID returns the unique identifier of this engine's run.
func (e *Engine) RunID() string { return e.runID }

// Cancel requests cooperative cancellation. The engine finishes the
// in-flight hardware operation and its postcondition check, then ends the
// run in StateCancelled with the partial result accumulated so far.
func (e *Engine) Cancel() { e.cancelled.Store(true) }

// Run executes the loop until a terminal state and always returns a
// populated Result, partial or complete.
func (e *Engine) Run(ctx context.Context) schemas.Result {
	started := e.clock()
	e.emit(schemas.EventRunStarted, nil, "", nil)
	e.transition(schemas.StateObserving)

	var (
		obs      schemas.RawObservation
		snap     = e.store.Snapshot()
		prevSnap schemas.Perception
		pending  *schemas.Action
	)

loop:
	for {
		if e.cancelRequested(ctx) {
			e.transition(schemas.StateCancelled)
			break loop
		}

		switch e.state {
		case schemas.StateObserving:
			o, err := e.acquireWithRetry(ctx, snap.FieldOfView)
			if err != nil {
				e.endTransport(ctx, err)
				break loop
			}
			obs = o
			e.emit(schemas.EventObservation, nil, obs.ID, nil)
			e.transition(schemas.StatePerceiving)

		case schemas.StatePerceiving:
			snap = e.perceive(ctx, obs)
			if e.state == schemas.StateFaulted {
				break loop
			}
			e.publisher.Publish(snap, e.snapshotMetrics(started))
			e.transition(schemas.StateDeciding)

		case schemas.StateDeciding:
			if e.strategy.IsComplete(snap) {
				e.transition(schemas.StateCompleted)
				break loop
			}
			pending = e.strategy.NextAction(snap)
			if pending == nil {
				// No action needed this cycle: advance time without touching
				// hardware so background work can catch up.
				e.emit(schemas.EventDecision, nil, "no action this cycle", nil)
				e.sleep(ctx, e.cfg.IdleCycleDelay)
				e.transition(schemas.StateObserving)
				continue
			}
			e.emit(schemas.EventDecision, pending, "", nil)
			e.transition(schemas.StateValidating)

		case schemas.StateValidating:
			if err := e.catalog.Validate(*pending, snap); err != nil {
				if e.noteRejection(*pending, err) {
					break loop // ActionStall
				}
				e.transition(schemas.StateDeciding)
				continue
			}
			e.rejectionStreak = 0
			e.lastRejected = ""
			e.transition(schemas.StateActing)

		case schemas.StateActing:
			ack, err := e.dispatchWithRetry(ctx, *pending)
			if err != nil {
				e.endTransport(ctx, err)
				break loop
			}
			e.countDispatch(*pending)
			e.emit(schemas.EventActionDispatched, pending, ack.Detail, nil)
			prevSnap = snap
			e.transition(schemas.StateAwaitingPostcondition)

		case schemas.StateAwaitingPostcondition:
			ok, next := e.awaitPostcondition(ctx, prevSnap, *pending)
			snap = next
			if e.halted() {
				break loop
			}
			if !ok {
				// A cancellation that arrived mid-poll still gets the action's
				// outcome on record, but never a fresh dispatch.
				if e.cancelRequested(ctx) {
					e.metrics.ActionFailures++
					e.emit(schemas.EventActionFailure, pending, "postcondition unmet at cancellation", nil)
					e.transition(schemas.StateCancelled)
					break loop
				}
				// One retry of the whole action, then record the failure and
				// move on: the next observation reflects the true state, and
				// liveness beats strict per-action success.
				if _, err := e.dispatchWithRetry(ctx, *pending); err != nil {
					e.endTransport(ctx, err)
					break loop
				}
				ok, next = e.awaitPostcondition(ctx, prevSnap, *pending)
				snap = next
				if e.halted() {
					break loop
				}
				if !ok {
					e.metrics.ActionFailures++
					e.emit(schemas.EventActionFailure, pending, "postcondition not met after retry", nil)
				}
			}
			pending = nil
			e.transition(schemas.StateObserving)
		}
	}

	return e.finalize(started)
}

// perceive feeds one observation through analysis and the store. Analysis
// failures and empty results become perception gaps; only a gap streak past
// the configured threshold faults the run.
func (e *Engine) perceive(ctx context.Context, obs schemas.RawObservation) schemas.Perception {
	res, err := e.analyzer.Analyze(ctx, obs)
	if err != nil || res.Empty() {
		reason := "empty analysis result"
		if err != nil {
			reason = err.Error()
		}
		streak := e.store.RecordGap(reason)
		e.emit(schemas.EventPerceptionGap, nil, reason, nil)
		if e.cfg.GapFaultThreshold > 0 && streak >= e.cfg.GapFaultThreshold {
			e.faultOut(schemas.FaultGapExhausted,
				fmt.Errorf("%d consecutive perception gaps: %w", streak, schemas.ErrAnalysisFailure))
		}
		return e.store.Snapshot()
	}
	snap := e.store.Merge(obs, res)
	e.emit(schemas.EventPerceptionMerged, nil, "", perceptionPayload(snap))
	return snap
}

// awaitPostcondition polls fresh observations until the action's expected
// effect shows up in perception, the poll budget runs out, or the window
// closes. Transport exhaustion while polling faults the run.
func (e *Engine) awaitPostcondition(ctx context.Context, prev schemas.Perception, act schemas.Action) (bool, schemas.Perception) {
	pred := e.catalog.Postcondition(act)
	deadline := e.clock().Add(e.cfg.PostconditionTimeout)
	polls := e.cfg.PostconditionPolls
	if polls < 1 {
		polls = 1
	}
	interval := e.cfg.PostconditionTimeout / time.Duration(polls+1)

	snap := prev
	for i := 0; i < polls; i++ {
		obs, err := e.acquireWithRetry(ctx, snap.FieldOfView)
		if err != nil {
			e.endTransport(ctx, err)
			return false, snap
		}
		snap = e.perceive(ctx, obs)
		if e.halted() {
			return false, snap
		}
		if pred(prev, snap) {
			return true, snap
		}
		if e.clock().After(deadline) || !e.sleep(ctx, interval) {
			break
		}
	}
	return false, snap
}

// noteRejection records a constraint violation, informs the strategy, and
// reports whether the rejection streak escalated to an ActionStall fault.
func (e *Engine) noteRejection(act schemas.Action, err error) bool {
	cv, _ := schemas.IsConstraintViolation(err)
	reason := err.Error()
	e.emit(schemas.EventConstraintReject, &act, reason, nil)
	e.logger.Warn("Action rejected by validation",
		zap.String("action", act.String()), zap.Error(err))

	fingerprint := act.String()
	if fingerprint == e.lastRejected {
		e.rejectionStreak++
	} else {
		e.lastRejected = fingerprint
		e.rejectionStreak = 1
	}

	if ra, ok := e.strategy.(schemas.RejectionAware); ok {
		note := reason
		if cv != nil {
			note = cv.Reason
		}
		ra.NoteRejection(act, note)
	}

	if e.rejectionStreak >= e.cfg.ValidationRetryBudget {
		e.faultOut(schemas.FaultActionStall,
			fmt.Errorf("action %s rejected %d times: %s", fingerprint, e.rejectionStreak, reason))
		return true
	}
	return false
}

// countDispatch updates quality metrics for a successfully dispatched
// action, descending into composites.
func (e *Engine) countDispatch(act schemas.Action) {
	switch act.Kind {
	case schemas.ActionAcquire:
		e.metrics.Acquisitions++
	case schemas.ActionComposite:
		for _, child := range act.Children {
			e.countDispatch(child)
		}
	}
}

func (e *Engine) cancelRequested(ctx context.Context) bool {
	return e.cancelled.Load() || ctx.Err() != nil
}

// halted reports whether the run already reached a terminal state.
func (e *Engine) halted() bool {
	return e.state == schemas.StateFaulted || e.state == schemas.StateCancelled
}

// endTransport classifies a failed hardware exchange. Cancellation that
// arrived while the call was in flight ends the run Cancelled; everything
// else is a transport fault.
func (e *Engine) endTransport(ctx context.Context, err error) {
	if e.cancelRequested(ctx) || errors.Is(err, context.Canceled) {
		e.logger.Info("Hardware exchange interrupted by cancellation", zap.Error(err))
		e.transition(schemas.StateCancelled)
		return
	}
	e.faultOut(schemas.FaultTransport, err)
}

// sleep waits for d, returning false when the wait was cut short by
// cancellation.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) transition(next schemas.RunState) {
	if e.state == next {
		return
	}
	e.state = next
	e.emit(schemas.EventStateChange, nil, string(next), nil)
	e.logger.Debug("State transition", zap.String("state", string(next)))
}

func (e *Engine) faultOut(reason schemas.FaultReason, err error) {
	e.fault = reason
	e.logger.Error("Run faulted", zap.String("reason", string(reason)), zap.Error(err))
	e.transition(schemas.StateFaulted)
}

func (e *Engine) snapshotMetrics(started time.Time) schemas.QualityMetrics {
	m := e.metrics
	m.Duration = e.clock().Sub(started)
	return m
}

func (e *Engine) finalize(started time.Time) schemas.Result {
	final := e.store.Snapshot()
	e.metrics.CellsFound = final.EntityCount(0, "")
	e.metrics.CoverageVisited = len(final.Coverage)
	e.metrics.PerceptionGaps = final.Gaps
	e.metrics.ExposureMs = final.Exposure
	e.metrics.Duration = e.clock().Sub(started)

	e.emit(schemas.EventRunFinished, nil, string(e.state), nil)
	e.logger.Info("Run finished",
		zap.String("state", string(e.state)),
		zap.String("fault", string(e.fault)),
		zap.Int("cells", e.metrics.CellsFound),
		zap.Int("acquisitions", e.metrics.Acquisitions),
		zap.Duration("duration", e.metrics.Duration))

	return schemas.Result{
		RunID:     e.runID,
		State:     e.state,
		Fault:     e.fault,
		Final:     final,
		History:   e.history,
		Metrics:   e.metrics,
		StartedAt: started,
		EndedAt:   e.clock(),
	}
}

// emit appends an event to the in-memory history and offers it to the
// tracking sink. The sink is fire-and-forget; a slow or absent sink never
// stalls the loop.
func (e *Engine) emit(t schemas.EventType, act *schemas.Action, note string, payload []byte) {
	ev := schemas.Event{
		ID:      uuid.NewString(),
		RunID:   e.runID,
		Seq:     e.seq.Add(1),
		Type:    t,
		At:      e.clock(),
		State:   e.state,
		Action:  act,
		Note:    note,
		Payload: payload,
	}
	e.history = append(e.history, ev)
	e.sink.Record(ev)
}

func perceptionPayload(p schemas.Perception) []byte {
	payload, err := json.Marshal(map[string]interface{}{
		"seq":           p.Seq,
		"entities":      len(p.Entities),
		"focus_quality": p.FocusQuality,
		"coverage":      len(p.Coverage),
	})
	if err != nil {
		return nil
	}
	return payload
}

type nopSink struct{}

func (nopSink) Record(schemas.Event) {}

type nopPublisher struct{}

func (nopPublisher) Publish(schemas.Perception, schemas.QualityMetrics) {}
