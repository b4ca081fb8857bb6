package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/api/schemas"
)

// acquireWithRetry requests an observation from the hardware adapter,
// retrying transient transport failures with exponential backoff. Each
// attempt gets its own timeout. Exhausting the retry budget is fatal for
// the run.
func (e *Engine) acquireWithRetry(ctx context.Context, fov schemas.FieldOfView) (schemas.RawObservation, error) {
	var obs schemas.RawObservation
	err := e.withRetry(ctx, "observation acquisition", func(attemptCtx context.Context) error {
		o, err := e.hardware.AcquireObservation(attemptCtx, fov)
		if err != nil {
			return err
		}
		obs = o
		return nil
	})
	return obs, err
}

// dispatchWithRetry sends an action to the hardware adapter with the same
// retry discipline as acquisition.
func (e *Engine) dispatchWithRetry(ctx context.Context, act schemas.Action) (schemas.DispatchAck, error) {
	var ack schemas.DispatchAck
	err := e.withRetry(ctx, "action dispatch", func(attemptCtx context.Context) error {
		a, err := e.hardware.Dispatch(attemptCtx, act)
		if err != nil {
			return err
		}
		ack = a
		return nil
	})
	return ack, err
}

func (e *Engine) withRetry(ctx context.Context, op string, call func(context.Context) error) error {
	attempts := e.cfg.TransportRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	backoff := e.cfg.RetryBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return &schemas.TransportError{Op: op, Err: ctx.Err()}
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if e.cfg.HardwareTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.HardwareTimeout)
		}
		lastErr = call(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}

		if attempt < attempts {
			e.logger.Warn("Transport attempt failed, backing off",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			if !e.sleep(ctx, backoff) {
				return &schemas.TransportError{Op: op, Err: ctx.Err()}
			}
			backoff *= 2
			if e.cfg.MaxBackoff > 0 && backoff > e.cfg.MaxBackoff {
				backoff = e.cfg.MaxBackoff
			}
		}
	}
	return &schemas.TransportError{
		Op:  op,
		Err: fmt.Errorf("exhausted %d attempts: %w", attempts, lastErr),
	}
}
