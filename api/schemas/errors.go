package schemas

import (
	"errors"
	"fmt"
)

// -- Error Taxonomy --
//
// Hardware transport failures and action parameter violations must never be
// confused: the first is retried with backoff, the second sends the engine
// back to the strategy for a different proposal.

// ErrTransport is the sentinel for hardware reachability/timeout failures.
// Wrap concrete transport errors so errors.Is(err, ErrTransport) holds.
var ErrTransport = errors.New("hardware transport failure")

// ErrAnalysisFailure is the sentinel for a failed or unusable analysis
// result. It is absorbed as a perception gap, never fatal by itself.
var ErrAnalysisFailure = errors.New("analysis failure")

// TransportError wraps an underlying transport problem with the operation
// that hit it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is match any TransportError against ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ConstraintViolation reports that an action's parameters failed validation
// against the current perception. It aborts one cycle, not the run.
type ConstraintViolation struct {
	Kind   ActionKind
	Reason string
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("constraint violation for %s: %s", e.Kind, e.Reason)
}

// IsConstraintViolation reports whether err is (or wraps) a constraint
// violation and returns it if so.
func IsConstraintViolation(err error) (*ConstraintViolation, bool) {
	var cv *ConstraintViolation
	if errors.As(err, &cv) {
		return cv, true
	}
	return nil, false
}
