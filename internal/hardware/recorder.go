package hardware

import (
	"context"
	"sync"

	"github.com/finchlab/scopeflow/api/schemas"
)

// recorderCap bounds how many observations a recorder retains.
const recorderCap = 4096

// Recorder decorates a hardware adapter, retaining the observations that
// flowed through it so acquisition metadata can be exported after the run.
type Recorder struct {
	inner schemas.HardwareAdapter

	mu           sync.Mutex
	observations []schemas.RawObservation
	truncated    bool
}

// NewRecorder wraps the given adapter.
func NewRecorder(inner schemas.HardwareAdapter) *Recorder {
	return &Recorder{inner: inner}
}

func (r *Recorder) AcquireObservation(ctx context.Context, fov schemas.FieldOfView) (schemas.RawObservation, error) {
	obs, err := r.inner.AcquireObservation(ctx, fov)
	if err != nil {
		return obs, err
	}
	r.mu.Lock()
	if len(r.observations) < recorderCap {
		// Frames are dropped from the record; only acquisition metadata is
		// kept, which is what the export needs.
		slim := obs
		slim.Frame = schemas.Frame{Width: obs.Frame.Width, Height: obs.Frame.Height}
		r.observations = append(r.observations, slim)
	} else {
		r.truncated = true
	}
	r.mu.Unlock()
	return obs, nil
}

func (r *Recorder) Dispatch(ctx context.Context, a schemas.Action) (schemas.DispatchAck, error) {
	return r.inner.Dispatch(ctx, a)
}

// Observations returns the recorded acquisitions and whether the record was
// truncated at capacity.
func (r *Recorder) Observations() ([]schemas.RawObservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schemas.RawObservation, len(r.observations))
	copy(out, r.observations)
	return out, r.truncated
}
