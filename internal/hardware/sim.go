// Package hardware provides adapters between the loop engine and the
// instrument. The simulator is a deterministic stand-in for a motorized
// stage, filter wheel, and camera: the same seed and action sequence always
// produces the same observations, which makes whole-loop runs reproducible
// without bench hardware.
package hardware

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/api/schemas"
	"github.com/finchlab/scopeflow/internal/config"
)

const (
	simFrameWidth  = 64
	simFrameHeight = 64

	// simFocalPlane is the Z at which the simulated sample is sharp.
	simFocalPlane = 0.0

	// simDepthOfField controls how fast sharpness falls off with defocus.
	simDepthOfField = 12.0

	// simCellPitch spaces the synthetic cells across the virtual sample.
	simCellPitch = 40.0
)

// Simulator implements schemas.HardwareAdapter against a virtual sample:
// a plane of dim cells on a fixed grid, sharp at Z=0, visible in every
// configured channel with channel-dependent brightness.
type Simulator struct {
	mu       sync.Mutex
	position schemas.StagePosition
	channel  string
	exposure float64

	channels config.ChannelConfig
	logger   *zap.Logger

	// moveDelay approximates stage settle time; zero in tests.
	moveDelay time.Duration
}

// SimOption configures the simulator.
type SimOption func(*Simulator)

// WithMoveDelay makes stage moves take wall-clock time.
func WithMoveDelay(d time.Duration) SimOption {
	return func(s *Simulator) { s.moveDelay = d }
}

// NewSimulator starts a simulated microscope at the stage origin on the
// first configured channel.
func NewSimulator(channels config.ChannelConfig, logger *zap.Logger, opts ...SimOption) (*Simulator, error) {
	names := channels.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("cannot simulate hardware without configured channels")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Simulator{
		channels: channels,
		channel:  names[0],
		exposure: channels.Exposures[names[0]],
		position: schemas.StagePosition{Z: simFocalPlane + simDepthOfField},
		logger:   logger.Named("SimHardware"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AcquireObservation renders a synthetic frame for the current optical
// state. The requested field of view is advisory; like a real camera, the
// simulator reports what the instrument actually sees.
func (s *Simulator) AcquireObservation(ctx context.Context, _ schemas.FieldOfView) (schemas.RawObservation, error) {
	if err := ctx.Err(); err != nil {
		return schemas.RawObservation{}, &schemas.TransportError{Op: "acquire observation", Err: err}
	}

	s.mu.Lock()
	fov := schemas.FieldOfView{Position: s.position, Channel: s.channel, ExposureMs: s.exposure}
	s.mu.Unlock()

	return schemas.RawObservation{
		ID:          uuid.NewString(),
		FieldOfView: fov,
		AcquiredAt:  time.Now(),
		Frame:       s.renderFrame(fov),
	}, nil
}

// Dispatch applies an action to the simulated instrument state.
func (s *Simulator) Dispatch(ctx context.Context, a schemas.Action) (schemas.DispatchAck, error) {
	if err := ctx.Err(); err != nil {
		return schemas.DispatchAck{}, &schemas.TransportError{Op: "dispatch", Err: err}
	}

	switch a.Kind {
	case schemas.ActionMoveStage:
		if s.moveDelay > 0 {
			timer := time.NewTimer(s.moveDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return schemas.DispatchAck{}, &schemas.TransportError{Op: "move stage", Err: ctx.Err()}
			}
		}
		s.mu.Lock()
		s.position = a.Target
		s.mu.Unlock()

	case schemas.ActionSetChannel:
		s.mu.Lock()
		s.channel = a.Channel
		if exp, ok := s.channels.Exposures[a.Channel]; ok {
			s.exposure = exp
		}
		s.mu.Unlock()

	case schemas.ActionAcquire:
		s.mu.Lock()
		s.channel = a.Channel
		s.exposure = a.ExposureMs
		s.mu.Unlock()

	case schemas.ActionAutoFocus:
		s.autofocus(a.RangeUm, a.Steps)

	case schemas.ActionWait:
		timer := time.NewTimer(a.Duration)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return schemas.DispatchAck{}, &schemas.TransportError{Op: "wait", Err: ctx.Err()}
		}

	case schemas.ActionComposite:
		for _, child := range a.Children {
			if _, err := s.Dispatch(ctx, child); err != nil {
				return schemas.DispatchAck{}, err
			}
		}

	default:
		return schemas.DispatchAck{}, &schemas.TransportError{
			Op: "dispatch", Err: fmt.Errorf("unsupported action kind %q", a.Kind),
		}
	}

	return schemas.DispatchAck{
		Kind:        a.Kind,
		CompletedAt: time.Now(),
		Detail:      a.String(),
	}, nil
}

// Position returns the current simulated stage position.
func (s *Simulator) Position() schemas.StagePosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// autofocus sweeps Z across the range and settles on the sharpest plane,
// exactly as a contrast-based autofocus routine would.
func (s *Simulator) autofocus(rangeUm float64, steps int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bestZ := s.position.Z
	bestSharp := sharpness(s.position.Z)
	for i := 0; i < steps; i++ {
		z := s.position.Z - rangeUm/2 + rangeUm*float64(i)/float64(steps-1)
		if sh := sharpness(z); sh > bestSharp {
			bestSharp = sh
			bestZ = z
		}
	}
	s.logger.Debug("Autofocus settled", zap.Float64("z", bestZ), zap.Float64("sharpness", bestSharp))
	s.position.Z = bestZ
}

func sharpness(z float64) float64 {
	defocus := math.Abs(z - simFocalPlane)
	return 1 / (1 + (defocus/simDepthOfField)*(defocus/simDepthOfField)*8)
}

// renderFrame draws the virtual sample: Gaussian blobs on a grid, blurred by
// defocus, brighter with exposure. Everything is a pure function of the
// optical state so repeated acquisitions at the same state match.
func (s *Simulator) renderFrame(fov schemas.FieldOfView) schemas.Frame {
	const pixelSizeUm = 0.65
	sharp := sharpness(fov.Position.Z)
	gain := fov.ExposureMs / 50.0
	if gain <= 0 {
		gain = 1
	}

	pixels := make([]uint16, simFrameWidth*simFrameHeight)
	for y := 0; y < simFrameHeight; y++ {
		for x := 0; x < simFrameWidth; x++ {
			// Stage coordinates of this pixel.
			sx := fov.Position.X + (float64(x)-simFrameWidth/2)*pixelSizeUm
			sy := fov.Position.Y + (float64(y)-simFrameHeight/2)*pixelSizeUm

			// Distance to the nearest cell center on the virtual grid.
			dx := sx - math.Round(sx/simCellPitch)*simCellPitch
			dy := sy - math.Round(sy/simCellPitch)*simCellPitch
			r2 := dx*dx + dy*dy

			// Blob radius grows as focus degrades, intensity drops.
			sigma := 4.0 / (0.2 + 0.8*sharp)
			signal := 12000 * sharp * gain * math.Exp(-r2/(2*sigma*sigma))

			// Deterministic pseudo-noise floor keeps frames nonuniform
			// without a random source.
			noise := 200 + float64((x*31+y*17)%23)

			v := signal + noise
			if v > math.MaxUint16 {
				v = math.MaxUint16
			}
			pixels[y*simFrameWidth+x] = uint16(v)
		}
	}
	return schemas.Frame{Width: simFrameWidth, Height: simFrameHeight, Pixels: pixels}
}
