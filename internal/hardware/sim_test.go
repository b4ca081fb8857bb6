package hardware_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/api/schemas"
	"github.com/finchlab/scopeflow/internal/config"
	"github.com/finchlab/scopeflow/internal/hardware"
)

func testChannels() config.ChannelConfig {
	return config.ChannelConfig{
		Exposures:     map[string]float64{"DAPI": 50, "GFP": 80, "brightfield": 20},
		MaxExposureMs: 1000,
	}
}

func newSim(t *testing.T) *hardware.Simulator {
	t.Helper()
	sim, err := hardware.NewSimulator(testChannels(), zap.NewNop())
	require.NoError(t, err)
	return sim
}

func TestNewSimulatorRequiresChannels(t *testing.T) {
	_, err := hardware.NewSimulator(config.ChannelConfig{}, zap.NewNop())
	require.Error(t, err)
}

func TestDispatchMoveUpdatesReportedPosition(t *testing.T) {
	sim := newSim(t)
	target := schemas.StagePosition{X: 120, Y: -40, Z: 3}

	_, err := sim.Dispatch(context.Background(), schemas.MoveStage(target))
	require.NoError(t, err)

	obs, err := sim.AcquireObservation(context.Background(), schemas.FieldOfView{})
	require.NoError(t, err)
	assert.Equal(t, target, obs.FieldOfView.Position)
	assert.Equal(t, target, sim.Position())
}

func TestDispatchSetChannelSwitchesOpticalState(t *testing.T) {
	sim := newSim(t)

	_, err := sim.Dispatch(context.Background(), schemas.SetChannel("GFP"))
	require.NoError(t, err)

	obs, err := sim.AcquireObservation(context.Background(), schemas.FieldOfView{})
	require.NoError(t, err)
	assert.Equal(t, "GFP", obs.FieldOfView.Channel)
	assert.InDelta(t, 80, obs.FieldOfView.ExposureMs, 1e-9)
}

func TestAutofocusConvergesTowardFocalPlane(t *testing.T) {
	sim := newSim(t)
	start := sim.Position().Z
	require.NotZero(t, start, "the simulator starts defocused")

	for i := 0; i < 3; i++ {
		_, err := sim.Dispatch(context.Background(), schemas.AutoFocus(10, 10))
		require.NoError(t, err)
	}

	end := sim.Position().Z
	assert.Less(t, absFloat(end), absFloat(start), "sweeps move Z toward the sharp plane")
}

func TestAcquisitionIsDeterministicForSameState(t *testing.T) {
	sim := newSim(t)

	first, err := sim.AcquireObservation(context.Background(), schemas.FieldOfView{})
	require.NoError(t, err)
	second, err := sim.AcquireObservation(context.Background(), schemas.FieldOfView{})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID, "observation identities are unique")
	assert.Equal(t, first.Frame, second.Frame, "the same optical state renders the same frame")
}

func TestCompositeDispatchAppliesChildrenInOrder(t *testing.T) {
	sim := newSim(t)
	target := schemas.StagePosition{X: 10, Y: 10}

	ack, err := sim.Dispatch(context.Background(), schemas.Composite(
		schemas.MoveStage(target),
		schemas.SetChannel("DAPI"),
	))
	require.NoError(t, err)
	assert.Equal(t, schemas.ActionComposite, ack.Kind)

	obs, err := sim.AcquireObservation(context.Background(), schemas.FieldOfView{})
	require.NoError(t, err)
	assert.Equal(t, target, obs.FieldOfView.Position)
	assert.Equal(t, "DAPI", obs.FieldOfView.Channel)
}

func TestDispatchHonorsCancelledContext(t *testing.T) {
	sim := newSim(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sim.Dispatch(ctx, schemas.SetChannel("DAPI"))
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrTransport)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
