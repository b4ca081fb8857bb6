package experiment_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/api/schemas"
	"github.com/finchlab/scopeflow/internal/config"
	"github.com/finchlab/scopeflow/internal/experiment"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() config.Config {
	cfg := config.Default()
	// Tight timings keep the simulated run fast.
	cfg.Engine.RetryBackoff = time.Millisecond
	cfg.Engine.PostconditionTimeout = 200 * time.Millisecond
	cfg.Engine.IdleCycleDelay = time.Millisecond
	return cfg
}

func TestNewControllerRequiresLogger(t *testing.T) {
	_, err := experiment.NewController(testConfig(), nil)
	require.Error(t, err)
}

func TestControllerRejectsInvalidSpec(t *testing.T) {
	controller, err := experiment.NewController(testConfig(), zap.NewNop())
	require.NoError(t, err)

	_, err = controller.Run(context.Background(), experiment.Spec{Preset: "mystery"})
	require.Error(t, err)
}

// End to end against the simulator: a small time series runs to completion
// and its archive round-trips.
func TestControllerRunsTimeSeriesToCompletion(t *testing.T) {
	controller, err := experiment.NewController(testConfig(), zap.NewNop())
	require.NoError(t, err)

	spec := experiment.Spec{
		Name:           "smoke",
		Preset:         experiment.PresetTimeSeries,
		Channels:       []string{"DAPI", "GFP"},
		Frames:         2,
		FocusThreshold: 0.05,
		// Backstop so a miscalibrated simulator cannot hang the test.
		Stop: experiment.StopCriteria{MaxDuration: 20 * time.Second},
	}

	result, err := controller.Run(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, schemas.StateCompleted, result.State)
	assert.Equal(t, schemas.FaultNone, result.Fault)
	assert.NotEmpty(t, result.RunID)
	assert.NotEmpty(t, result.History)
	assert.GreaterOrEqual(t, result.Metrics.CoverageVisited, 1)
	assert.False(t, result.EndedAt.Before(result.StartedAt))

	path := filepath.Join(t.TempDir(), "runs", "smoke.json.br")
	require.NoError(t, experiment.WriteArchive(result, path))

	loaded, err := experiment.ReadArchive(path)
	require.NoError(t, err)
	assert.Equal(t, result.RunID, loaded.RunID)
	assert.Equal(t, result.State, loaded.State)
	assert.Equal(t, len(result.History), len(loaded.History))
}

func TestControllerCancelStopsRun(t *testing.T) {
	controller, err := experiment.NewController(testConfig(), zap.NewNop())
	require.NoError(t, err)

	// Cell tracking over a long horizon will not finish on its own quickly.
	spec := experiment.Spec{
		Name:          "cancel-me",
		Preset:        experiment.PresetCellTracking,
		MinCells:      1000,
		TrackFor:      time.Hour,
		TrackInterval: time.Minute,
	}

	type outcome struct {
		result schemas.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, runErr := controller.Run(context.Background(), spec)
		done <- outcome{r, runErr}
	}()

	time.Sleep(50 * time.Millisecond)
	controller.Cancel()

	select {
	case out := <-done:
		require.Error(t, out.err)
		assert.Equal(t, schemas.StateCancelled, out.result.State)
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled controller run did not return")
	}
}
