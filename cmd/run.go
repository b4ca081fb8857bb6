package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/api/schemas"
	"github.com/finchlab/scopeflow/internal/experiment"
	"github.com/finchlab/scopeflow/internal/observability"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	var (
		name           string
		preset         string
		channels       []string
		frames         int
		width          float64
		height         float64
		resolution     float64
		minCells       int
		trackFor       time.Duration
		trackInterval  time.Duration
		focusThreshold float64
		maxDuration    time.Duration
		cellTarget     int
		coverageTarget int
		output         string
		omePath        string
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one experiment to completion and archives its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			spec := experiment.Spec{
				Name:           name,
				Preset:         experiment.Preset(preset),
				Channels:       channels,
				Frames:         frames,
				Region:         experiment.Region{WidthUm: width, HeightUm: height, Resolution: resolution},
				MinCells:       minCells,
				TrackFor:       trackFor,
				TrackInterval:  trackInterval,
				FocusThreshold: focusThreshold,
				OMEPath:        omePath,
				Stop: experiment.StopCriteria{
					MaxDuration:    maxDuration,
					CellTarget:     cellTarget,
					CoverageTarget: coverageTarget,
				},
			}

			controller, err := experiment.NewController(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize controller: %w", err)
			}

			// First signal cancels cooperatively; the engine finishes its
			// in-flight hardware call and returns a partial result.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, runErr := controller.Run(ctx, spec)
			if result.RunID != "" && output != "" {
				if err := experiment.WriteArchive(result, output); err != nil {
					logger.Error("Failed to archive result", zap.Error(err))
				} else {
					logger.Info("Result archived", zap.String("path", output))
				}
			}

			if runErr != nil {
				if errors.Is(ctx.Err(), context.Canceled) && result.State == schemas.StateCancelled {
					logger.Warn("Experiment cancelled by signal", zap.String("runID", result.RunID))
				}
				return runErr
			}

			logger.Info("Experiment completed",
				zap.String("runID", result.RunID),
				zap.Int("cellsFound", result.Metrics.CellsFound),
				zap.Int("acquisitions", result.Metrics.Acquisitions),
				zap.Int("coverageVisited", result.Metrics.CoverageVisited),
				zap.Duration("duration", result.Metrics.Duration))
			return nil
		},
	}

	runCmd.Flags().StringVar(&name, "name", "experiment", "experiment name")
	runCmd.Flags().StringVar(&preset, "preset", string(experiment.PresetTimeSeries), "experiment preset: time_series, sample_mapping, cell_tracking")
	runCmd.Flags().StringSliceVar(&channels, "channels", []string{"DAPI"}, "channels to acquire (time_series)")
	runCmd.Flags().IntVar(&frames, "frames", 5, "number of frames to acquire (time_series)")
	runCmd.Flags().Float64Var(&width, "width", 200, "region width in um (sample_mapping)")
	runCmd.Flags().Float64Var(&height, "height", 200, "region height in um (sample_mapping)")
	runCmd.Flags().Float64Var(&resolution, "resolution", 40, "grid resolution in um")
	runCmd.Flags().IntVar(&minCells, "min-cells", 3, "minimum cells to find (cell_tracking)")
	runCmd.Flags().DurationVar(&trackFor, "track-for", 2*time.Minute, "tracking duration (cell_tracking)")
	runCmd.Flags().DurationVar(&trackInterval, "track-every", 10*time.Second, "tracking revisit interval (cell_tracking)")
	runCmd.Flags().Float64Var(&focusThreshold, "focus-threshold", 0.6, "minimum focus quality before acquiring")
	runCmd.Flags().DurationVar(&maxDuration, "max-duration", 0, "stop after this wall-clock time (0 disables)")
	runCmd.Flags().IntVar(&cellTarget, "cell-target", 0, "stop once this many cells are perceived (0 disables)")
	runCmd.Flags().IntVar(&coverageTarget, "coverage-target", 0, "stop once this many positions were observed (0 disables)")
	runCmd.Flags().StringVar(&output, "output", "", "path to write the brotli-compressed result archive")
	runCmd.Flags().StringVar(&omePath, "ome", "", "path to export acquisition metadata as OME XML")

	return runCmd
}
