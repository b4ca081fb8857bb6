// Package experiment is the top-level orchestration layer: it translates an
// experiment specification into a wired loop engine, supervises the run, and
// persists the result.
package experiment

import (
	"fmt"
	"time"

	"github.com/finchlab/scopeflow/api/schemas"
	"github.com/finchlab/scopeflow/internal/config"
	"github.com/finchlab/scopeflow/internal/strategy"
)

// Preset names a built-in experiment template.
type Preset string

const (
	// PresetTimeSeries focuses, then acquires a fixed number of frames
	// rotating through the configured channels.
	PresetTimeSeries Preset = "time_series"
	// PresetSampleMapping rasters a region and revisits poorly focused tiles.
	PresetSampleMapping Preset = "sample_mapping"
	// PresetCellTracking finds a population of cells and revisits each on an
	// interval.
	PresetCellTracking Preset = "cell_tracking"
)

// Region describes the stage area an experiment covers, centered on Center.
type Region struct {
	Center     schemas.StagePosition `mapstructure:"center" yaml:"center"`
	WidthUm    float64               `mapstructure:"width_um" yaml:"width_um"`
	HeightUm   float64               `mapstructure:"height_um" yaml:"height_um"`
	Resolution float64               `mapstructure:"resolution" yaml:"resolution"`
}

// Spec describes one experiment: which template to run, its parameters, and
// the stopping criteria layered on top.
type Spec struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Preset Preset `mapstructure:"preset" yaml:"preset"`

	// Time series parameters.
	Channels []string `mapstructure:"channels" yaml:"channels"`
	Frames   int      `mapstructure:"frames" yaml:"frames"`

	// Mapping parameters.
	Region Region `mapstructure:"region" yaml:"region"`

	// Tracking parameters.
	MinCells      int           `mapstructure:"min_cells" yaml:"min_cells"`
	TrackFor      time.Duration `mapstructure:"track_for" yaml:"track_for"`
	TrackInterval time.Duration `mapstructure:"track_interval" yaml:"track_interval"`

	// FocusThreshold gates acquisition presets on focus quality.
	FocusThreshold float64 `mapstructure:"focus_threshold" yaml:"focus_threshold"`

	// OMEPath, when set, is where acquisition metadata is exported as OME XML
	// after the run.
	OMEPath string `mapstructure:"ome_path" yaml:"ome_path"`

	Stop StopCriteria `mapstructure:"stop" yaml:"stop"`
}

// Validate rejects specs that cannot be built into a strategy.
func (s Spec) Validate(channels config.ChannelConfig) error {
	switch s.Preset {
	case PresetTimeSeries:
		if s.Frames < 1 {
			return fmt.Errorf("time series needs frames >= 1")
		}
		if len(s.Channels) == 0 {
			return fmt.Errorf("time series needs at least one channel")
		}
		for _, ch := range s.Channels {
			if !channels.Has(ch) {
				return fmt.Errorf("channel %q not configured", ch)
			}
		}
	case PresetSampleMapping:
		if s.Region.WidthUm <= 0 || s.Region.HeightUm <= 0 || s.Region.Resolution <= 0 {
			return fmt.Errorf("sample mapping needs a positive region and resolution")
		}
	case PresetCellTracking:
		if s.MinCells < 1 {
			return fmt.Errorf("cell tracking needs min_cells >= 1")
		}
		if s.TrackFor <= 0 || s.TrackInterval <= 0 {
			return fmt.Errorf("cell tracking needs positive track_for and track_interval")
		}
	default:
		return fmt.Errorf("unknown preset %q", s.Preset)
	}
	return nil
}

// buildStrategy assembles the preset's strategy tree and wraps it in the
// spec's stopping criteria.
func buildStrategy(s Spec, channels config.ChannelConfig, now func() time.Time) (schemas.Strategy, error) {
	focusThreshold := s.FocusThreshold
	if focusThreshold <= 0 {
		focusThreshold = 0.6
	}

	var inner schemas.Strategy
	switch s.Preset {
	case PresetTimeSeries:
		inner = strategy.NewSequential(
			strategy.NewFocus(focusThreshold),
			strategy.NewAcquire(s.Channels, channels.Exposures, s.Frames),
		)
	case PresetSampleMapping:
		inner = strategy.NewMapSample(s.Region.Center, s.Region.WidthUm, s.Region.HeightUm, s.Region.Resolution)
	case PresetCellTracking:
		spacing := s.Region.Resolution
		if spacing <= 0 {
			spacing = 100
		}
		inner = strategy.NewSequential(
			strategy.NewFocus(focusThreshold),
			strategy.NewFindCells(schemas.EntityNucleus, s.MinCells, s.Region.Center, spacing),
			strategy.NewTrackDynamics(s.TrackFor, s.TrackInterval, now),
		)
	default:
		return nil, fmt.Errorf("unknown preset %q", s.Preset)
	}

	if s.Stop.enabled() {
		return newStopWrapper(inner, s.Stop, now), nil
	}
	return inner, nil
}
