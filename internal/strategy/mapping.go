package strategy

import (
	"github.com/finchlab/scopeflow/api/schemas"
)

// RasterGrid generates a centered raster of stage positions covering a
// width x height region (micrometers) at the given resolution. The grid is
// emitted row-major so runs over it are reproducible.
func RasterGrid(center schemas.StagePosition, width, height, resolution float64) []schemas.StagePosition {
	if resolution <= 0 {
		return nil
	}
	xSteps := int(width / resolution)
	ySteps := int(height / resolution)

	positions := make([]schemas.StagePosition, 0, (xSteps+1)*(ySteps+1))
	for j := -ySteps / 2; j <= ySteps/2; j++ {
		for i := -xSteps / 2; i <= xSteps/2; i++ {
			positions = append(positions, schemas.StagePosition{
				X: center.X + float64(i)*resolution,
				Y: center.Y + float64(j)*resolution,
				Z: center.Z,
			})
		}
	}
	return positions
}

// -- MapSample --

// MapSample observes every position of a raster grid, then revisits
// positions whose focus quality fell below the threshold, pairing the move
// with an autofocus sweep.
type MapSample struct {
	QualityThreshold float64
	positions        []schemas.StagePosition
	focusRangeUm     float64
	focusSteps       int
}

// NewMapSample maps a width x height region around center at the given
// resolution.
func NewMapSample(center schemas.StagePosition, width, height, resolution float64) *MapSample {
	return &MapSample{
		QualityThreshold: 0.7,
		positions:        RasterGrid(center, width, height, resolution),
		focusRangeUm:     10,
		focusSteps:       10,
	}
}

func (s *MapSample) NextAction(p schemas.Perception) *schemas.Action {
	for _, pos := range s.positions {
		if p.Coverage[pos.Key()] == 0 {
			a := schemas.MoveStage(pos)
			return &a
		}
	}
	for _, pos := range s.positions {
		if p.FocusMap[pos.Key()] < s.QualityThreshold {
			// Plain re-observation will not improve focus; sweep after moving.
			a := schemas.Composite(
				schemas.MoveStage(pos),
				schemas.AutoFocus(s.focusRangeUm, s.focusSteps),
			)
			return &a
		}
	}
	return nil
}

func (s *MapSample) IsComplete(p schemas.Perception) bool {
	for _, pos := range s.positions {
		if p.Coverage[pos.Key()] == 0 || p.FocusMap[pos.Key()] < s.QualityThreshold {
			return false
		}
	}
	return true
}

// -- FocusMap --

// FocusMap builds a focus map: for each listed position, move there and
// autofocus until the position's recorded focus clears the threshold.
type FocusMap struct {
	Threshold float64
	positions []schemas.StagePosition
	rangeUm   float64
	steps     int
}

// NewFocusMap builds a focus-mapping strategy over explicit positions.
func NewFocusMap(positions []schemas.StagePosition, threshold float64) *FocusMap {
	return &FocusMap{Threshold: threshold, positions: positions, rangeUm: 10, steps: 10}
}

func (s *FocusMap) NextAction(p schemas.Perception) *schemas.Action {
	here := p.FieldOfView.Position.Key()
	for _, pos := range s.positions {
		score, mapped := p.FocusMap[pos.Key()]
		if mapped && score >= s.Threshold {
			continue
		}
		if pos.Key() == here {
			a := schemas.AutoFocus(s.rangeUm, s.steps)
			return &a
		}
		a := schemas.MoveStage(pos)
		return &a
	}
	return nil
}

func (s *FocusMap) IsComplete(p schemas.Perception) bool {
	for _, pos := range s.positions {
		if score, mapped := p.FocusMap[pos.Key()]; !mapped || score < s.Threshold {
			return false
		}
	}
	return true
}

// -- MultiChannel --

// ChannelExposure pairs a channel with its acquisition exposure. Ordering is
// significant: channels are acquired in declaration order.
type ChannelExposure struct {
	Channel    string
	ExposureMs float64
}

// MultiChannel acquires each configured channel once at a fixed position,
// switching channels as needed. The acquisition cursor is private state,
// rolled back when a proposal is rejected.
type MultiChannel struct {
	Position  schemas.StagePosition
	Tolerance float64
	channels  []ChannelExposure
	cursor    int
}

// NewMultiChannel acquires the given channels in order at position.
func NewMultiChannel(position schemas.StagePosition, channels []ChannelExposure) *MultiChannel {
	return &MultiChannel{Position: position, Tolerance: 0.5, channels: channels}
}

func (s *MultiChannel) NextAction(p schemas.Perception) *schemas.Action {
	if s.cursor >= len(s.channels) {
		return nil
	}
	if p.FieldOfView.Position.DistanceTo(s.Position) > s.Tolerance {
		a := schemas.MoveStage(s.Position)
		return &a
	}
	ce := s.channels[s.cursor]
	if p.FieldOfView.Channel != ce.Channel {
		a := schemas.SetChannel(ce.Channel)
		return &a
	}
	s.cursor++
	a := schemas.Acquire(ce.Channel, ce.ExposureMs)
	return &a
}

func (s *MultiChannel) IsComplete(p schemas.Perception) bool {
	return s.cursor >= len(s.channels)
}

func (s *MultiChannel) NoteRejection(a schemas.Action, reason string) {
	if a.Kind == schemas.ActionAcquire && s.cursor > 0 {
		s.cursor--
	}
}
