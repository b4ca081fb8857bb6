package strategy

import (
	"sort"
	"time"

	"github.com/finchlab/scopeflow/api/schemas"
)

// -- Focus --

// Focus drives the focus quality up to a threshold with autofocus sweeps.
type Focus struct {
	Threshold float64
	RangeUm   float64
	Steps     int
}

// NewFocus returns a focus strategy with a default 10 um / 10 step sweep.
func NewFocus(threshold float64) *Focus {
	return &Focus{Threshold: threshold, RangeUm: 10, Steps: 10}
}

func (s *Focus) NextAction(p schemas.Perception) *schemas.Action {
	if p.FocusQuality >= s.Threshold {
		return nil
	}
	a := schemas.AutoFocus(s.RangeUm, s.Steps)
	return &a
}

func (s *Focus) IsComplete(p schemas.Perception) bool {
	return p.FocusQuality >= s.Threshold
}

// -- Acquire --

// Acquire proposes a fixed number of acquisitions, rotating through its
// channel list. The proposal counter is private strategy state, advanced
// only inside NextAction and rolled back on rejection.
type Acquire struct {
	channels  []string
	exposures map[string]float64
	count     int
	proposed  int
}

// NewAcquire builds an acquisition strategy over the given channels with
// per-channel exposures.
func NewAcquire(channels []string, exposures map[string]float64, count int) *Acquire {
	return &Acquire{channels: channels, exposures: exposures, count: count}
}

func (s *Acquire) NextAction(p schemas.Perception) *schemas.Action {
	if s.proposed >= s.count || len(s.channels) == 0 {
		return nil
	}
	ch := s.channels[s.proposed%len(s.channels)]
	s.proposed++
	a := schemas.Acquire(ch, s.exposures[ch])
	return &a
}

func (s *Acquire) IsComplete(p schemas.Perception) bool {
	return s.proposed >= s.count
}

// NoteRejection rolls the counter back so the same slot is re-proposed (or
// re-decided) next cycle instead of being silently skipped.
func (s *Acquire) NoteRejection(a schemas.Action, reason string) {
	if s.proposed > 0 {
		s.proposed--
	}
}

// -- FindCells --

// FindCells hunts for a minimum number of confidently detected entities of
// one type, walking a search grid and revisiting low-confidence detections.
type FindCells struct {
	Type          schemas.EntityType
	MinCount      int
	MinConfidence float64

	grid      []schemas.StagePosition
	cursor    int
	center    schemas.StagePosition
	spacing   float64
	gridSpan  int
	expansion int
}

// NewFindCells builds a cell search around center with the given grid
// spacing in micrometers.
func NewFindCells(t schemas.EntityType, minCount int, center schemas.StagePosition, spacing float64) *FindCells {
	s := &FindCells{
		Type:          t,
		MinCount:      minCount,
		MinConfidence: 0.8,
		center:        center,
		spacing:       spacing,
		gridSpan:      3,
	}
	s.grid = RasterGrid(center, float64(s.gridSpan)*spacing, float64(s.gridSpan)*spacing, spacing)
	return s
}

func (s *FindCells) NextAction(p schemas.Perception) *schemas.Action {
	if s.IsComplete(p) {
		return nil
	}

	if p.EntityCount(0, s.Type) < s.MinCount {
		if s.cursor >= len(s.grid) {
			// Grid exhausted without enough detections: widen the search.
			s.expansion++
			span := float64(s.gridSpan+2*s.expansion) * s.spacing
			s.grid = RasterGrid(s.center, span, span, s.spacing)
			s.cursor = 0
		}
		pos := s.grid[s.cursor]
		s.cursor++
		a := schemas.MoveStage(pos)
		return &a
	}

	// Enough detections, but some lack confidence: revisit the weakest.
	if e, ok := weakestEntity(p, s.Type, s.MinConfidence); ok {
		a := schemas.MoveStage(e.Position)
		return &a
	}
	return nil
}

func (s *FindCells) IsComplete(p schemas.Perception) bool {
	return p.EntityCount(s.MinConfidence, s.Type) >= s.MinCount
}

// weakestEntity returns the lowest-confidence entity of the given type below
// the threshold, with ID order breaking ties for determinism.
func weakestEntity(p schemas.Perception, t schemas.EntityType, threshold float64) (schemas.Entity, bool) {
	ids := make([]string, 0, len(p.Entities))
	for id, e := range p.Entities {
		if (t == "" || e.Type == t) && e.Confidence < threshold {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return schemas.Entity{}, false
	}
	sort.Strings(ids)
	best := p.Entities[ids[0]]
	for _, id := range ids[1:] {
		if e := p.Entities[id]; e.Confidence < best.Confidence {
			best = e
		}
	}
	return best, true
}

// -- TrackDynamics --

// TrackDynamics revisits known entities on an interval schedule until a
// deadline. The clock is injectable so schedules are testable.
type TrackDynamics struct {
	Interval time.Duration
	deadline time.Time
	next     map[string]time.Time
	now      func() time.Time
}

// NewTrackDynamics tracks entities for the given duration, revisiting each
// at most once per interval.
func NewTrackDynamics(duration, interval time.Duration, now func() time.Time) *TrackDynamics {
	if now == nil {
		now = time.Now
	}
	return &TrackDynamics{
		Interval: interval,
		deadline: now().Add(duration),
		next:     map[string]time.Time{},
		now:      now,
	}
}

func (s *TrackDynamics) NextAction(p schemas.Perception) *schemas.Action {
	now := s.now()
	if !now.Before(s.deadline) {
		return nil
	}

	// Newly perceived entities join the schedule immediately due.
	for id := range p.Entities {
		if _, ok := s.next[id]; !ok {
			s.next[id] = now
		}
	}

	due := make([]string, 0, len(s.next))
	for id, t := range s.next {
		if _, known := p.Entities[id]; known && !t.After(now) {
			due = append(due, id)
		}
	}
	if len(due) == 0 {
		return nil // let time advance until something is due
	}
	sort.Strings(due)

	id := due[0]
	s.next[id] = now.Add(s.Interval)
	a := schemas.MoveStage(p.Entities[id].Position)
	return &a
}

func (s *TrackDynamics) IsComplete(p schemas.Perception) bool {
	return !s.now().Before(s.deadline)
}
