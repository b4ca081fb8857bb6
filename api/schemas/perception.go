package schemas

import (
	"time"
)

// -- Raw Observation --

// Frame is a single-channel image as acquired from the camera.
type Frame struct {
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Pixels []uint16 `json:"-"`
}

// At returns the pixel value at (x, y). Out-of-bounds reads return zero so
// neighborhood operations near the border stay branch-free.
func (f Frame) At(x, y int) uint16 {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0
	}
	return f.Pixels[y*f.Width+x]
}

// RawObservation is sensor output prior to analysis: an image plus the
// optical state it was captured under. The ID is the identity key used for
// merge idempotence; feeding the same observation into a perception store
// twice must not duplicate entities.
type RawObservation struct {
	ID          string            `json:"id"`
	FieldOfView FieldOfView       `json:"field_of_view"`
	AcquiredAt  time.Time         `json:"acquired_at"`
	Frame       Frame             `json:"frame"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// -- Analysis Output --

// Detection is a single object found by the analysis collaborator.
type Detection struct {
	EntityID   string             `json:"entity_id"`
	Position   StagePosition      `json:"position"`
	Type       EntityType         `json:"type"`
	Confidence float64            `json:"confidence"`
	Attributes map[string]float64 `json:"attributes,omitempty"`
}

// AnalysisResult is the interpreted content of one raw observation.
type AnalysisResult struct {
	ObservationID string      `json:"observation_id"`
	Detections    []Detection `json:"detections"`
	FocusScore    float64     `json:"focus_score"`
	SignalToNoise float64     `json:"signal_to_noise"`
}

// Empty reports whether the result carries no usable information. An empty
// result is recorded as a perception gap, not merged.
func (r AnalysisResult) Empty() bool {
	return len(r.Detections) == 0 && r.FocusScore <= 0
}

// -- Perception --

// Perception is a point-in-time snapshot of the interpreted understanding of
// the sample. Snapshots are value objects: the engine hands them to
// strategies by value and strategies never mutate engine-owned state.
type Perception struct {
	Timestamp    time.Time          `json:"timestamp"`
	Seq          uint64             `json:"seq"`
	Entities     map[string]Entity  `json:"entities"`
	FocusQuality float64            `json:"focus_quality"`
	FocusMap     map[string]float64 `json:"focus_map"`
	Coverage     map[string]int     `json:"coverage"`
	FieldOfView  FieldOfView        `json:"field_of_view"`
	Gaps         int                `json:"gaps"`
	Exposure     map[string]float64 `json:"exposure"`
}

// Clone returns a deep copy. The store snapshots through this so callers can
// never reach the store's internal maps.
func (p Perception) Clone() Perception {
	out := p
	out.Entities = make(map[string]Entity, len(p.Entities))
	for id, e := range p.Entities {
		if e.Attributes != nil {
			attrs := make(map[string]float64, len(e.Attributes))
			for k, v := range e.Attributes {
				attrs[k] = v
			}
			e.Attributes = attrs
		}
		out.Entities[id] = e
	}
	out.FocusMap = make(map[string]float64, len(p.FocusMap))
	for k, v := range p.FocusMap {
		out.FocusMap[k] = v
	}
	out.Coverage = make(map[string]int, len(p.Coverage))
	for k, v := range p.Coverage {
		out.Coverage[k] = v
	}
	out.Exposure = make(map[string]float64, len(p.Exposure))
	for k, v := range p.Exposure {
		out.Exposure[k] = v
	}
	return out
}

// EntityCount returns the number of entities at or above the given
// confidence, optionally filtered by type (empty type matches all).
func (p Perception) EntityCount(minConfidence float64, t EntityType) int {
	n := 0
	for _, e := range p.Entities {
		if e.Confidence >= minConfidence && (t == "" || e.Type == t) {
			n++
		}
	}
	return n
}

// ObservedDegree returns how many times the given position has been observed.
func (p Perception) ObservedDegree(pos StagePosition) int {
	return p.Coverage[pos.Key()]
}
