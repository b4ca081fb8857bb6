package schemas

import (
	"fmt"
	"math"
)

// -- Spatial Types --

// StagePosition is a 3D stage coordinate in micrometers.
type StagePosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Key returns a stable identity key for the position, quantized to the
// smallest stage step (0.1 um). Positions closer than one step map to the
// same key, which is what coverage and focus bookkeeping rely on.
func (p StagePosition) Key() string {
	return fmt.Sprintf("%.1f,%.1f,%.1f", p.X, p.Y, p.Z)
}

// DistanceTo returns the euclidean distance to another position in micrometers.
func (p StagePosition) DistanceTo(o StagePosition) float64 {
	dx, dy, dz := p.X-o.X, p.Y-o.Y, p.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// FieldOfView describes the optical state a raw observation was (or will be)
// acquired under: where the stage is, which channel is selected, and the
// camera exposure.
type FieldOfView struct {
	Position   StagePosition `json:"position"`
	Channel    string        `json:"channel"`
	ExposureMs float64       `json:"exposure_ms"`
}

// -- Detected Entities --

// EntityType classifies a detected object in the sample.
type EntityType string

const (
	EntityCell      EntityType = "cell"
	EntityNucleus   EntityType = "nucleus"
	EntityMembrane  EntityType = "membrane"
	EntityOrganelle EntityType = "organelle"
	EntityCluster   EntityType = "protein_cluster"
)

// Entity is a detected object with its last known position and measured
// attributes. Entities are keyed by ID inside a Perception; repeated
// observations of the same entity update the existing record.
type Entity struct {
	ID         string             `json:"id"`
	Position   StagePosition      `json:"position"`
	Type       EntityType         `json:"type"`
	Confidence float64            `json:"confidence"`
	Attributes map[string]float64 `json:"attributes,omitempty"`
}
