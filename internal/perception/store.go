// Package perception owns the authoritative interpreted understanding of the
// sample for one run. The store is exclusively owned by that run's engine;
// everything leaving it is a deep-copied snapshot.
package perception

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/api/schemas"
)

// matchRadiusUm is the spatial identity radius: a detection without an
// entity ID closer than this to a known entity is the same entity.
const matchRadiusUm = 2.0

// mergedCacheSize bounds the dedup record of observation IDs already merged.
const mergedCacheSize = 4096

// Thresholds parameterize the derived queries used by built-in strategies.
type Thresholds struct {
	// Focus is the minimum focus quality considered in focus.
	Focus float64
	// CoverageDegree is how many observations of the current position count
	// as "seen enough"; beyond it NeedsNewPosition reports true.
	CoverageDegree int
}

// Store accumulates observations into a current perception. It is not safe
// for concurrent use; the engine serializes access per run.
type Store struct {
	current    schemas.Perception
	merged     *lru.Cache[string, struct{}]
	thresholds Thresholds
	gapStreak  int
	logger     *zap.Logger
}

// NewStore creates a store primed with the starting optical state.
func NewStore(initial schemas.FieldOfView, th Thresholds, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[string, struct{}](mergedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build merge dedup cache: %w", err)
	}
	return &Store{
		current: schemas.Perception{
			Timestamp:   time.Now(),
			Entities:    map[string]schemas.Entity{},
			FocusMap:    map[string]float64{},
			Coverage:    map[string]int{},
			Exposure:    map[string]float64{},
			FieldOfView: initial,
		},
		merged:     cache,
		thresholds: th,
		logger:     logger.Named("PerceptionStore"),
	}, nil
}

// Merge folds one analyzed observation into the current perception and
// returns the resulting snapshot. Merging the same observation ID twice is a
// no-op: entities are unioned on identity, so duplicates cannot appear.
//
// Entity merging is commutative; focus, coverage, and the field of view are
// not: the later observation wins.
func (s *Store) Merge(obs schemas.RawObservation, res schemas.AnalysisResult) schemas.Perception {
	if _, seen := s.merged.Get(obs.ID); seen {
		s.logger.Debug("Observation already merged, skipping", zap.String("observationID", obs.ID))
		return s.Snapshot()
	}
	s.merged.Add(obs.ID, struct{}{})

	posKey := obs.FieldOfView.Position.Key()

	for _, d := range res.Detections {
		id := d.EntityID
		if id == "" {
			id = s.matchOrAssign(d)
		}
		s.current.Entities[id] = schemas.Entity{
			ID:         id,
			Position:   d.Position,
			Type:       d.Type,
			Confidence: d.Confidence,
			Attributes: d.Attributes,
		}
	}

	s.current.FocusQuality = res.FocusScore
	s.current.FocusMap[posKey] = res.FocusScore
	s.current.Coverage[posKey]++
	if obs.FieldOfView.Channel != "" {
		s.current.Exposure[obs.FieldOfView.Channel] += obs.FieldOfView.ExposureMs
	}
	s.current.FieldOfView = obs.FieldOfView
	s.current.Timestamp = obs.AcquiredAt
	s.current.Seq++
	s.gapStreak = 0

	s.logger.Debug("Merged observation",
		zap.String("observationID", obs.ID),
		zap.Int("detections", len(res.Detections)),
		zap.Float64("focusScore", res.FocusScore),
		zap.Uint64("seq", s.current.Seq))

	return s.Snapshot()
}

// RecordGap notes a malformed or failed analysis: the observation is
// dropped, the run continues on stale perception. Returns the length of the
// current gap streak for health escalation.
func (s *Store) RecordGap(reason string) int {
	s.current.Gaps++
	s.gapStreak++
	s.logger.Warn("Perception gap, continuing on stale perception",
		zap.String("reason", reason),
		zap.Int("streak", s.gapStreak),
		zap.Int("total", s.current.Gaps))
	return s.gapStreak
}

// Snapshot returns a deep copy of the current perception.
func (s *Store) Snapshot() schemas.Perception {
	return s.current.Clone()
}

// HasFocus reports whether the latest focus quality clears the threshold.
func (s *Store) HasFocus() bool {
	return s.current.FocusQuality >= s.thresholds.Focus
}

// NeedsNewPosition reports whether the current position has been observed to
// the configured degree and the loop should move on.
func (s *Store) NeedsNewPosition() bool {
	return s.current.Coverage[s.current.FieldOfView.Position.Key()] >= s.thresholds.CoverageDegree
}

// Gaps returns the total perception gaps recorded this run.
func (s *Store) Gaps() int {
	return s.current.Gaps
}

// matchOrAssign resolves a detection without an entity ID against known
// entities by proximity, minting a fresh ID when nothing is close enough.
func (s *Store) matchOrAssign(d schemas.Detection) string {
	bestID := ""
	bestDist := matchRadiusUm
	for id, e := range s.current.Entities {
		if e.Type != d.Type {
			continue
		}
		if dist := e.Position.DistanceTo(d.Position); dist < bestDist {
			bestID, bestDist = id, dist
		}
	}
	if bestID != "" {
		return bestID
	}
	return uuid.NewString()
}
