package perception_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/api/schemas"
	"github.com/finchlab/scopeflow/internal/perception"
)

func newTestStore(t *testing.T) *perception.Store {
	t.Helper()
	store, err := perception.NewStore(
		schemas.FieldOfView{Channel: "DAPI", ExposureMs: 50},
		perception.Thresholds{Focus: 0.6, CoverageDegree: 1},
		zap.NewNop(),
	)
	require.NoError(t, err)
	return store
}

func observationAt(id string, pos schemas.StagePosition) schemas.RawObservation {
	return schemas.RawObservation{
		ID:          id,
		FieldOfView: schemas.FieldOfView{Position: pos, Channel: "DAPI", ExposureMs: 50},
		AcquiredAt:  time.Now(),
	}
}

func TestMergeIsIdempotentPerObservation(t *testing.T) {
	store := newTestStore(t)
	obs := observationAt("obs-1", schemas.StagePosition{X: 10, Y: 10})
	res := schemas.AnalysisResult{
		ObservationID: "obs-1",
		FocusScore:    0.8,
		Detections: []schemas.Detection{
			{Position: schemas.StagePosition{X: 11, Y: 11}, Type: schemas.EntityNucleus, Confidence: 0.9},
		},
	}

	first := store.Merge(obs, res)
	second := store.Merge(obs, res)

	assert.Len(t, first.Entities, 1)
	assert.Len(t, second.Entities, 1, "re-merging the same observation must not duplicate entities")
	assert.Equal(t, first.Seq, second.Seq, "a skipped merge must not advance the sequence")
	assert.Equal(t, 1, second.Coverage[obs.FieldOfView.Position.Key()])
}

func TestMergeMatchesEntitiesSpatially(t *testing.T) {
	store := newTestStore(t)
	pos := schemas.StagePosition{X: 100, Y: 100}

	store.Merge(observationAt("obs-1", pos), schemas.AnalysisResult{
		FocusScore: 0.7,
		Detections: []schemas.Detection{
			{Position: schemas.StagePosition{X: 100, Y: 100}, Type: schemas.EntityNucleus, Confidence: 0.5},
		},
	})
	// Second detection 1um away: same entity, updated in place.
	snap := store.Merge(observationAt("obs-2", pos), schemas.AnalysisResult{
		FocusScore: 0.7,
		Detections: []schemas.Detection{
			{Position: schemas.StagePosition{X: 101, Y: 100}, Type: schemas.EntityNucleus, Confidence: 0.9},
		},
	})
	require.Len(t, snap.Entities, 1)
	for _, e := range snap.Entities {
		assert.InDelta(t, 0.9, e.Confidence, 1e-9, "later observation updates the matched entity")
	}

	// Third detection beyond the match radius: a new entity.
	snap = store.Merge(observationAt("obs-3", pos), schemas.AnalysisResult{
		FocusScore: 0.7,
		Detections: []schemas.Detection{
			{Position: schemas.StagePosition{X: 110, Y: 100}, Type: schemas.EntityNucleus, Confidence: 0.8},
		},
	})
	assert.Len(t, snap.Entities, 2)
}

func TestMergeLaterWinsForOpticalState(t *testing.T) {
	store := newTestStore(t)
	posA := schemas.StagePosition{X: 0, Y: 0}
	posB := schemas.StagePosition{X: 50, Y: 0}

	store.Merge(observationAt("obs-1", posA), schemas.AnalysisResult{FocusScore: 0.9})
	snap := store.Merge(observationAt("obs-2", posB), schemas.AnalysisResult{FocusScore: 0.3})

	assert.Equal(t, posB, snap.FieldOfView.Position)
	assert.InDelta(t, 0.3, snap.FocusQuality, 1e-9, "focus quality reflects the latest observation")
	assert.InDelta(t, 0.9, snap.FocusMap[posA.Key()], 1e-9, "earlier position keeps its own focus entry")
}

func TestGapStreakResetsOnMerge(t *testing.T) {
	store := newTestStore(t)

	assert.Equal(t, 1, store.RecordGap("empty result"))
	assert.Equal(t, 2, store.RecordGap("empty result"))

	store.Merge(observationAt("obs-1", schemas.StagePosition{}), schemas.AnalysisResult{FocusScore: 0.5})
	assert.Equal(t, 1, store.RecordGap("empty result"), "a successful merge resets the streak")
	assert.Equal(t, 3, store.Gaps(), "total gap count keeps accumulating")
}

func TestSnapshotIsIsolatedFromStore(t *testing.T) {
	store := newTestStore(t)
	pos := schemas.StagePosition{X: 5, Y: 5}
	store.Merge(observationAt("obs-1", pos), schemas.AnalysisResult{
		FocusScore: 0.7,
		Detections: []schemas.Detection{
			{Position: pos, Type: schemas.EntityCell, Confidence: 0.9},
		},
	})

	snap := store.Snapshot()
	for id := range snap.Entities {
		delete(snap.Entities, id)
	}
	snap.Coverage["tampered"] = 99

	fresh := store.Snapshot()
	assert.Len(t, fresh.Entities, 1, "mutating a snapshot must not reach the store")
	assert.NotContains(t, fresh.Coverage, "tampered")
}
