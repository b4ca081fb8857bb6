package analysis_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/api/schemas"
	"github.com/finchlab/scopeflow/internal/analysis"
)

// blobFrame renders a flat background with one Gaussian spot.
func blobFrame(width, height int, cx, cy, sigma, peak float64) schemas.Frame {
	pixels := make([]uint16, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			v := 200 + peak*math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			pixels[y*width+x] = uint16(v)
		}
	}
	return schemas.Frame{Width: width, Height: height, Pixels: pixels}
}

func observationWithFrame(f schemas.Frame) schemas.RawObservation {
	return schemas.RawObservation{
		ID: "obs-1",
		FieldOfView: schemas.FieldOfView{
			Position:   schemas.StagePosition{X: 100, Y: 200},
			Channel:    "DAPI",
			ExposureMs: 50,
		},
		Frame: f,
	}
}

func TestAnalyzeDetectsBrightObject(t *testing.T) {
	analyzer := analysis.NewThresholdAnalyzer(zap.NewNop())
	obs := observationWithFrame(blobFrame(64, 64, 32, 32, 3, 10000))

	res, err := analyzer.Analyze(context.Background(), obs)
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)

	d := res.Detections[0]
	assert.Equal(t, schemas.EntityNucleus, d.Type)
	assert.Empty(t, d.EntityID, "identity resolution belongs to the perception store")
	assert.Greater(t, d.Confidence, 0.0)
	// Blob at the frame center maps onto the stage position of the field.
	assert.InDelta(t, 100, d.Position.X, 1.0)
	assert.InDelta(t, 200, d.Position.Y, 1.0)
	assert.Greater(t, d.Attributes["area_px"], 15.0)
	assert.False(t, res.Empty())
}

func TestAnalyzeIgnoresTinySpecks(t *testing.T) {
	analyzer := analysis.NewThresholdAnalyzer(zap.NewNop())
	// A single hot pixel is below the minimum object area.
	f := blobFrame(64, 64, 10, 10, 0.1, 20000)
	res, err := analyzer.Analyze(context.Background(), observationWithFrame(f))
	require.NoError(t, err)
	assert.Empty(t, res.Detections)
}

func TestFocusScoreOrdersSharpAboveBlurred(t *testing.T) {
	analyzer := analysis.NewThresholdAnalyzer(zap.NewNop())

	sharp, err := analyzer.Analyze(context.Background(), observationWithFrame(blobFrame(64, 64, 32, 32, 2, 10000)))
	require.NoError(t, err)
	blurred, err := analyzer.Analyze(context.Background(), observationWithFrame(blobFrame(64, 64, 32, 32, 12, 2000)))
	require.NoError(t, err)

	assert.Greater(t, sharp.FocusScore, blurred.FocusScore,
		"a tight bright blob has stronger gradients than a smeared one")
}

func TestAnalyzeRejectsMalformedFrames(t *testing.T) {
	analyzer := analysis.NewThresholdAnalyzer(zap.NewNop())

	_, err := analyzer.Analyze(context.Background(), schemas.RawObservation{
		ID:    "bad",
		Frame: schemas.Frame{Width: 64, Height: 64, Pixels: make([]uint16, 10)},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrAnalysisFailure)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	analyzer := analysis.NewThresholdAnalyzer(zap.NewNop())
	obs := observationWithFrame(blobFrame(64, 64, 20, 40, 3, 9000))

	first, err := analyzer.Analyze(context.Background(), obs)
	require.NoError(t, err)
	second, err := analyzer.Analyze(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
