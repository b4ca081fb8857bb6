// Package analysis turns raw camera frames into detections. The built-in
// analyzer segments bright objects with an adaptive intensity threshold and
// connected-component labeling, and scores focus from local image gradients.
package analysis

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/api/schemas"
)

const (
	// thresholdSigma sets the segmentation cutoff at mean + k*stddev of the
	// frame intensity.
	thresholdSigma = 2.0

	// minObjectArea discards components too small to be a nucleus at the
	// configured magnification.
	minObjectArea = 16

	// pixelSizeUm converts pixel centroids into stage offsets.
	pixelSizeUm = 0.65

	// focusNorm scales the mean gradient magnitude into a [0, 1] focus score.
	focusNorm = 5000.0
)

// ThresholdAnalyzer implements schemas.Analyzer with classical segmentation.
// It is deterministic: the same frame always yields the same detections with
// the same entity identifiers.
type ThresholdAnalyzer struct {
	logger *zap.Logger
}

// NewThresholdAnalyzer builds the default frame analyzer.
func NewThresholdAnalyzer(logger *zap.Logger) *ThresholdAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ThresholdAnalyzer{logger: logger.Named("Analyzer")}
}

// Analyze segments one observation's frame.
func (a *ThresholdAnalyzer) Analyze(ctx context.Context, obs schemas.RawObservation) (schemas.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return schemas.AnalysisResult{}, err
	}
	frame := obs.Frame
	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Pixels) < frame.Width*frame.Height {
		return schemas.AnalysisResult{}, fmt.Errorf("malformed frame %dx%d with %d pixels: %w",
			frame.Width, frame.Height, len(frame.Pixels), schemas.ErrAnalysisFailure)
	}

	mean, stddev := intensityStats(frame)
	threshold := mean + thresholdSigma*stddev
	components := labelComponents(frame, threshold)

	result := schemas.AnalysisResult{
		ObservationID: obs.ID,
		FocusScore:    focusScore(frame),
		SignalToNoise: signalToNoise(mean, stddev),
	}

	for _, comp := range components {
		if comp.area < minObjectArea {
			continue
		}
		cx, cy := comp.centroid()
		result.Detections = append(result.Detections, schemas.Detection{
			// EntityID stays empty: cross-frame identity is resolved
			// spatially by the perception store.
			Position:   pixelToStage(obs.FieldOfView, frame, cx, cy),
			Type:       schemas.EntityNucleus,
			Confidence: comp.confidence(threshold),
			Attributes: map[string]float64{
				"area_px":        float64(comp.area),
				"mean_intensity": comp.meanIntensity(),
			},
		})
	}

	a.logger.Debug("Frame analyzed",
		zap.String("observationID", obs.ID),
		zap.Int("detections", len(result.Detections)),
		zap.Float64("focusScore", result.FocusScore))
	return result, nil
}

type component struct {
	area         int
	sumX, sumY   int
	sumIntensity float64
	peak         uint16
}

func (c component) centroid() (float64, float64) {
	return float64(c.sumX) / float64(c.area), float64(c.sumY) / float64(c.area)
}

func (c component) meanIntensity() float64 {
	return c.sumIntensity / float64(c.area)
}

// confidence grows with how far the object's mean intensity clears the
// segmentation threshold, saturating at 1.
func (c component) confidence(threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	conf := (c.meanIntensity() - threshold) / threshold
	if conf < 0.1 {
		conf = 0.1
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

func intensityStats(f schemas.Frame) (mean, stddev float64) {
	n := float64(f.Width * f.Height)
	var sum, sumSq float64
	for _, p := range f.Pixels[:f.Width*f.Height] {
		v := float64(p)
		sum += v
		sumSq += v * v
	}
	mean = sum / n
	variance := sumSq/n - mean*mean
	if variance > 0 {
		stddev = math.Sqrt(variance)
	}
	return mean, stddev
}

// labelComponents runs 4-connected flood fill over above-threshold pixels.
// Components are emitted in raster order of their first pixel, which keeps
// labeling deterministic.
func labelComponents(f schemas.Frame, threshold float64) []component {
	visited := make([]bool, f.Width*f.Height)
	var comps []component

	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			idx := y*f.Width + x
			if visited[idx] || float64(f.Pixels[idx]) <= threshold {
				continue
			}
			comps = append(comps, floodFill(f, threshold, visited, x, y))
		}
	}
	return comps
}

func floodFill(f schemas.Frame, threshold float64, visited []bool, startX, startY int) component {
	var c component
	stack := [][2]int{{startX, startY}}
	visited[startY*f.Width+startX] = true

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := p[0], p[1]
		v := f.Pixels[y*f.Width+x]

		c.area++
		c.sumX += x
		c.sumY += y
		c.sumIntensity += float64(v)
		if v > c.peak {
			c.peak = v
		}

		for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			nx, ny := x+d[0], y+d[1]
			if nx < 0 || ny < 0 || nx >= f.Width || ny >= f.Height {
				continue
			}
			nidx := ny*f.Width + nx
			if visited[nidx] || float64(f.Pixels[nidx]) <= threshold {
				continue
			}
			visited[nidx] = true
			stack = append(stack, [2]int{nx, ny})
		}
	}
	return c
}

// focusScore is the mean absolute horizontal+vertical gradient, normalized
// into [0, 1]. Sharp frames have strong local gradients; defocused frames
// are smooth.
func focusScore(f schemas.Frame) float64 {
	if f.Width < 2 || f.Height < 2 {
		return 0
	}
	var total float64
	var count int
	for y := 0; y < f.Height-1; y++ {
		for x := 0; x < f.Width-1; x++ {
			v := float64(f.At(x, y))
			total += math.Abs(v-float64(f.At(x+1, y))) + math.Abs(v-float64(f.At(x, y+1)))
			count += 2
		}
	}
	score := total / float64(count) / focusNorm * 100
	if score > 1 {
		score = 1
	}
	return score
}

func signalToNoise(mean, stddev float64) float64 {
	if stddev == 0 {
		return 0
	}
	return mean / stddev
}

// pixelToStage maps a frame centroid to stage coordinates, with the frame
// center at the field of view's stage position.
func pixelToStage(fov schemas.FieldOfView, f schemas.Frame, cx, cy float64) schemas.StagePosition {
	return schemas.StagePosition{
		X: fov.Position.X + (cx-float64(f.Width)/2)*pixelSizeUm,
		Y: fov.Position.Y + (cy-float64(f.Height)/2)*pixelSizeUm,
		Z: fov.Position.Z,
	}
}
