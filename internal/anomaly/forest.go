// Package anomaly scores the latest bar of a series against the bars before
// it with an isolation forest.
package anomaly

import (
	"errors"
	"math"

	"signal-kitchen/internal/domain"

	goiforest "github.com/narumiruna/go-iforest/pkg/iforest"
)

// FeatureNames lists the per-bar features in sample order.
var FeatureNames = []string{"log_return", "log_volume_ratio", "range_ratio"}

type Options struct {
	NumTrees   int
	SampleSize int
	// MinHistory is the number of bars the forest is fitted on before the
	// latest bar is scored.
	MinHistory int
}

func DefaultOptions() Options {
	return Options{NumTrees: 100, SampleSize: 64, MinHistory: 48}
}

type Detector struct {
	opts Options
}

func NewDetector(opts Options) *Detector {
	def := DefaultOptions()
	if opts.NumTrees <= 0 {
		opts.NumTrees = def.NumTrees
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = def.SampleSize
	}
	if opts.MinHistory <= 1 {
		opts.MinHistory = def.MinHistory
	}
	return &Detector{opts: opts}
}

var ErrInsufficientHistory = errors.New("insufficient history for anomaly score")

// ScoreLatest fits a forest on every bar but the last and returns the last
// bar's anomaly score in [0, 1].
func (d *Detector) ScoreLatest(series domain.Series) (float64, error) {
	samples := Features(series)
	if len(samples) < d.opts.MinHistory+1 {
		return 0, ErrInsufficientHistory
	}
	train := samples[:len(samples)-1]
	means, stds := fitNormalizer(train)

	sampleSize := d.opts.SampleSize
	if sampleSize > len(train) {
		sampleSize = len(train)
	}
	forest := goiforest.NewWithOptions(goiforest.Options{
		DetectionType: goiforest.DetectionTypeThreshold,
		Threshold:     0.6,
		NumTrees:      d.opts.NumTrees,
		SampleSize:    sampleSize,
	})
	forest.Fit(normalizeBatch(train, means, stds))

	scores := forest.Score([][]float64{normalize(samples[len(samples)-1], means, stds)})
	if len(scores) == 0 {
		return 0, errors.New("forest returned no score")
	}
	return clamp(scores[0]), nil
}

// Features turns each bar after the first into a feature vector. Bars with
// a non-positive previous close or volume are skipped.
func Features(series domain.Series) [][]float64 {
	pts := series.Points
	if len(pts) < 2 {
		return nil
	}
	var volMean float64
	for _, p := range pts {
		volMean += p.Volume
	}
	volMean /= float64(len(pts))

	out := make([][]float64, 0, len(pts)-1)
	for i := 1; i < len(pts); i++ {
		prev, cur := pts[i-1], pts[i]
		if prev.Close <= 0 || cur.Close <= 0 {
			continue
		}
		volRatio := 0.0
		if volMean > 0 && cur.Volume > 0 {
			volRatio = math.Log(cur.Volume / volMean)
		}
		out = append(out, []float64{
			math.Log(cur.Close / prev.Close),
			volRatio,
			(cur.High - cur.Low) / cur.Close,
		})
	}
	return out
}

func clamp(score float64) float64 {
	switch {
	case math.IsNaN(score) || math.IsInf(score, 0) || score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

func fitNormalizer(samples [][]float64) ([]float64, []float64) {
	featureCount := len(samples[0])
	means := make([]float64, featureCount)
	stds := make([]float64, featureCount)
	for j := 0; j < featureCount; j++ {
		for i := range samples {
			means[j] += samples[i][j]
		}
		means[j] /= float64(len(samples))
		for i := range samples {
			d := samples[i][j] - means[j]
			stds[j] += d * d
		}
		stds[j] = math.Sqrt(stds[j] / float64(len(samples)))
		if stds[j] == 0 {
			stds[j] = 1
		}
	}
	return means, stds
}

func normalizeBatch(samples [][]float64, means, stds []float64) [][]float64 {
	out := make([][]float64, len(samples))
	for i := range samples {
		out[i] = normalize(samples[i], means, stds)
	}
	return out
}

func normalize(in, means, stds []float64) []float64 {
	out := make([]float64, len(in))
	for i := range in {
		out[i] = (in[i] - means[i]) / stds[i]
	}
	return out
}
