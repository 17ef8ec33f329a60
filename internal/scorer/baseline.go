package scorer

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/opensource-agri/heron/internal/domain"
)

// Baseline is the statistical fallback scorer: per-feature z-scores against
// reference-batch statistics, squashed into 0..1. It keeps the composite
// pipeline testable without a trained outlier model.
type Baseline struct {
	version   string
	means     []float64
	stds      []float64
	threshold float64
}

type baselineParams struct {
	Means     []float64 `json:"means"`
	Stds      []float64 `json:"stds"`
	Threshold float64   `json:"threshold"`
}

func trainBaseline(vectors []domain.FeatureVector, contamination float64) (*domain.ModelArtifact, error) {
	dims := len(domain.FeatureNames)
	means := make([]float64, dims)
	stds := make([]float64, dims)

	n := float64(len(vectors))
	for _, fv := range vectors {
		for i, v := range fv.Values() {
			means[i] += v
		}
	}
	for i := range means {
		means[i] /= n
	}
	for _, fv := range vectors {
		for i, v := range fv.Values() {
			d := v - means[i]
			stds[i] += d * d
		}
	}
	for i := range stds {
		stds[i] = math.Sqrt(stds[i] / n)
	}

	b := &Baseline{means: means, stds: stds}

	// Fix the outlier threshold so that roughly the contamination fraction
	// of the reference batch scores above it.
	scores := make([]float64, len(vectors))
	for i, fv := range vectors {
		scores[i], _ = b.Score(fv)
	}
	b.threshold = quantile(scores, 1-contamination)

	params, err := json.Marshal(baselineParams{Means: means, Stds: stds, Threshold: b.threshold})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize baseline params: %w", err)
	}

	return &domain.ModelArtifact{
		Version:       newVersion(domain.ModelBaseline),
		Kind:          domain.ModelBaseline,
		Params:        params,
		Contamination: contamination,
		SampleCount:   len(vectors),
		TrainedAt:     time.Now().UTC(),
	}, nil
}

func loadBaseline(m *domain.ModelArtifact) (*Baseline, error) {
	var p baselineParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse baseline params: %w", err)
	}
	if len(p.Means) != len(domain.FeatureNames) || len(p.Stds) != len(domain.FeatureNames) {
		return nil, fmt.Errorf("baseline params dimension mismatch")
	}
	return &Baseline{
		version:   m.Version,
		means:     p.Means,
		stds:      p.Stds,
		threshold: p.Threshold,
	}, nil
}

// Score returns the mean absolute z-score across features, mapped to 0..1
// via z/(z+1). Features with zero reference variance are skipped.
func (b *Baseline) Score(fv domain.FeatureVector) (float64, bool) {
	var total float64
	var counted int
	for i, v := range fv.Values() {
		if b.stds[i] == 0 {
			continue
		}
		total += math.Abs(v-b.means[i]) / b.stds[i]
		counted++
	}
	if counted == 0 {
		return 0, false
	}
	z := total / float64(counted)
	score := z / (z + 1)
	return score, b.threshold > 0 && score > b.threshold
}

// Version identifies the backing artifact.
func (b *Baseline) Version() string { return b.version }
