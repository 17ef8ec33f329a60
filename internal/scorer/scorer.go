// Package scorer provides the pluggable anomaly-scoring implementations.
// A scorer is trained once on a reference batch, frozen into a versioned
// model artifact, and reused for scoring; retraining is an explicit
// operator-triggered batch job.
package scorer

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-agri/heron/internal/domain"
)

// ErrModelUnavailable is returned when scoring is requested without a
// trained model reference. Fatal for the whole batch; the run is deferred
// and retried.
var ErrModelUnavailable = errors.New("MODEL_UNAVAILABLE")

// FromArtifact reconstructs a scorer from a trained model artifact.
func FromArtifact(m *domain.ModelArtifact) (domain.Scorer, error) {
	if m == nil {
		return nil, ErrModelUnavailable
	}
	switch m.Kind {
	case domain.ModelBaseline:
		return loadBaseline(m)
	case domain.ModelIsolationForest:
		return loadForest(m)
	default:
		return nil, fmt.Errorf("unknown model kind: %s", m.Kind)
	}
}

// Train fits a model of the given kind on a reference batch and returns the
// versioned artifact.
func Train(kind string, vectors []domain.FeatureVector, contamination float64) (*domain.ModelArtifact, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("training requires a non-empty reference batch")
	}
	if contamination <= 0 || contamination >= 0.5 {
		return nil, fmt.Errorf("%w: contamination must be in (0,0.5), got %v", domain.ErrConfigInvalid, contamination)
	}

	switch kind {
	case domain.ModelBaseline:
		return trainBaseline(vectors, contamination)
	case domain.ModelIsolationForest:
		return trainForest(vectors, contamination)
	default:
		return nil, fmt.Errorf("unknown model kind: %s", kind)
	}
}

func newVersion(kind string) string {
	return fmt.Sprintf("%s-%s-%s", kind, time.Now().UTC().Format("20060102T150405Z"), uuid.New().String()[:8])
}

// quantile returns the q-th (0..1) quantile of values. Input is not
// modified.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
