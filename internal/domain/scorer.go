package domain

import "time"

// Scorer is the pluggable anomaly-scoring capability: feature vector in,
// score out. Implementations must be safe for concurrent use; a scorer is
// read-only reference data within a batch run.
type Scorer interface {
	// Score returns a real-valued anomaly score (higher = more anomalous,
	// 0..1) and whether the vector is an outlier under the scorer's
	// trained threshold.
	Score(features FeatureVector) (float64, bool)

	// Version identifies the trained model artifact backing this scorer.
	Version() string
}

// Model artifact kinds.
const (
	ModelBaseline        = "baseline"
	ModelIsolationForest = "isolation_forest"
)

// ModelArtifact is an explicitly versioned, immutable trained model.
// Retraining produces a new artifact; in-flight scoring keeps the version
// it started with.
type ModelArtifact struct {
	Version string `json:"version"`
	Kind    string `json:"kind"`

	// Params is the kind-specific serialized model state.
	Params []byte `json:"params"`

	// Contamination is the expected outlier fraction used to fix the
	// outlier threshold at training time.
	Contamination float64 `json:"contamination"`

	SampleCount int       `json:"sampleCount"`
	TrainedAt   time.Time `json:"trainedAt"`
}
