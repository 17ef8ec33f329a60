package scorer

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/opensource-agri/heron/internal/domain"
)

// Forest is an isolation-forest outlier scorer. Anomalous vectors isolate
// in fewer random splits, so shorter average path lengths score higher.
type Forest struct {
	version    string
	trees      []*forestNode
	sampleSize int
	threshold  float64
}

// forestNode is a serializable isolation-tree node. Leaves carry the
// remaining sample size; internal nodes carry the split.
type forestNode struct {
	Feature int         `json:"f,omitempty"`
	Split   float64     `json:"s,omitempty"`
	Left    *forestNode `json:"l,omitempty"`
	Right   *forestNode `json:"r,omitempty"`
	Size    int         `json:"n,omitempty"`
}

type forestParams struct {
	Trees      []*forestNode `json:"trees"`
	SampleSize int           `json:"sampleSize"`
	Threshold  float64       `json:"threshold"`
}

const (
	forestTrees      = 100
	forestSampleSize = 256
	// forestSeed keeps training reproducible for a given reference batch.
	forestSeed = 1
)

func trainForest(vectors []domain.FeatureVector, contamination float64) (*domain.ModelArtifact, error) {
	data := make([][]float64, len(vectors))
	for i, fv := range vectors {
		data[i] = fv.Values()
	}

	sampleSize := forestSampleSize
	if sampleSize > len(data) {
		sampleSize = len(data)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize)))) + 1

	rng := rand.New(rand.NewSource(forestSeed))
	trees := make([]*forestNode, forestTrees)
	for t := range trees {
		sample := make([][]float64, sampleSize)
		for i := range sample {
			sample[i] = data[rng.Intn(len(data))]
		}
		trees[t] = buildTree(sample, 0, maxDepth, rng)
	}

	f := &Forest{trees: trees, sampleSize: sampleSize}

	scores := make([]float64, len(vectors))
	for i, fv := range vectors {
		scores[i], _ = f.Score(fv)
	}
	f.threshold = quantile(scores, 1-contamination)

	params, err := json.Marshal(forestParams{Trees: trees, SampleSize: sampleSize, Threshold: f.threshold})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize forest params: %w", err)
	}

	return &domain.ModelArtifact{
		Version:       newVersion(domain.ModelIsolationForest),
		Kind:          domain.ModelIsolationForest,
		Params:        params,
		Contamination: contamination,
		SampleCount:   len(vectors),
		TrainedAt:     time.Now().UTC(),
	}, nil
}

func loadForest(m *domain.ModelArtifact) (*Forest, error) {
	var p forestParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse forest params: %w", err)
	}
	if len(p.Trees) == 0 || p.SampleSize <= 0 {
		return nil, fmt.Errorf("forest params are empty")
	}
	return &Forest{
		version:    m.Version,
		trees:      p.Trees,
		sampleSize: p.SampleSize,
		threshold:  p.Threshold,
	}, nil
}

func buildTree(sample [][]float64, depth, maxDepth int, rng *rand.Rand) *forestNode {
	if len(sample) <= 1 || depth >= maxDepth {
		return &forestNode{Size: len(sample)}
	}

	feature := rng.Intn(len(domain.FeatureNames))
	lo, hi := sample[0][feature], sample[0][feature]
	for _, row := range sample[1:] {
		if row[feature] < lo {
			lo = row[feature]
		}
		if row[feature] > hi {
			hi = row[feature]
		}
	}
	if lo == hi {
		return &forestNode{Size: len(sample)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, row := range sample {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &forestNode{
		Feature: feature,
		Split:   split,
		Left:    buildTree(left, depth+1, maxDepth, rng),
		Right:   buildTree(right, depth+1, maxDepth, rng),
	}
}

// Score returns the standard isolation-forest anomaly score
// 2^(-E[h]/c(n)) in (0,1], and the outlier decision under the threshold
// fixed at training time.
func (f *Forest) Score(fv domain.FeatureVector) (float64, bool) {
	x := fv.Values()

	var total float64
	for _, tree := range f.trees {
		total += pathLength(tree, x, 0)
	}
	avg := total / float64(len(f.trees))

	score := math.Pow(2, -avg/avgPathLength(f.sampleSize))
	return score, f.threshold > 0 && score > f.threshold
}

// Version identifies the backing artifact.
func (f *Forest) Version() string { return f.version }

func pathLength(node *forestNode, x []float64, depth int) float64 {
	if node.Left == nil && node.Right == nil {
		return float64(depth) + avgPathLength(node.Size)
	}
	if x[node.Feature] < node.Split {
		return pathLength(node.Left, x, depth+1)
	}
	return pathLength(node.Right, x, depth+1)
}

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search over n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649 // Euler-Mascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}
