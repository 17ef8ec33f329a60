// Package risk aggregates per-entity fraud signals into a composite score,
// a risk tier, and an explainable signal breakdown.
package risk

import (
	"math"
	"sort"
	"time"

	"github.com/opensource-agri/heron/internal/domain"
)

// EntityInput collects everything observed about one dealer or farmer
// within a batch run.
type EntityInput struct {
	EntityID   string
	EntityKind string

	OverEntitlementCount  int
	UnentitledCount       int
	HardBlockCount        int
	ImpossibleTravelCount int
	OutOfRegionCount      int
	HotspotCount          int

	// AvgQtyFlagged marks dealers whose average quantity per transaction
	// falls in the configured top percentile.
	AvgQtyFlagged bool
	AvgQty        float64

	AnomalyScores []float64

	// AuditScore is the strongest triggered audit-rule score, already
	// scaled by the rule's own weight and clamped to 0..1.
	AuditScore float64
}

// Aggregator combines entity signals under a named weight profile.
// Weights and cutoffs are configuration loaded at batch-run start, never
// hardcoded.
type Aggregator struct {
	weights domain.WeightProfile
	cutoffs domain.TierCutoffs
}

// NewAggregator creates an aggregator for one batch run.
func NewAggregator(weights domain.WeightProfile, cutoffs domain.TierCutoffs) *Aggregator {
	return &Aggregator{weights: weights, cutoffs: cutoffs}
}

// Aggregate produces the entity's risk flag. The composite score is the
// weighted sum of normalized signal values, capped at 1.0; the returned
// breakdown always reproduces it, so explainability is testable, not a
// display concern.
func (a *Aggregator) Aggregate(in *EntityInput, batchID string) *domain.RiskFlag {
	signals := a.signals(in)

	var score float64
	for i := range signals {
		signals[i].Contribution = signals[i].Value * signals[i].Weight
		score += signals[i].Contribution
	}
	if score > 1 {
		score = 1
	}

	// Largest contributors first; ties broken by name for determinism.
	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].Contribution != signals[j].Contribution {
			return signals[i].Contribution > signals[j].Contribution
		}
		return signals[i].Name < signals[j].Name
	})

	return &domain.RiskFlag{
		EntityID:   in.EntityID,
		EntityKind: in.EntityKind,
		Tier:       a.cutoffs.TierFor(score),
		Score:      score,
		Signals:    signals,
		BatchID:    batchID,
		UpdatedAt:  time.Now().UTC(),
	}
}

// signals builds the raw signal list. Only signals that fired are listed;
// a zero-valued signal contributes nothing and would only pad the
// breakdown.
func (a *Aggregator) signals(in *EntityInput) []domain.SignalContribution {
	var out []domain.SignalContribution

	add := func(name string, value float64) {
		if value <= 0 {
			return
		}
		out = append(out, domain.SignalContribution{
			Name:   name,
			Value:  value,
			Weight: a.weights.Weights[name],
		})
	}

	add(domain.SignalOverEntitlement, saturate(in.OverEntitlementCount))
	add(domain.SignalUnentitled, saturate(in.UnentitledCount))
	add(domain.SignalHardBlock, saturate(in.HardBlockCount))
	add(domain.SignalImpossibleTravel, saturate(in.ImpossibleTravelCount))
	add(domain.SignalOutOfRegion, saturate(in.OutOfRegionCount))
	add(domain.SignalDealerHotspot, saturate(in.HotspotCount))
	if in.AvgQtyFlagged {
		add(domain.SignalDealerAvgQty, 1)
	}

	if len(in.AnomalyScores) > 0 {
		var sum, max float64
		for _, s := range in.AnomalyScores {
			sum += s
			if s > max {
				max = s
			}
		}
		add(domain.SignalAnomalyMean, clamp01(sum/float64(len(in.AnomalyScores))))
		add(domain.SignalAnomalyMax, clamp01(max))
	}

	add(domain.SignalAuditRules, clamp01(in.AuditScore))

	return out
}

// saturate maps a violation count to 0..1, reaching full strength at three
// occurrences. Strictly non-decreasing in the count, which keeps the
// composite score monotone in every violation signal.
func saturate(count int) float64 {
	if count <= 0 {
		return 0
	}
	return math.Min(1, float64(count)/3)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
