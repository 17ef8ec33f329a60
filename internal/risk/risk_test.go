package risk

import (
	"math"
	"testing"
	"time"

	"github.com/opensource-agri/heron/internal/domain"
)

func testAggregator() *Aggregator {
	return NewAggregator(domain.DefaultWeights(), domain.TierCutoffs{Medium: 0.3, High: 0.6, Critical: 0.85})
}

func TestSaturate(t *testing.T) {
	cases := []struct {
		count int
		want  float64
	}{
		{0, 0},
		{-1, 0},
		{1, 1.0 / 3},
		{2, 2.0 / 3},
		{3, 1},
		{10, 1},
	}
	for _, c := range cases {
		if got := saturate(c.count); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("saturate(%d) = %v, want %v", c.count, got, c.want)
		}
	}
}

func TestAggregate(t *testing.T) {
	agg := testAggregator()

	t.Run("CleanEntityIsLowTier", func(t *testing.T) {
		flag := agg.Aggregate(&EntityInput{EntityID: "F-1", EntityKind: domain.EntityFarmer}, "batch-1")

		if flag.Score != 0 {
			t.Errorf("expected score 0, got %v", flag.Score)
		}
		if flag.Tier != domain.TierLow {
			t.Errorf("expected LOW tier, got %s", flag.Tier)
		}
		if len(flag.Signals) != 0 {
			t.Errorf("clean entity must have no signals, got %v", flag.Signals)
		}
	})

	t.Run("BreakdownReproducesScore", func(t *testing.T) {
		flag := agg.Aggregate(&EntityInput{
			EntityID:              "F-1",
			EntityKind:            domain.EntityFarmer,
			OverEntitlementCount:  2,
			HardBlockCount:        1,
			ImpossibleTravelCount: 1,
			AnomalyScores:         []float64{0.2, 0.8},
			AuditScore:            0.4,
		}, "batch-1")

		var sum float64
		for _, s := range flag.Signals {
			if s.Contribution != s.Value*s.Weight {
				t.Errorf("signal %s contribution %v != value %v x weight %v", s.Name, s.Contribution, s.Value, s.Weight)
			}
			sum += s.Contribution
		}
		if sum > 1 {
			sum = 1
		}
		if math.Abs(sum-flag.Score) > 1e-9 {
			t.Errorf("capped contribution sum %v must equal score %v", sum, flag.Score)
		}
	})

	t.Run("ScoreCappedAtOne", func(t *testing.T) {
		flag := agg.Aggregate(&EntityInput{
			EntityID:              "F-1",
			EntityKind:            domain.EntityFarmer,
			OverEntitlementCount:  9,
			UnentitledCount:       9,
			HardBlockCount:        9,
			ImpossibleTravelCount: 9,
			OutOfRegionCount:      9,
			HotspotCount:          9,
		}, "batch-1")

		if flag.Score != 1 {
			t.Errorf("expected capped score 1, got %v", flag.Score)
		}
		if flag.Tier != domain.TierCritical {
			t.Errorf("expected CRITICAL tier, got %s", flag.Tier)
		}
	})

	t.Run("SignalsOrderedByContribution", func(t *testing.T) {
		flag := agg.Aggregate(&EntityInput{
			EntityID:             "F-1",
			EntityKind:           domain.EntityFarmer,
			OverEntitlementCount: 1,
			UnentitledCount:      3,
			OutOfRegionCount:     1,
		}, "batch-1")

		for i := 1; i < len(flag.Signals); i++ {
			prev, cur := flag.Signals[i-1], flag.Signals[i]
			if prev.Contribution < cur.Contribution {
				t.Errorf("signals out of order: %s (%v) before %s (%v)", prev.Name, prev.Contribution, cur.Name, cur.Contribution)
			}
			if prev.Contribution == cur.Contribution && prev.Name > cur.Name {
				t.Errorf("tied signals must order by name: %s before %s", prev.Name, cur.Name)
			}
		}
		if flag.Signals[0].Name != domain.SignalUnentitled {
			t.Errorf("expected unentitled to dominate, got %s", flag.Signals[0].Name)
		}
	})

	t.Run("MonotoneInViolationCount", func(t *testing.T) {
		prev := -1.0
		for count := 0; count <= 5; count++ {
			flag := agg.Aggregate(&EntityInput{
				EntityID:             "F-1",
				EntityKind:           domain.EntityFarmer,
				OverEntitlementCount: count,
			}, "batch-1")
			if flag.Score < prev {
				t.Errorf("score decreased at count %d: %v < %v", count, flag.Score, prev)
			}
			prev = flag.Score
		}
	})

	t.Run("AnomalySignals", func(t *testing.T) {
		flag := agg.Aggregate(&EntityInput{
			EntityID:      "F-1",
			EntityKind:    domain.EntityFarmer,
			AnomalyScores: []float64{0.4, 0.8},
		}, "batch-1")

		byName := map[string]domain.SignalContribution{}
		for _, s := range flag.Signals {
			byName[s.Name] = s
		}
		if got := byName[domain.SignalAnomalyMean].Value; math.Abs(got-0.6) > 1e-9 {
			t.Errorf("expected anomaly mean 0.6, got %v", got)
		}
		if got := byName[domain.SignalAnomalyMax].Value; got != 0.8 {
			t.Errorf("expected anomaly max 0.8, got %v", got)
		}
	})

	t.Run("DealerAvgQtySignal", func(t *testing.T) {
		flag := agg.Aggregate(&EntityInput{
			EntityID:      "D-1",
			EntityKind:    domain.EntityDealer,
			AvgQtyFlagged: true,
			AvgQty:        450,
		}, "batch-1")

		found := false
		for _, s := range flag.Signals {
			if s.Name == domain.SignalDealerAvgQty && s.Value == 1 {
				found = true
			}
		}
		if !found {
			t.Errorf("expected dealer_avg_qty signal, got %v", flag.Signals)
		}
	})

	t.Run("FlagCarriesBatchAndEntity", func(t *testing.T) {
		before := time.Now().UTC()
		flag := agg.Aggregate(&EntityInput{EntityID: "D-9", EntityKind: domain.EntityDealer, HotspotCount: 1}, "batch-42")

		if flag.EntityID != "D-9" || flag.EntityKind != domain.EntityDealer || flag.BatchID != "batch-42" {
			t.Errorf("unexpected flag identity: %+v", flag)
		}
		if flag.UpdatedAt.Before(before) {
			t.Error("UpdatedAt must be set at aggregation time")
		}
	})
}

func TestTierCutoffs(t *testing.T) {
	agg := testAggregator()

	cases := []struct {
		name  string
		input EntityInput
		tier  string
	}{
		// unentitled x3 saturates: 1.0 x 0.55 = 0.55 -> MEDIUM
		{"Medium", EntityInput{UnentitledCount: 3}, domain.TierMedium},
		// + out_of_region x1: 0.55 + (1/3 x 0.35) = 0.667 -> HIGH
		{"High", EntityInput{UnentitledCount: 3, OutOfRegionCount: 1}, domain.TierHigh},
		// + hard_block x3: 0.667 + 0.65 capped at 1.0 -> CRITICAL
		{"Critical", EntityInput{UnentitledCount: 3, OutOfRegionCount: 1, HardBlockCount: 3}, domain.TierCritical},
		// impossible_travel x3 saturates: 1.0 x 0.65 = 0.65 -> HIGH
		{"RepeatedImpossibleTravel", EntityInput{ImpossibleTravelCount: 3}, domain.TierHigh},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			in := c.input
			in.EntityID, in.EntityKind = "F-1", domain.EntityFarmer
			flag := agg.Aggregate(&in, "batch-1")
			if flag.Tier != c.tier {
				t.Errorf("expected tier %s for score %v, got %s", c.tier, flag.Score, flag.Tier)
			}
		})
	}
}

func TestAccumulator(t *testing.T) {
	etx := func(txID, farmerID, dealerID, class string, hardBlock bool, geoFlags []string, anomaly float64) *domain.EnrichedTransaction {
		return &domain.EnrichedTransaction{
			Tx: &domain.POSTransaction{
				ID:       txID,
				FarmerID: farmerID,
				DealerID: dealerID,
				Item:     "fertilizer",
				Quantity: 100,
			},
			Classification:    class,
			HardBlockExceeded: hardBlock,
			GeoFlags:          geoFlags,
			AnomalyScore:      anomaly,
		}
	}

	t.Run("ObserveFoldsIntoFarmerAndDealer", func(t *testing.T) {
		acc := NewAccumulator()
		acc.Observe(etx("TX-1", "F-1", "D-1", domain.ClassOverEntitlement, true,
			[]string{domain.FlagImpossibleTravel, domain.FlagOutOfRegion}, 0.7), nil)

		entities := acc.Entities()
		farmer := entities[domain.EntityFarmer+":F-1"]
		dealer := entities[domain.EntityDealer+":D-1"]
		if farmer == nil || dealer == nil {
			t.Fatalf("expected farmer and dealer entities, got %v", entities)
		}

		for _, e := range []*EntityInput{farmer, dealer} {
			if e.OverEntitlementCount != 1 || e.HardBlockCount != 1 {
				t.Errorf("entity %s: unexpected counts %+v", e.EntityID, e)
			}
			if e.ImpossibleTravelCount != 1 || e.OutOfRegionCount != 1 {
				t.Errorf("entity %s: unexpected geo counts %+v", e.EntityID, e)
			}
			if len(e.AnomalyScores) != 1 || e.AnomalyScores[0] != 0.7 {
				t.Errorf("entity %s: unexpected anomaly scores %v", e.EntityID, e.AnomalyScores)
			}
		}
		if farmer.EntityID != "F-1" || dealer.EntityID != "D-1" {
			t.Errorf("entity IDs must be raw IDs, got %s / %s", farmer.EntityID, dealer.EntityID)
		}
	})

	t.Run("AuditScoreKeepsStrongestFlaggedRule", func(t *testing.T) {
		acc := NewAccumulator()
		results := []domain.RuleResult{
			{RuleID: "a", Outcome: domain.RuleOutcomeFlag, Score: 0.5, Weight: 0.6},
			{RuleID: "b", Outcome: domain.RuleOutcomeFlag, Score: 1.0, Weight: 0.8},
			{RuleID: "c", Outcome: domain.RuleOutcomePass, Score: 1.0, Weight: 1.0},
			{RuleID: "d", Outcome: domain.RuleOutcomeError, Score: 1.0, Weight: 1.0},
		}
		acc.Observe(etx("TX-1", "F-1", "D-1", domain.ClassNormal, false, nil, 0), results)

		farmer := acc.Entities()[domain.EntityFarmer+":F-1"]
		if math.Abs(farmer.AuditScore-0.8) > 1e-9 {
			t.Errorf("expected audit score 0.8 from the strongest flagged rule, got %v", farmer.AuditScore)
		}
	})

	t.Run("SetDealerStats", func(t *testing.T) {
		acc := NewAccumulator()
		acc.SetDealerStats("D-1", 425.5, true)

		dealer := acc.Entities()[domain.EntityDealer+":D-1"]
		if dealer == nil || dealer.AvgQty != 425.5 || !dealer.AvgQtyFlagged {
			t.Errorf("unexpected dealer stats: %+v", dealer)
		}
	})

	t.Run("CountsAccumulateAcrossTransactions", func(t *testing.T) {
		acc := NewAccumulator()
		acc.Observe(etx("TX-1", "F-1", "D-1", domain.ClassUnentitled, false, nil, 0.1), nil)
		acc.Observe(etx("TX-2", "F-1", "D-2", domain.ClassUnentitled, false, nil, 0.2), nil)

		farmer := acc.Entities()[domain.EntityFarmer+":F-1"]
		if farmer.UnentitledCount != 2 {
			t.Errorf("expected 2 unentitled observations, got %d", farmer.UnentitledCount)
		}
		if len(farmer.AnomalyScores) != 2 {
			t.Errorf("expected 2 anomaly scores, got %v", farmer.AnomalyScores)
		}

		d2 := acc.Entities()[domain.EntityDealer+":D-2"]
		if d2.UnentitledCount != 1 {
			t.Errorf("dealer D-2 saw one transaction, got %d", d2.UnentitledCount)
		}
	})
}
