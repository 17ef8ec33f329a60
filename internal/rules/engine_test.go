package rules

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-agri/heron/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func ruleConfig(id, expr string) *domain.RuleConfig {
	return &domain.RuleConfig{
		ID:         id,
		Name:       id,
		Expression: expr,
		Weight:     0.5,
		Enabled:    true,
		Bands: []domain.RuleBand{
			{UpperLimit: FloatPtr(0.5), Outcome: domain.RuleOutcomePass, Reason: "below threshold"},
			{LowerLimit: FloatPtr(0.5), Outcome: domain.RuleOutcomeFlag, Reason: "triggered"},
		},
	}
}

func enrichedTx() *domain.EnrichedTransaction {
	ratio := 3.5
	return &domain.EnrichedTransaction{
		Tx: &domain.POSTransaction{
			ID:        "TX-1",
			FarmerID:  "F-1",
			DealerID:  "D-1",
			Item:      "fertilizer",
			Quantity:  700,
			UnitPrice: 26.5,
			Timestamp: time.Date(2026, 7, 15, 3, 30, 0, 0, time.UTC),
		},
		Classification:    domain.ClassOverEntitlement,
		ExcessRatio:       &ratio,
		HardBlockExceeded: true,
		GeoFlags:          []string{domain.FlagImpossibleTravel},
		AnomalyScore:      0.65,
	}
}

func TestCompileValidation(t *testing.T) {
	engine := newTestEngine(t)

	t.Run("ValidExpression", func(t *testing.T) {
		if err := engine.ValidateRule(ruleConfig("r1", "hard_block ? 1.0 : 0.0")); err != nil {
			t.Errorf("valid expression rejected: %v", err)
		}
	})

	t.Run("SyntaxError", func(t *testing.T) {
		if err := engine.ValidateRule(ruleConfig("r1", "quantity >>> 5")); err == nil {
			t.Error("expected compile error for bad syntax")
		}
	})

	t.Run("UnknownVariable", func(t *testing.T) {
		if err := engine.ValidateRule(ruleConfig("r1", "wind_speed > 5.0")); err == nil {
			t.Error("expected compile error for unknown variable")
		}
	})

	t.Run("WrongOutputType", func(t *testing.T) {
		if err := engine.ValidateRule(ruleConfig("r1", `farmer_id + "-suffix"`)); err == nil {
			t.Error("expected rejection of string-typed expression")
		}
	})

	t.Run("NilConfig", func(t *testing.T) {
		if err := engine.ValidateRule(nil); err == nil {
			t.Error("expected error for nil config")
		}
	})

	t.Run("ValidateDoesNotLoad", func(t *testing.T) {
		if err := engine.ValidateRule(ruleConfig("ghost", "true")); err != nil {
			t.Fatalf("validate failed: %v", err)
		}
		if engine.RulesCount() != 0 {
			t.Errorf("validate must not load rules, count %d", engine.RulesCount())
		}
	})
}

func TestLoadRules(t *testing.T) {
	engine := newTestEngine(t)

	configs := []*domain.RuleConfig{
		ruleConfig("enabled-1", "quantity > 500.0"),
		ruleConfig("enabled-2", "unentitled"),
	}
	disabled := ruleConfig("disabled", "true")
	disabled.Enabled = false
	configs = append(configs, disabled)

	if err := engine.LoadRules(configs); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if engine.RulesCount() != 2 {
		t.Errorf("disabled rules must not load, count %d", engine.RulesCount())
	}

	t.Run("ReloadReplacesAll", func(t *testing.T) {
		if err := engine.ReloadRules([]*domain.RuleConfig{ruleConfig("fresh", "hard_block")}); err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		if engine.RulesCount() != 1 {
			t.Errorf("reload must replace the rule set, count %d", engine.RulesCount())
		}
		loaded := engine.GetLoadedRules()
		if len(loaded) != 1 || loaded[0].ID != "fresh" {
			t.Errorf("unexpected loaded rules: %+v", loaded)
		}
	})

	t.Run("ReloadRejectsBadRule", func(t *testing.T) {
		err := engine.ReloadRules([]*domain.RuleConfig{ruleConfig("bad", "no_such_var > 1.0")})
		if err == nil {
			t.Error("expected reload to fail on a bad rule")
		}
	})
}

func TestEvaluateAll(t *testing.T) {
	ctx := context.Background()

	t.Run("NoRulesLoaded", func(t *testing.T) {
		engine := newTestEngine(t)
		results, err := engine.EvaluateAll(ctx, "tenant-1", enrichedTx())
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if results != nil {
			t.Errorf("expected nil results with no rules, got %v", results)
		}
	})

	t.Run("BooleanRuleScoresOneOrZero", func(t *testing.T) {
		engine := newTestEngine(t)
		if err := engine.LoadRule(ruleConfig("hard-block", "hard_block")); err != nil {
			t.Fatalf("load failed: %v", err)
		}

		results, err := engine.EvaluateAll(ctx, "tenant-1", enrichedTx())
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if len(results) != 1 {
			t.Fatalf("expected 1 result, got %d", len(results))
		}
		r := results[0]
		if r.Score != 1.0 || r.Outcome != domain.RuleOutcomeFlag {
			t.Errorf("expected score 1 flagged, got %+v", r)
		}
		if r.Weight != 0.5 || r.TxID != "TX-1" || r.TenantID != "tenant-1" {
			t.Errorf("result must carry rule weight and identity: %+v", r)
		}
	})

	t.Run("ActivationVariables", func(t *testing.T) {
		exprs := map[string]string{
			"classification": `classification == "OVER_ENTITLEMENT"`,
			"excess-ratio":   "excess_ratio > 3.0",
			"geo-flags":      "geo_flag_count >= 1",
			"night-hours":    "hour_of_day < 5",
			"anomaly":        "anomaly_score > 0.5",
			"tx-map":         `tx.item == "fertilizer"`,
			"identity":       `farmer_id == "F-1" && dealer_id == "D-1"`,
		}

		engine := newTestEngine(t)
		for id, expr := range exprs {
			if err := engine.LoadRule(ruleConfig(id, expr)); err != nil {
				t.Fatalf("load %s failed: %v", id, err)
			}
		}

		results, err := engine.EvaluateAll(ctx, "tenant-1", enrichedTx())
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if len(results) != len(exprs) {
			t.Fatalf("expected %d results, got %d", len(exprs), len(results))
		}
		for _, r := range results {
			if r.Outcome != domain.RuleOutcomeFlag {
				t.Errorf("rule %s should have triggered, got %+v", r.RuleID, r)
			}
		}
	})

	t.Run("NilExcessRatioBindsZero", func(t *testing.T) {
		engine := newTestEngine(t)
		if err := engine.LoadRule(ruleConfig("ratio", "excess_ratio == 0.0")); err != nil {
			t.Fatalf("load failed: %v", err)
		}

		etx := enrichedTx()
		etx.ExcessRatio = nil
		etx.Classification = domain.ClassUnentitled

		results, err := engine.EvaluateAll(ctx, "tenant-1", etx)
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if results[0].Outcome != domain.RuleOutcomeFlag {
			t.Errorf("undefined ratio must bind 0.0, got %+v", results[0])
		}
	})

	t.Run("RuntimeErrorYieldsErrOutcome", func(t *testing.T) {
		engine := newTestEngine(t)
		// tx map has no "missing" key; compiles but fails at evaluation.
		if err := engine.LoadRule(ruleConfig("boom", "tx.missing == 1.0")); err != nil {
			t.Fatalf("load failed: %v", err)
		}

		results, err := engine.EvaluateAll(ctx, "tenant-1", enrichedTx())
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if results[0].Outcome != domain.RuleOutcomeError {
			t.Errorf("expected .err outcome, got %+v", results[0])
		}
	})
}

func TestMatchBand(t *testing.T) {
	bands := []domain.RuleBand{
		{UpperLimit: FloatPtr(0.3), Outcome: domain.RuleOutcomePass, Reason: "low"},
		{LowerLimit: FloatPtr(0.3), UpperLimit: FloatPtr(0.7), Outcome: domain.RuleOutcomeFlag, Reason: "mid"},
		{LowerLimit: FloatPtr(0.7), Outcome: domain.RuleOutcomeFlag, Reason: "high"},
	}

	cases := []struct {
		score   float64
		outcome string
		reason  string
	}{
		{0, domain.RuleOutcomePass, "low"},
		{0.29, domain.RuleOutcomePass, "low"},
		{0.3, domain.RuleOutcomeFlag, "mid"}, // lower bound inclusive
		{0.69, domain.RuleOutcomeFlag, "mid"},
		{0.7, domain.RuleOutcomeFlag, "high"}, // upper bound exclusive
		{99, domain.RuleOutcomeFlag, "high"},  // nil upper = infinity
	}
	for _, c := range cases {
		outcome, reason := matchBand(c.score, bands)
		if outcome != c.outcome || reason != c.reason {
			t.Errorf("matchBand(%v) = %s/%s, want %s/%s", c.score, outcome, reason, c.outcome, c.reason)
		}
	}

	t.Run("NoBandsDefaultsToPass", func(t *testing.T) {
		outcome, _ := matchBand(1.0, nil)
		if outcome != domain.RuleOutcomePass {
			t.Errorf("expected default pass, got %s", outcome)
		}
	})
}
