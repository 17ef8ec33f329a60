// Package rules provides the CEL-Go based audit-rule engine. Auditors
// define expressions over enriched transactions; a triggered rule becomes
// an extra named signal in risk aggregation.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-agri/heron/internal/domain"
)

// Engine is the CEL-based audit-rule engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new audit-rule engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// CEL environment over enriched-transaction variables
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("classification", cel.StringType),
		cel.Variable("excess_ratio", cel.DoubleType),
		cel.Variable("unentitled", cel.BoolType),
		cel.Variable("hard_block", cel.BoolType),
		cel.Variable("quantity", cel.DoubleType),
		cel.Variable("unit_price", cel.DoubleType),
		cel.Variable("geo_flag_count", cel.IntType),
		cel.Variable("anomaly_score", cel.DoubleType),
		cel.Variable("hour_of_day", cel.IntType),
		cel.Variable("farmer_id", cel.StringType),
		cel.Variable("dealer_id", cel.StringType),
		cel.Variable("item", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// EvaluateAll evaluates all loaded rules against one enriched transaction
// in parallel.
func (e *Engine) EvaluateAll(ctx context.Context, tenantID string, etx *domain.EnrichedTransaction) ([]domain.RuleResult, error) {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil, nil
	}

	activation := e.activation(etx)

	// Parallel evaluation using worker pool pattern
	results := make([]domain.RuleResult, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.evaluateRule(r, activation, tenantID, etx.Tx.ID)
		}(i, rule)
	}

	wg.Wait()

	return results, nil
}

// activation builds the CEL variable bindings for a transaction.
func (e *Engine) activation(etx *domain.EnrichedTransaction) map[string]any {
	excessRatio := 0.0
	if etx.ExcessRatio != nil {
		excessRatio = *etx.ExcessRatio
	}

	return map[string]any{
		"tx": map[string]any{
			"id":        etx.Tx.ID,
			"dealer_id": etx.Tx.DealerID,
			"farmer_id": etx.Tx.FarmerID,
			"item":      etx.Tx.Item,
			"quantity":  etx.Tx.Quantity,
		},
		"classification": etx.Classification,
		"excess_ratio":   excessRatio,
		"unentitled":     etx.Classification == domain.ClassUnentitled,
		"hard_block":     etx.HardBlockExceeded,
		"quantity":       etx.Tx.Quantity,
		"unit_price":     etx.Tx.UnitPrice,
		"geo_flag_count": int64(len(etx.GeoFlags)),
		"anomaly_score":  etx.AnomalyScore,
		"hour_of_day":    int64(etx.Tx.Timestamp.UTC().Hour()),
		"farmer_id":      etx.Tx.FarmerID,
		"dealer_id":      etx.Tx.DealerID,
		"item":           etx.Tx.Item,
	}
}

// evaluateRule evaluates a single rule and returns the result.
func (e *Engine) evaluateRule(rule *CompiledRule, activation map[string]any, tenantID, txID string) domain.RuleResult {
	result := domain.RuleResult{
		RuleID:   rule.Config.ID,
		TenantID: tenantID,
		TxID:     txID,
		Weight:   rule.Config.Weight,
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.Outcome = domain.RuleOutcomeError
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
		return result
	}

	score := toScore(out)
	result.Score = score

	result.Outcome, result.Reason = matchBand(score, rule.Config.Bands)

	return result
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand finds the matching band for a score.
// Bands are evaluated in order: lower inclusive, upper exclusive, a nil
// upper bound meaning infinity.
func matchBand(score float64, bands []domain.RuleBand) (string, string) {
	for _, band := range bands {
		lower := 0.0
		if band.LowerLimit != nil {
			lower = *band.LowerLimit
		}

		if score < lower {
			continue
		}
		if band.UpperLimit == nil || score < *band.UpperLimit {
			return band.Outcome, band.Reason
		}
	}

	// Default to pass if no band matches
	return domain.RuleOutcomePass, "no matching band"
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
