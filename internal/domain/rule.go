package domain

// RuleConfig defines a custom audit rule. Rules are CEL expressions over
// enriched-transaction variables; a triggered rule contributes a named
// weighted signal to the entity's risk aggregation.
type RuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression to evaluate
	Expression string `json:"expression"`

	// Outcome bands for score-to-outcome mapping
	Bands []RuleBand `json:"bands"`

	// Signal weight in risk aggregation
	Weight float64 `json:"weight"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// RuleBand maps a score range to an outcome.
type RuleBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	Outcome    string   `json:"outcome"` // e.g. ".pass", ".flag"
	Reason     string   `json:"reason"`
}

// RuleResult is the output of evaluating one audit rule against one
// enriched transaction.
type RuleResult struct {
	RuleID   string  `json:"ruleId"`
	TenantID string  `json:"tenantId"`
	TxID     string  `json:"txId"`
	Outcome  string  `json:"outcome"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason"`
	Weight   float64 `json:"weight"`
}

// Predefined rule outcomes
const (
	RuleOutcomePass  = ".pass"
	RuleOutcomeFlag  = ".flag"
	RuleOutcomeError = ".err"
)
