package domain

import "time"

// Risk tiers, ordered.
const (
	TierLow      = "LOW"
	TierMedium   = "MEDIUM"
	TierHigh     = "HIGH"
	TierCritical = "CRITICAL"
)

// Entity kinds carried on a RiskFlag.
const (
	EntityFarmer = "farmer"
	EntityDealer = "dealer"
)

// TierCutoffs maps a composite score to a tier.
// LOW < Medium <= MEDIUM < High <= HIGH < Critical <= CRITICAL.
type TierCutoffs struct {
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// TierFor returns the tier for a composite score.
func (c TierCutoffs) TierFor(score float64) string {
	switch {
	case score >= c.Critical:
		return TierCritical
	case score >= c.High:
		return TierHigh
	case score >= c.Medium:
		return TierMedium
	default:
		return TierLow
	}
}

// TierRank orders tiers for comparisons (higher is worse).
func TierRank(tier string) int {
	switch tier {
	case TierCritical:
		return 3
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	default:
		return 0
	}
}

// SignalContribution is one named signal's share of a composite score.
type SignalContribution struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`  // normalized signal value, 0..1
	Weight       float64 `json:"weight"` // from the active weight profile
	Contribution float64 `json:"contribution"`
}

// RiskFlag is the live risk state for a dealer or farmer. One flag per
// entity; new evidence updates it in place.
type RiskFlag struct {
	EntityID   string `json:"entityId"`
	EntityKind string `json:"entityKind"`
	TenantID   string `json:"tenantId"`

	Tier  string  `json:"tier"`
	Score float64 `json:"score"`

	// Signals is the ordered breakdown that produced Score. Explainability
	// is a hard requirement: the capped sum of contributions must equal
	// the composite score.
	Signals []SignalContribution `json:"signals"`

	BatchID   string    `json:"batchId"`
	UpdatedAt time.Time `json:"updatedAt"`
}
