package risk

import (
	"github.com/opensource-agri/heron/internal/domain"
)

// Accumulator folds enriched transactions into per-entity inputs. Each
// transaction contributes to both its farmer and its dealer.
type Accumulator struct {
	entities map[string]*EntityInput
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{entities: make(map[string]*EntityInput)}
}

// Seed installs entity inputs carried over from a previous run, so evidence
// whose aggregation was deferred folds into this run's aggregation. New
// observations accumulate on top of the seeded counts.
func (acc *Accumulator) Seed(entities map[string]*EntityInput) {
	for key, e := range entities {
		acc.entities[key] = e
	}
}

// Observe folds one enriched transaction and its audit-rule results into
// the farmer and dealer entities.
func (acc *Accumulator) Observe(etx *domain.EnrichedTransaction, auditResults []domain.RuleResult) {
	farmer := acc.entity(etx.Tx.FarmerID, domain.EntityFarmer)
	dealer := acc.entity(etx.Tx.DealerID, domain.EntityDealer)

	for _, e := range []*EntityInput{farmer, dealer} {
		switch etx.Classification {
		case domain.ClassOverEntitlement:
			e.OverEntitlementCount++
		case domain.ClassUnentitled:
			e.UnentitledCount++
		}
		if etx.HardBlockExceeded {
			e.HardBlockCount++
		}
		for _, flag := range etx.GeoFlags {
			switch flag {
			case domain.FlagImpossibleTravel:
				e.ImpossibleTravelCount++
			case domain.FlagOutOfRegion:
				e.OutOfRegionCount++
			case domain.FlagDealerHotspot:
				e.HotspotCount++
			}
		}
		e.AnomalyScores = append(e.AnomalyScores, etx.AnomalyScore)

		for _, r := range auditResults {
			if r.Outcome != domain.RuleOutcomeFlag {
				continue
			}
			weighted := clamp01(r.Score * r.Weight)
			if weighted > e.AuditScore {
				e.AuditScore = weighted
			}
		}
	}
}

// SetDealerStats records a dealer's per-batch average quantity and whether
// it crossed the configured percentile.
func (acc *Accumulator) SetDealerStats(dealerID string, avgQty float64, flagged bool) {
	e := acc.entity(dealerID, domain.EntityDealer)
	e.AvgQty = avgQty
	e.AvgQtyFlagged = flagged
}

// Entities returns the accumulated per-entity inputs.
func (acc *Accumulator) Entities() map[string]*EntityInput {
	return acc.entities
}

func (acc *Accumulator) entity(id, kind string) *EntityInput {
	key := kind + ":" + id
	e, ok := acc.entities[key]
	if !ok {
		e = &EntityInput{EntityID: id, EntityKind: kind}
		acc.entities[key] = e
	}
	return e
}
