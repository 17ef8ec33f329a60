// Package triangulate joins POS transactions against the entitlement and
// land registries and classifies each purchase by its excess ratio.
package triangulate

import (
	"context"
	"fmt"

	"github.com/opensource-agri/heron/internal/domain"
)

// Snapshot is a consistent read-only view of the entitlement and land
// registries for one batch run. Building it once up front keeps parallel
// workers race-free.
type Snapshot struct {
	// entitlements keyed by farmerID|item for the snapshot's period.
	entitlements map[string]*domain.EntitlementRecord

	// land keyed by farmerID, latest version only.
	land map[string]*domain.LandRecord

	Period string
}

// LoadSnapshot reads the active entitlements for a period and the land
// registry into an immutable snapshot.
func LoadSnapshot(ctx context.Context, repo domain.Repository, tenantID, period string) (*Snapshot, error) {
	ents, err := repo.ListActiveEntitlements(ctx, tenantID, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlements: %w", err)
	}
	lands, err := repo.ListLandRecords(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load land registry: %w", err)
	}

	snap := &Snapshot{
		entitlements: make(map[string]*domain.EntitlementRecord, len(ents)),
		land:         make(map[string]*domain.LandRecord, len(lands)),
		Period:       period,
	}
	for _, e := range ents {
		key := itemKey(e.FarmerID, e.Item)
		// Several schemes can cover the same (farmer, item); the farmer's
		// effective ceiling is the most generous one.
		if cur, ok := snap.entitlements[key]; !ok || e.CeilingQty > cur.CeilingQty {
			snap.entitlements[key] = e
		}
	}
	for _, l := range lands {
		if cur, ok := snap.land[l.FarmerID]; !ok || l.Version > cur.Version {
			snap.land[l.FarmerID] = l
		}
	}
	return snap, nil
}

// Entitlement returns the effective entitlement for a farmer/item pair.
func (s *Snapshot) Entitlement(farmerID, item string) (*domain.EntitlementRecord, bool) {
	e, ok := s.entitlements[itemKey(farmerID, item)]
	return e, ok
}

// Land returns the farmer's latest land record.
func (s *Snapshot) Land(farmerID string) (*domain.LandRecord, bool) {
	l, ok := s.land[farmerID]
	return l, ok
}

// AddLand merges a freshly ingested land record into the snapshot before
// fan-out. Not safe once workers are running.
func (s *Snapshot) AddLand(rec *domain.LandRecord) {
	if cur, ok := s.land[rec.FarmerID]; !ok || rec.Version > cur.Version {
		s.land[rec.FarmerID] = rec
	}
}

// AddEntitlement merges a freshly computed entitlement into the snapshot
// before fan-out. Not safe once workers are running.
func (s *Snapshot) AddEntitlement(e *domain.EntitlementRecord) {
	key := itemKey(e.FarmerID, e.Item)
	if cur, ok := s.entitlements[key]; !ok || e.CeilingQty > cur.CeilingQty {
		s.entitlements[key] = e
	}
}

func itemKey(farmerID, item string) string {
	return farmerID + "|" + item
}

// Engine classifies transactions against a snapshot.
type Engine struct {
	// HardBlockMultiplier marks excess ratios above it; a signal for the
	// aggregator, never an exception.
	HardBlockMultiplier float64
}

// NewEngine creates a triangulation engine.
func NewEngine(hardBlockMultiplier float64) *Engine {
	if hardBlockMultiplier < 1 {
		hardBlockMultiplier = 3.0
	}
	return &Engine{HardBlockMultiplier: hardBlockMultiplier}
}

// Enrich joins one transaction against the snapshot and computes its
// classification and excess ratio. The ratio stays nil for UNENTITLED
// purchases: no entitlement means the ratio is undefined, not zero.
func (e *Engine) Enrich(tx *domain.POSTransaction, snap *Snapshot) *domain.EnrichedTransaction {
	enriched := &domain.EnrichedTransaction{Tx: tx}

	_, farmerKnown := snap.Land(tx.FarmerID)
	ent, hasEntitlement := snap.Entitlement(tx.FarmerID, tx.Item)

	if !farmerKnown || !hasEntitlement || ent.CeilingQty <= 0 {
		enriched.Classification = domain.ClassUnentitled
		enriched.Features.Unentitled = 1
		return enriched
	}

	ratio := tx.Quantity / ent.CeilingQty
	enriched.Entitlement = ent
	enriched.ExcessRatio = &ratio
	enriched.Features.ExcessRatio = ratio

	if ratio <= 1.0 {
		enriched.Classification = domain.ClassNormal
	} else {
		enriched.Classification = domain.ClassOverEntitlement
		if ratio > e.HardBlockMultiplier {
			enriched.HardBlockExceeded = true
		}
	}

	return enriched
}
