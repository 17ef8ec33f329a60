// Package entitlement derives per-farmer subsidy ceilings from land
// records and scheme rules.
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-agri/heron/internal/domain"
)

// Calculator computes entitlement ceilings. Scheme rules are read-only
// reference data for the lifetime of the calculator.
type Calculator struct {
	schemes domain.SchemeSet
}

// NewCalculator creates a calculator over a scheme-rule set.
func NewCalculator(schemes domain.SchemeSet) *Calculator {
	return &Calculator{schemes: schemes}
}

// Compute derives the entitlement records a land record grants for a
// period: one per scheme whose rules cover the record's crop.
// ceiling = hectares x per-hectare rate, floored to the scheme's minimum
// purchasable unit.
func (c *Calculator) Compute(rec *domain.LandRecord, period string) []*domain.EntitlementRecord {
	var out []*domain.EntitlementRecord
	now := time.Now().UTC()

	for _, scheme := range c.schemes.Schemes {
		rate, ok := scheme.Rate(rec.Crop)
		if !ok {
			continue
		}

		ceiling := rec.AreaHectares * rate
		if scheme.MinUnit > 0 {
			ceiling = math.Floor(ceiling/scheme.MinUnit) * scheme.MinUnit
		}

		out = append(out, &domain.EntitlementRecord{
			FarmerID:    rec.FarmerID,
			TenantID:    rec.TenantID,
			SchemeID:    scheme.ID,
			Item:        scheme.Item,
			Period:      period,
			CeilingQty:  ceiling,
			Status:      domain.EntitlementActive,
			LandVersion: rec.Version,
			ComputedAt:  now,
		})
	}

	return out
}

// Service recomputes and persists entitlements when land records change.
type Service struct {
	calc  *Calculator
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates an entitlement service.
func NewService(calc *Calculator, repo domain.Repository, cache domain.Cache) *Service {
	return &Service{calc: calc, repo: repo, cache: cache}
}

// Recompute derives and persists entitlements for a land record. The
// repository supersedes any previously ACTIVE record per key atomically, so
// two ACTIVE entitlements never coexist. Stale cache entries are replaced.
func (s *Service) Recompute(ctx context.Context, tenantID string, rec *domain.LandRecord, period string) ([]*domain.EntitlementRecord, error) {
	// Skip recomputation when a newer land version is already ingested.
	if existing, err := s.repo.GetLandRecord(ctx, tenantID, rec.FarmerID); err == nil && existing != nil {
		if existing.Version > rec.Version {
			slog.Debug("skipping stale land record",
				"farmer_id", rec.FarmerID,
				"version", rec.Version,
				"current_version", existing.Version,
			)
			return nil, nil
		}
	}

	if err := s.repo.SaveLandRecord(ctx, tenantID, rec); err != nil {
		return nil, fmt.Errorf("failed to save land record: %w", err)
	}

	records := s.calc.Compute(rec, period)
	for _, ent := range records {
		if err := s.repo.SaveEntitlement(ctx, tenantID, ent); err != nil {
			return nil, fmt.Errorf("failed to save entitlement %s: %w", ent.Key(), err)
		}
		if s.cache != nil {
			if err := s.cache.SetEntitlement(ctx, tenantID, ent.Key(), ent, 10*time.Minute); err != nil {
				slog.Warn("failed to cache entitlement", "key", ent.Key(), "error", err)
			}
		}
	}

	return records, nil
}
