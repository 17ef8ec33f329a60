package triangulate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-agri/heron/internal/domain"
	"github.com/opensource-agri/heron/internal/repository"
)

func entitlement(farmerID, schemeID, item string, ceiling float64) *domain.EntitlementRecord {
	return &domain.EntitlementRecord{
		FarmerID:    farmerID,
		TenantID:    "tenant-1",
		SchemeID:    schemeID,
		Item:        item,
		Period:      "2026-KHARIF",
		CeilingQty:  ceiling,
		Status:      domain.EntitlementActive,
		LandVersion: 1,
		ComputedAt:  time.Now().UTC(),
	}
}

func land(farmerID string, version int) *domain.LandRecord {
	return &domain.LandRecord{
		FarmerID:     farmerID,
		TenantID:     "tenant-1",
		Version:      version,
		AreaHectares: 2,
		Crop:         "wheat",
		Location:     domain.GeoPoint{Lat: 26.9, Lon: 75.8},
		RegisteredAt: time.Now().UTC(),
	}
}

func tx(id, farmerID, item string, qty float64) *domain.POSTransaction {
	return &domain.POSTransaction{
		ID:        id,
		TenantID:  "tenant-1",
		DealerID:  "D-1",
		FarmerID:  farmerID,
		Item:      item,
		Quantity:  qty,
		UnitPrice: 26.5,
		Location:  domain.GeoPoint{Lat: 26.9, Lon: 75.8},
		Timestamp: time.Now().UTC(),
	}
}

func snapshotWith(ents []*domain.EntitlementRecord, lands []*domain.LandRecord) *Snapshot {
	snap := &Snapshot{
		entitlements: make(map[string]*domain.EntitlementRecord),
		land:         make(map[string]*domain.LandRecord),
		Period:       "2026-KHARIF",
	}
	for _, e := range ents {
		snap.AddEntitlement(e)
	}
	for _, l := range lands {
		snap.AddLand(l)
	}
	return snap
}

func TestEnrich(t *testing.T) {
	engine := NewEngine(3.0)

	t.Run("WithinCeilingIsNormal", func(t *testing.T) {
		snap := snapshotWith(
			[]*domain.EntitlementRecord{entitlement("F-1", "NPK-SUBSIDY", "fertilizer", 200)},
			[]*domain.LandRecord{land("F-1", 1)},
		)
		enriched := engine.Enrich(tx("TX-1", "F-1", "fertilizer", 150), snap)

		if enriched.Classification != domain.ClassNormal {
			t.Errorf("expected NORMAL, got %s", enriched.Classification)
		}
		if enriched.ExcessRatio == nil || *enriched.ExcessRatio != 0.75 {
			t.Errorf("expected ratio 0.75, got %v", enriched.ExcessRatio)
		}
		if enriched.HardBlockExceeded {
			t.Error("within-ceiling purchase must not hard-block")
		}
	})

	t.Run("ExactCeilingIsNormal", func(t *testing.T) {
		snap := snapshotWith(
			[]*domain.EntitlementRecord{entitlement("F-1", "NPK-SUBSIDY", "fertilizer", 200)},
			[]*domain.LandRecord{land("F-1", 1)},
		)
		enriched := engine.Enrich(tx("TX-1", "F-1", "fertilizer", 200), snap)

		if enriched.Classification != domain.ClassNormal {
			t.Errorf("ratio exactly 1.0 must stay NORMAL, got %s", enriched.Classification)
		}
	})

	t.Run("OverCeilingIsOverEntitlement", func(t *testing.T) {
		snap := snapshotWith(
			[]*domain.EntitlementRecord{entitlement("F-1", "NPK-SUBSIDY", "fertilizer", 200)},
			[]*domain.LandRecord{land("F-1", 1)},
		)
		enriched := engine.Enrich(tx("TX-1", "F-1", "fertilizer", 300), snap)

		if enriched.Classification != domain.ClassOverEntitlement {
			t.Errorf("expected OVER_ENTITLEMENT, got %s", enriched.Classification)
		}
		if enriched.ExcessRatio == nil || *enriched.ExcessRatio != 1.5 {
			t.Errorf("expected ratio 1.5, got %v", enriched.ExcessRatio)
		}
		if enriched.HardBlockExceeded {
			t.Error("ratio 1.5 is below the hard-block multiplier")
		}
	})

	t.Run("HardBlockAboveMultiplier", func(t *testing.T) {
		snap := snapshotWith(
			[]*domain.EntitlementRecord{entitlement("F-1", "NPK-SUBSIDY", "fertilizer", 200)},
			[]*domain.LandRecord{land("F-1", 1)},
		)
		enriched := engine.Enrich(tx("TX-1", "F-1", "fertilizer", 700), snap)

		if enriched.Classification != domain.ClassOverEntitlement {
			t.Errorf("expected OVER_ENTITLEMENT, got %s", enriched.Classification)
		}
		if !enriched.HardBlockExceeded {
			t.Error("ratio 3.5 must exceed the hard block at multiplier 3.0")
		}
	})

	t.Run("UnknownFarmerIsUnentitled", func(t *testing.T) {
		snap := snapshotWith(nil, nil)
		enriched := engine.Enrich(tx("TX-1", "F-GHOST", "fertilizer", 100), snap)

		if enriched.Classification != domain.ClassUnentitled {
			t.Errorf("expected UNENTITLED, got %s", enriched.Classification)
		}
		if enriched.ExcessRatio != nil {
			t.Errorf("ratio must stay undefined for UNENTITLED, got %v", *enriched.ExcessRatio)
		}
		if enriched.Features.Unentitled != 1 {
			t.Errorf("expected unentitled feature 1, got %v", enriched.Features.Unentitled)
		}
	})

	t.Run("KnownFarmerWithoutEntitlementIsUnentitled", func(t *testing.T) {
		snap := snapshotWith(nil, []*domain.LandRecord{land("F-1", 1)})
		enriched := engine.Enrich(tx("TX-1", "F-1", "fertilizer", 100), snap)

		if enriched.Classification != domain.ClassUnentitled {
			t.Errorf("expected UNENTITLED without an entitlement, got %s", enriched.Classification)
		}
	})

	t.Run("ZeroCeilingIsUnentitled", func(t *testing.T) {
		snap := snapshotWith(
			[]*domain.EntitlementRecord{entitlement("F-1", "NPK-SUBSIDY", "fertilizer", 0)},
			[]*domain.LandRecord{land("F-1", 1)},
		)
		enriched := engine.Enrich(tx("TX-1", "F-1", "fertilizer", 100), snap)

		if enriched.Classification != domain.ClassUnentitled {
			t.Errorf("zero ceiling must classify UNENTITLED, got %s", enriched.Classification)
		}
		if enriched.ExcessRatio != nil {
			t.Error("zero ceiling must not produce a ratio")
		}
	})
}

func TestNewEngineDefaultsMultiplier(t *testing.T) {
	e := NewEngine(0.5)
	if e.HardBlockMultiplier != 3.0 {
		t.Errorf("multiplier below 1 must fall back to 3.0, got %v", e.HardBlockMultiplier)
	}
}

func TestSnapshotMerging(t *testing.T) {
	t.Run("MostGenerousEntitlementWins", func(t *testing.T) {
		snap := snapshotWith([]*domain.EntitlementRecord{
			entitlement("F-1", "SCHEME-A", "fertilizer", 100),
			entitlement("F-1", "SCHEME-B", "fertilizer", 250),
			entitlement("F-1", "SCHEME-C", "fertilizer", 180),
		}, nil)

		ent, ok := snap.Entitlement("F-1", "fertilizer")
		if !ok || ent.CeilingQty != 250 {
			t.Errorf("expected effective ceiling 250, got %+v", ent)
		}
	})

	t.Run("LatestLandVersionWins", func(t *testing.T) {
		snap := snapshotWith(nil, []*domain.LandRecord{
			land("F-1", 3),
			land("F-1", 1),
			land("F-1", 2),
		})

		rec, ok := snap.Land("F-1")
		if !ok || rec.Version != 3 {
			t.Errorf("expected land version 3, got %+v", rec)
		}
	})
}

func TestLoadSnapshot(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "triangulate-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	if err := repo.SaveLandRecord(ctx, "tenant-1", land("F-1", 2)); err != nil {
		t.Fatalf("failed to save land record: %v", err)
	}
	if err := repo.SaveEntitlement(ctx, "tenant-1", entitlement("F-1", "NPK-SUBSIDY", "fertilizer", 200)); err != nil {
		t.Fatalf("failed to save entitlement: %v", err)
	}
	// Different period; must not enter the snapshot.
	other := entitlement("F-1", "NPK-SUBSIDY", "fertilizer", 999)
	other.Period = "2025-RABI"
	if err := repo.SaveEntitlement(ctx, "tenant-1", other); err != nil {
		t.Fatalf("failed to save entitlement: %v", err)
	}

	snap, err := LoadSnapshot(ctx, repo, "tenant-1", "2026-KHARIF")
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}

	if snap.Period != "2026-KHARIF" {
		t.Errorf("unexpected snapshot period %s", snap.Period)
	}
	if ent, ok := snap.Entitlement("F-1", "fertilizer"); !ok || ent.CeilingQty != 200 {
		t.Errorf("expected period-scoped ceiling 200, got %+v", ent)
	}
	if _, ok := snap.Land("F-1"); !ok {
		t.Error("expected land record in snapshot")
	}
}
