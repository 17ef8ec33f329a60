//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Heron subsidy
// fraud-detection engine.
//
// These tests verify the COMPLETE batch pipeline:
//
//	Raw rows → Normalize → Entitlement → Triangulate → Geo → Score → Flags
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. LAND RECORD: A farmer's registered parcel (area, crop, location).
//    Entitlement ceilings derive from it: hectares x scheme rate per hectare.
//
// 2. POS TRANSACTION: A subsidy redemption at a dealer terminal. Immutable
//    once ingested; replays of the same transaction ID are no-ops.
//
// 3. TRIANGULATION: Each redemption is joined against the entitlement
//    registry and classified NORMAL, OVER_ENTITLEMENT, or UNENTITLED.
//    Ratios above the hard-block multiplier (3x) raise an extra signal.
//
// 4. GEO CHECKS: Impossible travel (> 120 km/h between consecutive
//    redemptions), out-of-region purchases (> 50 km from the parcel), and
//    dealer hotspot clustering. All additive signals.
//
// 5. RISK FLAG: Per-entity composite score with a full signal breakdown,
//    mapped to LOW / MEDIUM / HIGH / CRITICAL tiers. One live flag per
//    entity; new batches update it in place.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-agri/heron/internal/api"
	"github.com/opensource-agri/heron/internal/batch"
	"github.com/opensource-agri/heron/internal/bus"
	"github.com/opensource-agri/heron/internal/cache"
	"github.com/opensource-agri/heron/internal/domain"
	"github.com/opensource-agri/heron/internal/entitlement"
	"github.com/opensource-agri/heron/internal/flagstore"
	"github.com/opensource-agri/heron/internal/normalize"
	"github.com/opensource-agri/heron/internal/repository"
	"github.com/opensource-agri/heron/internal/rules"
)

const tenantID = "integration-tenant"

// startServer boots the full single-node stack (SQLite, LRU cache, channel
// bus) behind a real HTTP listener.
func startServer(t *testing.T) *httptest.Server {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "heron-integration.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := domain.DefaultConfig()
	cfg.Batch.Period = "2026-KHARIF"
	cfg.Schemes = domain.SchemeSet{
		Schemes: []domain.Scheme{
			{
				ID:             "NPK-SUBSIDY",
				Item:           "fertilizer",
				RatePerHectare: map[string]float64{"wheat": 100},
				MinUnit:        5,
			},
		},
	}

	engine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}

	lru := cache.NewLRUCache(1000)
	eventBus := bus.NewChannelBus(64)
	t.Cleanup(func() { eventBus.Close() })

	ents := entitlement.NewService(entitlement.NewCalculator(cfg.Schemes), repo, lru)
	flags := flagstore.New(repo)
	runner := batch.NewRunner(repo, lru, eventBus, flags, engine, ents)

	srv := api.NewServer(cfg, repo, lru, eventBus, engine, runner, flags, "integration-v1")
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, baseURL, path string, body any) (*http.Response, []byte) {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func get(t *testing.T, baseURL, path string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("X-Tenant-ID", tenantID)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func landRow(farmerID string, hectares float64, lat, lon float64, ts time.Time) normalize.RawRow {
	return normalize.RawRow{
		RowID:  "land-" + farmerID,
		Source: "land",
		Fields: map[string]string{
			"farmer_id":     farmerID,
			"area_hectares": fmt.Sprintf("%.2f", hectares),
			"crop":          "wheat",
			"lat":           fmt.Sprintf("%.4f", lat),
			"lon":           fmt.Sprintf("%.4f", lon),
			"registered_at": ts.Format(time.RFC3339),
			"version":       "1",
		},
	}
}

func posRow(txID, dealerID, farmerID string, qty, lat, lon float64, ts time.Time) normalize.RawRow {
	return normalize.RawRow{
		RowID:  "pos-" + txID,
		Source: "pos",
		Fields: map[string]string{
			"transaction_id": txID,
			"dealer_id":      dealerID,
			"farmer_id":      farmerID,
			"item":           "fertilizer",
			"quantity":       fmt.Sprintf("%.1f", qty),
			"lat":            fmt.Sprintf("%.4f", lat),
			"lon":            fmt.Sprintf("%.4f", lon),
			"timestamp":      ts.Format(time.RFC3339),
		},
	}
}

// trainModel fits a baseline artifact from synthetic honest-behavior vectors.
func trainModel(t *testing.T, baseURL string) {
	t.Helper()

	vectors := make([]domain.FeatureVector, 0, 30)
	for i := 0; i < 30; i++ {
		vectors = append(vectors, domain.FeatureVector{
			ExcessRatio: 0.3 + float64(i%7)*0.08,
			HourOfDay:   float64(8 + i%9),
		})
	}

	resp, body := post(t, baseURL, "/models/train", api.TrainRequest{
		Kind:     domain.ModelBaseline,
		Features: vectors,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("training failed: %d %s", resp.StatusCode, body)
	}
}

func TestFullPipeline(t *testing.T) {
	ts := startServer(t)
	trainModel(t, ts.URL)

	now := time.Now().UTC()

	// Honest farmer: 2 ha wheat → 200 kg ceiling, buys 150 kg nearby.
	// Over-entitled farmer: same ceiling, buys 700 kg → ratio 3.5, hard block.
	// Ghost farmer: no land record at all → UNENTITLED.
	// Traveling farmer: two redemptions 500 km apart within one hour.
	rows := []normalize.RawRow{
		landRow("F-HONEST", 2.0, 26.90, 75.80, now.Add(-48*time.Hour)),
		landRow("F-OVER", 2.0, 26.95, 75.85, now.Add(-48*time.Hour)),
		landRow("F-TRAVEL", 2.0, 26.92, 75.82, now.Add(-48*time.Hour)),
		posRow("TX-1", "D-1", "F-HONEST", 150, 26.91, 75.81, now.Add(-3*time.Hour)),
		posRow("TX-2", "D-1", "F-OVER", 700, 26.96, 75.86, now.Add(-2*time.Hour)),
		posRow("TX-3", "D-2", "F-GHOST", 400, 26.93, 75.83, now.Add(-2*time.Hour)),
		posRow("TX-4", "D-1", "F-TRAVEL", 50, 26.92, 75.82, now.Add(-5*time.Hour)),
		posRow("TX-5", "D-3", "F-TRAVEL", 50, 31.40, 75.90, now.Add(-4*time.Hour)),
	}

	var report domain.BatchReport

	t.Run("RunBatch", func(t *testing.T) {
		resp, body := post(t, ts.URL, "/batches", api.BatchRequest{
			BatchID: "pipeline-001",
			Rows:    rows,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("batch failed: %d %s", resp.StatusCode, body)
		}
		if err := json.Unmarshal(body, &report); err != nil {
			t.Fatalf("failed to parse report: %v", err)
		}

		if report.LandAccepted != 3 {
			t.Errorf("expected 3 land records, got %d", report.LandAccepted)
		}
		if report.POSAccepted != 5 {
			t.Errorf("expected 5 POS transactions, got %d", report.POSAccepted)
		}
		if report.OverEntitlement != 1 {
			t.Errorf("expected 1 over-entitlement, got %d", report.OverEntitlement)
		}
		if report.Unentitled != 1 {
			t.Errorf("expected 1 unentitled, got %d", report.Unentitled)
		}
		if report.HardBlocked != 1 {
			t.Errorf("expected 1 hard-blocked (700 kg vs 200 kg ceiling), got %d", report.HardBlocked)
		}
		if report.GeoFlagged < 2 {
			t.Errorf("expected both travel endpoints geo-flagged, got %d", report.GeoFlagged)
		}
		if report.TimedOut {
			t.Error("batch should not have timed out")
		}
	})

	t.Run("OverEntitlementFlagged", func(t *testing.T) {
		resp, body := get(t, ts.URL, "/flags/F-OVER")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected flag for F-OVER: %d %s", resp.StatusCode, body)
		}

		var flag domain.RiskFlag
		if err := json.Unmarshal(body, &flag); err != nil {
			t.Fatalf("failed to parse flag: %v", err)
		}
		if flag.Score <= 0 {
			t.Errorf("expected positive score, got %v", flag.Score)
		}

		// Both the over-entitlement and the hard-block signals must show
		// up in the breakdown, and contributions must sum to the score.
		var hasOver, hasHard bool
		var sum float64
		for _, s := range flag.Signals {
			sum += s.Contribution
			switch s.Name {
			case domain.SignalOverEntitlement:
				hasOver = true
			case domain.SignalHardBlock:
				hasHard = true
			}
		}
		if !hasOver {
			t.Error("expected over_entitlement signal in breakdown")
		}
		if !hasHard {
			t.Error("expected hard_block signal in breakdown")
		}
		if sum < flag.Score-1e-9 {
			t.Errorf("signal contributions %v do not cover score %v", sum, flag.Score)
		}
	})

	t.Run("UnentitledFlagged", func(t *testing.T) {
		resp, body := get(t, ts.URL, "/flags/F-GHOST")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected flag for F-GHOST: %d %s", resp.StatusCode, body)
		}

		var flag domain.RiskFlag
		json.Unmarshal(body, &flag)
		var hasUnentitled bool
		for _, s := range flag.Signals {
			if s.Name == domain.SignalUnentitled {
				hasUnentitled = true
			}
		}
		if !hasUnentitled {
			t.Error("expected unentitled signal for farmer with no land record")
		}
	})

	t.Run("ImpossibleTravelFlagged", func(t *testing.T) {
		resp, body := get(t, ts.URL, "/flags/F-TRAVEL")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected flag for F-TRAVEL: %d %s", resp.StatusCode, body)
		}

		var flag domain.RiskFlag
		json.Unmarshal(body, &flag)
		var hasTravel bool
		for _, s := range flag.Signals {
			if s.Name == domain.SignalImpossibleTravel {
				hasTravel = true
			}
		}
		if !hasTravel {
			t.Error("expected impossible_travel signal for 500 km in one hour")
		}
	})

	t.Run("TopFlagsOrdered", func(t *testing.T) {
		resp, body := get(t, ts.URL, "/flags?limit=0")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list flags failed: %d %s", resp.StatusCode, body)
		}

		var list struct {
			Flags []*domain.RiskFlag `json:"flags"`
		}
		if err := json.Unmarshal(body, &list); err != nil {
			t.Fatalf("failed to parse flags: %v", err)
		}
		if len(list.Flags) == 0 {
			t.Fatal("expected flags after batch run")
		}
		for i := 1; i < len(list.Flags); i++ {
			if list.Flags[i].Score > list.Flags[i-1].Score {
				t.Error("flags not ordered by score descending")
			}
		}
	})

	t.Run("ReportPersisted", func(t *testing.T) {
		resp, body := get(t, ts.URL, "/batches/pipeline-001")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("report fetch failed: %d %s", resp.StatusCode, body)
		}

		var stored domain.BatchReport
		if err := json.Unmarshal(body, &stored); err != nil {
			t.Fatalf("failed to parse stored report: %v", err)
		}
		if stored.POSAccepted != report.POSAccepted {
			t.Errorf("stored report diverges: %d vs %d", stored.POSAccepted, report.POSAccepted)
		}
	})

	t.Run("ReplayIsIdempotent", func(t *testing.T) {
		// Same transactions again under a new batch ID. The repository
		// swallows replayed rows, so classification counts must match.
		resp, body := post(t, ts.URL, "/batches", api.BatchRequest{
			BatchID: "pipeline-002",
			Rows:    rows,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("replay batch failed: %d %s", resp.StatusCode, body)
		}

		var replay domain.BatchReport
		json.Unmarshal(body, &replay)
		if replay.OverEntitlement != report.OverEntitlement {
			t.Errorf("replay over-entitlement diverged: %d vs %d", replay.OverEntitlement, report.OverEntitlement)
		}
		if replay.Unentitled != report.Unentitled {
			t.Errorf("replay unentitled diverged: %d vs %d", replay.Unentitled, report.Unentitled)
		}

		// Flags updated in place, never duplicated.
		resp, body = get(t, ts.URL, "/flags?limit=0")
		var list struct {
			Flags []*domain.RiskFlag `json:"flags"`
		}
		json.Unmarshal(body, &list)
		seen := map[string]int{}
		for _, f := range list.Flags {
			seen[f.EntityID]++
		}
		for id, n := range seen {
			if n > 1 {
				t.Errorf("entity %s has %d live flags, expected 1", id, n)
			}
		}
	})
}

func TestAuditRulePipeline(t *testing.T) {
	ts := startServer(t)
	trainModel(t, ts.URL)

	// Seed a rule that fires on any hard-blocked redemption.
	resp, body := post(t, ts.URL, "/rules", api.CreateRuleRequest{
		ID:         "hard-block-echo",
		Name:       "Hard Block Echo",
		Expression: "hard_block ? 1.0 : 0.0",
		Bands: []domain.RuleBand{
			{UpperLimit: rules.FloatPtr(0.5), Outcome: domain.RuleOutcomePass, Reason: "below threshold"},
			{LowerLimit: rules.FloatPtr(0.5), Outcome: domain.RuleOutcomeFlag, Reason: "hard block observed"},
		},
		Weight:  1.0,
		Enabled: true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("rule creation failed: %d %s", resp.StatusCode, body)
	}

	now := time.Now().UTC()
	rows := []normalize.RawRow{
		landRow("F-RULED", 2.0, 26.90, 75.80, now.Add(-24*time.Hour)),
		posRow("TX-R1", "D-1", "F-RULED", 900, 26.91, 75.81, now.Add(-1*time.Hour)),
	}

	resp, body = post(t, ts.URL, "/batches", api.BatchRequest{
		BatchID: "rule-batch",
		Rows:    rows,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch failed: %d %s", resp.StatusCode, body)
	}

	resp, body = get(t, ts.URL, "/flags/F-RULED")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected flag for F-RULED: %d %s", resp.StatusCode, body)
	}

	var flag domain.RiskFlag
	json.Unmarshal(body, &flag)
	var hasAudit bool
	for _, s := range flag.Signals {
		if s.Name == domain.SignalAuditRules {
			hasAudit = true
		}
	}
	if !hasAudit {
		t.Error("expected audit_rules signal from the seeded CEL rule")
	}
}

func TestModelLifecycle(t *testing.T) {
	ts := startServer(t)

	t.Run("BatchBeforeTraining", func(t *testing.T) {
		now := time.Now().UTC()
		resp, _ := post(t, ts.URL, "/batches", api.BatchRequest{
			BatchID: "premature",
			Rows: []normalize.RawRow{
				posRow("TX-P1", "D-1", "F-1", 100, 26.9, 75.8, now),
			},
		})
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("expected 503 before any model exists, got %d", resp.StatusCode)
		}
	})

	trainModel(t, ts.URL)

	t.Run("LatestAfterTraining", func(t *testing.T) {
		resp, body := get(t, ts.URL, "/models/latest")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected latest model: %d %s", resp.StatusCode, body)
		}

		var meta map[string]any
		json.Unmarshal(body, &meta)
		if meta["kind"] != domain.ModelBaseline {
			t.Errorf("expected baseline model, got %v", meta["kind"])
		}
	})
}
