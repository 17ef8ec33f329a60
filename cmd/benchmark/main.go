// Benchmark tool for testing Heron against synthetic subsidy-redemption data.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -farmers 500 -batches 10
//
// This tool:
//   1. Generates land records and POS redemptions with known fraud labels
//   2. Trains a model on a clean reference batch
//   3. Runs detection batches against Heron and measures latency
//   4. Compares flagged tiers (HIGH/CRITICAL) with the injected labels
//   5. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// RawRow mirrors the Heron batch ingestion row format.
type RawRow struct {
	RowID  string            `json:"rowId"`
	Source string            `json:"source"`
	Fields map[string]string `json:"fields"`
}

// BatchRequest mirrors the POST /batches request body.
type BatchRequest struct {
	BatchID string   `json:"batchId,omitempty"`
	Period  string   `json:"period,omitempty"`
	Rows    []RawRow `json:"rows"`
}

// TrainRequest mirrors the POST /models/train request body.
type TrainRequest struct {
	Kind   string   `json:"kind"`
	Period string   `json:"period,omitempty"`
	Rows   []RawRow `json:"rows,omitempty"`
}

// BatchReport is the subset of the run report the benchmark inspects.
type BatchReport struct {
	BatchID         string `json:"batchId"`
	POSAccepted     int    `json:"posAccepted"`
	OverEntitlement int    `json:"overEntitlement"`
	Unentitled      int    `json:"unentitled"`
	FlagsUpdated    int    `json:"flagsUpdated"`
	DurationMs      int64  `json:"durationMs"`
}

// RiskFlag is the subset of a flag the benchmark inspects.
type RiskFlag struct {
	EntityID   string  `json:"entityId"`
	EntityKind string  `json:"entityKind"`
	Tier       string  `json:"tier"`
	Score      float64 `json:"score"`
}

// Farmer is one synthetic farmer with a known fraud label.
type Farmer struct {
	ID         string
	Registered bool // has a land record
	Fraud      bool
	Lat, Lon   float64
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int

	TotalFarmers int
	TotalFraud   int
	TotalRows    int

	BatchLatencies []time.Duration
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Heron base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	farmers := flag.Int("farmers", 500, "Number of synthetic farmers")
	dealers := flag.Int("dealers", 20, "Number of synthetic dealers")
	batches := flag.Int("batches", 5, "Number of detection batches to run")
	rowsPerBatch := flag.Int("rows", 1000, "POS rows per detection batch")
	fraudRate := flag.Float64("fraud", 0.05, "Fraction of farmers behaving fraudulently")
	seed := flag.Int64("seed", 42, "Random seed for reproducible data")
	verbose := flag.Bool("verbose", false, "Print each batch report")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║       HERON BENCHMARK - Synthetic Subsidy Fraud Detection     ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nHeron URL:   %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Farmers:     %d\n", *farmers)
	fmt.Printf("Dealers:     %d\n", *dealers)
	fmt.Printf("Batches:     %d x %d rows\n", *batches, *rowsPerBatch)
	fmt.Printf("Fraud Rate:  %.2f\n", *fraudRate)
	fmt.Println()

	// Check Heron is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Heron not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Heron is running with scheme rules configured:")
		fmt.Println("  HERON_SCHEMES=schemes.json go run cmd/heron/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Heron is healthy")

	rng := rand.New(rand.NewSource(*seed))
	population := generateFarmers(rng, *farmers, *fraudRate)

	fraudCount := 0
	for _, f := range population {
		if f.Fraud {
			fraudCount++
		}
	}
	fmt.Printf("✓ Generated %d farmers (%d fraudulent)\n", len(population), fraudCount)

	client := &http.Client{Timeout: 120 * time.Second}

	// Land registry rows go in with the first batch; train the model on a
	// clean reference slice first so scoring reflects honest behavior.
	fmt.Println("\nTraining model on clean reference batch...")
	trainRows := landRows(population)
	trainRows = append(trainRows, posRows(rng, population, *dealers, *rowsPerBatch, "train", true)...)
	if err := trainModel(client, *baseURL, *tenantID, trainRows); err != nil {
		fmt.Printf("ERROR: training failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Model trained")

	// Run detection batches
	fmt.Printf("\nRunning %d detection batches...\n", *batches)
	metrics := &Metrics{TotalFarmers: len(population), TotalFraud: fraudCount}
	startTime := time.Now()

	for i := 0; i < *batches; i++ {
		batchID := fmt.Sprintf("bench-%d", i)
		rows := posRows(rng, population, *dealers, *rowsPerBatch, batchID, false)
		if i == 0 {
			rows = append(landRows(population), rows...)
		}
		metrics.TotalRows += len(rows)

		report, latency, err := runBatch(client, *baseURL, *tenantID, batchID, rows)
		if err != nil {
			fmt.Printf("ERROR: batch %s failed: %v\n", batchID, err)
			os.Exit(1)
		}
		metrics.BatchLatencies = append(metrics.BatchLatencies, latency)

		if *verbose {
			fmt.Printf("  %s: %d rows, %d over-entitlement, %d unentitled, %d flags, %v\n",
				report.BatchID, report.POSAccepted, report.OverEntitlement,
				report.Unentitled, report.FlagsUpdated, latency.Round(time.Millisecond))
		}
	}
	duration := time.Since(startTime)

	// Compare flags against injected labels
	flagged, err := fetchFlags(client, *baseURL, *tenantID)
	if err != nil {
		fmt.Printf("ERROR: failed to fetch flags: %v\n", err)
		os.Exit(1)
	}
	scoreFlags(metrics, population, flagged)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// generateFarmers builds the synthetic population. Fraudulent farmers are
// split between unregistered redemption and over-entitlement purchasing.
func generateFarmers(rng *rand.Rand, n int, fraudRate float64) []Farmer {
	out := make([]Farmer, 0, n)
	for i := 0; i < n; i++ {
		f := Farmer{
			ID:         fmt.Sprintf("F-%04d", i),
			Registered: true,
			// Clustered around one district, a few km apart.
			Lat: 26.9 + rng.Float64()*0.5,
			Lon: 75.8 + rng.Float64()*0.5,
		}
		if rng.Float64() < fraudRate {
			f.Fraud = true
			// Half the fraudsters have no land record at all.
			if rng.Intn(2) == 0 {
				f.Registered = false
			}
		}
		out = append(out, f)
	}
	return out
}

// landRows emits one land-registry row per registered farmer: 2 hectares of
// wheat, which yields a 200 kg fertilizer ceiling under the standard scheme.
func landRows(population []Farmer) []RawRow {
	ts := time.Now().UTC().Format(time.RFC3339)
	var rows []RawRow
	for _, f := range population {
		if !f.Registered {
			continue
		}
		rows = append(rows, RawRow{
			RowID:  "land-" + f.ID,
			Source: "land",
			Fields: map[string]string{
				"farmer_id":     f.ID,
				"area_hectares": "2.0",
				"crop":          "wheat",
				"lat":           fmt.Sprintf("%.4f", f.Lat),
				"lon":           fmt.Sprintf("%.4f", f.Lon),
				"registered_at": ts,
				"version":       "1",
			},
		})
	}
	return rows
}

// posRows emits n redemption rows. Honest farmers buy within their ceiling;
// fraudulent ones buy far above it (or with no entitlement). clean forces
// honest behavior for the training reference batch.
func posRows(rng *rand.Rand, population []Farmer, dealers, n int, batchID string, clean bool) []RawRow {
	now := time.Now().UTC()
	rows := make([]RawRow, 0, n)

	for i := 0; i < n; i++ {
		f := population[rng.Intn(len(population))]
		if clean && (f.Fraud || !f.Registered) {
			// Resample until we land on an honest registered farmer.
			for f.Fraud || !f.Registered {
				f = population[rng.Intn(len(population))]
			}
		}

		qty := 50.0 + rng.Float64()*100 // within the 200 kg ceiling
		if !clean && f.Fraud && f.Registered {
			qty = 700 + rng.Float64()*300 // 3.5x the ceiling and beyond
		}

		// Redemptions at a dealer near the farmer's parcel, spread over
		// business hours in the past week.
		ts := now.Add(-time.Duration(rng.Intn(7*24)) * time.Hour)
		rows = append(rows, RawRow{
			RowID:  fmt.Sprintf("%s-pos-%d", batchID, i),
			Source: "pos",
			Fields: map[string]string{
				"transaction_id": fmt.Sprintf("%s-tx-%d", batchID, i),
				"dealer_id":      fmt.Sprintf("D-%02d", rng.Intn(dealers)),
				"farmer_id":      f.ID,
				"item":           "fertilizer",
				"quantity":       fmt.Sprintf("%.1f", qty),
				"unit_price":     "26.50",
				"lat":            fmt.Sprintf("%.4f", f.Lat+rng.Float64()*0.01),
				"lon":            fmt.Sprintf("%.4f", f.Lon+rng.Float64()*0.01),
				"timestamp":      ts.Format(time.RFC3339),
			},
		})
	}
	return rows
}

func trainModel(client *http.Client, baseURL, tenantID string, rows []RawRow) error {
	body, err := json.Marshal(TrainRequest{
		Kind: "isolation_forest",
		Rows: rows,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/models/train", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func runBatch(client *http.Client, baseURL, tenantID, batchID string, rows []RawRow) (*BatchReport, time.Duration, error) {
	body, err := json.Marshal(BatchRequest{BatchID: batchID, Rows: rows})
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/batches", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, latency, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, latency, fmt.Errorf("status %d", resp.StatusCode)
	}

	var report BatchReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, latency, err
	}
	return &report, latency, nil
}

func fetchFlags(client *http.Client, baseURL, tenantID string) (map[string]RiskFlag, error) {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/flags?limit=0", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var body struct {
		Flags []RiskFlag `json:"flags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	out := make(map[string]RiskFlag, len(body.Flags))
	for _, f := range body.Flags {
		out[f.EntityID] = f
	}
	return out, nil
}

// scoreFlags fills the confusion matrix: a farmer counts as predicted
// fraudulent when their live flag sits at HIGH or CRITICAL.
func scoreFlags(m *Metrics, population []Farmer, flagged map[string]RiskFlag) {
	for _, f := range population {
		flag, ok := flagged[f.ID]
		predicted := ok && (flag.Tier == "HIGH" || flag.Tier == "CRITICAL")

		switch {
		case predicted && f.Fraud:
			m.TruePositives++
		case predicted && !f.Fraud:
			m.FalsePositives++
		case !predicted && !f.Fraud:
			m.TrueNegatives++
		default:
			m.FalseNegatives++
		}
	}
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Farmers:          %d\n", m.TotalFarmers)
	fmt.Printf("   Fraudulent:       %d\n", m.TotalFraud)
	fmt.Printf("   Rows Ingested:    %d\n", m.TotalRows)

	fmt.Printf("\n📈 CONFUSION MATRIX (farmer level, HIGH/CRITICAL = fraud)\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   FRAUD       CLEAN")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           C  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged farmers, how many were fraudulent)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraudulent farmers, how many were flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if len(m.BatchLatencies) > 0 {
		var sum time.Duration
		max := m.BatchLatencies[0]
		for _, l := range m.BatchLatencies {
			sum += l
			if l > max {
				max = l
			}
		}
		avg := sum / time.Duration(len(m.BatchLatencies))
		rowsPerSec := float64(m.TotalRows) / duration.Seconds()
		fmt.Printf("   Avg Batch:        %v\n", avg.Round(time.Millisecond))
		fmt.Printf("   Max Batch:        %v\n", max.Round(time.Millisecond))
		fmt.Printf("   Throughput:       %.2f rows/sec\n", rowsPerSec)
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most fraud")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some fraud")
	} else {
		fmt.Println("   ❌ Poor recall - most fraud is being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - flags are meaningful")
	} else {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	}

	fmt.Println()
}
