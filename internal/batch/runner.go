// Package batch orchestrates one ingestion cycle: normalize, recompute
// entitlements, triangulate, geo-check, score, aggregate, and commit risk
// flags. A batch either flushes fully aggregated entities or defers them;
// it never leaves half-written risk state.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-agri/heron/internal/domain"
	"github.com/opensource-agri/heron/internal/entitlement"
	"github.com/opensource-agri/heron/internal/flagstore"
	"github.com/opensource-agri/heron/internal/geo"
	"github.com/opensource-agri/heron/internal/normalize"
	"github.com/opensource-agri/heron/internal/risk"
	"github.com/opensource-agri/heron/internal/rules"
	"github.com/opensource-agri/heron/internal/scorer"
	"github.com/opensource-agri/heron/internal/triangulate"
)

// dealerCounterWindow is the rolling window for cross-batch dealer volume
// counters backing the hotspot statistic.
const dealerCounterWindow = 30 * 24 * time.Hour

// Runner executes batch runs against shared infrastructure. Everything the
// runner touches during a run is either read-only reference data or the
// flag store, which serializes its own writers.
type Runner struct {
	repo         domain.Repository
	cache        domain.Cache
	bus          domain.EventBus
	flags        *flagstore.Store
	engine       *rules.Engine
	entitlements *entitlement.Service

	// pending holds entity inputs whose aggregation missed a previous
	// run's deadline, keyed tenant|period. The next run for the same key
	// folds them back in; the report lists their IDs for operators.
	mu      sync.Mutex
	pending map[string]map[string]*risk.EntityInput
}

// NewRunner creates a batch runner. engine may be nil when no audit rules
// are configured.
func NewRunner(repo domain.Repository, cache domain.Cache, bus domain.EventBus, flags *flagstore.Store, engine *rules.Engine, ents *entitlement.Service) *Runner {
	return &Runner{
		repo:         repo,
		cache:        cache,
		bus:          bus,
		flags:        flags,
		engine:       engine,
		entitlements: ents,
		pending:      make(map[string]map[string]*risk.EntityInput),
	}
}

// Input is one batch run's payload: raw rows plus the run configuration,
// loaded once and immutable for the duration of the run.
type Input struct {
	BatchID  string
	Strategy normalize.Strategy
	Rows     []normalize.RawRow
	Config   domain.BatchConfig

	// Scorer is the versioned trained model for this run. Nil fails the
	// batch fast with MODEL_UNAVAILABLE.
	Scorer domain.Scorer
}

// Run executes the full pipeline for one batch. Row-level failures are
// reported and never abort the batch; batch-level failures abort only this
// batch, leaving the flag store untouched.
func (r *Runner) Run(ctx context.Context, tenantID string, in *Input) (*domain.BatchReport, error) {
	start := time.Now()

	if err := in.Config.Validate(); err != nil {
		return nil, err
	}
	if in.Scorer == nil {
		return nil, fmt.Errorf("%w: batch %s has no trained model reference", scorer.ErrModelUnavailable, in.BatchID)
	}

	batchID := in.BatchID
	if batchID == "" {
		batchID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(ctx, in.Config.Timeout())
	defer cancel()

	report := &domain.BatchReport{
		BatchID:      batchID,
		TenantID:     tenantID,
		Period:       in.Config.Period,
		ModelVersion: in.Scorer.Version(),
		StartedAt:    start.UTC(),
	}

	enriched, err := r.enrich(ctx, tenantID, in, report)
	if err != nil {
		return nil, err
	}

	// Score and run audit rules per transaction.
	auditByTx := make(map[string][]domain.RuleResult, len(enriched))
	if err := r.score(ctx, tenantID, in, enriched, auditByTx); err != nil {
		return nil, err
	}

	r.tally(enriched, report)

	// Aggregate per entity under the batch deadline. Entities that miss
	// the deadline are stashed and folded into the next run for the same
	// tenant and period, never dropped.
	acc := risk.NewAccumulator()
	acc.Seed(r.takePending(tenantID, in.Config.Period))
	for _, etx := range enriched {
		acc.Observe(etx, auditByTx[etx.Tx.ID])
	}
	r.dealerStats(enriched, in.Config, acc)

	flags, deferred := r.aggregate(ctx, acc, in.Config, batchID)
	if len(deferred) > 0 {
		r.stashPending(tenantID, in.Config.Period, deferred)
	}
	report.Deferred = deferredIDs(deferred)
	report.TimedOut = len(deferred) > 0

	if err := r.commit(ctx, tenantID, report, flags, start); err != nil {
		return nil, err
	}

	slog.Info("batch completed",
		"batch_id", batchID,
		"tenant_id", tenantID,
		"pos_accepted", report.POSAccepted,
		"rejected", len(report.Rejections),
		"flags_updated", report.FlagsUpdated,
		"deferred", len(report.Deferred),
		"duration_ms", report.DurationMs,
	)

	return report, nil
}

// BuildFeatures runs the pipeline up to feature extraction, for training a
// model on a reference batch.
func (r *Runner) BuildFeatures(ctx context.Context, tenantID string, in *Input) ([]domain.FeatureVector, error) {
	if err := in.Config.Validate(); err != nil {
		return nil, err
	}

	report := &domain.BatchReport{BatchID: "train", TenantID: tenantID, Period: in.Config.Period, StartedAt: time.Now().UTC()}
	enriched, err := r.enrich(ctx, tenantID, in, report)
	if err != nil {
		return nil, err
	}

	vectors := make([]domain.FeatureVector, len(enriched))
	for i, etx := range enriched {
		vectors[i] = etx.Features
	}
	return vectors, nil
}

// enrich runs normalization through feature engineering and returns the
// enriched batch transactions.
func (r *Runner) enrich(ctx context.Context, tenantID string, in *Input, report *domain.BatchReport) ([]*domain.EnrichedTransaction, error) {
	cfg := in.Config

	// 1. Normalize. Row failures accumulate as rejections.
	norm := normalize.New(in.Strategy, time.Duration(cfg.AcceptWindowDays)*24*time.Hour)
	res := norm.NormalizeBatch(tenantID, in.Rows)
	report.Rejections = res.Rejections
	report.LandAccepted = len(res.Land)
	report.POSAccepted = len(res.POS)

	// 2. Recompute entitlements for new land-record versions.
	snap, err := triangulate.LoadSnapshot(ctx, r.repo, tenantID, cfg.Period)
	if err != nil {
		return nil, err
	}
	for _, rec := range res.Land {
		ents, err := r.entitlements.Recompute(ctx, tenantID, rec, cfg.Period)
		if err != nil {
			return nil, err
		}
		snap.AddLand(rec)
		for _, ent := range ents {
			snap.AddEntitlement(ent)
		}
	}

	// 3. Persist and triangulate transactions.
	tri := triangulate.NewEngine(cfg.HardBlockMultiplier)
	enriched := make([]*domain.EnrichedTransaction, 0, len(res.POS))
	for _, tx := range res.POS {
		if err := r.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			return nil, fmt.Errorf("failed to save transaction %s: %w", tx.ID, err)
		}
		enriched = append(enriched, tri.Enrich(tx, snap))
	}

	// 4. Geospatial checks and per-farmer features, parallel per farmer.
	checker := geo.NewChecker(cfg)
	if err := r.checkFarmers(ctx, tenantID, enriched, snap, checker, cfg.MaxWorkers); err != nil {
		return nil, err
	}

	// 5. Dealer-level checks need the whole batch; they run after fan-in.
	r.checkDealers(ctx, tenantID, enriched, checker, cfg)

	// Hour-of-day feature is independent of grouping.
	for _, etx := range enriched {
		etx.Features.HourOfDay = float64(etx.Tx.Timestamp.UTC().Hour())
	}

	return enriched, nil
}

// checkFarmers runs velocity, locality, and history-based features per
// farmer. Farmers are independent, so groups fan out across a bounded
// worker pool; the snapshot and histories are read-only from here on.
func (r *Runner) checkFarmers(ctx context.Context, tenantID string, enriched []*domain.EnrichedTransaction, snap *triangulate.Snapshot, checker *geo.Checker, maxWorkers int) error {
	byFarmer := make(map[string][]*domain.EnrichedTransaction)
	for _, etx := range enriched {
		byFarmer[etx.Tx.FarmerID] = append(byFarmer[etx.Tx.FarmerID], etx)
	}

	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for farmerID, group := range byFarmer {
		wg.Add(1)
		go func(farmerID string, group []*domain.EnrichedTransaction) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := r.checkFarmer(ctx, tenantID, farmerID, group, snap, checker); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(farmerID, group)
	}
	wg.Wait()

	return firstErr
}

func (r *Runner) checkFarmer(ctx context.Context, tenantID, farmerID string, group []*domain.EnrichedTransaction, snap *triangulate.Snapshot, checker *geo.Checker) error {
	// Full history, time-ordered, for velocity and quantity-deviation
	// context. Historical entries are wrapped so flags raised on them are
	// discarded; only batch transactions carry flags forward.
	history, err := r.repo.GetTransactionsByFarmer(ctx, tenantID, farmerID, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to load history for farmer %s: %w", farmerID, err)
	}

	seen := make(map[string]bool, len(group))
	for _, etx := range group {
		seen[etx.Tx.ID] = true
	}
	seq := make([]*domain.EnrichedTransaction, 0, len(history)+len(group))
	for _, h := range history {
		if !seen[h.ID] {
			seq = append(seq, &domain.EnrichedTransaction{Tx: h})
		}
	}
	seq = append(seq, group...)

	checker.CheckVelocity(seq)

	land, hasLand := snap.Land(farmerID)
	for _, etx := range group {
		if hasLand {
			checker.CheckLocality(etx, land.Location)
		}
	}

	// Quantity deviation against the farmer's own mean.
	mean, std := quantityStats(seq)
	for _, etx := range group {
		if std > 0 {
			etx.Features.QtyDeviation = (etx.Tx.Quantity - mean) / std
		}
	}

	return nil
}

// checkDealers runs the dealer velocity sequence, the hotspot statistic,
// and dealer-level aggregate features over the whole batch.
func (r *Runner) checkDealers(ctx context.Context, tenantID string, enriched []*domain.EnrichedTransaction, checker *geo.Checker, cfg domain.BatchConfig) {
	byDealer := make(map[string][]*domain.EnrichedTransaction)
	for _, etx := range enriched {
		byDealer[etx.Tx.DealerID] = append(byDealer[etx.Tx.DealerID], etx)
	}

	counts := make(map[string]int, len(byDealer))
	for dealerID, group := range byDealer {
		checker.CheckVelocity(group)

		count := int64(len(group))
		if r.cache != nil {
			// Rolling cross-batch volume; falls back to batch counts when
			// the cache is unavailable.
			for range group {
				if n, err := r.cache.IncrementCounter(ctx, tenantID, "dealer-vol:"+cfg.Period+":"+dealerID, dealerCounterWindow); err == nil {
					count = n
				}
			}
		}
		counts[dealerID] = int(count)
	}

	for dealerID := range checker.HotspotDealers(counts) {
		for _, etx := range byDealer[dealerID] {
			geo.FlagDealer(etx)
		}
	}

	// Dealer aggregate features feed the model and the avg-qty signal.
	for _, group := range byDealer {
		var total float64
		for _, etx := range group {
			total += etx.Tx.Quantity
		}
		avg := total / float64(len(group))
		for _, etx := range group {
			etx.Features.DealerAvgQty = avg
			etx.Features.DealerTxRate = float64(len(group))
		}
	}
}

// score runs the anomaly scorer and the audit-rule engine per transaction
// across a bounded worker pool.
func (r *Runner) score(ctx context.Context, tenantID string, in *Input, enriched []*domain.EnrichedTransaction, auditByTx map[string][]domain.RuleResult) error {
	maxWorkers := in.Config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, etx := range enriched {
		wg.Add(1)
		go func(etx *domain.EnrichedTransaction) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			etx.AnomalyScore, etx.Outlier = in.Scorer.Score(etx.Features)

			if r.engine != nil && r.engine.RulesCount() > 0 {
				results, err := r.engine.EvaluateAll(ctx, tenantID, etx)
				if err != nil {
					slog.Warn("audit rule evaluation failed", "tx_id", etx.Tx.ID, "error", err)
					return
				}
				mu.Lock()
				auditByTx[etx.Tx.ID] = results
				mu.Unlock()
			}
		}(etx)
	}
	wg.Wait()

	return nil
}

// commit flushes the fully aggregated entities as one atomic batch and
// persists the run report. The flush runs detached from the run deadline,
// so a timed-out batch still commits its aggregated share.
func (r *Runner) commit(ctx context.Context, tenantID string, report *domain.BatchReport, flags []*domain.RiskFlag, start time.Time) error {
	fctx := context.WithoutCancel(ctx)

	if err := r.flags.UpsertBatch(fctx, tenantID, flags); err != nil {
		return fmt.Errorf("failed to commit batch %s: %w", report.BatchID, err)
	}
	report.FlagsUpdated = len(flags)
	for _, flag := range flags {
		r.publishFlag(fctx, tenantID, flag)
	}

	report.DurationMs = time.Since(start).Milliseconds()

	if err := r.repo.SaveBatchReport(fctx, tenantID, report); err != nil {
		slog.Error("failed to save batch report", "batch_id", report.BatchID, "error", err)
	}
	r.publish(fctx, tenantID, domain.TopicBatchCompleted, report)

	return nil
}

// aggregate computes per-entity flags under the run deadline. Entities
// reached after the deadline are returned with their inputs intact so the
// caller can carry them into the next run.
func (r *Runner) aggregate(ctx context.Context, acc *risk.Accumulator, cfg domain.BatchConfig, batchID string) ([]*domain.RiskFlag, map[string]*risk.EntityInput) {
	agg := risk.NewAggregator(cfg.Weights, cfg.Cutoffs)

	entities := acc.Entities()
	keys := make([]string, 0, len(entities))
	for key := range entities {
		keys = append(keys, key)
	}
	sort.Strings(keys) // deterministic order, deterministic deferral

	var flags []*domain.RiskFlag
	var deferred map[string]*risk.EntityInput
	for _, key := range keys {
		select {
		case <-ctx.Done():
			if deferred == nil {
				deferred = make(map[string]*risk.EntityInput)
			}
			deferred[key] = entities[key]
			continue
		default:
		}
		flags = append(flags, agg.Aggregate(entities[key], batchID))
	}

	return flags, deferred
}

func (r *Runner) takePending(tenantID, period string) map[string]*risk.EntityInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tenantID + "|" + period
	p := r.pending[key]
	delete(r.pending, key)
	return p
}

func (r *Runner) stashPending(tenantID, period string, entities map[string]*risk.EntityInput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tenantID + "|" + period
	cur := r.pending[key]
	if cur == nil {
		cur = make(map[string]*risk.EntityInput, len(entities))
		r.pending[key] = cur
	}
	for k, e := range entities {
		cur[k] = e
	}
}

func deferredIDs(entities map[string]*risk.EntityInput) []string {
	if len(entities) == 0 {
		return nil
	}
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.EntityID)
	}
	sort.Strings(ids)
	return ids
}

// dealerStats computes the per-dealer average quantity and flags dealers
// at or above the configured percentile of dealer averages.
func (r *Runner) dealerStats(enriched []*domain.EnrichedTransaction, cfg domain.BatchConfig, acc *risk.Accumulator) {
	totals := make(map[string]float64)
	counts := make(map[string]int)
	for _, etx := range enriched {
		totals[etx.Tx.DealerID] += etx.Tx.Quantity
		counts[etx.Tx.DealerID]++
	}
	if len(counts) == 0 {
		return
	}

	avgs := make([]float64, 0, len(counts))
	byDealer := make(map[string]float64, len(counts))
	for dealerID := range counts {
		avg := totals[dealerID] / float64(counts[dealerID])
		byDealer[dealerID] = avg
		avgs = append(avgs, avg)
	}
	sort.Float64s(avgs)

	// Percentile threshold over dealer averages; a single dealer can never
	// exceed its own percentile.
	idx := int(float64(len(avgs)-1) * cfg.DealerAvgQtyPercentile)
	threshold := avgs[idx]

	for dealerID, avg := range byDealer {
		flagged := len(avgs) > 1 && avg >= threshold && avg > avgs[0]
		acc.SetDealerStats(dealerID, avg, flagged)
	}
}

func (r *Runner) tally(enriched []*domain.EnrichedTransaction, report *domain.BatchReport) {
	for _, etx := range enriched {
		switch etx.Classification {
		case domain.ClassNormal:
			report.Normal++
		case domain.ClassOverEntitlement:
			report.OverEntitlement++
		case domain.ClassUnentitled:
			report.Unentitled++
		}
		if etx.HardBlockExceeded {
			report.HardBlocked++
		}
		if len(etx.GeoFlags) > 0 {
			report.GeoFlagged++
		}
		if etx.Outlier {
			report.Outliers++
		}
	}
}

func (r *Runner) publishFlag(ctx context.Context, tenantID string, flag *domain.RiskFlag) {
	r.publish(ctx, tenantID, domain.TopicFlagUpdated, flag)
	if flag.Tier == domain.TierCritical {
		r.publish(ctx, tenantID, domain.TopicAlert, flag)
	}
}

func (r *Runner) publish(ctx context.Context, tenantID, topic string, payload any) {
	if r.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, tenantID, topic, data); err != nil {
		slog.Error("failed to publish event", "topic", topic, "error", err)
	}
}

func quantityStats(txs []*domain.EnrichedTransaction) (mean, std float64) {
	if len(txs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, etx := range txs {
		sum += etx.Tx.Quantity
	}
	mean = sum / float64(len(txs))

	var variance float64
	for _, etx := range txs {
		d := etx.Tx.Quantity - mean
		variance += d * d
	}
	if len(txs) > 1 {
		std = math.Sqrt(variance / float64(len(txs)))
	}
	return mean, std
}
