package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-agri/heron/internal/batch"
	"github.com/opensource-agri/heron/internal/domain"
	"github.com/opensource-agri/heron/internal/flagstore"
	"github.com/opensource-agri/heron/internal/normalize"
	"github.com/opensource-agri/heron/internal/repository"
	"github.com/opensource-agri/heron/internal/rules"
	"github.com/opensource-agri/heron/internal/scorer"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	cfg     *domain.Config
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *rules.Engine
	runner  *batch.Runner
	flags   *flagstore.Store
	version string
}

// NewHandler creates a new API handler.
func NewHandler(cfg *domain.Config, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, runner *batch.Runner, flags *flagstore.Store, version string) *Handler {
	return &Handler{
		cfg:     cfg,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  engine,
		runner:  runner,
		flags:   flags,
		version: version,
	}
}

// FormatMapping names an upstream source format and maps its column names
// onto canonical fields.
type FormatMapping struct {
	Name       string            `json:"name"`
	LandFields map[string]string `json:"landFields,omitempty"`
	POSFields  map[string]string `json:"posFields,omitempty"`
}

// BatchRequest is the request body for POST /batches.
type BatchRequest struct {
	BatchID      string             `json:"batchId,omitempty"`
	Period       string             `json:"period,omitempty"`
	ModelVersion string             `json:"modelVersion,omitempty"`
	Format       *FormatMapping     `json:"format,omitempty"`
	Rows         []normalize.RawRow `json:"rows"`
}

// RunBatch handles POST /batches: one full ingestion-to-flags run.
func (h *Handler) RunBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Rows) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rows are required",
		})
		return
	}

	// Run configuration: server defaults with per-request overrides, loaded
	// once and immutable for the run.
	cfg := h.cfg.Batch
	if req.Period != "" {
		cfg.Period = req.Period
	}
	if req.ModelVersion != "" {
		cfg.ModelVersion = req.ModelVersion
	}

	strategy, err := h.strategy(req.Format)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	sc, err := h.resolveScorer(r, tenantID, cfg.ModelVersion)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": scorer.ErrModelUnavailable.Error(),
			"hint":  "train a model via POST /models/train before running batches",
		})
		return
	}

	report, err := h.runner.Run(ctx, tenantID, &batch.Input{
		BatchID:  req.BatchID,
		Strategy: strategy,
		Rows:     req.Rows,
		Config:   cfg,
		Scorer:   sc,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrConfigInvalid):
			status = http.StatusBadRequest
		case errors.Is(err, scorer.ErrModelUnavailable):
			status = http.StatusServiceUnavailable
		}
		slog.Error("batch run failed", "batch_id", req.BatchID, "error", err)
		writeJSON(w, status, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// GetBatchReport retrieves a run report by batch ID.
func (h *Handler) GetBatchReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	batchID := chi.URLParam(r, "id")

	report, err := h.repo.GetBatchReport(ctx, tenantID, batchID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "batch report not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// ScoreRequest is the request body for POST /score.
type ScoreRequest struct {
	Features     domain.FeatureVector `json:"features"`
	ModelVersion string               `json:"modelVersion,omitempty"`
}

// ScoreResponse is the response for POST /score.
type ScoreResponse struct {
	Score        float64 `json:"score"`
	Outlier      bool    `json:"outlier"`
	ModelVersion string  `json:"modelVersion"`
}

// Score handles POST /score: one feature vector against the current (or a
// pinned) model version.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	sc, err := h.resolveScorer(r.WithContext(ctx), tenantID, req.ModelVersion)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": scorer.ErrModelUnavailable.Error(),
		})
		return
	}

	score, outlier := sc.Score(req.Features)
	writeJSON(w, http.StatusOK, ScoreResponse{
		Score:        score,
		Outlier:      outlier,
		ModelVersion: sc.Version(),
	})
}

// TrainRequest is the request body for POST /models/train. Training runs on
// a reference batch of raw rows, or directly on precomputed feature vectors.
type TrainRequest struct {
	Kind          string                 `json:"kind"`
	Contamination float64                `json:"contamination,omitempty"`
	Period        string                 `json:"period,omitempty"`
	Format        *FormatMapping         `json:"format,omitempty"`
	Rows          []normalize.RawRow     `json:"rows,omitempty"`
	Features      []domain.FeatureVector `json:"features,omitempty"`
}

// TrainModel handles POST /models/train: fit a new versioned model artifact.
// In-flight batches keep the version they started with.
func (h *Handler) TrainModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req TrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Kind == "" {
		req.Kind = domain.ModelIsolationForest
	}

	cfg := h.cfg.Batch
	if req.Period != "" {
		cfg.Period = req.Period
	}
	if req.Contamination > 0 {
		cfg.Contamination = req.Contamination
	}

	vectors := req.Features
	if len(vectors) == 0 {
		if len(req.Rows) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "rows or features are required",
			})
			return
		}
		strategy, err := h.strategy(req.Format)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		vectors, err = h.runner.BuildFeatures(ctx, tenantID, &batch.Input{
			Strategy: strategy,
			Rows:     req.Rows,
			Config:   cfg,
		})
		if err != nil {
			slog.Error("feature extraction for training failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
			return
		}
	}

	artifact, err := scorer.Train(req.Kind, vectors, cfg.Contamination)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, domain.ErrConfigInvalid) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveModelArtifact(ctx, tenantID, artifact); err != nil {
		slog.Error("failed to save model artifact", "version", artifact.Version, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save model artifact",
		})
		return
	}

	if h.bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"version":     artifact.Version,
			"kind":        artifact.Kind,
			"sampleCount": artifact.SampleCount,
		})
		_ = h.bus.Publish(ctx, tenantID, domain.TopicModelTrained, payload)
	}

	slog.Info("model trained",
		"version", artifact.Version,
		"kind", artifact.Kind,
		"samples", artifact.SampleCount,
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"version":       artifact.Version,
		"kind":          artifact.Kind,
		"sampleCount":   artifact.SampleCount,
		"contamination": artifact.Contamination,
		"trainedAt":     artifact.TrainedAt,
	})
}

// LatestModel returns metadata for the most recently trained model.
func (h *Handler) LatestModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	artifact, err := h.repo.LatestModelArtifact(ctx, tenantID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": scorer.ErrModelUnavailable.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":       artifact.Version,
		"kind":          artifact.Kind,
		"sampleCount":   artifact.SampleCount,
		"contamination": artifact.Contamination,
		"trainedAt":     artifact.TrainedAt,
	})
}

// ListFlags returns the top-N entities by composite risk score.
func (h *Handler) ListFlags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = parsed
	}

	flags, err := h.flags.TopN(ctx, tenantID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list risk flags",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"flags": flags,
		"count": len(flags),
	})
}

// GetFlag returns the live risk flag for one entity, signal breakdown
// included.
func (h *Handler) GetFlag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	entityID := chi.URLParam(r, "entityID")

	flag, err := h.flags.Get(ctx, tenantID, entityID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "risk flag not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns all loaded audit rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating an audit rule.
type CreateRuleRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Expression  string            `json:"expression"`
	Bands       []domain.RuleBand `json:"bands"`
	Weight      float64           `json:"weight"`
	Enabled     bool              `json:"enabled"`
}

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// CreateRule creates a new audit rule and saves it to the database.
// Rules are saved globally (tenant_id = "*") so they apply to all tenants.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	// Create rule config (global tenant)
	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Bands:       req.Bands,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression by attempting to load
	if err := h.engine.LoadRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	// Persist to repository (global tenant ID)
	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, ruleConfig); err != nil {
			slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	// Load rules from database (global rules)
	dbRules, err := h.repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	// Reload into engine
	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// strategy resolves the parser strategy for a request's source format.
func (h *Handler) strategy(format *FormatMapping) (normalize.Strategy, error) {
	if format == nil {
		return normalize.Canonical(), nil
	}
	return normalize.NewStrategy(format.Name, format.LandFields, format.POSFields)
}

// resolveScorer loads the pinned model version, or the latest artifact when
// no version is pinned.
func (h *Handler) resolveScorer(r *http.Request, tenantID, version string) (domain.Scorer, error) {
	var artifact *domain.ModelArtifact
	var err error

	if version != "" {
		artifact, err = h.repo.GetModelArtifact(r.Context(), tenantID, version)
	} else {
		artifact, err = h.repo.LatestModelArtifact(r.Context(), tenantID)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, scorer.ErrModelUnavailable
	}
	if err != nil {
		return nil, err
	}

	return scorer.FromArtifact(artifact)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
