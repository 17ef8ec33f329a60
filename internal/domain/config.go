package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfigInvalid marks configuration errors that are fatal at batch-run
// start, before any processing.
var ErrConfigInvalid = errors.New("CONFIG_INVALID")

// Config holds the complete Heron configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Batch-run defaults; a run loads these once and they are immutable
	// for its duration.
	Batch BatchConfig `json:"batch"`

	// Scheme entitlement rules
	Schemes SchemeSet `json:"schemes"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp
	Endpoint     string `json:"endpoint"`
}

// WeightProfile is a named aggregation-weight configuration. Weights are
// configuration, never hardcoded in the aggregator.
type WeightProfile struct {
	Name    string             `json:"name"`
	Weights map[string]float64 `json:"weights"`
}

// BatchConfig is the tunable surface of one batch run.
type BatchConfig struct {
	// Period keys entitlements, e.g. "2026-KHARIF".
	Period string `json:"period"`

	// AcceptWindowDays rejects rows with timestamps further than this
	// many days from ingestion time.
	AcceptWindowDays int `json:"acceptWindowDays"`

	// HardBlockMultiplier marks excess ratios above it (default 3x).
	HardBlockMultiplier float64 `json:"hardBlockMultiplier"`

	// Geospatial thresholds.
	MaxSpeedKmh  float64 `json:"maxSpeedKmh"`  // velocity check
	HomeRadiusKm float64 `json:"homeRadiusKm"` // locality check
	HotspotZ     float64 `json:"hotspotZ"`     // dealer clustering

	// DealerAvgQtyPercentile flags dealers whose average quantity per
	// transaction falls at or above this percentile (0..1).
	DealerAvgQtyPercentile float64 `json:"dealerAvgQtyPercentile"`

	// Contamination is the expected outlier fraction for model training.
	Contamination float64 `json:"contamination"`

	// ModelVersion pins the scorer artifact; empty selects the latest.
	ModelVersion string `json:"modelVersion"`

	// Aggregation.
	Weights WeightProfile `json:"weights"`
	Cutoffs TierCutoffs   `json:"cutoffs"`

	// Execution.
	MaxWorkers     int `json:"maxWorkers"`
	TimeoutSeconds int `json:"timeoutSeconds"`
}

// Timeout returns the batch deadline as a duration.
func (b BatchConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// Validate checks the batch configuration. Any violation is fatal for the
// run and wraps ErrConfigInvalid.
func (b BatchConfig) Validate() error {
	if b.Period == "" {
		return fmt.Errorf("%w: period is required", ErrConfigInvalid)
	}
	if b.HardBlockMultiplier < 1 {
		return fmt.Errorf("%w: hardBlockMultiplier must be >= 1, got %v", ErrConfigInvalid, b.HardBlockMultiplier)
	}
	if b.MaxSpeedKmh <= 0 {
		return fmt.Errorf("%w: maxSpeedKmh must be positive, got %v", ErrConfigInvalid, b.MaxSpeedKmh)
	}
	if b.HomeRadiusKm <= 0 {
		return fmt.Errorf("%w: homeRadiusKm must be positive, got %v", ErrConfigInvalid, b.HomeRadiusKm)
	}
	if b.HotspotZ <= 0 {
		return fmt.Errorf("%w: hotspotZ must be positive, got %v", ErrConfigInvalid, b.HotspotZ)
	}
	if b.DealerAvgQtyPercentile <= 0 || b.DealerAvgQtyPercentile >= 1 {
		return fmt.Errorf("%w: dealerAvgQtyPercentile must be in (0,1), got %v", ErrConfigInvalid, b.DealerAvgQtyPercentile)
	}
	if b.Contamination <= 0 || b.Contamination >= 0.5 {
		return fmt.Errorf("%w: contamination must be in (0,0.5), got %v", ErrConfigInvalid, b.Contamination)
	}
	if len(b.Weights.Weights) == 0 {
		return fmt.Errorf("%w: weight profile is required", ErrConfigInvalid)
	}
	for name, w := range b.Weights.Weights {
		if w < 0 {
			return fmt.Errorf("%w: weight %q must be non-negative, got %v", ErrConfigInvalid, name, w)
		}
	}
	if !(b.Cutoffs.Medium < b.Cutoffs.High && b.Cutoffs.High < b.Cutoffs.Critical) {
		return fmt.Errorf("%w: tier cutoffs must be strictly increasing", ErrConfigInvalid)
	}
	return nil
}

// Signal names used by the default aggregation profile.
const (
	SignalOverEntitlement  = "over_entitlement"
	SignalUnentitled       = "unentitled"
	SignalHardBlock        = "hard_block"
	SignalImpossibleTravel = "impossible_travel"
	SignalOutOfRegion      = "out_of_region"
	SignalDealerHotspot    = "dealer_hotspot"
	SignalDealerAvgQty     = "dealer_avg_qty"
	SignalAnomalyMean      = "anomaly_mean"
	SignalAnomalyMax       = "anomaly_max"
	SignalAuditRules       = "audit_rules"
)

// DefaultWeights returns the default aggregation weight profile.
func DefaultWeights() WeightProfile {
	return WeightProfile{
		Name: "default",
		Weights: map[string]float64{
			SignalOverEntitlement:  0.45,
			SignalUnentitled:       0.55,
			SignalHardBlock:        0.65,
			SignalImpossibleTravel: 0.65,
			SignalOutOfRegion:      0.35,
			SignalDealerHotspot:    0.50,
			SignalDealerAvgQty:     0.40,
			SignalAnomalyMean:      0.30,
			SignalAnomalyMax:       0.40,
			SignalAuditRules:       0.30,
		},
	}
}

// DefaultBatchConfig returns defaults for a batch run. Every threshold here
// is tunable; none is ground truth.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Period:                 "default",
		AcceptWindowDays:       365,
		HardBlockMultiplier:    3.0,
		MaxSpeedKmh:            120,
		HomeRadiusKm:           50,
		HotspotZ:               3.0,
		DealerAvgQtyPercentile: 0.95,
		Contamination:          0.05,
		Weights:                DefaultWeights(),
		Cutoffs:                TierCutoffs{Medium: 0.3, High: 0.6, Critical: 0.85},
		MaxWorkers:             8,
		TimeoutSeconds:         300,
	}
}

// DefaultConfig returns the default single-node configuration:
// SQLite + in-process cache + channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./heron.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Batch: DefaultBatchConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "heron",
		},
	}
}

// ClusterConfig returns a configuration for multi-node deployments:
// PostgreSQL + Redis two-phase cache + NATS.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "heron",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
