// Package domain defines the core interfaces and types for Heron.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict tenant isolation.
type Repository interface {
	// Land registry
	SaveLandRecord(ctx context.Context, tenantID string, rec *LandRecord) error
	GetLandRecord(ctx context.Context, tenantID string, farmerID string) (*LandRecord, error)
	ListLandRecords(ctx context.Context, tenantID string) ([]*LandRecord, error)

	// POS transactions
	SaveTransaction(ctx context.Context, tenantID string, tx *POSTransaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*POSTransaction, error)
	GetTransactionsByFarmer(ctx context.Context, tenantID string, farmerID string, since time.Time) ([]*POSTransaction, error)

	// Entitlements. SaveEntitlement supersedes any ACTIVE record for the
	// same (farmer, scheme, period) key atomically.
	SaveEntitlement(ctx context.Context, tenantID string, rec *EntitlementRecord) error
	GetActiveEntitlement(ctx context.Context, tenantID string, farmerID, schemeID, period string) (*EntitlementRecord, error)
	ListActiveEntitlements(ctx context.Context, tenantID string, period string) ([]*EntitlementRecord, error)

	// Risk flags (one live row per (entity, kind), updated in place).
	// SaveRiskFlags writes the whole set in one transaction: all or none.
	SaveRiskFlag(ctx context.Context, tenantID string, flag *RiskFlag) error
	SaveRiskFlags(ctx context.Context, tenantID string, flags []*RiskFlag) error
	GetRiskFlag(ctx context.Context, tenantID string, entityID string) (*RiskFlag, error)
	TopRiskFlags(ctx context.Context, tenantID string, limit int) ([]*RiskFlag, error)

	// Audit rule configurations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	// Model artifacts
	SaveModelArtifact(ctx context.Context, tenantID string, m *ModelArtifact) error
	GetModelArtifact(ctx context.Context, tenantID string, version string) (*ModelArtifact, error)
	LatestModelArtifact(ctx context.Context, tenantID string) (*ModelArtifact, error)

	// Batch reports
	SaveBatchReport(ctx context.Context, tenantID string, report *BatchReport) error
	GetBatchReport(ctx context.Context, tenantID string, batchID string) (*BatchReport, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
