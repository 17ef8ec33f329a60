// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-agri/heron/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveLandRecord stores a land-record version with tenant isolation.
// Versions are immutable; re-ingesting an existing version is a no-op.
func (r *SQLRepository) SaveLandRecord(ctx context.Context, tenantID string, rec *domain.LandRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO land_records (
			farmer_id, tenant_id, version, area_hectares, crop,
			lat, lon, registered_at, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(farmer_id, tenant_id, version) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.FarmerID, tenantID, rec.Version,
		rec.AreaHectares, rec.Crop,
		rec.Location.Lat, rec.Location.Lon,
		rec.RegisteredAt, rec.IngestedAt,
	)
	return err
}

// GetLandRecord retrieves the latest land-record version for a farmer.
func (r *SQLRepository) GetLandRecord(ctx context.Context, tenantID string, farmerID string) (*domain.LandRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT farmer_id, tenant_id, version, area_hectares, crop,
			   lat, lon, registered_at, ingested_at
		FROM land_records
		WHERE tenant_id = ? AND farmer_id = ?
		ORDER BY version DESC
		LIMIT 1
	`

	var rec domain.LandRecord
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, farmerID).Scan(
		&rec.FarmerID, &rec.TenantID, &rec.Version,
		&rec.AreaHectares, &rec.Crop,
		&rec.Location.Lat, &rec.Location.Lon,
		&rec.RegisteredAt, &rec.IngestedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// ListLandRecords retrieves every land-record version for a tenant.
func (r *SQLRepository) ListLandRecords(ctx context.Context, tenantID string) ([]*domain.LandRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT farmer_id, tenant_id, version, area_hectares, crop,
			   lat, lon, registered_at, ingested_at
		FROM land_records
		WHERE tenant_id = ?
		ORDER BY farmer_id, version
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.LandRecord
	for rows.Next() {
		var rec domain.LandRecord
		if err := rows.Scan(
			&rec.FarmerID, &rec.TenantID, &rec.Version,
			&rec.AreaHectares, &rec.Crop,
			&rec.Location.Lat, &rec.Location.Lon,
			&rec.RegisteredAt, &rec.IngestedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// SaveTransaction stores a POS transaction with tenant isolation.
// Replaying an already ingested transaction is a no-op, which keeps batch
// retries idempotent at the storage layer.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.POSTransaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO pos_transactions (
			id, tenant_id, dealer_id, farmer_id, item,
			quantity, unit_price, timestamp, lat, lon, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.DealerID, tx.FarmerID, tx.Item,
		tx.Quantity, tx.UnitPrice, tx.Timestamp,
		tx.Location.Lat, tx.Location.Lon, tx.IngestedAt,
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.POSTransaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, dealer_id, farmer_id, item,
			   quantity, unit_price, timestamp, lat, lon, ingested_at
		FROM pos_transactions
		WHERE tenant_id = ? AND id = ?
	`

	var tx domain.POSTransaction
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &tx.DealerID, &tx.FarmerID, &tx.Item,
		&tx.Quantity, &tx.UnitPrice, &tx.Timestamp,
		&tx.Location.Lat, &tx.Location.Lon, &tx.IngestedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &tx, nil
}

// GetTransactionsByFarmer retrieves a farmer's transactions in time order,
// the shape the velocity check consumes.
func (r *SQLRepository) GetTransactionsByFarmer(ctx context.Context, tenantID string, farmerID string, since time.Time) ([]*domain.POSTransaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, dealer_id, farmer_id, item,
			   quantity, unit_price, timestamp, lat, lon, ingested_at
		FROM pos_transactions
		WHERE tenant_id = ? AND farmer_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, farmerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.POSTransaction
	for rows.Next() {
		var tx domain.POSTransaction
		if err := rows.Scan(
			&tx.ID, &tx.TenantID, &tx.DealerID, &tx.FarmerID, &tx.Item,
			&tx.Quantity, &tx.UnitPrice, &tx.Timestamp,
			&tx.Location.Lat, &tx.Location.Lon, &tx.IngestedAt,
		); err != nil {
			return nil, err
		}
		transactions = append(transactions, &tx)
	}

	return transactions, rows.Err()
}

// SaveEntitlement inserts a new ACTIVE entitlement and deactivates any
// previous ACTIVE row for the same (farmer, scheme, period) key in the
// same database transaction. At no point do two ACTIVE rows coexist.
func (r *SQLRepository) SaveEntitlement(ctx context.Context, tenantID string, rec *domain.EntitlementRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	supersede := `
		UPDATE entitlements
		SET status = ?
		WHERE tenant_id = ? AND farmer_id = ? AND scheme_id = ? AND period = ? AND status = ?
	`
	if _, err := dbTx.ExecContext(ctx, r.rebind(supersede),
		domain.EntitlementInactive, tenantID,
		rec.FarmerID, rec.SchemeID, rec.Period, domain.EntitlementActive,
	); err != nil {
		return err
	}

	insert := `
		INSERT INTO entitlements (
			farmer_id, tenant_id, scheme_id, item, period,
			ceiling_qty, status, land_version, computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := dbTx.ExecContext(ctx, r.rebind(insert),
		rec.FarmerID, tenantID, rec.SchemeID, rec.Item, rec.Period,
		rec.CeilingQty, domain.EntitlementActive, rec.LandVersion, rec.ComputedAt,
	); err != nil {
		return err
	}

	return dbTx.Commit()
}

// GetActiveEntitlement retrieves the single ACTIVE entitlement for a key.
func (r *SQLRepository) GetActiveEntitlement(ctx context.Context, tenantID string, farmerID, schemeID, period string) (*domain.EntitlementRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT farmer_id, tenant_id, scheme_id, item, period,
			   ceiling_qty, status, land_version, computed_at
		FROM entitlements
		WHERE tenant_id = ? AND farmer_id = ? AND scheme_id = ? AND period = ? AND status = ?
	`

	var rec domain.EntitlementRecord
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		tenantID, farmerID, schemeID, period, domain.EntitlementActive,
	).Scan(
		&rec.FarmerID, &rec.TenantID, &rec.SchemeID, &rec.Item, &rec.Period,
		&rec.CeilingQty, &rec.Status, &rec.LandVersion, &rec.ComputedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// ListActiveEntitlements retrieves all ACTIVE entitlements for a period.
func (r *SQLRepository) ListActiveEntitlements(ctx context.Context, tenantID string, period string) ([]*domain.EntitlementRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT farmer_id, tenant_id, scheme_id, item, period,
			   ceiling_qty, status, land_version, computed_at
		FROM entitlements
		WHERE tenant_id = ? AND period = ? AND status = ?
		ORDER BY farmer_id, scheme_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, period, domain.EntitlementActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.EntitlementRecord
	for rows.Next() {
		var rec domain.EntitlementRecord
		if err := rows.Scan(
			&rec.FarmerID, &rec.TenantID, &rec.SchemeID, &rec.Item, &rec.Period,
			&rec.CeilingQty, &rec.Status, &rec.LandVersion, &rec.ComputedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

const upsertRiskFlagQuery = `
	INSERT INTO risk_flags (
		entity_id, tenant_id, entity_kind, tier, score, signals, batch_id, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_id, tenant_id, entity_kind) DO UPDATE SET
		tier = excluded.tier,
		score = excluded.score,
		signals = excluded.signals,
		batch_id = excluded.batch_id,
		updated_at = excluded.updated_at
`

// SaveRiskFlag upserts the single live flag row for an entity. A farmer and
// a dealer sharing an ID string keep separate rows.
func (r *SQLRepository) SaveRiskFlag(ctx context.Context, tenantID string, flag *domain.RiskFlag) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	signals, _ := json.Marshal(flag.Signals)

	_, err := r.db.ExecContext(ctx, r.rebind(upsertRiskFlagQuery),
		flag.EntityID, tenantID, flag.EntityKind,
		flag.Tier, flag.Score, string(signals),
		flag.BatchID, flag.UpdatedAt,
	)
	return err
}

// SaveRiskFlags upserts a batch of flags in one database transaction:
// either every row lands or none do.
func (r *SQLRepository) SaveRiskFlags(ctx context.Context, tenantID string, flags []*domain.RiskFlag) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(flags) == 0 {
		return nil
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	for _, flag := range flags {
		signals, _ := json.Marshal(flag.Signals)
		if _, err := dbTx.ExecContext(ctx, r.rebind(upsertRiskFlagQuery),
			flag.EntityID, tenantID, flag.EntityKind,
			flag.Tier, flag.Score, string(signals),
			flag.BatchID, flag.UpdatedAt,
		); err != nil {
			return err
		}
	}

	return dbTx.Commit()
}

// GetRiskFlag retrieves the live flag for an entity. When a farmer and a
// dealer share the ID string, the higher-scoring flag wins the point lookup.
func (r *SQLRepository) GetRiskFlag(ctx context.Context, tenantID string, entityID string) (*domain.RiskFlag, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT entity_id, tenant_id, entity_kind, tier, score, signals, batch_id, updated_at
		FROM risk_flags
		WHERE tenant_id = ? AND entity_id = ?
		ORDER BY score DESC, entity_kind ASC
		LIMIT 1
	`

	var flag domain.RiskFlag
	var signals string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, entityID).Scan(
		&flag.EntityID, &flag.TenantID, &flag.EntityKind,
		&flag.Tier, &flag.Score, &signals,
		&flag.BatchID, &flag.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(signals), &flag.Signals)

	return &flag, nil
}

// TopRiskFlags retrieves flags ordered by score descending. limit <= 0
// returns all flags for the tenant.
func (r *SQLRepository) TopRiskFlags(ctx context.Context, tenantID string, limit int) ([]*domain.RiskFlag, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT entity_id, tenant_id, entity_kind, tier, score, signals, batch_id, updated_at
		FROM risk_flags
		WHERE tenant_id = ?
		ORDER BY score DESC, entity_id ASC
	`
	args := []any{tenantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []*domain.RiskFlag
	for rows.Next() {
		var flag domain.RiskFlag
		var signals string

		if err := rows.Scan(
			&flag.EntityID, &flag.TenantID, &flag.EntityKind,
			&flag.Tier, &flag.Score, &signals,
			&flag.BatchID, &flag.UpdatedAt,
		); err != nil {
			return nil, err
		}

		json.Unmarshal([]byte(signals), &flag.Signals)
		flags = append(flags, &flag)
	}

	return flags, rows.Err()
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	bands, _ := json.Marshal(rule.Bands)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, bands, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			bands = excluded.bands,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, string(bands), rule.Weight, enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves a rule configuration with tenant isolation.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, weight, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	var cfg domain.RuleConfig
	var bands string
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
		&cfg.Version, &cfg.Expression, &bands, &cfg.Weight, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Enabled = enabled == 1
	json.Unmarshal([]byte(bands), &cfg.Bands)

	return &cfg, nil
}

// ListRuleConfigs retrieves all active rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, weight, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var bands string
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
			&cfg.Version, &cfg.Expression, &bands, &cfg.Weight, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Enabled = enabled == 1
		json.Unmarshal([]byte(bands), &cfg.Bands)
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// SaveModelArtifact stores a trained model. Artifacts are immutable;
// writing an existing version is rejected.
func (r *SQLRepository) SaveModelArtifact(ctx context.Context, tenantID string, m *domain.ModelArtifact) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO model_artifacts (
			version, tenant_id, kind, params, contamination, sample_count, trained_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		m.Version, tenantID, m.Kind, string(m.Params),
		m.Contamination, m.SampleCount, m.TrainedAt,
	)
	return err
}

// GetModelArtifact retrieves a model artifact by version.
func (r *SQLRepository) GetModelArtifact(ctx context.Context, tenantID string, version string) (*domain.ModelArtifact, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT version, kind, params, contamination, sample_count, trained_at
		FROM model_artifacts
		WHERE tenant_id = ? AND version = ?
	`

	return r.scanArtifact(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, version))
}

// LatestModelArtifact retrieves the most recently trained model.
func (r *SQLRepository) LatestModelArtifact(ctx context.Context, tenantID string) (*domain.ModelArtifact, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT version, kind, params, contamination, sample_count, trained_at
		FROM model_artifacts
		WHERE tenant_id = ?
		ORDER BY trained_at DESC, version DESC
		LIMIT 1
	`

	return r.scanArtifact(r.db.QueryRowContext(ctx, r.rebind(query), tenantID))
}

func (r *SQLRepository) scanArtifact(row *sql.Row) (*domain.ModelArtifact, error) {
	var m domain.ModelArtifact
	var params string

	err := row.Scan(&m.Version, &m.Kind, &params, &m.Contamination, &m.SampleCount, &m.TrainedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.Params = []byte(params)
	return &m, nil
}

// SaveBatchReport stores a completed run's report.
func (r *SQLRepository) SaveBatchReport(ctx context.Context, tenantID string, report *domain.BatchReport) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode batch report: %w", err)
	}

	query := `
		INSERT INTO batch_reports (batch_id, tenant_id, period, report, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(batch_id, tenant_id) DO UPDATE SET
			period = excluded.period,
			report = excluded.report,
			started_at = excluded.started_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		report.BatchID, tenantID, report.Period, string(payload), report.StartedAt,
	)
	return err
}

// GetBatchReport retrieves a run report by batch ID.
func (r *SQLRepository) GetBatchReport(ctx context.Context, tenantID string, batchID string) (*domain.BatchReport, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT report FROM batch_reports
		WHERE tenant_id = ? AND batch_id = ?
	`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, batchID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var report domain.BatchReport
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fmt.Errorf("failed to decode batch report: %w", err)
	}

	return &report, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
