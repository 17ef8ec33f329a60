package repository

// Schema definitions for the Heron database.
// Compatible with both SQLite and PostgreSQL.

// Land records are immutable per (farmer, version); re-ingesting the same
// version is a no-op at the storage layer.
const schemaLandRecords = `
CREATE TABLE IF NOT EXISTS land_records (
    farmer_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    area_hectares REAL NOT NULL,
    crop TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    registered_at TIMESTAMP NOT NULL,
    ingested_at TIMESTAMP NOT NULL,
    PRIMARY KEY (farmer_id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_land_records_tenant ON land_records(tenant_id);
CREATE INDEX IF NOT EXISTS idx_land_records_farmer ON land_records(tenant_id, farmer_id);
`

const schemaPOSTransactions = `
CREATE TABLE IF NOT EXISTS pos_transactions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    dealer_id TEXT NOT NULL,
    farmer_id TEXT NOT NULL,
    item TEXT NOT NULL,
    quantity REAL NOT NULL,
    unit_price REAL NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    ingested_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_pos_transactions_tenant ON pos_transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_pos_transactions_farmer ON pos_transactions(tenant_id, farmer_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_pos_transactions_dealer ON pos_transactions(tenant_id, dealer_id, timestamp);
`

// Entitlement rows are append-only; superseding an entitlement flips the
// previous ACTIVE row to INACTIVE in the same transaction that inserts the
// replacement.
const schemaEntitlements = `
CREATE TABLE IF NOT EXISTS entitlements (
    farmer_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    scheme_id TEXT NOT NULL,
    item TEXT NOT NULL,
    period TEXT NOT NULL,
    ceiling_qty REAL NOT NULL,
    status TEXT NOT NULL,
    land_version INTEGER NOT NULL,
    computed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entitlements_tenant ON entitlements(tenant_id);
CREATE INDEX IF NOT EXISTS idx_entitlements_key ON entitlements(tenant_id, farmer_id, scheme_id, period, status);
CREATE INDEX IF NOT EXISTS idx_entitlements_period ON entitlements(tenant_id, period, status);
`

// One live row per entity; new evidence updates it in place.
const schemaRiskFlags = `
CREATE TABLE IF NOT EXISTS risk_flags (
    entity_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    entity_kind TEXT NOT NULL,
    tier TEXT NOT NULL,
    score REAL NOT NULL,
    signals TEXT NOT NULL,
    batch_id TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (entity_id, tenant_id, entity_kind)
);

CREATE INDEX IF NOT EXISTS idx_risk_flags_tenant ON risk_flags(tenant_id);
CREATE INDEX IF NOT EXISTS idx_risk_flags_score ON risk_flags(tenant_id, score);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

// Model artifacts are immutable; retraining inserts a new version.
const schemaModelArtifacts = `
CREATE TABLE IF NOT EXISTS model_artifacts (
    version TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    params TEXT NOT NULL,
    contamination REAL NOT NULL,
    sample_count INTEGER NOT NULL,
    trained_at TIMESTAMP NOT NULL,
    PRIMARY KEY (version, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_model_artifacts_tenant ON model_artifacts(tenant_id);
CREATE INDEX IF NOT EXISTS idx_model_artifacts_trained ON model_artifacts(tenant_id, trained_at);
`

const schemaBatchReports = `
CREATE TABLE IF NOT EXISTS batch_reports (
    batch_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    period TEXT NOT NULL,
    report TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    PRIMARY KEY (batch_id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_batch_reports_tenant ON batch_reports(tenant_id);
CREATE INDEX IF NOT EXISTS idx_batch_reports_period ON batch_reports(tenant_id, period);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaLandRecords,
		schemaPOSTransactions,
		schemaEntitlements,
		schemaRiskFlags,
		schemaRuleConfigs,
		schemaModelArtifacts,
		schemaBatchReports,
	}
}
