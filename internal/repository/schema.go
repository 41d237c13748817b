package repository

// Schema definitions for the osprey-graph database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    tenant_id TEXT NOT NULL,
    id BIGINT NOT NULL,
    label TEXT,
    time_step INTEGER NOT NULL DEFAULT -1,
    attributes TEXT,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_label ON transactions(tenant_id, label);
`

// Edges keep insertion order through seq; duplicates and self-loops are
// stored as given.
const schemaEdges = `
CREATE TABLE IF NOT EXISTS edges (
    tenant_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    src BIGINT NOT NULL,
    dst BIGINT NOT NULL,
    PRIMARY KEY (tenant_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_edges_src ON edges(tenant_id, src);
CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(tenant_id, dst);
`

// Not-computable exposure thresholds are stored as NULL.
const schemaCalibrations = `
CREATE TABLE IF NOT EXISTS calibrations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    fan_out_p99 DOUBLE PRECISION NOT NULL,
    fan_out_p95 DOUBLE PRECISION NOT NULL,
    fan_in_p99 DOUBLE PRECISION NOT NULL,
    fan_in_p95 DOUBLE PRECISION NOT NULL,
    exp1_p99 DOUBLE PRECISION,
    exp1_p95 DOUBLE PRECISION,
    exp2_p99 DOUBLE PRECISION,
    exp2_p95 DOUBLE PRECISION,
    population TEXT NOT NULL,
    population_size INTEGER NOT NULL,
    summary TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calibrations_tenant ON calibrations(tenant_id, created_at);
`

// scored_records holds the latest scored table per tenant. The full column
// map lives in record; score and severity are denormalised for ordering.
const schemaScoredRecords = `
CREATE TABLE IF NOT EXISTS scored_records (
    tenant_id TEXT NOT NULL,
    tx_id BIGINT NOT NULL,
    run_id TEXT NOT NULL,
    risk_score INTEGER NOT NULL,
    severity TEXT NOT NULL,
    record TEXT NOT NULL,
    PRIMARY KEY (tenant_id, tx_id)
);

CREATE INDEX IF NOT EXISTS idx_scored_records_score ON scored_records(tenant_id, risk_score);
CREATE INDEX IF NOT EXISTS idx_scored_records_severity ON scored_records(tenant_id, severity);
`

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    policy TEXT NOT NULL,
    calibration_id TEXT,
    min_severity TEXT NOT NULL,
    records INTEGER NOT NULL,
    alerts INTEGER NOT NULL,
    by_severity TEXT NOT NULL,
    metadata TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id, timestamp);
`

const schemaScoringRules = `
CREATE TABLE IF NOT EXISTS scoring_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    delta INTEGER NOT NULL,
    reason TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_scoring_rules_tenant ON scoring_rules(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaEdges,
		schemaCalibrations,
		schemaScoredRecords,
		schemaRuns,
		schemaScoringRules,
	}
}
