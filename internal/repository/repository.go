// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
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

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error.
func (r *SQLRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// insertRows writes rows into table inside tx. PostgreSQL loads them with
// COPY; SQLite reuses one prepared INSERT.
func (r *SQLRepository) insertRows(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if r.driver == "postgres" {
		return copyRows(ctx, tx, table, columns, rows)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), placeholders))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("insert into %s row %d: %w", table, i, err)
		}
	}
	return nil
}

// SaveGraph replaces the tenant's stored graph.
func (r *SQLRepository) SaveGraph(ctx context.Context, tenantID string, graph *domain.GraphSnapshot) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"transactions", "edges"} {
			if _, err := tx.ExecContext(ctx, r.rebind("DELETE FROM "+table+" WHERE tenant_id = ?"), tenantID); err != nil {
				return err
			}
		}

		txRows := make([][]any, 0, len(graph.Transactions))
		for _, t := range graph.Transactions {
			attrs, err := json.Marshal(t.Attributes)
			if err != nil {
				return fmt.Errorf("tx %d attributes: %w", t.ID, err)
			}
			var label any
			if t.Label != "" {
				label = t.Label
			}
			txRows = append(txRows, []any{tenantID, int64(t.ID), label, t.TimeStep, string(attrs)})
		}
		if err := r.insertRows(ctx, tx, "transactions", []string{"tenant_id", "id", "label", "time_step", "attributes"}, txRows); err != nil {
			return err
		}

		edgeRows := make([][]any, len(graph.Edges))
		for i, e := range graph.Edges {
			edgeRows[i] = []any{tenantID, i, int64(e.Src), int64(e.Dst)}
		}
		return r.insertRows(ctx, tx, "edges", []string{"tenant_id", "seq", "src", "dst"}, edgeRows)
	})
}

// GetGraph loads the tenant's stored graph. A tenant with no transactions
// and no edges is ErrNotFound.
func (r *SQLRepository) GetGraph(ctx context.Context, tenantID string) (*domain.GraphSnapshot, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	graph := &domain.GraphSnapshot{
		Transactions: []domain.Transaction{},
		Edges:        []domain.Edge{},
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, label, time_step, attributes
		FROM transactions
		WHERE tenant_id = ?
		ORDER BY id
	`), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var t domain.Transaction
		var id int64
		var label, attrs sql.NullString

		if err := rows.Scan(&id, &label, &t.TimeStep, &attrs); err != nil {
			return nil, err
		}
		t.ID = domain.TxID(id)
		t.Label = label.String
		if attrs.Valid && attrs.String != "" && attrs.String != "null" {
			if err := json.Unmarshal([]byte(attrs.String), &t.Attributes); err != nil {
				return nil, fmt.Errorf("tx %d attributes: %w", id, err)
			}
		}
		graph.Transactions = append(graph.Transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	edgeRows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT src, dst FROM edges WHERE tenant_id = ? ORDER BY seq
	`), tenantID)
	if err != nil {
		return nil, err
	}
	defer edgeRows.Close()

	for edgeRows.Next() {
		var src, dst int64
		if err := edgeRows.Scan(&src, &dst); err != nil {
			return nil, err
		}
		graph.Edges = append(graph.Edges, domain.Edge{Src: domain.TxID(src), Dst: domain.TxID(dst)})
	}
	if err := edgeRows.Err(); err != nil {
		return nil, err
	}

	if len(graph.Transactions) == 0 && len(graph.Edges) == 0 {
		return nil, ErrNotFound
	}
	return graph, nil
}

// SaveCalibration stores a calibration.
func (r *SQLRepository) SaveCalibration(ctx context.Context, tenantID string, cal *domain.Calibration) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	summary, err := json.Marshal(cal.Summary)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO calibrations (
			id, tenant_id, fan_out_p99, fan_out_p95, fan_in_p99, fan_in_p95,
			exp1_p99, exp1_p95, exp2_p99, exp2_p95,
			population, population_size, summary, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	c := cal.Config
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		cal.ID, tenantID, c.FanOutP99, c.FanOutP95, c.FanInP99, c.FanInP95,
		c.Exp1P99.Ptr(), c.Exp1P95.Ptr(), c.Exp2P99.Ptr(), c.Exp2P95.Ptr(),
		string(cal.Population), cal.PopulationSize, string(summary), cal.CreatedAt.UTC(),
	)
	return err
}

// GetLatestCalibration returns the tenant's most recent calibration.
func (r *SQLRepository) GetLatestCalibration(ctx context.Context, tenantID string) (*domain.Calibration, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, fan_out_p99, fan_out_p95, fan_in_p99, fan_in_p95,
			   exp1_p99, exp1_p95, exp2_p99, exp2_p95,
			   population, population_size, summary, created_at
		FROM calibrations
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	var cal domain.Calibration
	var exp1p99, exp1p95, exp2p99, exp2p95 sql.NullFloat64
	var population string
	var summary sql.NullString

	c := &cal.Config
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(
		&cal.ID, &cal.TenantID, &c.FanOutP99, &c.FanOutP95, &c.FanInP99, &c.FanInP95,
		&exp1p99, &exp1p95, &exp2p99, &exp2p95,
		&population, &cal.PopulationSize, &summary, &cal.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.Exp1P99 = nullRatio(exp1p99)
	c.Exp1P95 = nullRatio(exp1p95)
	c.Exp2P99 = nullRatio(exp2p99)
	c.Exp2P95 = nullRatio(exp2p95)
	cal.Population = domain.Population(population)
	if summary.Valid && summary.String != "" && summary.String != "null" {
		if err := json.Unmarshal([]byte(summary.String), &cal.Summary); err != nil {
			return nil, fmt.Errorf("failed to parse calibration summary: %w", err)
		}
	}

	return &cal, nil
}

func nullRatio(v sql.NullFloat64) domain.Ratio {
	if !v.Valid {
		return domain.NotComputable()
	}
	return domain.Computable(v.Float64)
}

// SaveScoredRecords replaces the tenant's scored table with records.
func (r *SQLRepository) SaveScoredRecords(ctx context.Context, tenantID string, runID string, records []domain.ScoredRecord) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.rebind("DELETE FROM scored_records WHERE tenant_id = ?"), tenantID); err != nil {
			return err
		}

		rows := make([][]any, len(records))
		for i, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode tx %d: %w", rec.ID, err)
			}
			rows[i] = []any{tenantID, int64(rec.ID), runID, rec.RiskScore, string(rec.Severity), string(data)}
		}
		return r.insertRows(ctx, tx, "scored_records", []string{"tenant_id", "tx_id", "run_id", "risk_score", "severity", "record"}, rows)
	})
}

// GetScoredRecord retrieves one scored record.
func (r *SQLRepository) GetScoredRecord(ctx context.Context, tenantID string, txID domain.TxID) (*domain.ScoredRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT record FROM scored_records WHERE tenant_id = ? AND tx_id = ?
	`), tenantID, int64(txID)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec domain.ScoredRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode scored tx %d: %w", txID, err)
	}
	return &rec, nil
}

// ListScoredRecords returns the tenant's scored table ordered by txId.
func (r *SQLRepository) ListScoredRecords(ctx context.Context, tenantID string) ([]domain.ScoredRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT record FROM scored_records WHERE tenant_id = ? ORDER BY tx_id
	`), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.ScoredRecord{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec domain.ScoredRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveRun stores a run summary.
func (r *SQLRepository) SaveRun(ctx context.Context, tenantID string, run *domain.Run) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	bySeverity, _ := json.Marshal(run.BySeverity)
	metadata, _ := json.Marshal(run.Metadata)

	query := `
		INSERT INTO runs (
			id, tenant_id, policy, calibration_id, min_severity,
			records, alerts, by_severity, metadata, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		run.ID, tenantID, run.Policy, run.CalibrationID, string(run.MinSeverity),
		run.Records, run.Alerts, string(bySeverity), string(metadata), run.Timestamp.UTC(),
	)
	return err
}

// GetRun retrieves a run summary.
func (r *SQLRepository) GetRun(ctx context.Context, tenantID string, runID string) (*domain.Run, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, policy, calibration_id, min_severity,
			   records, alerts, by_severity, metadata, timestamp
		FROM runs
		WHERE tenant_id = ? AND id = ?
	`

	var run domain.Run
	var calID sql.NullString
	var minSeverity, bySeverity, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, runID).Scan(
		&run.ID, &run.TenantID, &run.Policy, &calID, &minSeverity,
		&run.Records, &run.Alerts, &bySeverity, &metadata, &run.Timestamp,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	run.CalibrationID = calID.String
	run.MinSeverity = domain.Severity(minSeverity)
	if err := json.Unmarshal([]byte(bySeverity), &run.BySeverity); err != nil {
		return nil, fmt.Errorf("failed to parse run severities: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &run.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse run metadata: %w", err)
	}

	return &run, nil
}

// SaveRuleConfig stores a scoring rule with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO scoring_rules (
			id, tenant_id, name, description, version, expression, delta, reason, priority, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			delta = excluded.delta,
			reason = excluded.reason,
			priority = excluded.priority,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, rule.Delta, rule.Reason, rule.Priority, enabled,
		now, now,
	)
	return err
}

const ruleColumns = `id, tenant_id, name, description, version, expression, delta, reason, priority, enabled`

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var enabled int

	if err := s.Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
		&cfg.Version, &cfg.Expression, &cfg.Delta, &cfg.Reason, &cfg.Priority, &enabled,
	); err != nil {
		return nil, err
	}
	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// GetRuleConfig retrieves the latest enabled version of a scoring rule.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM scoring_rules
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	cfg, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// ListRuleConfigs retrieves all enabled scoring rules for a tenant in
// evaluation order.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM scoring_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY priority, created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
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

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
