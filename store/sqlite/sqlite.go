/*
Package sqlite provides the SQLite-backed implementation of every
persistence interface in the metrics subsystem.

PURPOSE:
  One store, one file, all durable state: raw CRM source tables, the four
  daily rollup tables, the divergence log, feature flags, distributed
  locks, and scheduler run bookkeeping. In production the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  metrics.Source:            read-only view over raw records
  metrics.TenantRegistry:    active tenant listing
  metrics.RollupStore:       rollup persistence (replace-per-day semantics)
  flags.Store:               feature flag rows (atomic upsert)
  jobs.LockStore:            per-tenant-per-day TTL locks
  jobs.RunStore:             "has job X run for date Y" bookkeeping
  reconcile.DivergenceStore: append-only divergence log

REPLACEMENT SEMANTICS:
  Each Replace* method deletes then re-inserts all rows for one
  (tenant, day) of one rollup kind inside a single transaction. Recomputing
  a day twice yields identical rows, and a crash between delete and insert
  never leaves a partially-merged day visible.

LOCKS:
  tenant_locks rows carry an expiry timestamp. AcquireLock is a single
  non-blocking attempt: insert, or steal iff the previous holder's TTL has
  lapsed. There is no explicit unlock - a crashed worker's lock simply
  expires.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/metrics.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - metrics/source.go: interface definitions
  - metrics/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/metrics-engine/flags"
	"github.com/warp/metrics-engine/metrics"
	"github.com/warp/metrics-engine/stage"
)

// timeLayout is fixed-width so that lexicographic order in SQL matches time
// order. RFC3339Nano drops trailing fractional zeros, which breaks string
// comparison inside a second ("...00Z" sorts after "...00.5Z").
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database (tests).
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; serializing in the pool avoids
	// SQLITE_BUSY churn from the concurrent per-day rollup writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Raw source: tenants
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Raw source: opportunities
	CREATE TABLE IF NOT EXISTS opportunities (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '0',
		probability TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_opportunities_tenant_created
		ON opportunities(tenant_id, created_at);

	-- Raw source: stage transition events (append-only)
	CREATE TABLE IF NOT EXISTS stage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		opportunity_id TEXT NOT NULL,
		from_stage TEXT NOT NULL DEFAULT '',
		to_stage TEXT NOT NULL,
		changed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stage_events_tenant_changed
		ON stage_events(tenant_id, changed_at);
	CREATE INDEX IF NOT EXISTS idx_stage_events_opportunity
		ON stage_events(tenant_id, opportunity_id, changed_at);

	-- Raw source: proposals
	CREATE TABLE IF NOT EXISTS proposals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		vendor_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		total TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_proposals_tenant_created
		ON proposals(tenant_id, created_at);

	-- Rollup: pipeline snapshot (one row per stage per day)
	CREATE TABLE IF NOT EXISTS pipeline_snapshot_daily (
		tenant_id TEXT NOT NULL,
		date_key TEXT NOT NULL,
		stage TEXT NOT NULL,
		count INTEGER NOT NULL,
		total_value TEXT NOT NULL,
		PRIMARY KEY (tenant_id, date_key, stage)
	);

	-- Rollup: funnel transitions (one row per from/to pair per day)
	CREATE TABLE IF NOT EXISTS funnel_metrics_daily (
		tenant_id TEXT NOT NULL,
		date_key TEXT NOT NULL,
		from_stage TEXT NOT NULL,
		to_stage TEXT NOT NULL,
		entered_count INTEGER NOT NULL,
		progressed_count INTEGER NOT NULL,
		conversion_rate TEXT NOT NULL,
		PRIMARY KEY (tenant_id, date_key, from_stage, to_stage)
	);

	-- Rollup: stage aging (one row per stage per day)
	CREATE TABLE IF NOT EXISTS stage_aging_daily (
		tenant_id TEXT NOT NULL,
		date_key TEXT NOT NULL,
		stage TEXT NOT NULL,
		avg_days TEXT NOT NULL,
		stalled_count INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, date_key, stage)
	);

	-- Rollup: revenue summary (one row per tenant per day)
	CREATE TABLE IF NOT EXISTS revenue_summary_daily (
		tenant_id TEXT NOT NULL,
		date_key TEXT NOT NULL,
		closed_revenue TEXT NOT NULL,
		forecast_revenue TEXT NOT NULL,
		avg_ticket TEXT NOT NULL,
		avg_cycle_days TEXT NOT NULL,
		active_count INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, date_key)
	);

	-- Divergence log (append-only; no updates, no deletes)
	CREATE TABLE IF NOT EXISTS metric_divergences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		metric_key TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		v1_value TEXT NOT NULL,
		v2_value TEXT NOT NULL,
		divergence_pct TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_divergences_tenant_created
		ON metric_divergences(tenant_id, created_at DESC);

	-- Feature flags (admin upserts race with resolution reads)
	CREATE TABLE IF NOT EXISTS feature_flags (
		tenant_id TEXT NOT NULL,
		flag_key TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 0,
		rollout_percentage INTEGER NOT NULL DEFAULT 0,
		updated_by TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, flag_key)
	);

	-- Distributed locks with TTL expiry (no explicit unlock)
	CREATE TABLE IF NOT EXISTS tenant_locks (
		lock_key TEXT PRIMARY KEY,
		expires_at TEXT NOT NULL
	);

	-- Scheduler run bookkeeping: one row per (job, date) ever fired
	CREATE TABLE IF NOT EXISTS scheduler_runs (
		job_name TEXT NOT NULL,
		date_key TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (job_name, date_key)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// RAW SOURCE WRITES
// =============================================================================

// UpsertTenant registers a tenant (idempotent).
func (s *Store) UpsertTenant(ctx context.Context, id metrics.TenantID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE tenants.name END`,
		string(id), name, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// InsertOpportunity stores or replaces a raw opportunity record.
func (s *Store) InsertOpportunity(ctx context.Context, o metrics.Opportunity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO opportunities (id, tenant_id, stage, value, probability, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			stage = excluded.stage,
			value = excluded.value,
			probability = excluded.probability`,
		o.ID, string(o.Tenant), o.Stage, o.Value.String(), o.Probability.String(),
		o.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert opportunity: %w", err)
	}
	return nil
}

// UpdateOpportunityStage moves a raw opportunity to a new stage label. A
// missing record is a no-op: the transition event can arrive before the
// record itself syncs.
func (s *Store) UpdateOpportunityStage(ctx context.Context, tenant metrics.TenantID, opportunityID, newStage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE opportunities SET stage = ? WHERE tenant_id = ? AND id = ?`,
		newStage, string(tenant), opportunityID)
	if err != nil {
		return fmt.Errorf("update opportunity stage: %w", err)
	}
	return nil
}

// InsertStageEvent appends a stage transition event.
func (s *Store) InsertStageEvent(ctx context.Context, ev metrics.StageEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_events (tenant_id, opportunity_id, from_stage, to_stage, changed_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(ev.Tenant), ev.OpportunityID, ev.FromStage, ev.ToStage,
		ev.ChangedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert stage event: %w", err)
	}
	return nil
}

// InsertProposal stores a raw proposal record.
func (s *Store) InsertProposal(ctx context.Context, p metrics.Proposal) error {
	var updated any
	if !p.UpdatedAt.IsZero() {
		updated = p.UpdatedAt.UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (tenant_id, vendor_id, status, total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(p.Tenant), p.VendorID, p.Status, p.Total.String(),
		p.CreatedAt.UTC().Format(timeLayout), updated)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

// =============================================================================
// metrics.Source
// =============================================================================

func (s *Store) OpportunitiesAsOf(ctx context.Context, tenant metrics.TenantID, cutoff time.Time) ([]metrics.Opportunity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stage, value, probability, created_at
		FROM opportunities
		WHERE tenant_id = ? AND created_at < ?
		ORDER BY created_at`,
		string(tenant), cutoff.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("query opportunities: %w", err)
	}
	defer rows.Close()

	var out []metrics.Opportunity
	for rows.Next() {
		var (
			o                   metrics.Opportunity
			value, prob, created string
		)
		if err := rows.Scan(&o.ID, &o.Stage, &value, &prob, &created); err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		o.Tenant = tenant
		if o.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("opportunity %s value: %w", o.ID, err)
		}
		if o.Probability, err = decimal.NewFromString(prob); err != nil {
			return nil, fmt.Errorf("opportunity %s probability: %w", o.ID, err)
		}
		if o.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("opportunity %s created_at: %w", o.ID, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) StageEventsBetween(ctx context.Context, tenant metrics.TenantID, from, to time.Time) ([]metrics.StageEvent, error) {
	query := `
		SELECT opportunity_id, from_stage, to_stage, changed_at
		FROM stage_events
		WHERE tenant_id = ? AND changed_at < ?`
	args := []any{string(tenant), to.UTC().Format(timeLayout)}
	if !from.IsZero() {
		query += ` AND changed_at >= ?`
		args = append(args, from.UTC().Format(timeLayout))
	}
	query += ` ORDER BY changed_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer rows.Close()

	var out []metrics.StageEvent
	for rows.Next() {
		var (
			ev      metrics.StageEvent
			changed string
		)
		if err := rows.Scan(&ev.OpportunityID, &ev.FromStage, &ev.ToStage, &changed); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		ev.Tenant = tenant
		if ev.ChangedAt, err = time.Parse(timeLayout, changed); err != nil {
			return nil, fmt.Errorf("stage event changed_at: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) ProposalsBetween(ctx context.Context, tenant metrics.TenantID, from, to time.Time) ([]metrics.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vendor_id, status, total, created_at, updated_at
		FROM proposals
		WHERE tenant_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at, id`,
		string(tenant), from.UTC().Format(timeLayout), to.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer rows.Close()

	var out []metrics.Proposal
	for rows.Next() {
		var (
			p              metrics.Proposal
			total, created string
			updated        sql.NullString
		)
		if err := rows.Scan(&p.VendorID, &p.Status, &total, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		p.Tenant = tenant
		if p.Total, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("proposal total: %w", err)
		}
		if p.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("proposal created_at: %w", err)
		}
		if updated.Valid {
			if p.UpdatedAt, err = time.Parse(timeLayout, updated.String); err != nil {
				return nil, fmt.Errorf("proposal updated_at: %w", err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// metrics.TenantRegistry
// =============================================================================

func (s *Store) ActiveTenants(ctx context.Context) ([]metrics.TenantID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var out []metrics.TenantID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, metrics.TenantID(id))
	}
	return out, rows.Err()
}

// =============================================================================
// metrics.RollupStore - WRITE SIDE (replace per tenant per day per kind)
// =============================================================================

func (s *Store) ReplacePipelineSnapshot(ctx context.Context, tenant metrics.TenantID, day metrics.DateKey, rows []metrics.PipelineSnapshotRow) error {
	return s.replace(ctx, `DELETE FROM pipeline_snapshot_daily WHERE tenant_id = ? AND date_key = ?`,
		tenant, day, func(tx *sql.Tx) error {
			for _, r := range rows {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO pipeline_snapshot_daily (tenant_id, date_key, stage, count, total_value)
					VALUES (?, ?, ?, ?, ?)`,
					string(tenant), string(day), string(r.Stage), r.Count, r.TotalValue.String()); err != nil {
					return err
				}
			}
			return nil
		})
}

func (s *Store) ReplaceFunnelTransitions(ctx context.Context, tenant metrics.TenantID, day metrics.DateKey, rows []metrics.FunnelTransitionRow) error {
	return s.replace(ctx, `DELETE FROM funnel_metrics_daily WHERE tenant_id = ? AND date_key = ?`,
		tenant, day, func(tx *sql.Tx) error {
			for _, r := range rows {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO funnel_metrics_daily
						(tenant_id, date_key, from_stage, to_stage, entered_count, progressed_count, conversion_rate)
					VALUES (?, ?, ?, ?, ?, ?, ?)`,
					string(tenant), string(day), string(r.FromStage), string(r.ToStage),
					r.EnteredCount, r.ProgressedCount, r.ConversionRate.String()); err != nil {
					return err
				}
			}
			return nil
		})
}

func (s *Store) ReplaceStageAging(ctx context.Context, tenant metrics.TenantID, day metrics.DateKey, rows []metrics.StageAgingRow) error {
	return s.replace(ctx, `DELETE FROM stage_aging_daily WHERE tenant_id = ? AND date_key = ?`,
		tenant, day, func(tx *sql.Tx) error {
			for _, r := range rows {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO stage_aging_daily (tenant_id, date_key, stage, avg_days, stalled_count)
					VALUES (?, ?, ?, ?, ?)`,
					string(tenant), string(day), string(r.Stage), r.AvgDays.String(), r.StalledCount); err != nil {
					return err
				}
			}
			return nil
		})
}

func (s *Store) ReplaceRevenueSummary(ctx context.Context, tenant metrics.TenantID, day metrics.DateKey, row metrics.RevenueSummaryRow) error {
	return s.replace(ctx, `DELETE FROM revenue_summary_daily WHERE tenant_id = ? AND date_key = ?`,
		tenant, day, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO revenue_summary_daily
					(tenant_id, date_key, closed_revenue, forecast_revenue, avg_ticket, avg_cycle_days, active_count)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				string(tenant), string(day), row.ClosedRevenue.String(), row.ForecastRevenue.String(),
				row.AvgTicket.String(), row.AvgCycleDays.String(), row.ActiveCount)
			return err
		})
}

// replace runs delete-then-insert for one (tenant, day) in one transaction.
func (s *Store) replace(ctx context.Context, deleteSQL string, tenant metrics.TenantID, day metrics.DateKey, insert func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, deleteSQL, string(tenant), string(day)); err != nil {
		return fmt.Errorf("delete rollup rows: %w", err)
	}
	if err := insert(tx); err != nil {
		return fmt.Errorf("insert rollup rows: %w", err)
	}
	return tx.Commit()
}

// =============================================================================
// metrics.RollupStore - READ SIDE
// =============================================================================

func (s *Store) RevenueSummaries(ctx context.Context, tenant metrics.TenantID, from, to metrics.DateKey) ([]metrics.RevenueSummaryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_key, closed_revenue, forecast_revenue, avg_ticket, avg_cycle_days, active_count
		FROM revenue_summary_daily
		WHERE tenant_id = ? AND date_key BETWEEN ? AND ?
		ORDER BY date_key`,
		string(tenant), string(from), string(to))
	if err != nil {
		return nil, fmt.Errorf("query revenue summaries: %w", err)
	}
	defer rows.Close()

	var out []metrics.RevenueSummaryRow
	for rows.Next() {
		var (
			r                             metrics.RevenueSummaryRow
			day, closed, forecast, ticket string
			cycle                         string
		)
		if err := rows.Scan(&day, &closed, &forecast, &ticket, &cycle, &r.ActiveCount); err != nil {
			return nil, fmt.Errorf("scan revenue summary: %w", err)
		}
		r.Tenant = tenant
		r.DateKey = metrics.DateKey(day)
		if r.ClosedRevenue, err = decimal.NewFromString(closed); err != nil {
			return nil, err
		}
		if r.ForecastRevenue, err = decimal.NewFromString(forecast); err != nil {
			return nil, err
		}
		if r.AvgTicket, err = decimal.NewFromString(ticket); err != nil {
			return nil, err
		}
		if r.AvgCycleDays, err = decimal.NewFromString(cycle); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) FunnelTransitions(ctx context.Context, tenant metrics.TenantID, from, to metrics.DateKey) ([]metrics.FunnelTransitionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_key, from_stage, to_stage, entered_count, progressed_count, conversion_rate
		FROM funnel_metrics_daily
		WHERE tenant_id = ? AND date_key BETWEEN ? AND ?
		ORDER BY date_key, from_stage, to_stage`,
		string(tenant), string(from), string(to))
	if err != nil {
		return nil, fmt.Errorf("query funnel transitions: %w", err)
	}
	defer rows.Close()

	var out []metrics.FunnelTransitionRow
	for rows.Next() {
		var (
			r               metrics.FunnelTransitionRow
			day, fromS, toS string
			rate            string
		)
		if err := rows.Scan(&day, &fromS, &toS, &r.EnteredCount, &r.ProgressedCount, &rate); err != nil {
			return nil, fmt.Errorf("scan funnel transition: %w", err)
		}
		r.Tenant = tenant
		r.DateKey = metrics.DateKey(day)
		r.FromStage = stage.Stage(fromS)
		r.ToStage = stage.Stage(toS)
		if r.ConversionRate, err = decimal.NewFromString(rate); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) PipelineSnapshot(ctx context.Context, tenant metrics.TenantID, day metrics.DateKey) ([]metrics.PipelineSnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, count, total_value
		FROM pipeline_snapshot_daily
		WHERE tenant_id = ? AND date_key = ?
		ORDER BY stage`,
		string(tenant), string(day))
	if err != nil {
		return nil, fmt.Errorf("query pipeline snapshot: %w", err)
	}
	defer rows.Close()

	var out []metrics.PipelineSnapshotRow
	for rows.Next() {
		var (
			r         metrics.PipelineSnapshotRow
			st, value string
		)
		if err := rows.Scan(&st, &r.Count, &value); err != nil {
			return nil, fmt.Errorf("scan pipeline snapshot: %w", err)
		}
		r.Tenant = tenant
		r.DateKey = day
		r.Stage = stage.Stage(st)
		if r.TotalValue, err = decimal.NewFromString(value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) StageAging(ctx context.Context, tenant metrics.TenantID, day metrics.DateKey) ([]metrics.StageAgingRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, avg_days, stalled_count
		FROM stage_aging_daily
		WHERE tenant_id = ? AND date_key = ?
		ORDER BY stage`,
		string(tenant), string(day))
	if err != nil {
		return nil, fmt.Errorf("query stage aging: %w", err)
	}
	defer rows.Close()

	var out []metrics.StageAgingRow
	for rows.Next() {
		var (
			r       metrics.StageAgingRow
			st, avg string
		)
		if err := rows.Scan(&st, &avg, &r.StalledCount); err != nil {
			return nil, fmt.Errorf("scan stage aging: %w", err)
		}
		r.Tenant = tenant
		r.DateKey = day
		r.Stage = stage.Stage(st)
		if r.AvgDays, err = decimal.NewFromString(avg); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) LatestPipelineDate(ctx context.Context, tenant metrics.TenantID, atOrBefore metrics.DateKey) (metrics.DateKey, bool, error) {
	var day sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(date_key) FROM pipeline_snapshot_daily
		WHERE tenant_id = ? AND date_key <= ?`,
		string(tenant), string(atOrBefore)).Scan(&day)
	if err != nil {
		return "", false, fmt.Errorf("query latest pipeline date: %w", err)
	}
	if !day.Valid || day.String == "" {
		return "", false, nil
	}
	return metrics.DateKey(day.String), true, nil
}

// =============================================================================
// flags.Store
// =============================================================================

func (s *Store) GetFlag(ctx context.Context, tenant, flagKey string) (*flags.Record, error) {
	var (
		rec     flags.Record
		enabled int
		updated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, rollout_percentage, updated_by, updated_at
		FROM feature_flags WHERE tenant_id = ? AND flag_key = ?`,
		tenant, flagKey).Scan(&enabled, &rec.RolloutPercentage, &rec.UpdatedBy, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query feature flag: %w", err)
	}
	rec.Tenant = tenant
	rec.FlagKey = flagKey
	rec.Enabled = enabled != 0
	if rec.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("flag updated_at: %w", err)
	}
	return &rec, nil
}

func (s *Store) UpsertFlag(ctx context.Context, rec flags.Record) error {
	enabled := 0
	if rec.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feature_flags (tenant_id, flag_key, enabled, rollout_percentage, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, flag_key) DO UPDATE SET
			enabled = excluded.enabled,
			rollout_percentage = excluded.rollout_percentage,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		rec.Tenant, rec.FlagKey, enabled, rec.RolloutPercentage, rec.UpdatedBy,
		rec.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("upsert feature flag: %w", err)
	}
	return nil
}

func (s *Store) TenantsWithFlag(ctx context.Context, flagKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id FROM feature_flags
		WHERE flag_key = ? AND (enabled = 1 OR rollout_percentage > 0)
		ORDER BY tenant_id`,
		flagKey)
	if err != nil {
		return nil, fmt.Errorf("query flagged tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("scan flagged tenant: %w", err)
		}
		out = append(out, tenant)
	}
	return out, rows.Err()
}

// =============================================================================
// jobs.LockStore - TTL locks, single non-blocking attempt
// =============================================================================

// AcquireLock attempts to take the named lock for ttl. Returns false when
// the lock is held and its TTL has not lapsed. Successful runs let the TTL
// expire; failure paths release explicitly via ReleaseLock.
func (s *Store) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_locks (lock_key, expires_at) VALUES (?, ?)
		ON CONFLICT(lock_key) DO UPDATE SET expires_at = excluded.expires_at
		WHERE tenant_locks.expires_at <= ?`,
		lockKey, now.Add(ttl).Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	return n > 0, nil
}

// ReleaseLock drops the named lock before its TTL lapses. Used on failure
// paths so a retry of the same work can re-acquire.
func (s *Store) ReleaseLock(ctx context.Context, lockKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tenant_locks WHERE lock_key = ?`, lockKey)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lockKey, err)
	}
	return nil
}

// PurgeExpiredLocks drops lapsed lock rows. Housekeeping only; correctness
// never depends on it.
func (s *Store) PurgeExpiredLocks(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tenant_locks WHERE expires_at <= ?`,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("purge locks: %w", err)
	}
	return nil
}

// =============================================================================
// jobs.RunStore - scheduler bookkeeping
// =============================================================================

// ClaimRun records that jobName fired for dateKey. Returns true iff this
// caller made the claim; a restarted scheduler sees false and skips.
func (s *Store) ClaimRun(ctx context.Context, jobName string, dateKey metrics.DateKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO scheduler_runs (job_name, date_key, created_at)
		VALUES (?, ?, ?)`,
		jobName, string(dateKey), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return false, fmt.Errorf("claim run %s/%s: %w", jobName, dateKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim run %s/%s: %w", jobName, dateKey, err)
	}
	return n > 0, nil
}

// =============================================================================
// reconcile.DivergenceStore - append-only
// =============================================================================

func (s *Store) AppendDivergence(ctx context.Context, d metrics.Divergence) error {
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metric_divergences
			(tenant_id, metric_key, period_start, period_end, v1_value, v2_value, divergence_pct, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(d.Tenant), d.MetricKey, string(d.PeriodStart), string(d.PeriodEnd),
		d.V1Value.String(), d.V2Value.String(), d.DivergencePct.String(),
		created.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("append divergence: %w", err)
	}
	return nil
}

// ListDivergences returns the most recent divergences for a tenant, newest
// first. Operator inspection surface; rows are never updated.
func (s *Store) ListDivergences(ctx context.Context, tenant metrics.TenantID, limit int) ([]metrics.Divergence, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric_key, period_start, period_end, v1_value, v2_value, divergence_pct, created_at
		FROM metric_divergences
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		string(tenant), limit)
	if err != nil {
		return nil, fmt.Errorf("query divergences: %w", err)
	}
	defer rows.Close()

	var out []metrics.Divergence
	for rows.Next() {
		var (
			d                    metrics.Divergence
			start, end           string
			v1, v2, pct, created string
		)
		if err := rows.Scan(&d.MetricKey, &start, &end, &v1, &v2, &pct, &created); err != nil {
			return nil, fmt.Errorf("scan divergence: %w", err)
		}
		d.Tenant = tenant
		d.PeriodStart = metrics.DateKey(start)
		d.PeriodEnd = metrics.DateKey(end)
		if d.V1Value, err = decimal.NewFromString(v1); err != nil {
			return nil, err
		}
		if d.V2Value, err = decimal.NewFromString(v2); err != nil {
			return nil, err
		}
		if d.DivergencePct, err = decimal.NewFromString(pct); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
