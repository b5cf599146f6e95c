package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"spend-optimizer/internal/perf"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrCycleNotFound is returned when finishing a cycle that was never started.
	ErrCycleNotFound = errors.New("storage: cycle not found")
)

const (
	// Newer observations replace older ones; stale re-deliveries are ignored.
	upsertMetricRecordSQL = `INSERT INTO metric_records (
        entity_id,
        channel,
        period_start,
        period_end,
        entity_kind,
        store_id,
        parent_id,
        impressions,
        clicks,
        conversions,
        spend,
        revenue,
        days_running,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (entity_id, channel, period_start, period_end) DO UPDATE
    SET
        entity_kind  = EXCLUDED.entity_kind,
        store_id     = EXCLUDED.store_id,
        parent_id    = EXCLUDED.parent_id,
        impressions  = EXCLUDED.impressions,
        clicks       = EXCLUDED.clicks,
        conversions  = EXCLUDED.conversions,
        spend        = EXCLUDED.spend,
        revenue      = EXCLUDED.revenue,
        days_running = EXCLUDED.days_running,
        observed_at  = EXCLUDED.observed_at
    WHERE metric_records.observed_at <= EXCLUDED.observed_at;`

	listMetricRecordsSQL = `SELECT
        entity_id,
        channel,
        period_start,
        period_end,
        entity_kind,
        store_id,
        parent_id,
        impressions,
        clicks,
        conversions,
        spend::text,
        revenue::text,
        days_running,
        observed_at
    FROM metric_records
    WHERE period_end >= $1
      AND period_end < $2
    ORDER BY period_end, entity_id, channel;`

	insertCycleSQL = `INSERT INTO cycles (id, cycle_ts, started_at, status)
    VALUES ($1,$2,$3,$4)
    ON CONFLICT (id) DO NOTHING;`

	finishCycleSQL = `UPDATE cycles
    SET finished_at = $2,
        status = $3,
        records = $4,
        record_errors = $5,
        decisions = $6,
        changes = $7,
        error = $8
    WHERE id = $1;`

	lastSucceededCycleSQL = `SELECT
        id, cycle_ts, started_at, finished_at, status, records, record_errors, decisions, changes, error
    FROM cycles
    WHERE status = 'succeeded'
      AND cycle_ts < $1
    ORDER BY cycle_ts DESC
    LIMIT 1;`

	insertDecisionSQL = `INSERT INTO decisions (
        cycle_id, cycle_ts, entity_id, store_id, channel, action,
        current_budget, new_budget, rule, reason, confidence, roas, cpa
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (cycle_id, entity_id) DO UPDATE
    SET action = EXCLUDED.action,
        current_budget = EXCLUDED.current_budget,
        new_budget = EXCLUDED.new_budget,
        rule = EXCLUDED.rule,
        reason = EXCLUDED.reason,
        confidence = EXCLUDED.confidence,
        roas = EXCLUDED.roas,
        cpa = EXCLUDED.cpa;`

	listRecentDecisionsSQL = `SELECT
        cycle_id, cycle_ts, entity_id, store_id, channel, action,
        current_budget::text, new_budget::text, rule, reason, confidence,
        roas::text, cpa::text, created_at
    FROM decisions
    ORDER BY cycle_ts DESC, entity_id
    LIMIT $1;`

	insertAllocationSQL = `INSERT INTO allocations (
        cycle_id, cycle_ts, store_id, entity_id, current_budget, new_budget,
        delta, delta_pct, weight
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (cycle_id, store_id, entity_id) DO UPDATE
    SET current_budget = EXCLUDED.current_budget,
        new_budget = EXCLUDED.new_budget,
        delta = EXCLUDED.delta,
        delta_pct = EXCLUDED.delta_pct,
        weight = EXCLUDED.weight;`

	listAllocationsBetweenSQL = `SELECT
        cycle_id, cycle_ts, store_id, entity_id, current_budget::text,
        new_budget::text, delta::text, delta_pct::text, weight, created_at
    FROM allocations
    WHERE cycle_ts >= $1
      AND cycle_ts < $2
    ORDER BY cycle_ts, store_id, entity_id;`

	insertABResultSQL = `INSERT INTO ab_results (
        cycle_id, cycle_ts, campaign_id, winners, losers, pause, scale,
        excluded, confidence, sufficient, summary
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (cycle_id, campaign_id) DO UPDATE
    SET winners = EXCLUDED.winners,
        losers = EXCLUDED.losers,
        pause = EXCLUDED.pause,
        scale = EXCLUDED.scale,
        excluded = EXCLUDED.excluded,
        confidence = EXCLUDED.confidence,
        sufficient = EXCLUDED.sufficient,
        summary = EXCLUDED.summary;`

	insertAttributionSQL = `INSERT INTO attributions (
        cycle_id, journey_id, model, channel, revenue, converted_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (journey_id, model, channel) DO UPDATE
    SET revenue = EXCLUDED.revenue,
        cycle_id = EXCLUDED.cycle_id,
        converted_at = EXCLUDED.converted_at;`

	insertInsightSQL = `INSERT INTO insights (
        cycle_id, cycle_ts, type, priority, entity_id, channel, metric, message, impact
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	deleteCycleInsightsSQL = `DELETE FROM insights WHERE cycle_id = $1;`

	listRecentInsightsSQL = `SELECT
        id, cycle_id, cycle_ts, type, priority, entity_id, channel, metric,
        message, impact::text, created_at
    FROM insights
    ORDER BY cycle_ts DESC, id
    LIMIT $1;`

	deleteMetricRecordsBeforeSQL = `DELETE FROM metric_records WHERE period_end < $1;`
	deleteInsightsBeforeSQL      = `DELETE FROM insights WHERE cycle_ts < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// MetricStore persists canonical metric records.
type MetricStore interface {
	UpsertMetricRecords(ctx context.Context, records []perf.MetricRecord) error
	ListMetricRecords(ctx context.Context, from, to time.Time) ([]perf.MetricRecord, error)
}

// CycleStore audits optimisation runs.
type CycleStore interface {
	StartCycle(ctx context.Context, rec CycleRecord) error
	FinishCycle(ctx context.Context, rec CycleRecord) error
	LastSucceededCycle(ctx context.Context, before time.Time) (CycleRecord, bool, error)
}

// OutcomeStore persists everything a cycle decides.
type OutcomeStore interface {
	InsertDecisions(ctx context.Context, recs []DecisionRecord) error
	InsertAllocations(ctx context.Context, recs []AllocationRecord) error
	InsertABResults(ctx context.Context, recs []ABResultRecord) error
	InsertAttributions(ctx context.Context, recs []AttributionRecord) error
	InsertInsights(ctx context.Context, recs []InsightRecord) error
}

// ReportStore serves the CLI read paths.
type ReportStore interface {
	ListRecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error)
	ListAllocationsBetween(ctx context.Context, from, to time.Time) ([]AllocationRecord, error)
	ListRecentInsights(ctx context.Context, limit int) ([]InsightRecord, error)
}

// Pruner removes data past its retention.
type Pruner interface {
	DeleteBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	MetricStore
	CycleStore
	OutcomeStore
	ReportStore
	Pruner
	AdvisoryLocker
}

// Store implements Repository on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Best effort; the session lock dies with the connection anyway.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func (s *Store) sendBatch(ctx context.Context, what string, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
	}
	return nil
}

// UpsertMetricRecords stores records, keeping the newest observation per key.
func (s *Store) UpsertMetricRecords(ctx context.Context, records []perf.MetricRecord) error {
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(upsertMetricRecordSQL,
			r.EntityID,
			r.Channel,
			r.PeriodStart,
			r.PeriodEnd,
			string(r.EntityKind),
			r.StoreID,
			r.ParentID,
			r.Impressions,
			r.Clicks,
			r.Conversions,
			r.Spend.String(),
			r.Revenue.String(),
			r.DaysRunning,
			r.ObservedAt,
		)
	}
	return s.sendBatch(ctx, "upsert metric records", batch)
}

// ListMetricRecords lists records whose period ends in [from, to).
func (s *Store) ListMetricRecords(ctx context.Context, from, to time.Time) ([]perf.MetricRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listMetricRecordsSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list metric records: %w", queryErr)
	}
	defer rows.Close()

	out := make([]perf.MetricRecord, 0)
	for rows.Next() {
		var (
			rec              perf.MetricRecord
			kind             string
			spendStr, revStr string
		)
		if err := rows.Scan(
			&rec.EntityID,
			&rec.Channel,
			&rec.PeriodStart,
			&rec.PeriodEnd,
			&kind,
			&rec.StoreID,
			&rec.ParentID,
			&rec.Impressions,
			&rec.Clicks,
			&rec.Conversions,
			&spendStr,
			&revStr,
			&rec.DaysRunning,
			&rec.ObservedAt,
		); err != nil {
			return nil, err
		}
		rec.EntityKind = perf.EntityKind(kind)
		if rec.Spend, err = decimal.NewFromString(spendStr); err != nil {
			return nil, fmt.Errorf("parse spend: %w", err)
		}
		if rec.Revenue, err = decimal.NewFromString(revStr); err != nil {
			return nil, fmt.Errorf("parse revenue: %w", err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// StartCycle records the beginning of a run.
func (s *Store) StartCycle(ctx context.Context, rec CycleRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertCycleSQL, rec.ID, rec.CycleTS, rec.StartedAt, rec.Status); err != nil {
		return fmt.Errorf("start cycle: %w", err)
	}
	return nil
}

// FinishCycle records the outcome of a run.
func (s *Store) FinishCycle(ctx context.Context, rec CycleRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}
	tag, execErr := pool.Exec(ctx, finishCycleSQL,
		rec.ID,
		rec.FinishedAt,
		rec.Status,
		rec.Records,
		rec.RecordErrors,
		rec.Decisions,
		rec.Changes,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("finish cycle: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrCycleNotFound
	}
	return nil
}

// LastSucceededCycle returns the latest successful cycle strictly before the
// given time.
func (s *Store) LastSucceededCycle(ctx context.Context, before time.Time) (CycleRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return CycleRecord{}, false, err
	}
	var rec CycleRecord
	scanErr := pool.QueryRow(ctx, lastSucceededCycleSQL, before).Scan(
		&rec.ID,
		&rec.CycleTS,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.Status,
		&rec.Records,
		&rec.RecordErrors,
		&rec.Decisions,
		&rec.Changes,
		&rec.Error,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return CycleRecord{}, false, nil
	}
	if scanErr != nil {
		return CycleRecord{}, false, fmt.Errorf("last cycle: %w", scanErr)
	}
	return rec, true, nil
}

// InsertDecisions stores budget decisions.
func (s *Store) InsertDecisions(ctx context.Context, recs []DecisionRecord) error {
	batch := &pgx.Batch{}
	for _, r := range recs {
		var newBudget interface{}
		if r.NewBudget.Valid {
			newBudget = r.NewBudget.Decimal.String()
		}
		batch.Queue(insertDecisionSQL,
			r.CycleID, r.CycleTS, r.EntityID, r.StoreID, r.Channel, r.Action,
			r.CurrentBudget.String(), newBudget, r.Rule, r.Reason, r.Confidence,
			r.ROAS.String(), r.CPA.String(),
		)
	}
	return s.sendBatch(ctx, "insert decisions", batch)
}

// ListRecentDecisions lists the latest decisions.
func (s *Store) ListRecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentDecisionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent decisions: %w", queryErr)
	}
	defer rows.Close()

	out := make([]DecisionRecord, 0, limit)
	for rows.Next() {
		var (
			rec                         DecisionRecord
			currentStr, roasStr, cpaStr string
			newStr                      *string
		)
		if err := rows.Scan(
			&rec.CycleID, &rec.CycleTS, &rec.EntityID, &rec.StoreID, &rec.Channel, &rec.Action,
			&currentStr, &newStr, &rec.Rule, &rec.Reason, &rec.Confidence,
			&roasStr, &cpaStr, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if rec.CurrentBudget, err = decimal.NewFromString(currentStr); err != nil {
			return nil, fmt.Errorf("parse current budget: %w", err)
		}
		if newStr != nil {
			v, err := decimal.NewFromString(*newStr)
			if err != nil {
				return nil, fmt.Errorf("parse new budget: %w", err)
			}
			rec.NewBudget = decimal.NewNullDecimal(v)
		}
		if rec.ROAS, err = decimal.NewFromString(roasStr); err != nil {
			return nil, fmt.Errorf("parse roas: %w", err)
		}
		if rec.CPA, err = decimal.NewFromString(cpaStr); err != nil {
			return nil, fmt.Errorf("parse cpa: %w", err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// InsertAllocations stores allocation changes.
func (s *Store) InsertAllocations(ctx context.Context, recs []AllocationRecord) error {
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(insertAllocationSQL,
			r.CycleID, r.CycleTS, r.StoreID, r.EntityID,
			r.CurrentBudget.String(), r.NewBudget.String(), r.Delta.String(),
			r.DeltaPercent.String(), r.Weight,
		)
	}
	return s.sendBatch(ctx, "insert allocations", batch)
}

// ListAllocationsBetween lists allocation changes for cycles in [from, to).
func (s *Store) ListAllocationsBetween(ctx context.Context, from, to time.Time) ([]AllocationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listAllocationsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list allocations: %w", queryErr)
	}
	defer rows.Close()

	out := make([]AllocationRecord, 0)
	for rows.Next() {
		var (
			rec                                  AllocationRecord
			currentStr, newStr, deltaStr, pctStr string
		)
		if err := rows.Scan(
			&rec.CycleID, &rec.CycleTS, &rec.StoreID, &rec.EntityID, &currentStr,
			&newStr, &deltaStr, &pctStr, &rec.Weight, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if rec.CurrentBudget, err = decimal.NewFromString(currentStr); err != nil {
			return nil, fmt.Errorf("parse current budget: %w", err)
		}
		if rec.NewBudget, err = decimal.NewFromString(newStr); err != nil {
			return nil, fmt.Errorf("parse new budget: %w", err)
		}
		if rec.Delta, err = decimal.NewFromString(deltaStr); err != nil {
			return nil, fmt.Errorf("parse delta: %w", err)
		}
		if rec.DeltaPercent, err = decimal.NewFromString(pctStr); err != nil {
			return nil, fmt.Errorf("parse delta pct: %w", err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// InsertABResults stores A/B analyses.
func (s *Store) InsertABResults(ctx context.Context, recs []ABResultRecord) error {
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(insertABResultSQL,
			r.CycleID, r.CycleTS, r.CampaignID, r.Winners, r.Losers, r.Pause,
			r.Scale, r.Excluded, r.Confidence, r.Sufficient, r.Summary,
		)
	}
	return s.sendBatch(ctx, "insert ab results", batch)
}

// InsertAttributions stores per-channel attribution credit.
func (s *Store) InsertAttributions(ctx context.Context, recs []AttributionRecord) error {
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(insertAttributionSQL,
			r.CycleID, r.JourneyID, r.Model, r.Channel, r.Revenue.String(), r.ConvertedAt,
		)
	}
	return s.sendBatch(ctx, "insert attributions", batch)
}

// InsertInsights replaces the insights of each cycle present in recs.
func (s *Store) InsertInsights(ctx context.Context, recs []InsightRecord) error {
	batch := &pgx.Batch{}
	cleared := make(map[string]bool)
	for _, r := range recs {
		if !cleared[r.CycleID] {
			cleared[r.CycleID] = true
			batch.Queue(deleteCycleInsightsSQL, r.CycleID)
		}
		batch.Queue(insertInsightSQL,
			r.CycleID, r.CycleTS, r.Type, r.Priority, r.EntityID, r.Channel,
			r.Metric, r.Message, r.Impact.String(),
		)
	}
	return s.sendBatch(ctx, "insert insights", batch)
}

// ListRecentInsights lists the latest insights.
func (s *Store) ListRecentInsights(ctx context.Context, limit int) ([]InsightRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentInsightsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent insights: %w", queryErr)
	}
	defer rows.Close()

	out := make([]InsightRecord, 0, limit)
	for rows.Next() {
		var (
			rec       InsightRecord
			impactStr string
		)
		if err := rows.Scan(
			&rec.ID, &rec.CycleID, &rec.CycleTS, &rec.Type, &rec.Priority, &rec.EntityID,
			&rec.Channel, &rec.Metric, &rec.Message, &impactStr, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if rec.Impact, err = decimal.NewFromString(impactStr); err != nil {
			return nil, fmt.Errorf("parse impact: %w", err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// DeleteBefore prunes metric records and insights older than the cutoff.
func (s *Store) DeleteBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteMetricRecordsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete metric records before: %w", execErr)
	}
	if _, execErr := pool.Exec(ctx, deleteInsightsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete insights before: %w", execErr)
	}
	return nil
}

var _ Repository = (*Store)(nil)
