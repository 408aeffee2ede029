package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/asv8/internal/domain"
	"github.com/rs/zerolog"
)

// CacheRepository is the Feature Cache: every read
// filters by feature version so different versions never shadow each
// other.
type CacheRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCacheRepository constructs a CacheRepository over db.
func NewCacheRepository(db *sql.DB, log zerolog.Logger) *CacheRepository {
	return &CacheRepository{db: db, log: log.With().Str("repo", "market_data_cache").Logger()}
}

// Write inserts a cache row at featureVersion, overwriting a prior row
// for the exact same (symbol, interval, open_time_ms, feature_version)
// key only (idempotent re-compute), never touching other versions.
func (r *CacheRepository) Write(ctx context.Context, row domain.MarketDataCache) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO market_data_cache (symbol, interval, open_time_ms, feature_version, features_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, interval, open_time_ms, feature_version) DO UPDATE SET
			features_json = excluded.features_json
	`, row.Symbol, row.Interval, row.OpenTimeMs, row.FeatureVersion, row.FeaturesJSON, now)
	if err != nil {
		return fmt.Errorf("write feature cache: %w", err)
	}
	return nil
}

// LatestCache returns the most recent cache row at featureVersion.
func (r *CacheRepository) LatestCache(ctx context.Context, symbol, interval string, featureVersion int) (*domain.MarketDataCache, error) {
	rows, err := r.latestN(ctx, symbol, interval, featureVersion, 1)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// LastTwoCache returns up to the last two cache rows at featureVersion,
// newest first, for prev-bar comparisons.
func (r *CacheRepository) LastTwoCache(ctx context.Context, symbol, interval string, featureVersion int) ([]domain.MarketDataCache, error) {
	return r.latestN(ctx, symbol, interval, featureVersion, 2)
}

func (r *CacheRepository) latestN(ctx context.Context, symbol, interval string, featureVersion, n int) ([]domain.MarketDataCache, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT open_time_ms, features_json, created_at
		FROM market_data_cache
		WHERE symbol = ? AND interval = ? AND feature_version = ?
		ORDER BY open_time_ms DESC LIMIT ?
	`, symbol, interval, featureVersion, n)
	if err != nil {
		return nil, fmt.Errorf("latest cache: %w", err)
	}
	defer rows.Close()

	var out []domain.MarketDataCache
	for rows.Next() {
		c := domain.MarketDataCache{Symbol: symbol, Interval: interval, FeatureVersion: featureVersion}
		var createdAt string
		if err := rows.Scan(&c.OpenTimeMs, &c.FeaturesJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan cache row: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// TaskRepository drives idempotent back-fill via PrecomputeTask rows.
type TaskRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTaskRepository constructs a TaskRepository over db.
func NewTaskRepository(db *sql.DB, log zerolog.Logger) *TaskRepository {
	return &TaskRepository{db: db, log: log.With().Str("repo", "precompute_task").Logger()}
}

// Enqueue inserts a PENDING task for the given key, ignoring duplicates.
func (r *TaskRepository) Enqueue(ctx context.Context, symbol, interval string, openTimeMs int64, featureVersion int, traceID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO precompute_task (symbol, interval, open_time_ms, feature_version, status, try_count, trace_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(symbol, interval, open_time_ms, feature_version) DO NOTHING
	`, symbol, interval, openTimeMs, featureVersion, domain.TaskStatusPending, traceID, now, now)
	if err != nil {
		return fmt.Errorf("enqueue precompute task: %w", err)
	}
	return nil
}

// MaxTaskTries caps precompute retries: a task that has failed this
// many times is left in ERROR for operator inspection and no longer
// selected by Pending.
const MaxTaskTries = 5

// Pending returns up to limit workable tasks for (symbol, interval,
// featureVersion): PENDING tasks plus ERROR tasks still under the
// retry cap, so a transient failure never permanently poisons a bar's
// feature-cache slot.
func (r *TaskRepository) Pending(ctx context.Context, symbol, interval string, featureVersion, limit int) ([]domain.PrecomputeTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT open_time_ms, status, try_count, last_error, trace_id
		FROM precompute_task
		WHERE symbol = ? AND interval = ? AND feature_version = ?
			AND status IN (?, ?) AND try_count < ?
		ORDER BY open_time_ms ASC LIMIT ?
	`, symbol, interval, featureVersion, domain.TaskStatusPending, domain.TaskStatusError, MaxTaskTries, limit)
	if err != nil {
		return nil, fmt.Errorf("pending tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.PrecomputeTask
	for rows.Next() {
		t := domain.PrecomputeTask{Symbol: symbol, Interval: interval, FeatureVersion: featureVersion}
		if err := rows.Scan(&t.OpenTimeMs, &t.Status, &t.TryCount, &t.LastError, &t.TraceID); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkDone transitions a task to DONE.
func (r *TaskRepository) MarkDone(ctx context.Context, symbol, interval string, openTimeMs int64, featureVersion int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		UPDATE precompute_task SET status = ?, updated_at = ? WHERE symbol = ? AND interval = ? AND open_time_ms = ? AND feature_version = ?
	`, domain.TaskStatusDone, now, symbol, interval, openTimeMs, featureVersion)
	if err != nil {
		return fmt.Errorf("mark task done: %w", err)
	}
	return nil
}

// MarkError increments try_count and records last_error for a failed
// attempt. The task stays retryable via Pending until MaxTaskTries.
func (r *TaskRepository) MarkError(ctx context.Context, symbol, interval string, openTimeMs int64, featureVersion int, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		UPDATE precompute_task SET status = ?, try_count = try_count + 1, last_error = ?, updated_at = ?
		WHERE symbol = ? AND interval = ? AND open_time_ms = ? AND feature_version = ?
	`, domain.TaskStatusError, errMsg, now, symbol, interval, openTimeMs, featureVersion)
	if err != nil {
		return fmt.Errorf("mark task error: %w", err)
	}
	return nil
}
