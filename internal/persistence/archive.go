package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/asv8/internal/database"
	"github.com/aristath/asv8/internal/domain"
	"github.com/rs/zerolog"
)

// ArchiveRepository moves aged rows from the hot tables to their
// *_history counterparts and records every run in archive_audit.
// History tables share the hot table's primary
// key, so the move is INSERT OR IGNORE + DELETE over the same range:
// re-running a range moves 0 rows.
type ArchiveRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewArchiveRepository constructs an ArchiveRepository over db.
func NewArchiveRepository(db *sql.DB, log zerolog.Logger) *ArchiveRepository {
	return &ArchiveRepository{db: db, log: log.With().Str("repo", "archive_audit").Logger()}
}

// ArchivableRange selects every market_data row with open_time_ms in
// [fromMs, toMs], for supplemental upload before the move commits.
func (r *ArchiveRepository) ArchivableRange(ctx context.Context, symbol, interval string, fromMs, toMs int64) ([]domain.MarketData, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT open_time_ms, close_time_ms, open, high, low, close, volume
		FROM market_data
		WHERE symbol = ? AND interval = ? AND open_time_ms BETWEEN ? AND ?
		ORDER BY open_time_ms ASC
	`, symbol, interval, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("archivable range: %w", err)
	}
	defer rows.Close()

	var out []domain.MarketData
	for rows.Next() {
		m := domain.MarketData{Symbol: symbol, Interval: interval}
		if err := rows.Scan(&m.OpenTimeMs, &m.CloseTimeMs, &m.Open, &m.High, &m.Low, &m.Close, &m.Volume); err != nil {
			return nil, fmt.Errorf("scan archivable row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MoveMarketData archives market_data rows with open_time_ms in
// [fromMs, toMs] to market_data_history and records an audit row, all
// in one transaction. Returns the number of rows deleted from the hot
// table (0 on a re-run).
func (r *ArchiveRepository) MoveMarketData(ctx context.Context, fromMs, toMs int64, traceID string) (int64, error) {
	return r.move(ctx, "market_data", fromMs, toMs, traceID,
		`INSERT OR IGNORE INTO market_data_history
			SELECT symbol, interval, open_time_ms, close_time_ms, open, high, low, close, volume
			FROM market_data WHERE open_time_ms BETWEEN ? AND ?`,
		`DELETE FROM market_data WHERE open_time_ms BETWEEN ? AND ?`,
	)
}

// MoveMarketDataCache archives market_data_cache rows in the range, all
// feature versions included (old versions age out alongside the bars).
func (r *ArchiveRepository) MoveMarketDataCache(ctx context.Context, fromMs, toMs int64, traceID string) (int64, error) {
	return r.move(ctx, "market_data_cache", fromMs, toMs, traceID,
		`INSERT OR IGNORE INTO market_data_cache_history
			SELECT symbol, interval, open_time_ms, feature_version, features_json, created_at
			FROM market_data_cache WHERE open_time_ms BETWEEN ? AND ?`,
		`DELETE FROM market_data_cache WHERE open_time_ms BETWEEN ? AND ?`,
	)
}

// MoveOrderEvents archives order_events rows whose event_ts_utc falls
// inside [fromMs, toMs] (UTC milliseconds). History preserves every
// column including the original id, so the archival job is the single
// sanctioned mover and the stream stays auditable end to end.
func (r *ArchiveRepository) MoveOrderEvents(ctx context.Context, fromMs, toMs int64, traceID string) (int64, error) {
	fromTs := time.UnixMilli(fromMs).UTC().Format(time.RFC3339Nano)
	toTs := time.UnixMilli(toMs).UTC().Format(time.RFC3339Nano)

	var moved int64
	err := database.ExecTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO order_events_history
				SELECT id, trace_id, service, exchange, symbol, client_order_id, exchange_order_id,
					event_type, side, qty, price, status, reason_code, reason, action, actor,
					event_ts_utc, event_ts_hk, raw_payload_json
				FROM order_events WHERE event_ts_utc BETWEEN ? AND ?
		`, fromTs, toTs); err != nil {
			return fmt.Errorf("copy order_events to history: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM order_events WHERE event_ts_utc BETWEEN ? AND ?`, fromTs, toTs)
		if err != nil {
			return fmt.Errorf("delete archived order_events: %w", err)
		}
		moved, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("archived order_events rows affected: %w", err)
		}

		return r.insertAuditTx(ctx, tx, "order_events", fromMs, toMs, moved, traceID, "OK", "")
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

func (r *ArchiveRepository) move(ctx context.Context, table string, fromMs, toMs int64, traceID, copySQL, deleteSQL string) (int64, error) {
	var moved int64
	err := database.ExecTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, copySQL, fromMs, toMs); err != nil {
			return fmt.Errorf("copy %s to history: %w", table, err)
		}

		res, err := tx.ExecContext(ctx, deleteSQL, fromMs, toMs)
		if err != nil {
			return fmt.Errorf("delete archived %s: %w", table, err)
		}
		moved, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("archived %s rows affected: %w", table, err)
		}

		return r.insertAuditTx(ctx, tx, table, fromMs, toMs, moved, traceID, "OK", "")
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

func (r *ArchiveRepository) insertAuditTx(ctx context.Context, tx *sql.Tx, table string, fromMs, toMs, moved int64, traceID, status, message string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO archive_audit (table_name, from_open_time, to_open_time, moved_rows, trace_id, status, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, table, fromMs, toMs, moved, traceID, status, message, now); err != nil {
		return fmt.Errorf("insert archive audit: %w", err)
	}
	return nil
}

// RecordFailure logs a failed archival attempt without moving any rows.
func (r *ArchiveRepository) RecordFailure(ctx context.Context, table, traceID string, fromMs, toMs int64, message string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO archive_audit (table_name, from_open_time, to_open_time, moved_rows, trace_id, status, message, created_at)
		VALUES (?, ?, ?, 0, ?, 'ERROR', ?, ?)
	`, table, fromMs, toMs, traceID, message, now)
	if err != nil {
		return fmt.Errorf("record archive failure: %w", err)
	}
	return nil
}

// HistoryCount returns the number of history rows for table inside the
// given open-time range, used by the archival reconciliation check.
func (r *ArchiveRepository) HistoryCount(ctx context.Context, table string, fromMs, toMs int64) (int64, error) {
	var query string
	switch table {
	case "market_data":
		query = `SELECT COUNT(*) FROM market_data_history WHERE open_time_ms BETWEEN ? AND ?`
	case "market_data_cache":
		query = `SELECT COUNT(*) FROM market_data_cache_history WHERE open_time_ms BETWEEN ? AND ?`
	default:
		return 0, fmt.Errorf("history count: unknown table %q", table)
	}
	var n int64
	if err := r.db.QueryRowContext(ctx, query, fromMs, toMs).Scan(&n); err != nil {
		return 0, fmt.Errorf("history count: %w", err)
	}
	return n, nil
}

// Recent returns the last n archive_audit rows, newest first, for the
// health endpoint and operator visibility.
func (r *ArchiveRepository) Recent(ctx context.Context, n int) ([]domain.ArchiveAudit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, table_name, from_open_time, to_open_time, moved_rows, trace_id, status, message, created_at
		FROM archive_audit ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("recent archive audit: %w", err)
	}
	defer rows.Close()

	var out []domain.ArchiveAudit
	for rows.Next() {
		var a domain.ArchiveAudit
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Table, &a.FromOpenTime, &a.ToOpenTime, &a.MovedRows, &a.TraceID, &a.Status, &a.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan archive audit: %w", err)
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
