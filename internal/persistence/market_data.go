package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/asv8/internal/domain"
	"github.com/rs/zerolog"
)

// MarketDataRepository stores raw OHLCV candles with insert-ignore
// semantics on the primary key.
type MarketDataRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewMarketDataRepository constructs a MarketDataRepository over db.
func NewMarketDataRepository(db *sql.DB, log zerolog.Logger) *MarketDataRepository {
	return &MarketDataRepository{db: db, log: log.With().Str("repo", "market_data").Logger()}
}

// InsertIgnore inserts bars, skipping any whose primary key already exists.
func (r *MarketDataRepository) InsertIgnore(ctx context.Context, bars []domain.MarketData) (int, error) {
	inserted := 0
	for _, b := range bars {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO market_data (symbol, interval, open_time_ms, close_time_ms, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, interval, open_time_ms) DO NOTHING
		`, b.Symbol, b.Interval, b.OpenTimeMs, b.CloseTimeMs, b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			return inserted, fmt.Errorf("insert market data %s@%d: %w", b.Symbol, b.OpenTimeMs, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("insert market data rows affected: %w", err)
		}
		inserted += int(rows)
	}
	return inserted, nil
}

// LatestOpenTime returns the most recent stored open_time_ms for
// (symbol, interval), or (0, false) if no bars are stored yet.
func (r *MarketDataRepository) LatestOpenTime(ctx context.Context, symbol, interval string) (int64, bool, error) {
	var openTime int64
	err := r.db.QueryRowContext(ctx, `
		SELECT open_time_ms FROM market_data
		WHERE symbol = ? AND interval = ?
		ORDER BY open_time_ms DESC LIMIT 1
	`, symbol, interval).Scan(&openTime)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest open time: %w", err)
	}
	return openTime, true, nil
}

// OldestOpenTime returns the oldest stored open_time_ms across all
// symbols for interval, or (0, false) if the table is empty. Drives the
// archiver's batch ranges.
func (r *MarketDataRepository) OldestOpenTime(ctx context.Context, interval string) (int64, bool, error) {
	var openTime sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT MIN(open_time_ms) FROM market_data WHERE interval = ?
	`, interval).Scan(&openTime)
	if err != nil {
		return 0, false, fmt.Errorf("oldest open time: %w", err)
	}
	if !openTime.Valid {
		return 0, false, nil
	}
	return openTime.Int64, true, nil
}

// OpenTimesInRange returns stored open_time_ms values in [fromMs, toMs]
// ascending, used by gap detection.
func (r *MarketDataRepository) OpenTimesInRange(ctx context.Context, symbol, interval string, fromMs, toMs int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT open_time_ms FROM market_data
		WHERE symbol = ? AND interval = ? AND open_time_ms BETWEEN ? AND ?
		ORDER BY open_time_ms ASC
	`, symbol, interval, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("open times in range: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan open time: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get returns the stored bar for (symbol, interval, openTimeMs), if any.
func (r *MarketDataRepository) Get(ctx context.Context, symbol, interval string, openTimeMs int64) (*domain.MarketData, error) {
	var m domain.MarketData
	m.Symbol, m.Interval, m.OpenTimeMs = symbol, interval, openTimeMs
	err := r.db.QueryRowContext(ctx, `
		SELECT close_time_ms, open, high, low, close, volume
		FROM market_data WHERE symbol = ? AND interval = ? AND open_time_ms = ?
	`, symbol, interval, openTimeMs).Scan(&m.CloseTimeMs, &m.Open, &m.High, &m.Low, &m.Close, &m.Volume)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market data: %w", err)
	}
	return &m, nil
}

// RecentBars returns the last n bars for (symbol, interval) ascending by
// open_time_ms, for indicator warm-up windows.
func (r *MarketDataRepository) RecentBars(ctx context.Context, symbol, interval string, n int) ([]domain.MarketData, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT open_time_ms, close_time_ms, open, high, low, close, volume
		FROM market_data WHERE symbol = ? AND interval = ?
		ORDER BY open_time_ms DESC LIMIT ?
	`, symbol, interval, n)
	if err != nil {
		return nil, fmt.Errorf("recent bars: %w", err)
	}
	defer rows.Close()

	var out []domain.MarketData
	for rows.Next() {
		m := domain.MarketData{Symbol: symbol, Interval: interval}
		if err := rows.Scan(&m.OpenTimeMs, &m.CloseTimeMs, &m.Open, &m.High, &m.Low, &m.Close, &m.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		out = append(out, m)
	}
	// reverse to ascending order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
