package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/asv8/internal/domain"
	"github.com/rs/zerolog"
)

// TradeLogRepository manages TradeLog lifecycle rows.
type TradeLogRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTradeLogRepository constructs a TradeLogRepository over db.
func NewTradeLogRepository(db *sql.DB, log zerolog.Logger) *TradeLogRepository {
	return &TradeLogRepository{db: db, log: log.With().Str("repo", "trade_logs").Logger()}
}

// Open inserts a new OPEN trade row; a unique constraint on
// client_order_id keeps re-submission idempotent.
func (r *TradeLogRepository) Open(ctx context.Context, t domain.TradeLog) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO trade_logs (
			symbol, side, qty, leverage, entry_price, stop_price, stop_dist_pct,
			client_order_id, exchange_order_id, robot_score, ai_prob,
			open_reason_code, open_reason, entry_time_ms, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO NOTHING
	`, t.Symbol, t.Side, t.Qty, t.Leverage, t.EntryPrice, t.StopPrice, t.StopDistPct,
		t.ClientOrderID, t.ExchangeOrderID, t.RobotScore, t.AIProb,
		t.OpenReasonCode, t.OpenReason, t.EntryTimeMs, domain.TradeStatusOpen)
	if err != nil {
		return 0, fmt.Errorf("open trade log: %w", err)
	}
	return res.LastInsertId()
}

// Close updates an OPEN trade to CLOSED with the realized outcome.
func (r *TradeLogRepository) Close(ctx context.Context, clientOrderID string, exitPrice, pnl float64, closeReasonCode, closeReason string, exitTimeMs int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE trade_logs SET
			exit_price = ?, pnl = ?, close_reason_code = ?, close_reason = ?, exit_time_ms = ?, status = ?
		WHERE client_order_id = ? AND status = ?
	`, exitPrice, pnl, closeReasonCode, closeReason, exitTimeMs, domain.TradeStatusClosed, clientOrderID, domain.TradeStatusOpen)
	if err != nil {
		return fmt.Errorf("close trade log: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close trade log rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("close trade log: no open trade for client_order_id %s", clientOrderID)
	}
	return nil
}

var tradeLogColumns = `
	id, symbol, side, qty, leverage, entry_price, exit_price, pnl, stop_price, stop_dist_pct,
	client_order_id, exchange_order_id, robot_score, ai_prob,
	open_reason_code, open_reason, close_reason_code, close_reason,
	entry_time_ms, exit_time_ms, status
`

func scanTradeLog(scanner rowScanner) (domain.TradeLog, error) {
	var t domain.TradeLog
	var exchangeOrderID, closeReasonCode, closeReason sql.NullString
	var exitPrice, pnl, robotScore, aiProb sql.NullFloat64
	var exitTimeMs sql.NullInt64

	err := scanner.Scan(&t.ID, &t.Symbol, &t.Side, &t.Qty, &t.Leverage, &t.EntryPrice, &exitPrice, &pnl,
		&t.StopPrice, &t.StopDistPct, &t.ClientOrderID, &exchangeOrderID, &robotScore, &aiProb,
		&t.OpenReasonCode, &t.OpenReason, &closeReasonCode, &closeReason,
		&t.EntryTimeMs, &exitTimeMs, &t.Status)
	if err != nil {
		return t, err
	}

	if exchangeOrderID.Valid {
		t.ExchangeOrderID = &exchangeOrderID.String
	}
	if exitPrice.Valid {
		t.ExitPrice = &exitPrice.Float64
	}
	if pnl.Valid {
		t.PnL = &pnl.Float64
	}
	if robotScore.Valid {
		t.RobotScore = &robotScore.Float64
	}
	if aiProb.Valid {
		t.AIProb = &aiProb.Float64
	}
	if closeReasonCode.Valid {
		t.CloseReasonCode = &closeReasonCode.String
	}
	if closeReason.Valid {
		t.CloseReason = &closeReason.String
	}
	if exitTimeMs.Valid {
		t.ExitTimeMs = &exitTimeMs.Int64
	}
	return t, nil
}

// OpenBySymbol returns open trades for symbol.
func (r *TradeLogRepository) OpenBySymbol(ctx context.Context, symbol string) ([]domain.TradeLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tradeLogColumns+`
		FROM trade_logs WHERE symbol = ? AND status = ?
	`, symbol, domain.TradeStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("open trades by symbol: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeLog
	for rows.Next() {
		t, err := scanTradeLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade log: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Recent returns the most recent n trade logs for symbol, newest first.
func (r *TradeLogRepository) Recent(ctx context.Context, symbol string, n int) ([]domain.TradeLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tradeLogColumns+`
		FROM trade_logs WHERE symbol = ? ORDER BY entry_time_ms DESC LIMIT ?
	`, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("recent trade logs: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeLog
	for rows.Next() {
		t, err := scanTradeLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade log: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ByClientOrderID returns the trade log for clientOrderID, if any.
func (r *TradeLogRepository) ByClientOrderID(ctx context.Context, clientOrderID string) (*domain.TradeLog, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+tradeLogColumns+`
		FROM trade_logs WHERE client_order_id = ?
	`, clientOrderID)
	t, err := scanTradeLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trade log by client_order_id: %w", err)
	}
	return &t, nil
}

// SnapshotRepository manages PositionSnapshot rows.
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository constructs a SnapshotRepository over db.
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{db: db, log: log.With().Str("repo", "position_snapshots").Logger()}
}

// Write inserts a new position snapshot row.
func (r *SnapshotRepository) Write(ctx context.Context, s domain.PositionSnapshot) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO position_snapshots (symbol, base_qty, avg_entry_price, meta_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, s.Symbol, s.BaseQty, s.AvgEntryPrice, s.MetaJSON, now)
	if err != nil {
		return fmt.Errorf("write position snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot for symbol, if any.
func (r *SnapshotRepository) Latest(ctx context.Context, symbol string) (*domain.PositionSnapshot, error) {
	var s domain.PositionSnapshot
	s.Symbol = symbol
	var createdAt string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, base_qty, avg_entry_price, meta_json, created_at
		FROM position_snapshots WHERE symbol = ? ORDER BY id DESC LIMIT 1
	`, symbol).Scan(&s.ID, &s.BaseQty, &s.AvgEntryPrice, &s.MetaJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest position snapshot: %w", err)
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &s, nil
}
