// Package persistence provides typed, idempotent operations over the
// data model in internal/domain. Column lists are spelled out
// explicitly rather than SELECT * so schema changes fail loudly at
// the call site.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/asv8/internal/clock"
	"github.com/aristath/asv8/internal/domain"
	"github.com/aristath/asv8/internal/scrub"
	"github.com/rs/zerolog"
)

// OrderEventRepository appends to and reads the immutable order-event
// stream. No method here ever issues an UPDATE or DELETE against
// order_events.
type OrderEventRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOrderEventRepository constructs an OrderEventRepository over db.
func NewOrderEventRepository(db *sql.DB, log zerolog.Logger) *OrderEventRepository {
	return &OrderEventRepository{db: db, log: log.With().Str("repo", "order_events").Logger()}
}

const orderEventColumns = `trace_id, service, exchange, symbol, client_order_id, exchange_order_id,
	event_type, side, qty, price, status, reason_code, reason, action, actor,
	event_ts_utc, event_ts_hk, raw_payload_json`

// AppendOrderEvent inserts ev if no row yet exists for its
// (exchange, symbol, client_order_id, event_type) uniqueness key,
// scrubbing ev.RawPayloadJSON first. It returns whether the row was
// newly inserted.
func (r *OrderEventRepository) AppendOrderEvent(ctx context.Context, ev domain.OrderEvent) (bool, error) {
	scrubbed, err := scrub.Payload(json.RawMessage(orDefault(ev.RawPayloadJSON)))
	if err != nil {
		return false, fmt.Errorf("scrub raw payload: %w", err)
	}
	ev.RawPayloadJSON = scrubbed

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO order_events (`+orderEventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (exchange, symbol, client_order_id, event_type) DO NOTHING
	`,
		ev.TraceID, ev.Service, ev.Exchange, ev.Symbol, ev.ClientOrderID, ev.ExchangeOrderID,
		ev.EventType, ev.Side, ev.Qty, ev.Price, ev.Status, ev.ReasonCode, ev.Reason, ev.Action, ev.Actor,
		ev.EventTsUTC.UTC().Format(time.RFC3339Nano), ev.EventTsHK.Format(time.RFC3339Nano), ev.RawPayloadJSON,
	)
	if err != nil {
		return false, fmt.Errorf("append order event: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append order event rows affected: %w", err)
	}

	if rows > 0 {
		r.log.Debug().
			Str("trace_id", ev.TraceID).
			Str("client_order_id", ev.ClientOrderID).
			Str("event_type", ev.EventType).
			Msg("order event appended")
	}

	return rows > 0, nil
}

// AppendNow is a convenience wrapper that stamps EventTsUTC/EventTsHK
// from c before delegating to AppendOrderEvent.
func (r *OrderEventRepository) AppendNow(ctx context.Context, c clock.Clock, ev domain.OrderEvent) (bool, error) {
	now := c.Now()
	ev.EventTsUTC = now
	ev.EventTsHK = now.In(clock.HongKong)
	return r.AppendOrderEvent(ctx, ev)
}

// ExistsEventType reports whether a row already exists for the given
// uniqueness key, used by the tick pipeline to avoid re-deciding a bar
// it already acted on.
func (r *OrderEventRepository) ExistsEventType(ctx context.Context, exchange, symbol, clientOrderID, eventType string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM order_events
		WHERE exchange = ? AND symbol = ? AND client_order_id = ? AND event_type = ?
	`, exchange, symbol, clientOrderID, eventType).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check order event exists: %w", err)
	}
	return n > 0, nil
}

// RecentErrors returns the last n ERROR rows for service, newest first,
// feeding the health endpoint's "recent_errors" surface.
func (r *OrderEventRepository) RecentErrors(ctx context.Context, service string, n int) ([]domain.OrderEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, `+orderEventColumns+`
		FROM order_events
		WHERE service = ? AND event_type = ?
		ORDER BY id DESC
		LIMIT ?
	`, service, domain.EventError, n)
	if err != nil {
		return nil, fmt.Errorf("recent errors: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderEvent
	for rows.Next() {
		ev, err := scanOrderEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrderEvent(rows rowScanner) (domain.OrderEvent, error) {
	var ev domain.OrderEvent
	var eventTsUTC, eventTsHK string
	err := rows.Scan(
		&ev.ID, &ev.TraceID, &ev.Service, &ev.Exchange, &ev.Symbol, &ev.ClientOrderID, &ev.ExchangeOrderID,
		&ev.EventType, &ev.Side, &ev.Qty, &ev.Price, &ev.Status, &ev.ReasonCode, &ev.Reason, &ev.Action, &ev.Actor,
		&eventTsUTC, &eventTsHK, &ev.RawPayloadJSON,
	)
	if err != nil {
		return ev, fmt.Errorf("scan order event: %w", err)
	}
	ev.EventTsUTC, _ = time.Parse(time.RFC3339Nano, eventTsUTC)
	ev.EventTsHK, _ = time.Parse(time.RFC3339Nano, eventTsHK)
	return ev, nil
}

func orDefault(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
