package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/asv8/internal/clientorderid"
	"github.com/aristath/asv8/internal/domain"
	"github.com/aristath/asv8/internal/gateway"
	"github.com/aristath/asv8/internal/indicators"
)

// manageExits checks every open position for a triggered stop: an
// exchange stop that filled, or a software-tracked fallback stop whose
// price level the market crossed. Runs under
// the symbol lock.
func (e *Engine) manageExits(ctx context.Context, symbol string, open []domain.TradeLog) {
	for _, trade := range open {
		stopID := clientorderid.StopID(trade.ClientOrderID)

		armed, err := e.repos.OrderEvents.ExistsEventType(ctx, e.exchange, symbol, stopID, domain.EventStopArmed)
		if err != nil {
			e.log.Error().Err(err).Str("symbol", symbol).Msg("stop state lookup failed")
			continue
		}

		if armed {
			e.checkExchangeStop(ctx, trade, stopID)
		} else {
			e.checkSoftwareStop(ctx, trade)
		}
	}
}

// checkExchangeStop polls the armed stop order; if the exchange filled
// it, the position is closed in our books with STOP_LOSS.
func (e *Engine) checkExchangeStop(ctx context.Context, trade domain.TradeLog, stopID string) {
	order, err := e.gw.GetOrder(ctx, trade.Symbol, stopID)
	if err != nil || order.Status != "FILLED" {
		return
	}

	traceID := decisionTraceID(trade.Symbol, "stop-fill", trade.EntryTimeMs)
	side := "SELL"
	raw, _ := json.Marshal(order)
	e.appendEvent(ctx, domain.OrderEvent{
		TraceID:         traceID,
		Service:         ServiceName,
		Exchange:        e.exchange,
		Symbol:          trade.Symbol,
		ClientOrderID:   stopID,
		ExchangeOrderID: &order.ExchangeOrderID,
		EventType:       domain.EventStopFilled,
		Side:            &side,
		Qty:             &order.ExecutedQty,
		Price:           &order.AvgPrice,
		Status:          &order.Status,
		ReasonCode:      domain.ReasonStopLoss,
		Reason:          fmt.Sprintf("exchange stop filled at %.4f", order.AvgPrice),
		Actor:           "system:" + ServiceName,
		RawPayloadJSON:  string(raw),
	})

	e.settleClose(ctx, trade, order.AvgPrice, domain.ReasonStopLoss,
		fmt.Sprintf("protective stop filled at %.4f", order.AvgPrice), traceID)
}

// checkSoftwareStop compares the latest closed bar against the
// fallback stop level and closes at market when breached. The fallback
// is terminal for the position: no re-arm attempt is made even if the
// exchange recovers.
func (e *Engine) checkSoftwareStop(ctx context.Context, trade domain.TradeLog) {
	bars, err := e.repos.MarketData.RecentBars(ctx, trade.Symbol, e.cfg.Timeframe, 1)
	if err != nil || len(bars) == 0 {
		return
	}
	price := bars[0].Close
	if price > trade.StopPrice {
		return
	}

	traceID := decisionTraceID(trade.Symbol, "soft-stop", trade.EntryTimeMs)
	e.appendEvent(ctx, domain.OrderEvent{
		TraceID:       traceID,
		Service:       ServiceName,
		Exchange:      e.exchange,
		Symbol:        trade.Symbol,
		ClientOrderID: clientorderid.StopID(trade.ClientOrderID),
		EventType:     domain.EventStopTriggered,
		Qty:           &trade.Qty,
		Price:         &price,
		ReasonCode:    domain.ReasonStopLoss,
		Reason:        fmt.Sprintf("software stop triggered: close %.4f <= stop %.4f", price, trade.StopPrice),
		Actor:         "system:" + ServiceName,
	})

	if err := e.closePosition(ctx, trade, domain.ReasonStopLoss,
		fmt.Sprintf("software stop close at market, last %.4f vs stop %.4f", price, trade.StopPrice),
		traceID, "system:"+ServiceName, true); err != nil {
		e.log.Error().Err(err).Str("symbol", trade.Symbol).Msg("software stop close failed")
	}
}

// ClosePosition closes one open trade at market with MANUAL_CLOSE, the
// operator-initiated exit path.
func (e *Engine) ClosePosition(ctx context.Context, clientOrderID, traceID, actor string) error {
	trade, err := e.repos.Trades.ByClientOrderID(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if trade == nil || trade.Status != domain.TradeStatusOpen {
		return fmt.Errorf("no open trade for %s", clientOrderID)
	}
	return e.closePosition(ctx, *trade, domain.ReasonManualClose, "operator close at market", traceID, actor, false)
}

// closePosition submits the market close order, appends the FILLED
// close event, flips the trade to CLOSED, writes the final snapshot,
// and feeds the realized label back into the scorer. The close
// client_order_id derives deterministically from the parent so the
// whole path is replay-safe.
func (e *Engine) closePosition(ctx context.Context, trade domain.TradeLog, closeReasonCode, closeReason, traceID, actor string, viaStop bool) error {
	closeID := trade.ClientOrderID + "-close"
	side := "SELL"
	log := e.log.With().Str("symbol", trade.Symbol).Str("client_order_id", closeID).Logger()

	order, err := e.gw.PlaceOrder(ctx, gateway.PlaceOrderRequest{
		Symbol:        trade.Symbol,
		Side:          side,
		Qty:           trade.Qty,
		ClientOrderID: closeID,
	})
	if err != nil {
		e.appendEvent(ctx, domain.OrderEvent{
			TraceID:       traceID,
			Service:       ServiceName,
			Exchange:      e.exchange,
			Symbol:        trade.Symbol,
			ClientOrderID: closeID,
			EventType:     domain.EventError,
			Side:          &side,
			Qty:           &trade.Qty,
			ReasonCode:    "EXCHANGE_CLOSE_FAILED",
			Reason:        fmt.Sprintf("close order failed: %v", err),
			Actor:         actor,
		})
		e.breaker.RecordOrderError(ctx, traceID)
		return fmt.Errorf("close order %s: %w", closeID, err)
	}

	exitPrice := order.AvgPrice
	if exitPrice <= 0 {
		exitPrice = trade.StopPrice
	}
	pnl := (exitPrice - trade.EntryPrice) * trade.Qty

	raw, _ := json.Marshal(order)
	e.appendEvent(ctx, domain.OrderEvent{
		TraceID:         traceID,
		Service:         ServiceName,
		Exchange:        e.exchange,
		Symbol:          trade.Symbol,
		ClientOrderID:   closeID,
		ExchangeOrderID: &order.ExchangeOrderID,
		EventType:       domain.EventFilled,
		Side:            &side,
		Qty:             &trade.Qty,
		Price:           &exitPrice,
		Status:          &order.Status,
		ReasonCode:      closeReasonCode,
		Reason:          closeReason,
		Actor:           actor,
		RawPayloadJSON:  string(raw),
	})

	exitTime := e.clock.Now().UnixMilli()
	if err := e.repos.Trades.Close(ctx, trade.ClientOrderID, exitPrice, pnl, closeReasonCode, closeReason, exitTime); err != nil {
		log.Error().Err(err).Msg("trade close write failed")
	}

	meta, _ := json.Marshal(map[string]interface{}{
		"note":              "position_closed",
		"trace_id":          traceID,
		"close_reason_code": closeReasonCode,
		"pnl":               pnl,
		"via_stop":          viaStop,
	})
	if err := e.repos.Snapshots.Write(ctx, domain.PositionSnapshot{
		Symbol:        trade.Symbol,
		BaseQty:       0,
		AvgEntryPrice: 0,
		MetaJSON:      string(meta),
	}); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	}

	_ = e.notify.SendTradeAlert(ctx, map[string]interface{}{
		"trace_id":    traceID,
		"symbol":      trade.Symbol,
		"side":        side,
		"qty":         trade.Qty,
		"exit_price":  exitPrice,
		"pnl":         pnl,
		"reason_code": closeReasonCode,
		"reason":      closeReason,
	})

	e.learn(ctx, trade, pnl)
	return nil
}

// settleClose is the book-keeping half of a close whose order already
// executed on the exchange (a filled stop).
func (e *Engine) settleClose(ctx context.Context, trade domain.TradeLog, exitPrice float64, closeReasonCode, closeReason, traceID string) {
	pnl := (exitPrice - trade.EntryPrice) * trade.Qty
	exitTime := e.clock.Now().UnixMilli()

	if err := e.repos.Trades.Close(ctx, trade.ClientOrderID, exitPrice, pnl, closeReasonCode, closeReason, exitTime); err != nil {
		e.log.Error().Err(err).Str("symbol", trade.Symbol).Msg("trade close write failed")
	}

	meta, _ := json.Marshal(map[string]interface{}{
		"note":              "position_closed",
		"trace_id":          traceID,
		"close_reason_code": closeReasonCode,
		"pnl":               pnl,
		"via_stop":          true,
	})
	if err := e.repos.Snapshots.Write(ctx, domain.PositionSnapshot{
		Symbol:   trade.Symbol,
		MetaJSON: string(meta),
	}); err != nil {
		e.log.Error().Err(err).Str("symbol", trade.Symbol).Msg("final snapshot failed")
	}

	_ = e.notify.SendTradeAlert(ctx, map[string]interface{}{
		"trace_id":    traceID,
		"symbol":      trade.Symbol,
		"exit_price":  exitPrice,
		"pnl":         pnl,
		"reason_code": closeReasonCode,
		"reason":      closeReason,
	})

	e.learn(ctx, trade, pnl)
}

// learn feeds the realized outcome back into the scorer and publishes
// the updated model transactionally.
func (e *Engine) learn(ctx context.Context, trade domain.TradeLog, pnl float64) {
	entryBarOpen := (trade.EntryTimeMs / e.interval.Milliseconds()) * e.interval.Milliseconds()
	row, err := e.repos.Cache.LatestCache(ctx, trade.Symbol, e.cfg.Timeframe, e.cfg.FeatureVersion)
	if err != nil || row == nil {
		e.log.Debug().Int64("entry_bar", entryBarOpen).Msg("no features for learning, skipping partial_fit")
		return
	}

	var set indicators.Set
	if err := json.Unmarshal([]byte(row.FeaturesJSON), &set); err != nil {
		e.log.Error().Err(err).Msg("decode features for learning failed")
		return
	}

	label := 0.0
	if pnl > 0 {
		label = 1.0
	}

	e.scorerMu.Lock()
	defer e.scorerMu.Unlock()

	if err := e.scorer.PartialFit(ctx, set.Features(), label); err != nil {
		e.log.Error().Err(err).Msg("partial_fit failed")
		return
	}
	e.scorerTrained = true

	blob, err := e.scorer.Serialize()
	if err != nil {
		e.log.Error().Err(err).Msg("model serialize failed")
		return
	}

	metrics, _ := json.Marshal(map[string]interface{}{"last_label": label, "last_pnl": pnl})
	version := e.clock.Now().UTC().Format("20060102T150405.000")
	if err := e.repos.AiModels.PublishAsCurrent(ctx, domain.AiModel{
		ModelName:   ModelName,
		Version:     version,
		Impl:        e.scorer.Impl(),
		MetricsJSON: string(metrics),
		BinaryBlob:  blob,
		IsCurrent:   true,
	}); err != nil {
		e.log.Error().Err(err).Msg("model publish failed")
		return
	}

	e.log.Info().
		Str("version", version).
		Float64("label", label).
		Float64("pnl", pnl).
		Msg("scorer updated from realized trade")
}

// lagSince reports how long ago the last tick ran, for status surfaces.
func (e *Engine) lagSince() time.Duration {
	e.lastTick.mu.Lock()
	defer e.lastTick.mu.Unlock()
	if e.lastTick.utc.IsZero() {
		return 0
	}
	return e.clock.Now().Sub(e.lastTick.utc)
}
