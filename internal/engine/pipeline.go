package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/asv8/internal/clientorderid"
	"github.com/aristath/asv8/internal/control"
	"github.com/aristath/asv8/internal/domain"
	"github.com/aristath/asv8/internal/gateway"
	"github.com/aristath/asv8/internal/indicators"
	"github.com/aristath/asv8/internal/risk"
	"github.com/google/uuid"
)

// coldStartScore is used when no trained model exists yet; it passes
// the default AI_SCORE_MIN gate but stays below the margin-amplifier
// threshold, so cold starts never amplify leverage.
const coldStartScore = 50.0

func featureOrder() []string { return indicators.FeatureOrder }

// decisionTraceID derives a stable trace id for one (symbol, bar)
// decision. A restart within the same bar re-derives the same trace,
// and therefore the same client_order_id nonce, so the whole pipeline
// stays idempotent under the order-event uniqueness key.
func decisionTraceID(symbol, timeframe string, barCloseTs int64) string {
	key := fmt.Sprintf("asv8:decision:%s:%s:%d", symbol, timeframe, barCloseTs)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// runSymbol is the per-symbol pipeline. The distributed
// lock serializes it against other instances; everything after the
// lock is a linear state machine persisted to the event stream.
func (e *Engine) runSymbol(ctx context.Context, snap control.Snapshot, symbol string, decisionBarOpen int64) {
	log := e.log.With().Str("symbol", symbol).Logger()

	open, err := e.repos.Trades.OpenBySymbol(ctx, symbol)
	if err != nil {
		log.Error().Err(err).Msg("read open trades failed")
		return
	}

	// HALT with no open position: nothing to do. With an open
	// position, exits still have to be managed.
	if snap.HaltTrading && len(open) == 0 {
		log.Debug().Msg("halted, no position, skipping")
		return
	}

	handle, acquired, err := e.locks.Acquire(ctx, symbol)
	if err != nil {
		log.Error().Err(err).Msg("lock acquire failed")
		return
	}
	if !acquired {
		log.Debug().Msg("lock contended, skipping tick")
		return
	}
	defer func() {
		if err := e.locks.Release(ctx, handle); err != nil {
			log.Error().Err(err).Msg("lock release failed")
		}
	}()

	// Exits first: stops fire regardless of halt state.
	e.manageExits(ctx, symbol, open)

	if snap.HaltTrading || snap.EmergencyExit || e.breaker.Tripped() {
		return
	}
	if len(open) > 0 {
		// One position per symbol; entries wait for the exit.
		return
	}
	if !e.cfg.EnableTrading {
		log.Debug().Msg("trading disabled, evaluation only")
		return
	}

	e.evaluateEntry(ctx, snap, symbol)
}

// evaluateEntry runs steps 3-10 of the pipeline for a flat symbol.
func (e *Engine) evaluateEntry(ctx context.Context, snap control.Snapshot, symbol string) {
	log := e.log.With().Str("symbol", symbol).Logger()

	featureVersion := snap.FeatureVersion
	if featureVersion == 0 {
		featureVersion = e.cfg.FeatureVersion
	}
	timeframe := snap.Timeframe
	if timeframe == "" {
		timeframe = e.cfg.Timeframe
	}

	rows, err := e.repos.Cache.LastTwoCache(ctx, symbol, timeframe, featureVersion)
	if err != nil {
		log.Error().Err(err).Msg("read feature cache failed")
		return
	}
	if len(rows) < 2 {
		log.Debug().Str("reason_code", domain.ReasonStaleCache).Msg("insufficient cache history, skipping")
		return
	}
	curr, prev := rows[0], rows[1]

	// Stale if the newest cached bar closed more than 2x the interval ago.
	barClose := curr.OpenTimeMs + e.interval.Milliseconds()
	if e.clock.Now().UnixMilli()-barClose > 2*e.interval.Milliseconds() {
		log.Warn().
			Str("reason_code", domain.ReasonStaleCache).
			Int64("bar_close_ms", barClose).
			Msg("feature cache stale, skipping")
		return
	}

	var currSet, prevSet indicators.Set
	if err := json.Unmarshal([]byte(curr.FeaturesJSON), &currSet); err != nil {
		log.Error().Err(err).Msg("decode current features failed")
		return
	}
	if err := json.Unmarshal([]byte(prev.FeaturesJSON), &prevSet); err != nil {
		log.Error().Err(err).Msg("decode previous features failed")
		return
	}

	aiScore := e.score(ctx, currSet.Features())

	if !risk.EvaluateSetupB(risk.SetupBInputs{
		Prev:        prevSet,
		Curr:        currSet,
		ADXMin:      e.cfg.ADXMin,
		VolRatioMin: e.cfg.VolRatioMin,
		AIScore:     aiScore,
		AIScoreMin:  e.cfg.AIScoreMin,
	}) {
		log.Debug().Float64("ai_score", aiScore).Msg("setup b not satisfied")
		return
	}

	traceID := decisionTraceID(symbol, timeframe, barClose)
	reason := fmt.Sprintf("Setup B squeeze release on %s %s bar closing %d: ADX=%.1f +DI=%.1f -DI=%.1f mom=%.3f vol_ratio=%.2f ai=%.0f",
		symbol, timeframe, barClose, currSet.ADX, currSet.PlusDI, currSet.MinusDI, currSet.Momentum, currSet.VolRatio, aiScore)

	account, err := e.gw.GetAccount(ctx)
	if err != nil {
		log.Error().Err(err).Str("trace_id", traceID).Msg("account fetch failed")
		return
	}
	e.breaker.ObserveEquity(ctx, traceID, account.Equity)

	decision := risk.ApplyRiskBudget(account.Equity, aiScore, e.cfg.StopDistPct, e.cfg.DefaultLeverage)
	clientOrderID := clientorderid.New(symbol, "BUY", timeframe, barClose, traceID)

	if !decision.Approved {
		e.appendEvent(ctx, domain.OrderEvent{
			TraceID:       traceID,
			Service:       ServiceName,
			Exchange:      e.exchange,
			Symbol:        symbol,
			ClientOrderID: clientOrderID,
			EventType:     domain.EventRejected,
			ReasonCode:    domain.ReasonRiskBudgetExceeded,
			Reason: fmt.Sprintf("risk %.2f exceeds 3%% budget of equity %.2f even at leverage 1",
				decision.RiskAmount, account.Equity),
			Actor: "system:" + ServiceName,
		})
		log.Warn().Str("trace_id", traceID).Float64("risk", decision.RiskAmount).Msg("risk budget rejected")
		return
	}

	entryPrice := currSet.EMA21 // mark for sizing; fills use the exchange's actual price
	if bar, err := e.repos.MarketData.Get(ctx, symbol, timeframe, curr.OpenTimeMs); err == nil && bar != nil {
		entryPrice = bar.Close
	}
	if entryPrice <= 0 {
		log.Error().Str("trace_id", traceID).Msg("no usable entry price")
		return
	}
	qty := decision.Margin * float64(decision.Leverage) / entryPrice

	e.submitEntry(ctx, entryOrder{
		Symbol:        symbol,
		Timeframe:     timeframe,
		TraceID:       traceID,
		ClientOrderID: clientOrderID,
		Qty:           qty,
		EntryPrice:    entryPrice,
		Leverage:      decision.Leverage,
		StopDistPct:   e.cfg.StopDistPct,
		AIScore:       aiScore,
		RobotScore:    currSet.ADX,
		Reason:        reason,
	})
}

type entryOrder struct {
	Symbol        string
	Timeframe     string
	TraceID       string
	ClientOrderID string
	Qty           float64
	EntryPrice    float64
	Leverage      int
	StopDistPct   float64
	AIScore       float64
	RobotScore    float64
	Reason        string
}

// submitEntry runs the CREATED -> SUBMITTED -> FILLED state machine for
// one approved decision. Every append is idempotent under the
// (exchange, symbol, client_order_id, event_type) key, so a restart
// replays harmlessly.
func (e *Engine) submitEntry(ctx context.Context, ord entryOrder) {
	log := e.log.With().Str("symbol", ord.Symbol).Str("trace_id", ord.TraceID).Str("client_order_id", ord.ClientOrderID).Logger()
	side := "BUY"

	created, err := e.repos.OrderEvents.AppendNow(ctx, e.clock, domain.OrderEvent{
		TraceID:       ord.TraceID,
		Service:       ServiceName,
		Exchange:      e.exchange,
		Symbol:        ord.Symbol,
		ClientOrderID: ord.ClientOrderID,
		EventType:     domain.EventCreated,
		Side:          &side,
		Qty:           &ord.Qty,
		Price:         &ord.EntryPrice,
		ReasonCode:    domain.ReasonSetupBSqueezeRelease,
		Reason:        ord.Reason,
		Actor:         "system:" + ServiceName,
	})
	if err != nil {
		log.Error().Err(err).Msg("append CREATED failed")
		return
	}
	if !created {
		// This decision already ran (previous process, same bar).
		// Reconcile instead of resubmitting.
		e.reconcile(ctx, ord)
		return
	}

	order, err := e.gw.PlaceOrder(ctx, gateway.PlaceOrderRequest{
		Symbol:        ord.Symbol,
		Side:          side,
		Qty:           ord.Qty,
		ClientOrderID: ord.ClientOrderID,
		Leverage:      ord.Leverage,
	})
	if err != nil {
		e.recordPlacementFailure(ctx, ord, side, err)
		return
	}

	raw, _ := json.Marshal(order)
	e.appendEvent(ctx, domain.OrderEvent{
		TraceID:         ord.TraceID,
		Service:         ServiceName,
		Exchange:        e.exchange,
		Symbol:          ord.Symbol,
		ClientOrderID:   ord.ClientOrderID,
		ExchangeOrderID: &order.ExchangeOrderID,
		EventType:       domain.EventSubmitted,
		Side:            &side,
		Qty:             &ord.Qty,
		Price:           &ord.EntryPrice,
		Status:          &order.Status,
		ReasonCode:      domain.ReasonSetupBSqueezeRelease,
		Reason:          ord.Reason,
		Actor:           "system:" + ServiceName,
		RawPayloadJSON:  string(raw),
	})

	filled, err := e.awaitFill(ctx, ord.Symbol, ord.ClientOrderID)
	if err != nil {
		e.appendEvent(ctx, domain.OrderEvent{
			TraceID:       ord.TraceID,
			Service:       ServiceName,
			Exchange:      e.exchange,
			Symbol:        ord.Symbol,
			ClientOrderID: ord.ClientOrderID,
			EventType:     domain.EventError,
			ReasonCode:    domain.ReasonOrderConfirmTimeout,
			Reason:        "order not confirmed within budget; reconciliation deferred to next tick",
			Actor:         "system:" + ServiceName,
		})
		log.Warn().Err(err).Msg("fill confirmation timed out")
		return
	}

	e.breaker.RecordOrderSuccess()
	e.recordFill(ctx, ord, filled)
	e.armStop(ctx, ord, filled)
}

func (e *Engine) recordPlacementFailure(ctx context.Context, ord entryOrder, side string, err error) {
	eventType := domain.EventError
	reasonCode := "EXCHANGE_ERROR"
	var exErr *gateway.ExchangeError
	if errors.As(err, &exErr) {
		reasonCode = exErr.ReasonCode
		if exErr.Class == gateway.FailureTerminal {
			eventType = domain.EventRejected
		}
	}

	e.appendEvent(ctx, domain.OrderEvent{
		TraceID:       ord.TraceID,
		Service:       ServiceName,
		Exchange:      e.exchange,
		Symbol:        ord.Symbol,
		ClientOrderID: ord.ClientOrderID,
		EventType:     eventType,
		Side:          &side,
		Qty:           &ord.Qty,
		ReasonCode:    reasonCode,
		Reason:        fmt.Sprintf("order placement failed: %v", err),
		Actor:         "system:" + ServiceName,
	})
	e.breaker.RecordOrderError(ctx, ord.TraceID)

	summary := "exchange error on order placement"
	if eventType == domain.EventRejected {
		summary = "terminal exchange error on order placement"
	}
	_ = e.notify.SendSystemAlert(ctx, map[string]interface{}{
		"trace_id":    ord.TraceID,
		"symbol":      ord.Symbol,
		"reason_code": reasonCode,
		"summary":     summary,
	})
}

// awaitFill polls get_order until FILLED or the confirm timeout.
func (e *Engine) awaitFill(ctx context.Context, symbol, clientOrderID string) (*gateway.Order, error) {
	pollCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.OrderConfirmTimeoutSeconds)*time.Second)
	defer cancel()

	for {
		order, err := e.gw.GetOrder(pollCtx, symbol, clientOrderID)
		if err == nil && order.Status == "FILLED" {
			return order, nil
		}
		if err != nil {
			e.log.Debug().Err(err).Str("client_order_id", clientOrderID).Msg("fill poll error")
		}

		select {
		case <-pollCtx.Done():
			return nil, fmt.Errorf("order %s: %w", clientOrderID, pollCtx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (e *Engine) recordFill(ctx context.Context, ord entryOrder, order *gateway.Order) {
	side := "BUY"
	fillPrice := order.AvgPrice
	if fillPrice <= 0 {
		fillPrice = ord.EntryPrice
	}
	qty := order.ExecutedQty
	if qty <= 0 {
		qty = ord.Qty
	}

	raw, _ := json.Marshal(order)
	e.appendEvent(ctx, domain.OrderEvent{
		TraceID:         ord.TraceID,
		Service:         ServiceName,
		Exchange:        e.exchange,
		Symbol:          ord.Symbol,
		ClientOrderID:   ord.ClientOrderID,
		ExchangeOrderID: &order.ExchangeOrderID,
		EventType:       domain.EventFilled,
		Side:            &side,
		Qty:             &qty,
		Price:           &fillPrice,
		Status:          &order.Status,
		ReasonCode:      domain.ReasonSetupBSqueezeRelease,
		Reason:          ord.Reason,
		Actor:           "system:" + ServiceName,
		RawPayloadJSON:  string(raw),
	})

	stopPrice := fillPrice * (1 - ord.StopDistPct)
	if _, err := e.repos.Trades.Open(ctx, domain.TradeLog{
		Symbol:          ord.Symbol,
		Side:            side,
		Qty:             qty,
		Leverage:        ord.Leverage,
		EntryPrice:      fillPrice,
		StopPrice:       stopPrice,
		StopDistPct:     ord.StopDistPct,
		ClientOrderID:   ord.ClientOrderID,
		ExchangeOrderID: &order.ExchangeOrderID,
		RobotScore:      &ord.RobotScore,
		AIProb:          &ord.AIScore,
		OpenReasonCode:  domain.ReasonSetupBSqueezeRelease,
		OpenReason:      ord.Reason,
		EntryTimeMs:     e.clock.Now().UnixMilli(),
	}); err != nil {
		e.log.Error().Err(err).Str("client_order_id", ord.ClientOrderID).Msg("open trade log failed")
	}

	meta, _ := json.Marshal(map[string]interface{}{
		"note":             "entry_fill",
		"trace_id":         ord.TraceID,
		"open_reason_code": domain.ReasonSetupBSqueezeRelease,
	})
	if err := e.repos.Snapshots.Write(ctx, domain.PositionSnapshot{
		Symbol:        ord.Symbol,
		BaseQty:       qty,
		AvgEntryPrice: fillPrice,
		MetaJSON:      string(meta),
	}); err != nil {
		e.log.Error().Err(err).Msg("entry snapshot failed")
	}

	_ = e.notify.SendTradeAlert(ctx, map[string]interface{}{
		"trace_id":    ord.TraceID,
		"symbol":      ord.Symbol,
		"side":        side,
		"qty":         qty,
		"price":       fillPrice,
		"leverage":    ord.Leverage,
		"reason_code": domain.ReasonSetupBSqueezeRelease,
		"reason":      ord.Reason,
	})
}

// armStop submits the protective stop (pipeline step 10). On failure
// the position falls back to a software-tracked stop, which is
// terminal for this position even if the exchange later recovers.
func (e *Engine) armStop(ctx context.Context, ord entryOrder, filled *gateway.Order) {
	stopID := clientorderid.StopID(ord.ClientOrderID)
	fillPrice := filled.AvgPrice
	if fillPrice <= 0 {
		fillPrice = ord.EntryPrice
	}
	stopPrice := fillPrice * (1 - ord.StopDistPct)
	qty := filled.ExecutedQty
	if qty <= 0 {
		qty = ord.Qty
	}
	side := "SELL"

	stopOrder, err := e.gw.SetStop(ctx, gateway.SetStopRequest{
		Symbol:        ord.Symbol,
		Side:          side,
		Qty:           qty,
		StopPrice:     stopPrice,
		ClientOrderID: stopID,
	})
	if err != nil {
		e.appendEvent(ctx, domain.OrderEvent{
			TraceID:       ord.TraceID,
			Service:       ServiceName,
			Exchange:      e.exchange,
			Symbol:        ord.Symbol,
			ClientOrderID: stopID,
			EventType:     domain.EventError,
			Side:          &side,
			Qty:           &qty,
			Price:         &stopPrice,
			ReasonCode:    domain.ReasonStopArmFailedFallback,
			Reason:        fmt.Sprintf("exchange stop rejected, falling back to software stop at %.4f: %v", stopPrice, err),
			Actor:         "system:" + ServiceName,
		})
		e.log.Warn().Err(err).Str("symbol", ord.Symbol).Float64("stop_price", stopPrice).Msg("stop arm failed, software fallback")
		return
	}

	raw, _ := json.Marshal(stopOrder)
	e.appendEvent(ctx, domain.OrderEvent{
		TraceID:         ord.TraceID,
		Service:         ServiceName,
		Exchange:        e.exchange,
		Symbol:          ord.Symbol,
		ClientOrderID:   stopID,
		ExchangeOrderID: &stopOrder.ExchangeOrderID,
		EventType:       domain.EventStopArmed,
		Side:            &side,
		Qty:             &qty,
		Price:           &stopPrice,
		ReasonCode:      domain.ReasonSetupBSqueezeRelease,
		Reason:          fmt.Sprintf("protective stop armed at %.4f (%.1f%% below entry)", stopPrice, ord.StopDistPct*100),
		Actor:           "system:" + ServiceName,
		RawPayloadJSON:  string(raw),
	})
}

// reconcile handles a decision whose CREATED already exists from a
// previous run: query the exchange and append what actually happened,
// never resubmitting.
func (e *Engine) reconcile(ctx context.Context, ord entryOrder) {
	log := e.log.With().Str("symbol", ord.Symbol).Str("client_order_id", ord.ClientOrderID).Logger()

	hasFill, err := e.repos.OrderEvents.ExistsEventType(ctx, e.exchange, ord.Symbol, ord.ClientOrderID, domain.EventFilled)
	if err != nil {
		log.Error().Err(err).Msg("reconcile lookup failed")
		return
	}
	if hasFill {
		log.Debug().Msg("decision already filled, nothing to reconcile")
		return
	}

	order, err := e.gw.GetOrder(ctx, ord.Symbol, ord.ClientOrderID)
	if err != nil {
		log.Debug().Err(err).Msg("reconcile: order not found on exchange")
		return
	}

	raw, _ := json.Marshal(order)
	e.appendEvent(ctx, domain.OrderEvent{
		TraceID:         ord.TraceID,
		Service:         ServiceName,
		Exchange:        e.exchange,
		Symbol:          ord.Symbol,
		ClientOrderID:   ord.ClientOrderID,
		ExchangeOrderID: &order.ExchangeOrderID,
		EventType:       domain.EventReconciled,
		Status:          &order.Status,
		ReasonCode:      "EXCHANGE_RECONCILED",
		Reason:          fmt.Sprintf("order state reconciled after restart: %s", order.Status),
		Actor:           "system:" + ServiceName,
		RawPayloadJSON:  string(raw),
	})

	if order.Status == "FILLED" {
		e.recordFill(ctx, ord, order)
		e.armStop(ctx, ord, order)
	}
}

// score runs the AI scorer, substituting the cold-start default when
// no trained model exists yet.
func (e *Engine) score(ctx context.Context, features map[string]float64) float64 {
	e.scorerMu.Lock()
	defer e.scorerMu.Unlock()

	if !e.scorerTrained {
		return coldStartScore
	}
	score, err := e.scorer.Score(ctx, features)
	if err != nil {
		e.log.Error().Err(err).Msg("ai score failed, using cold-start default")
		return coldStartScore
	}
	return score
}

// appendEvent appends and logs; append failures are logged but never
// abort the pipeline mid-flight.
func (e *Engine) appendEvent(ctx context.Context, ev domain.OrderEvent) {
	if _, err := e.repos.OrderEvents.AppendNow(ctx, e.clock, ev); err != nil {
		e.log.Error().Err(err).
			Str("client_order_id", ev.ClientOrderID).
			Str("event_type", ev.EventType).
			Msg("append order event failed")
	}
}
