// Package gateway is the single choke point for all exchange I/O.
// It categorizes calls into the market/account/order
// rate-limit groups, retries retryable-transient failures with the
// limiter's backoff, and maps terminal failures to reason codes.
//
// Retries go back through the shared ratelimit.Limiter, so backoff
// pressure applies uniformly no matter which caller hit the limit.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aristath/asv8/internal/ratelimit"
	"github.com/rs/zerolog"
)

// FailureClass categorizes an exchange error for retry/propagation policy.
type FailureClass int

const (
	FailureNone FailureClass = iota
	FailureRetryableTransient
	FailureRateLimited
	FailureTerminal
)

// ExchangeError carries the classified failure plus a reason code
// derived from the underlying exchange error.
type ExchangeError struct {
	Class      FailureClass
	ReasonCode string
	Err        error
}

func (e *ExchangeError) Error() string { return fmt.Sprintf("%s: %v", e.ReasonCode, e.Err) }
func (e *ExchangeError) Unwrap() error { return e.Err }

// Kline is one OHLCV candle as reported by the exchange.
type Kline struct {
	OpenTimeMs  int64
	CloseTimeMs int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
}

// Order is the exchange's view of an order's current state.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Status          string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, REJECTED
	ExecutedQty     float64
	AvgPrice        float64
}

// Account is a minimal account snapshot (equity drives risk sizing).
type Account struct {
	Equity float64
}

// PlaceOrderRequest is the gateway-level order placement request.
type PlaceOrderRequest struct {
	Symbol        string
	Side          string // BUY, SELL
	Qty           float64
	Price         *float64 // nil for market orders
	ClientOrderID string
	Leverage      int
}

// SetStopRequest arms a protective stop for an existing position.
type SetStopRequest struct {
	Symbol        string
	Side          string
	Qty           float64
	StopPrice     float64
	ClientOrderID string
}

// Transport is the raw, unauthenticated-retry HTTP boundary an
// ExchangeGateway drives. Concrete exchange wire schemas are out of
// scope; callers provide an adapter implementing this.
type Transport interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, Response, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) (Response, error)
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*Order, Response, error)
	GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]Kline, Response, error)
	GetAccount(ctx context.Context) (*Account, Response, error)
	SetStop(ctx context.Context, req SetStopRequest) (*Order, Response, error)
	Name() string
}

// Response is the subset of an HTTP response the limiter needs to
// update its budgets, surfaced by Transport alongside each result.
type Response struct {
	StatusCode int
	Headers    http.Header
}

const maxRetries = 3

// Gateway is the façade exposed to the rest of the control plane.
type Gateway struct {
	transport Transport
	limiter   *ratelimit.Limiter
	log       zerolog.Logger
}

// New constructs a Gateway around transport, routing every call through limiter.
func New(transport Transport, limiter *ratelimit.Limiter, log zerolog.Logger) *Gateway {
	return &Gateway{
		transport: transport,
		limiter:   limiter,
		log:       log.With().Str("component", "gateway").Str("exchange", transport.Name()).Logger(),
	}
}

// PlaceOrder submits an order, retrying retryable-transient failures up
// to maxRetries times while preserving the original client_order_id.
func (g *Gateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := g.limiter.Acquire(ctx, ratelimit.GroupOrder); err != nil {
			return nil, err
		}

		order, resp, err := g.transport.PlaceOrder(ctx, req)
		g.limiter.Observe(ratelimit.GroupOrder, ratelimit.Response{StatusCode: resp.StatusCode, Headers: resp.Headers})

		if err == nil {
			return order, nil
		}

		classified := classify(resp.StatusCode, err)
		lastErr = classified
		if classified.Class != FailureRetryableTransient && classified.Class != FailureRateLimited {
			return nil, classified
		}
		g.log.Warn().Err(err).Int("attempt", attempt).Str("client_order_id", req.ClientOrderID).Msg("retrying order placement")
	}
	return nil, lastErr
}

// CancelOrder cancels an order, routed through the order group.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if err := g.limiter.Acquire(ctx, ratelimit.GroupOrder); err != nil {
		return err
	}
	resp, err := g.transport.CancelOrder(ctx, symbol, clientOrderID)
	g.limiter.Observe(ratelimit.GroupOrder, ratelimit.Response{StatusCode: resp.StatusCode, Headers: resp.Headers})
	if err != nil {
		return classify(resp.StatusCode, err)
	}
	return nil
}

// GetOrder polls current order state, routed through the order group.
func (g *Gateway) GetOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error) {
	if err := g.limiter.Acquire(ctx, ratelimit.GroupOrder); err != nil {
		return nil, err
	}
	order, resp, err := g.transport.GetOrder(ctx, symbol, clientOrderID)
	g.limiter.Observe(ratelimit.GroupOrder, ratelimit.Response{StatusCode: resp.StatusCode, Headers: resp.Headers})
	if err != nil {
		return nil, classify(resp.StatusCode, err)
	}
	return order, nil
}

// GetKlines pulls candles, routed through the market group.
func (g *Gateway) GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]Kline, error) {
	if err := g.limiter.Acquire(ctx, ratelimit.GroupMarket); err != nil {
		return nil, err
	}
	klines, resp, err := g.transport.GetKlines(ctx, symbol, interval, startMs, endMs, limit)
	g.limiter.Observe(ratelimit.GroupMarket, ratelimit.Response{StatusCode: resp.StatusCode, Headers: resp.Headers})
	if err != nil {
		return nil, classify(resp.StatusCode, err)
	}
	return klines, nil
}

// GetAccount fetches the account snapshot, routed through the account group.
func (g *Gateway) GetAccount(ctx context.Context) (*Account, error) {
	if err := g.limiter.Acquire(ctx, ratelimit.GroupAccount); err != nil {
		return nil, err
	}
	acct, resp, err := g.transport.GetAccount(ctx)
	g.limiter.Observe(ratelimit.GroupAccount, ratelimit.Response{StatusCode: resp.StatusCode, Headers: resp.Headers})
	if err != nil {
		return nil, classify(resp.StatusCode, err)
	}
	return acct, nil
}

// SetStop arms a protective stop, routed through the order group.
func (g *Gateway) SetStop(ctx context.Context, req SetStopRequest) (*Order, error) {
	if err := g.limiter.Acquire(ctx, ratelimit.GroupOrder); err != nil {
		return nil, err
	}
	order, resp, err := g.transport.SetStop(ctx, req)
	g.limiter.Observe(ratelimit.GroupOrder, ratelimit.Response{StatusCode: resp.StatusCode, Headers: resp.Headers})
	if err != nil {
		return nil, classify(resp.StatusCode, err)
	}
	return order, nil
}

// classify maps an HTTP status plus transport error into the
// three-way failure taxonomy.
func classify(status int, err error) *ExchangeError {
	switch {
	case status == 429 || status == 418:
		return &ExchangeError{Class: FailureRateLimited, ReasonCode: "RATE_LIMIT_BACKOFF", Err: err}
	case status >= 500, errors.Is(err, context.DeadlineExceeded), isConnReset(err):
		return &ExchangeError{Class: FailureRetryableTransient, ReasonCode: "EXCHANGE_TRANSIENT", Err: err}
	case status >= 400:
		return &ExchangeError{Class: FailureTerminal, ReasonCode: fmt.Sprintf("EXCHANGE_%d", status), Err: err}
	default:
		return &ExchangeError{Class: FailureTerminal, ReasonCode: "EXCHANGE_ERROR", Err: err}
	}
}

func isConnReset(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	msg := err.Error()
	for _, sub := range []string{"connection reset", "timeout", "EOF"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// StreamKlines opens a push-assisted kline stream used only as a
// latency optimization; REST polling remains
// authoritative regardless of stream availability.
func (g *Gateway) StreamKlines(ctx context.Context, symbol, interval string) (<-chan Kline, error) {
	streamer, ok := g.transport.(KlineStreamer)
	if !ok {
		return nil, fmt.Errorf("gateway: transport does not support streaming")
	}
	return streamer.StreamKlines(ctx, symbol, interval)
}

// KlineStreamer is optionally implemented by a Transport that can push
// klines over a websocket rather than be polled.
type KlineStreamer interface {
	StreamKlines(ctx context.Context, symbol, interval string) (<-chan Kline, error)
}

// RetryBudget reports the configured retry count for tests that assert
// on backoff escalation.
func RetryBudget() int { return maxRetries }
