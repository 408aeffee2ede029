package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PaperTransport simulates the exchange's account and order endpoints
// while optionally delegating market data to a real feed, so paper
// mode exercises the identical pipeline code.
// Orders fill instantly at the configured mark price; stops rest until
// TriggerStops is called with a crossing price.
type PaperTransport struct {
	mu sync.Mutex

	name     string
	equity   float64
	mark     map[string]float64 // symbol -> last mark price
	orders   map[string]*Order  // client_order_id -> state
	stops    map[string]stopOrder
	klines   func(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]Kline, error)
	streamer *WSKlineStream
	log      zerolog.Logger
}

type stopOrder struct {
	symbol    string
	qty       float64
	stopPrice float64
}

// PaperConfig configures the simulated account.
type PaperConfig struct {
	Name   string  // exchange name persisted into order_events
	Equity float64 // starting equity
	// Klines supplies candles (a real feed, a fixture, or nil).
	Klines func(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]Kline, error)
	// Streamer, when non-nil, lets paper mode ride a live kline stream.
	Streamer *WSKlineStream
}

// NewPaperTransport constructs a PaperTransport.
func NewPaperTransport(cfg PaperConfig, log zerolog.Logger) *PaperTransport {
	if cfg.Name == "" {
		cfg.Name = "paper"
	}
	return &PaperTransport{
		name:     cfg.Name,
		equity:   cfg.Equity,
		mark:     make(map[string]float64),
		orders:   make(map[string]*Order),
		stops:    make(map[string]stopOrder),
		klines:   cfg.Klines,
		streamer: cfg.Streamer,
		log:      log.With().Str("component", "paper_transport").Logger(),
	}
}

// Name implements Transport.
func (p *PaperTransport) Name() string { return p.name }

// SetMark sets the simulated mark price orders fill at.
func (p *PaperTransport) SetMark(symbol string, price float64) {
	p.mu.Lock()
	p.mark[symbol] = price
	p.mu.Unlock()
}

func okResponse() Response {
	return Response{StatusCode: http.StatusOK, Headers: http.Header{}}
}

// PlaceOrder fills instantly at the mark price. Re-submitting an
// existing client_order_id returns the existing state, mirroring real
// exchange idempotency on client ids.
func (p *PaperTransport) PlaceOrder(_ context.Context, req PlaceOrderRequest) (*Order, Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.orders[req.ClientOrderID]; ok {
		return existing, okResponse(), nil
	}

	price := p.mark[req.Symbol]
	if req.Price != nil {
		price = *req.Price
	}
	if price <= 0 {
		return nil, Response{StatusCode: http.StatusBadRequest, Headers: http.Header{}},
			fmt.Errorf("paper: no mark price for %s", req.Symbol)
	}

	order := &Order{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: uuid.NewString(),
		Status:          "FILLED",
		ExecutedQty:     req.Qty,
		AvgPrice:        price,
	}
	p.orders[req.ClientOrderID] = order
	p.log.Debug().Str("client_order_id", req.ClientOrderID).Float64("price", price).Msg("paper fill")
	return order, okResponse(), nil
}

// CancelOrder implements Transport.
func (p *PaperTransport) CancelOrder(_ context.Context, symbol, clientOrderID string) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[clientOrderID]
	if !ok {
		return Response{StatusCode: http.StatusNotFound, Headers: http.Header{}},
			fmt.Errorf("paper: unknown order %s", clientOrderID)
	}
	if order.Status != "FILLED" {
		order.Status = "CANCELED"
	}
	delete(p.stops, clientOrderID)
	return okResponse(), nil
}

// GetOrder implements Transport.
func (p *PaperTransport) GetOrder(_ context.Context, symbol, clientOrderID string) (*Order, Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[clientOrderID]
	if !ok {
		return nil, Response{StatusCode: http.StatusNotFound, Headers: http.Header{}},
			fmt.Errorf("paper: unknown order %s", clientOrderID)
	}
	return order, okResponse(), nil
}

// GetKlines delegates to the configured feed.
func (p *PaperTransport) GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]Kline, Response, error) {
	if p.klines == nil {
		return nil, okResponse(), nil
	}
	klines, err := p.klines(ctx, symbol, interval, startMs, endMs, limit)
	if err != nil {
		return nil, Response{StatusCode: http.StatusInternalServerError, Headers: http.Header{}}, err
	}
	return klines, okResponse(), nil
}

// GetAccount implements Transport.
func (p *PaperTransport) GetAccount(_ context.Context) (*Account, Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Account{Equity: p.equity}, okResponse(), nil
}

// SetStop rests the stop until a crossing price triggers it.
func (p *PaperTransport) SetStop(_ context.Context, req SetStopRequest) (*Order, Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order := &Order{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: uuid.NewString(),
		Status:          "NEW",
	}
	p.orders[req.ClientOrderID] = order
	p.stops[req.ClientOrderID] = stopOrder{symbol: req.Symbol, qty: req.Qty, stopPrice: req.StopPrice}
	return order, okResponse(), nil
}

// TriggerStops fills every resting stop for symbol whose level the
// given price crossed (long stops: price at or below the stop).
func (p *PaperTransport) TriggerStops(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mark[symbol] = price
	for id, stop := range p.stops {
		if stop.symbol != symbol || price > stop.stopPrice {
			continue
		}
		if order, ok := p.orders[id]; ok {
			order.Status = "FILLED"
			order.ExecutedQty = stop.qty
			order.AvgPrice = price
		}
		delete(p.stops, id)
	}
}

// StreamKlines implements KlineStreamer when a live stream is attached.
func (p *PaperTransport) StreamKlines(ctx context.Context, symbol, interval string) (<-chan Kline, error) {
	if p.streamer == nil {
		return nil, fmt.Errorf("paper: no kline stream configured")
	}
	return p.streamer.Stream(ctx, symbol, interval)
}
