package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/aristath/asv8/internal/ratelimit"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTransport replays a fixed sequence of responses, recording
// every attempt's client order id and timestamp.
type scriptedTransport struct {
	script   []scriptedStep
	attempts []attempt
}

type scriptedStep struct {
	status int
	header http.Header
	err    error
	order  *Order
}

type attempt struct {
	clientOrderID string
	at            time.Time
}

func (s *scriptedTransport) next() scriptedStep {
	if len(s.script) == 0 {
		return scriptedStep{status: 200, order: &Order{Status: "FILLED"}}
	}
	step := s.script[0]
	s.script = s.script[1:]
	return step
}

func (s *scriptedTransport) Name() string { return "scripted" }

func (s *scriptedTransport) PlaceOrder(_ context.Context, req PlaceOrderRequest) (*Order, Response, error) {
	s.attempts = append(s.attempts, attempt{clientOrderID: req.ClientOrderID, at: time.Now()})
	step := s.next()
	h := step.header
	if h == nil {
		h = http.Header{}
	}
	return step.order, Response{StatusCode: step.status, Headers: h}, step.err
}

func (s *scriptedTransport) CancelOrder(context.Context, string, string) (Response, error) {
	return Response{StatusCode: 200, Headers: http.Header{}}, nil
}

func (s *scriptedTransport) GetOrder(context.Context, string, string) (*Order, Response, error) {
	return &Order{Status: "FILLED"}, Response{StatusCode: 200, Headers: http.Header{}}, nil
}

func (s *scriptedTransport) GetKlines(context.Context, string, string, int64, int64, int) ([]Kline, Response, error) {
	return nil, Response{StatusCode: 200, Headers: http.Header{}}, nil
}

func (s *scriptedTransport) GetAccount(context.Context) (*Account, Response, error) {
	return &Account{Equity: 1000}, Response{StatusCode: 200, Headers: http.Header{}}, nil
}

func (s *scriptedTransport) SetStop(context.Context, SetStopRequest) (*Order, Response, error) {
	return &Order{Status: "NEW"}, Response{StatusCode: 200, Headers: http.Header{}}, nil
}

func newTestGateway(transport Transport) (*Gateway, *ratelimit.Limiter) {
	limiter := ratelimit.New(ratelimit.Config{}, zerolog.Nop())
	return New(transport, limiter, zerolog.Nop()), limiter
}

func TestTransientRetriesPreserveClientOrderID(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedStep{
		{status: 500, err: fmt.Errorf("upstream exploded")},
		{status: 502, err: fmt.Errorf("bad gateway")},
		{status: 200, order: &Order{ClientOrderID: "asv8-test-1", Status: "FILLED"}},
	}}
	gw, _ := newTestGateway(transport)

	order, err := gw.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Qty: 1, ClientOrderID: "asv8-test-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "FILLED", order.Status)

	require.Len(t, transport.attempts, 3)
	for _, a := range transport.attempts {
		assert.Equal(t, "asv8-test-1", a.clientOrderID, "every retry must reuse the original client order id")
	}
}

func TestTerminalErrorReturnsImmediately(t *testing.T) {
	transport := &scriptedTransport{script: []scriptedStep{
		{status: 400, err: fmt.Errorf("invalid quantity")},
	}}
	gw, _ := newTestGateway(transport)

	_, err := gw.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Qty: -1, ClientOrderID: "asv8-test-2",
	})
	require.Error(t, err)

	var exErr *ExchangeError
	require.True(t, errors.As(err, &exErr))
	assert.Equal(t, FailureTerminal, exErr.Class)
	assert.Equal(t, "EXCHANGE_400", exErr.ReasonCode)
	assert.Len(t, transport.attempts, 1, "terminal failures must not retry")
}

func TestRateLimitBackoffEscalates(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises real backoff sleeps")
	}

	transport := &scriptedTransport{script: []scriptedStep{
		{status: 429, err: fmt.Errorf("rate limited")},
		{status: 429, err: fmt.Errorf("rate limited")},
		{status: 429, err: fmt.Errorf("rate limited")},
		{status: 200, order: &Order{Status: "FILLED"}},
	}}
	gw, limiter := newTestGateway(transport)

	_, err := gw.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Qty: 1, ClientOrderID: "asv8-test-3",
	})
	require.NoError(t, err)
	require.Len(t, transport.attempts, 4)

	gap2 := transport.attempts[2].at.Sub(transport.attempts[1].at)
	gap3 := transport.attempts[3].at.Sub(transport.attempts[2].at)
	assert.Greater(t, gap3, gap2, "each consecutive 429 must stretch the backoff")

	m := limiter.Metrics()
	assert.GreaterOrEqual(t, m[ratelimit.GroupOrder].RateLimitCount, int64(3))
}

func TestClassifyTaxonomy(t *testing.T) {
	tests := []struct {
		status int
		err    error
		class  FailureClass
	}{
		{429, fmt.Errorf("slow down"), FailureRateLimited},
		{418, fmt.Errorf("banned"), FailureRateLimited},
		{503, fmt.Errorf("unavailable"), FailureRetryableTransient},
		{0, context.DeadlineExceeded, FailureRetryableTransient},
		{0, fmt.Errorf("read tcp: connection reset by peer"), FailureRetryableTransient},
		{403, fmt.Errorf("forbidden"), FailureTerminal},
		{0, fmt.Errorf("some validation problem"), FailureTerminal},
	}
	for _, tt := range tests {
		got := classify(tt.status, tt.err)
		assert.Equal(t, tt.class, got.Class, "status=%d err=%v", tt.status, tt.err)
	}
}

func TestPaperTransportIdempotentPlacement(t *testing.T) {
	paper := NewPaperTransport(PaperConfig{Name: "paper", Equity: 500}, zerolog.Nop())
	paper.SetMark("BTCUSDT", 50000)
	gw, _ := newTestGateway(paper)

	first, err := gw.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Qty: 0.01, ClientOrderID: "asv8-paper-1",
	})
	require.NoError(t, err)

	second, err := gw.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Qty: 0.01, ClientOrderID: "asv8-paper-1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ExchangeOrderID, second.ExchangeOrderID,
		"resubmitting the same client order id must return the same order")
}

func TestPaperStopsTriggerOnCrossingPrice(t *testing.T) {
	paper := NewPaperTransport(PaperConfig{Name: "paper", Equity: 500}, zerolog.Nop())
	paper.SetMark("BTCUSDT", 50000)
	gw, _ := newTestGateway(paper)

	stop, err := gw.SetStop(context.Background(), SetStopRequest{
		Symbol: "BTCUSDT", Side: "SELL", Qty: 0.01, StopPrice: 49000, ClientOrderID: "asv8-paper-2-stop",
	})
	require.NoError(t, err)
	assert.Equal(t, "NEW", stop.Status)

	paper.TriggerStops("BTCUSDT", 49500)
	order, err := gw.GetOrder(context.Background(), "BTCUSDT", "asv8-paper-2-stop")
	require.NoError(t, err)
	assert.Equal(t, "NEW", order.Status, "price above the stop must not trigger")

	paper.TriggerStops("BTCUSDT", 48900)
	order, err = gw.GetOrder(context.Background(), "BTCUSDT", "asv8-paper-2-stop")
	require.NoError(t, err)
	assert.Equal(t, "FILLED", order.Status)
	assert.Equal(t, 48900.0, order.AvgPrice)
}
