// Command gateway-probe drives the rate limiter and gateway standalone
// for operational smoke tests: it fires a burst of calls through each
// budget group against the paper transport and prints the limiter
// metrics, so an operator can verify backoff behavior without touching
// the trading services.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/aristath/asv8/internal/gateway"
	"github.com/aristath/asv8/internal/ratelimit"
	"github.com/aristath/asv8/pkg/logger"
)

func main() {
	symbol := flag.String("symbol", "BTCUSDT", "symbol to probe with")
	calls := flag.Int("calls", 5, "calls per budget group")
	mark := flag.Float64("mark", 50000, "simulated mark price")
	flag.Parse()

	log := logger.New(logger.Config{Level: "info", Pretty: true})

	limiter := ratelimit.New(ratelimit.Config{}, log)
	transport := gateway.NewPaperTransport(gateway.PaperConfig{Name: "probe", Equity: 1000}, log)
	transport.SetMark(*symbol, *mark)
	gw := gateway.New(transport, limiter, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < *calls; i++ {
		if _, err := gw.GetAccount(ctx); err != nil {
			log.Error().Err(err).Msg("account probe failed")
		}
		if _, err := gw.GetKlines(ctx, *symbol, "15m", 0, 0, 10); err != nil {
			log.Error().Err(err).Msg("klines probe failed")
		}
		clientOrderID := fmt.Sprintf("probe-%s-%d", *symbol, i)
		if _, err := gw.PlaceOrder(ctx, gateway.PlaceOrderRequest{
			Symbol:        *symbol,
			Side:          "BUY",
			Qty:           0.001,
			ClientOrderID: clientOrderID,
		}); err != nil {
			log.Error().Err(err).Msg("order probe failed")
		}
		if _, err := gw.GetOrder(ctx, *symbol, clientOrderID); err != nil {
			log.Error().Err(err).Msg("order state probe failed")
		}
	}

	metrics := limiter.Metrics()
	out := make(map[string]ratelimit.GroupMetrics, len(metrics))
	for group, m := range metrics {
		out[string(group)] = m
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal().Err(err).Msg("metrics encode failed")
	}
}
