// Package notifier defines the notification transport contract and a
// log-backed default implementation. Concrete delivery (Telegram,
// email, pager) lives outside this repo; this package only guarantees
// the deterministic envelope every alert carries.
package notifier

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/aristath/asv8/internal/clock"
	"github.com/rs/zerolog"
)

// Notifier is the abstract alert transport the control plane depends
// on. Concrete delivery (Telegram, email, pager) lives outside this
// repo; Log is the only implementation carried here.
type Notifier interface {
	SendSystemAlert(ctx context.Context, summary map[string]interface{}) error
	SendTradeAlert(ctx context.Context, summary map[string]interface{}) error
}

// Log is a Notifier that renders alerts as structured log lines. It is
// the default wired into every cmd/ entrypoint; a real transport can
// be substituted behind the same interface without touching callers.
type Log struct {
	log   zerolog.Logger
	clock clock.Clock
}

// New constructs a Log notifier using c for timestamping.
func New(log zerolog.Logger, c clock.Clock) *Log {
	return &Log{log: log.With().Str("component", "notifier").Logger(), clock: c}
}

// SendSystemAlert logs summary as a system-level alert.
func (n *Log) SendSystemAlert(ctx context.Context, summary map[string]interface{}) error {
	return n.send(ctx, "system_alert", summary)
}

// SendTradeAlert logs summary as a trade-level alert.
func (n *Log) SendTradeAlert(ctx context.Context, summary map[string]interface{}) error {
	return n.send(ctx, "trade_alert", summary)
}

func (n *Log) send(_ context.Context, event string, summary map[string]interface{}) error {
	now := n.clock.Now()
	evt := n.log.Warn().
		Str("event", event).
		Str("ts_utc", now.UTC().Format(time.RFC3339)).
		Str("ts_hk", now.In(clock.HongKong).Format(time.RFC3339))

	if traceID, ok := summary["trace_id"].(string); ok {
		evt = evt.Str("trace_id", traceID)
	}

	for _, k := range orderedKeys(summary) {
		if k == "trace_id" {
			continue
		}
		evt = evt.Interface(k, summary[k])
	}

	evt.Msg(strings.ToUpper(event))
	return nil
}

// orderedKeys returns summary's keys sorted, so alert field order is
// deterministic across calls.
func orderedKeys(summary map[string]interface{}) []string {
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
