// Package breaker aggregates failure and rate-limit signals into a
// self-HALT decision. The breaker only ever asserts HALT_TRADING and
// never self-clears; resumption requires an explicit RESUME control
// command.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/asv8/internal/clock"
	"github.com/aristath/asv8/internal/domain"
	"github.com/aristath/asv8/internal/notifier"
	"github.com/aristath/asv8/internal/persistence"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Thresholds are the three hard trip conditions.
type Thresholds struct {
	MaxConsecutiveOrderErrors int           // within Window
	Max429s                   int           // within Window
	Window                    time.Duration // rolling window for both counters
	MaxDrawdownPct            float64       // realized drawdown as a fraction of peak equity
}

// DefaultThresholds: 5 consecutive order errors
// within 60 s, 10 x 429 within 60 s, drawdown > 5%.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxConsecutiveOrderErrors: 5,
		Max429s:                   10,
		Window:                    time.Minute,
		MaxDrawdownPct:            0.05,
	}
}

// Breaker tracks rolling failure counts and trips HALT on any breach.
type Breaker struct {
	mu sync.Mutex

	th     Thresholds
	clock  clock.Clock
	config *persistence.ConfigRepository
	notify notifier.Notifier
	log    zerolog.Logger

	orderErrorTimes []time.Time // consecutive only; cleared by a success
	rateLimitTimes  []time.Time
	peakEquity      float64
	tripped         bool
}

// New constructs a Breaker. config may be nil in tests that only
// exercise the counting logic.
func New(th Thresholds, c clock.Clock, config *persistence.ConfigRepository, notify notifier.Notifier, log zerolog.Logger) *Breaker {
	return &Breaker{
		th:     th,
		clock:  c,
		config: config,
		notify: notify,
		log:    log.With().Str("component", "circuit_breaker").Logger(),
	}
}

// Tripped reports whether the breaker has fired since process start.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// RecordOrderError notes one failed order submission. Trips when the
// consecutive run within the window reaches the threshold.
func (b *Breaker) RecordOrderError(ctx context.Context, traceID string) {
	b.mu.Lock()
	now := b.clock.Now()
	b.orderErrorTimes = append(b.orderErrorTimes, now)
	b.orderErrorTimes = pruneOlder(b.orderErrorTimes, now.Add(-b.th.Window))
	trip := len(b.orderErrorTimes) >= b.th.MaxConsecutiveOrderErrors
	count := len(b.orderErrorTimes)
	b.mu.Unlock()

	if trip {
		b.trip(ctx, traceID, domain.ReasonCircuitBreakerOrderErrors,
			"consecutive order errors breached threshold", map[string]interface{}{
				"order_errors": count,
			})
	}
}

// RecordOrderSuccess resets the consecutive-error run.
func (b *Breaker) RecordOrderSuccess() {
	b.mu.Lock()
	b.orderErrorTimes = b.orderErrorTimes[:0]
	b.mu.Unlock()
}

// Record429 notes one rate-limited response; wired as the limiter's
// BreachFunc target and also callable directly.
func (b *Breaker) Record429(ctx context.Context, traceID string) {
	b.mu.Lock()
	now := b.clock.Now()
	b.rateLimitTimes = append(b.rateLimitTimes, now)
	b.rateLimitTimes = pruneOlder(b.rateLimitTimes, now.Add(-b.th.Window))
	trip := len(b.rateLimitTimes) >= b.th.Max429s
	count := len(b.rateLimitTimes)
	b.mu.Unlock()

	if trip {
		b.trip(ctx, traceID, domain.ReasonCircuitBreakerRateLimit,
			"rate-limit frequency breached threshold", map[string]interface{}{
				"rate_limit_count": count,
			})
	}
}

// ObserveEquity updates the realized-drawdown tracker. Trips when
// equity falls more than MaxDrawdownPct below the observed peak.
func (b *Breaker) ObserveEquity(ctx context.Context, traceID string, equity float64) {
	b.mu.Lock()
	if equity > b.peakEquity {
		b.peakEquity = equity
	}
	trip := false
	var drawdown float64
	if b.peakEquity > 0 {
		drawdown = (b.peakEquity - equity) / b.peakEquity
		trip = drawdown > b.th.MaxDrawdownPct
	}
	b.mu.Unlock()

	if trip {
		b.trip(ctx, traceID, domain.ReasonCircuitBreakerDrawdown,
			"realized drawdown breached threshold", map[string]interface{}{
				"drawdown_pct": drawdown,
			})
	}
}

// CheckResourcePressure samples host memory and disk via gopsutil and
// logs a warning when either is nearly exhausted. This is a soft
// signal only: it never counts toward the three hard thresholds.
func (b *Breaker) CheckResourcePressure(ctx context.Context) {
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.UsedPercent > 95 {
		b.log.Warn().Float64("mem_used_pct", vm.UsedPercent).Msg("host memory pressure")
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil && du.UsedPercent > 95 {
		b.log.Warn().Float64("disk_used_pct", du.UsedPercent).Msg("host disk pressure")
	}
}

// trip asserts HALT_TRADING once. Repeat breaches after the first trip
// are logged but do not rewrite config (the flag is already set and
// only an operator RESUME may clear it).
func (b *Breaker) trip(ctx context.Context, traceID, reasonCode, reason string, detail map[string]interface{}) {
	b.mu.Lock()
	already := b.tripped
	b.tripped = true
	b.mu.Unlock()

	if already {
		b.log.Debug().Str("reason_code", reasonCode).Msg("breaker already tripped")
		return
	}

	b.log.Error().
		Str("trace_id", traceID).
		Str("reason_code", reasonCode).
		Msg("circuit breaker tripped, halting trading")

	if b.config != nil {
		if err := b.config.Write(ctx, domain.ConfigKeyHaltTrading, "true",
			"system:circuit-breaker", "HALT", traceID, reasonCode, reason); err != nil {
			b.log.Error().Err(err).Msg("failed to write halt config")
		}
	}

	if b.notify != nil {
		summary := map[string]interface{}{
			"trace_id":    traceID,
			"reason_code": reasonCode,
			"summary":     reason,
		}
		for k, v := range detail {
			summary[k] = v
		}
		_ = b.notify.SendSystemAlert(ctx, summary)
	}
}

func pruneOlder(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(times); i++ {
		if !times[i].Before(cutoff) {
			break
		}
	}
	return times[i:]
}
