// Package engine runs the strategy tick loop: the per-symbol pipeline
// of signal evaluation, risk gating, idempotent order submission, fill
// confirmation, protective-stop management, and snapshotting,
// scheduled on Hong Kong 15-minute boundaries.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/asv8/internal/ai"
	"github.com/aristath/asv8/internal/breaker"
	"github.com/aristath/asv8/internal/clock"
	"github.com/aristath/asv8/internal/config"
	"github.com/aristath/asv8/internal/control"
	"github.com/aristath/asv8/internal/domain"
	"github.com/aristath/asv8/internal/gateway"
	"github.com/aristath/asv8/internal/lock"
	"github.com/aristath/asv8/internal/notifier"
	"github.com/aristath/asv8/internal/persistence"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ServiceName identifies this service in order_events and service_status.
const ServiceName = "strategy-engine"

// ModelName is the ai_models row the engine trains and loads.
const ModelName = "setup_b_scorer"

// Repos bundles the persistence collaborators the engine needs.
type Repos struct {
	OrderEvents *persistence.OrderEventRepository
	Trades      *persistence.TradeLogRepository
	Snapshots   *persistence.SnapshotRepository
	Cache       *persistence.CacheRepository
	MarketData  *persistence.MarketDataRepository
	Config      *persistence.ConfigRepository
	Status      *persistence.StatusRepository
	AiModels    *persistence.AiModelRepository
}

// Engine is the strategy-engine service.
type Engine struct {
	cfg      *config.Config
	log      zerolog.Logger
	clock    clock.Clock
	gw       *gateway.Gateway
	locks    *lock.Lock
	repos    Repos
	state    *control.State
	breaker  *breaker.Breaker
	notify   notifier.Notifier
	exchange string
	instance string
	interval time.Duration

	scorerMu      sync.Mutex
	scorer        ai.Scorer
	scorerTrained bool

	tickMu       sync.Mutex
	lastFiredBar int64 // open_time_ms of the last bar a tick ran for

	lastTick struct {
		mu  sync.Mutex
		utc time.Time
	}

	readyOnce sync.Once
	onReady   func()
}

// New constructs an Engine. The scorer is loaded from the current
// ai_models row if one exists (selection by the row's impl tag, falling
// back to AI_MODEL_IMPL config).
func New(ctx context.Context, cfg *config.Config, c clock.Clock, gw *gateway.Gateway, locks *lock.Lock,
	repos Repos, state *control.State, brk *breaker.Breaker, notify notifier.Notifier, log zerolog.Logger) (*Engine, error) {

	interval, err := domain.IntervalDuration(cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		log:      log.With().Str("component", "strategy_engine").Logger(),
		clock:    c,
		gw:       gw,
		locks:    locks,
		repos:    repos,
		state:    state,
		breaker:  brk,
		notify:   notify,
		exchange: cfg.ExchangeName,
		instance: uuid.NewString()[:8],
		interval: interval,
	}

	if err := e.loadScorer(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) loadScorer(ctx context.Context) error {
	row, err := e.repos.AiModels.Current(ctx, ModelName)
	if err != nil {
		return fmt.Errorf("load ai model: %w", err)
	}

	impl := e.cfg.AIModelImpl
	if row != nil && row.Impl != "" {
		impl = row.Impl
	}
	scorer := ai.New(impl, featureOrder())

	if row != nil && len(row.BinaryBlob) > 0 {
		if err := scorer.Deserialize(row.BinaryBlob); err != nil {
			return fmt.Errorf("restore ai model %s/%s: %w", ModelName, row.Version, err)
		}
		e.scorerTrained = true
	}

	e.scorer = scorer
	e.log.Info().
		Str("impl", scorer.Impl()).
		Bool("trained", e.scorerTrained).
		Msg("ai scorer loaded")
	return nil
}

// OnReady registers a callback fired once, after the first successful
// heartbeat.
func (e *Engine) OnReady(fn func()) { e.onReady = fn }

// ShouldFire reports whether a tick fires at the given Hong Kong wall
// time: minute % 15 == 0 within the first 0-3 seconds.
func ShouldFire(hk time.Time) bool {
	return hk.Minute()%15 == 0 && hk.Second() <= 3
}

// TickNow runs one tick if the HK clock is on a firing boundary and
// this bar has not fired yet. Registered with the cron scheduler on a
// seconds-resolution expression; the in-code check keeps the exact
// boundary contract independent of cron's own matching.
func (e *Engine) TickNow() error {
	now := e.clock.Now()
	hk := now.In(clock.HongKong)
	if !ShouldFire(hk) {
		return nil
	}

	// The bar that just closed is the decision bar.
	barOpen := now.Truncate(e.interval).Add(-e.interval).UnixMilli()

	e.tickMu.Lock()
	if e.lastFiredBar == barOpen {
		e.tickMu.Unlock()
		return nil
	}
	e.lastFiredBar = barOpen
	e.tickMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.cfg.TickBudgetSeconds)*time.Second)
	defer cancel()
	e.Tick(ctx, barOpen)
	return nil
}

// Tick dispatches the per-symbol pipeline concurrently across symbols;
// per-symbol serialization happens via the distributed lock inside
// each pipeline run.
func (e *Engine) Tick(ctx context.Context, decisionBarOpen int64) {
	start := e.clock.Now()
	snap := e.state.Current()

	e.lastTick.mu.Lock()
	e.lastTick.utc = start
	e.lastTick.mu.Unlock()

	symbols := snap.Symbols
	if len(symbols) == 0 {
		symbols = e.cfg.Symbols
	}

	e.log.Info().
		Int64("bar_open_ms", decisionBarOpen).
		Int("symbols", len(symbols)).
		Bool("halt", snap.HaltTrading).
		Msg("tick started")

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			defer e.recoverSymbol(ctx, symbol)
			e.runSymbol(ctx, snap, symbol, decisionBarOpen)
		}(symbol)
	}
	wg.Wait()

	if err := ctx.Err(); err == context.DeadlineExceeded {
		e.log.Warn().
			Str("reason_code", domain.ReasonTickTimeout).
			Dur("budget", time.Duration(e.cfg.TickBudgetSeconds)*time.Second).
			Msg("tick cut short, remaining work deferred to next tick")
	}

	e.log.Info().Dur("elapsed", e.clock.Now().Sub(start)).Msg("tick finished")
}

// recoverSymbol is the loop-boundary catch: an uncaught panic in one
// symbol's pipeline is recorded as an ERROR row on the unified audit
// stream and never takes down the tick.
func (e *Engine) recoverSymbol(ctx context.Context, symbol string) {
	r := recover()
	if r == nil {
		return
	}
	traceID := uuid.NewString()
	e.log.Error().Str("symbol", symbol).Str("trace_id", traceID).Interface("panic", r).Msg("symbol pipeline panicked")
	_, _ = e.repos.OrderEvents.AppendNow(ctx, e.clock, domain.OrderEvent{
		TraceID:       traceID,
		Service:       ServiceName,
		Exchange:      e.exchange,
		Symbol:        symbol,
		ClientOrderID: "panic-" + traceID,
		EventType:     domain.EventError,
		ReasonCode:    "EXCHANGE_ERROR",
		Reason:        fmt.Sprintf("pipeline panic: %v", r),
		Actor:         "system:" + ServiceName,
	})
}

// EmergencyExit closes every open position at market and is registered
// as the control consumer's EMERGENCY_EXIT handler.
func (e *Engine) EmergencyExit(ctx context.Context, traceID, actor string) error {
	snap := e.state.Current()
	symbols := snap.Symbols
	if len(symbols) == 0 {
		symbols = e.cfg.Symbols
	}

	var firstErr error
	for _, symbol := range symbols {
		open, err := e.repos.Trades.OpenBySymbol(ctx, symbol)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, trade := range open {
			if err := e.closePosition(ctx, trade, domain.ReasonEmergencyExit,
				"emergency exit: closing position at market", traceID, actor, false); err != nil {
				e.log.Error().Err(err).Str("symbol", symbol).Msg("emergency close failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// RunSnapshotLoop writes a periodic snapshot for every symbol with an
// open position, every POSITION_SNAPSHOT_INTERVAL_SECONDS.
func (e *Engine) RunSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(e.cfg.PositionSnapshotIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.writePeriodicSnapshots(ctx)
		}
	}
}

func (e *Engine) writePeriodicSnapshots(ctx context.Context) {
	snap := e.state.Current()
	symbols := snap.Symbols
	if len(symbols) == 0 {
		symbols = e.cfg.Symbols
	}

	for _, symbol := range symbols {
		open, err := e.repos.Trades.OpenBySymbol(ctx, symbol)
		if err != nil {
			e.log.Error().Err(err).Str("symbol", symbol).Msg("periodic snapshot read failed")
			continue
		}

		var qty, notional float64
		for _, t := range open {
			qty += t.Qty
			notional += t.Qty * t.EntryPrice
		}
		if qty <= 0 {
			continue
		}

		meta, _ := json.Marshal(map[string]interface{}{"note": "periodic_snapshot"})
		if err := e.repos.Snapshots.Write(ctx, domain.PositionSnapshot{
			Symbol:        symbol,
			BaseQty:       qty,
			AvgEntryPrice: notional / qty,
			MetaJSON:      string(meta),
		}); err != nil {
			e.log.Error().Err(err).Str("symbol", symbol).Msg("periodic snapshot write failed")
		}
	}
}

// RunHeartbeatLoop UPSERTs this instance's service_status row on the
// configured interval, samples host resource pressure into the
// breaker's soft signal, and raises readiness after the first success.
func (e *Engine) RunHeartbeatLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.HeartbeatIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	e.heartbeat(ctx)
	e.breaker.CheckResourcePressure(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.heartbeat(ctx)
			e.breaker.CheckResourcePressure(ctx)
		}
	}
}

func (e *Engine) heartbeat(ctx context.Context) {
	snap := e.state.Current()

	e.lastTick.mu.Lock()
	lastTick := e.lastTick.utc
	e.lastTick.mu.Unlock()

	status := map[string]interface{}{
		"halt_trading":    snap.HaltTrading,
		"emergency_exit":  snap.EmergencyExit,
		"breaker_tripped": e.breaker.Tripped(),
	}
	if !lastTick.IsZero() {
		status["last_tick_utc"] = lastTick.UTC().Format(time.RFC3339)
		status["last_tick_hk"] = lastTick.In(clock.HongKong).Format(time.RFC3339)
		status["tick_lag_seconds"] = e.lagSince().Seconds()
	}

	payload, _ := json.Marshal(status)
	if err := e.repos.Status.Upsert(ctx, ServiceName, e.instance, string(payload)); err != nil {
		e.log.Error().Err(err).Msg("heartbeat failed")
		return
	}

	e.readyOnce.Do(func() {
		if e.onReady != nil {
			e.onReady()
		}
	})
}

// Name implements scheduler.Job.
func (e *Engine) Name() string { return "strategy-tick" }

// Run implements scheduler.Job.
func (e *Engine) Run() error { return e.TickNow() }
