package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/asv8/internal/breaker"
	"github.com/aristath/asv8/internal/clientorderid"
	"github.com/aristath/asv8/internal/clock"
	"github.com/aristath/asv8/internal/config"
	"github.com/aristath/asv8/internal/control"
	"github.com/aristath/asv8/internal/database"
	"github.com/aristath/asv8/internal/domain"
	"github.com/aristath/asv8/internal/gateway"
	"github.com/aristath/asv8/internal/indicators"
	"github.com/aristath/asv8/internal/lock"
	"github.com/aristath/asv8/internal/notifier"
	"github.com/aristath/asv8/internal/persistence"
	"github.com/aristath/asv8/internal/ratelimit"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInterval = 15 * time.Minute

type engineFixture struct {
	db     *sql.DB
	cfg    *config.Config
	clock  *clock.Fixed
	paper  *gateway.PaperTransport
	state  *control.State
	engine *Engine
	repos  Repos
}

func newEngineFixture(t *testing.T, equity, stopDistPct float64) *engineFixture {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		Profile: database.ProfileStandard,
		Name:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	conn := db.Conn()
	log := zerolog.Nop()

	cfg := &config.Config{
		ExchangeName:               "paper",
		Symbols:                    []string{"BTCUSDT"},
		Timeframe:                  "15m",
		EnableTrading:              true,
		PaperTrading:               true,
		TickBudgetSeconds:          10,
		OrderConfirmTimeoutSeconds: 2,
		PositionSnapshotIntervalSeconds: 300,
		HeartbeatIntervalSeconds:   30,
		FeatureVersion:             1,
		AIModelImpl:                "online_lr",
		AIScoreMin:                 50,
		ADXMin:                     25,
		VolRatioMin:                1.5,
		StopDistPct:                stopDistPct,
		DefaultLeverage:            5,
		TradeLockTTLSeconds:        30,
	}

	f := &engineFixture{
		db:    conn,
		cfg:   cfg,
		clock: clock.NewFixed(time.Date(2026, 3, 1, 7, 1, 0, 0, time.UTC)), // HK 15:01
	}

	f.repos = Repos{
		OrderEvents: persistence.NewOrderEventRepository(conn, log),
		Trades:      persistence.NewTradeLogRepository(conn, log),
		Snapshots:   persistence.NewSnapshotRepository(conn, log),
		Cache:       persistence.NewCacheRepository(conn, log),
		MarketData:  persistence.NewMarketDataRepository(conn, log),
		Config:      persistence.NewConfigRepository(conn, log),
		Status:      persistence.NewStatusRepository(conn, log),
		AiModels:    persistence.NewAiModelRepository(conn, log),
	}

	f.paper = gateway.NewPaperTransport(gateway.PaperConfig{Name: "paper", Equity: equity}, log)
	limiter := ratelimit.New(ratelimit.Config{}, log)
	gw := gateway.New(f.paper, limiter, log)
	locks := lock.New(conn, 30*time.Second)
	notify := notifier.New(log, f.clock)
	brk := breaker.New(breaker.DefaultThresholds(), f.clock, f.repos.Config, notify, log)

	f.state = control.NewState(control.Snapshot{
		Symbols:        cfg.Symbols,
		Timeframe:      cfg.Timeframe,
		FeatureVersion: cfg.FeatureVersion,
	})

	f.engine, err = New(context.Background(), cfg, f.clock, gw, locks, f.repos, f.state, brk, notify, log)
	require.NoError(t, err)
	return f
}

// seedSetupB writes the prev/curr cache rows and the current bar so
// the just-closed bar satisfies every Setup B leg.
func (f *engineFixture) seedSetupB(t *testing.T, markPrice float64) (barClose int64) {
	t.Helper()
	ctx := context.Background()

	currOpen := f.clock.Now().Add(-time.Minute).Truncate(testInterval).Add(-testInterval).UnixMilli()
	prevOpen := currOpen - testInterval.Milliseconds()

	prev := indicators.Set{ADX: 26, PlusDI: 20, MinusDI: 14, Momentum: -0.5, VolRatio: 1.8, SqueezeOn: true}
	curr := indicators.Set{ADX: 28, PlusDI: 24, MinusDI: 12, Momentum: 0.3, VolRatio: 2.1, SqueezeOn: false, EMA21: markPrice}

	for _, row := range []struct {
		open int64
		set  indicators.Set
	}{{prevOpen, prev}, {currOpen, curr}} {
		features, err := json.Marshal(row.set)
		require.NoError(t, err)
		require.NoError(t, f.repos.Cache.Write(ctx, domain.MarketDataCache{
			Symbol:         "BTCUSDT",
			Interval:       "15m",
			OpenTimeMs:     row.open,
			FeatureVersion: 1,
			FeaturesJSON:   string(features),
		}))
	}

	_, err := f.repos.MarketData.InsertIgnore(ctx, []domain.MarketData{{
		Symbol: "BTCUSDT", Interval: "15m",
		OpenTimeMs: currOpen, CloseTimeMs: currOpen + testInterval.Milliseconds() - 1,
		Open: markPrice, High: markPrice * 1.01, Low: markPrice * 0.99, Close: markPrice, Volume: 100,
	}})
	require.NoError(t, err)

	f.paper.SetMark("BTCUSDT", markPrice)
	return currOpen + testInterval.Milliseconds()
}

func (f *engineFixture) eventCount(t *testing.T, eventType string) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM order_events WHERE event_type = ?`, eventType).Scan(&n))
	return n
}

func TestShouldFireBoundary(t *testing.T) {
	hk := func(h, m, s int) time.Time {
		return time.Date(2026, 3, 1, h, m, s, 0, clock.HongKong)
	}

	assert.True(t, ShouldFire(hk(15, 0, 0)), "exactly on the boundary fires")
	assert.True(t, ShouldFire(hk(15, 0, 3)), "third second still fires")
	assert.False(t, ShouldFire(hk(15, 0, 4)), "fourth second does not fire")
	assert.False(t, ShouldFire(hk(15, 1, 0)))
	assert.True(t, ShouldFire(hk(15, 45, 2)))
	assert.False(t, ShouldFire(hk(15, 44, 0)))
}

func TestColdStartPaperEntry(t *testing.T) {
	f := newEngineFixture(t, 500, 0.02)
	barClose := f.seedSetupB(t, 50000)
	ctx := context.Background()

	f.engine.runSymbol(ctx, f.state.Current(), "BTCUSDT", 0)

	assert.Equal(t, 1, f.eventCount(t, domain.EventCreated))
	assert.Equal(t, 1, f.eventCount(t, domain.EventSubmitted))
	assert.Equal(t, 1, f.eventCount(t, domain.EventFilled))
	assert.Equal(t, 1, f.eventCount(t, domain.EventStopArmed))

	open, err := f.repos.Trades.OpenBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.ReasonSetupBSqueezeRelease, open[0].OpenReasonCode)
	assert.Equal(t, 5, open[0].Leverage, "risk 5 of budget 15 holds at full leverage")

	parsed, err := clientorderid.Parse(open[0].ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, barClose, parsed.BarCloseTs)

	snap, err := f.repos.Snapshots.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Greater(t, snap.BaseQty, 0.0)
}

func TestRestartWithinSameBarAddsNoEvents(t *testing.T) {
	f := newEngineFixture(t, 500, 0.02)
	f.seedSetupB(t, 50000)
	ctx := context.Background()

	f.engine.runSymbol(ctx, f.state.Current(), "BTCUSDT", 0)

	var before int
	require.NoError(t, f.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_events`).Scan(&before))

	// Simulate a restart: a fresh engine over the same database, same bar.
	restarted, err := New(ctx, f.cfg, f.clock, f.engine.gw, f.engine.locks, f.repos, f.state, f.engine.breaker, f.engine.notify, zerolog.Nop())
	require.NoError(t, err)
	restarted.runSymbol(ctx, f.state.Current(), "BTCUSDT", 0)

	var after int
	require.NoError(t, f.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_events`).Scan(&after))
	assert.Equal(t, before, after, "a restart within the same bar must add zero order events")
}

func TestSubmitEntryReplayTakesReconcilePath(t *testing.T) {
	f := newEngineFixture(t, 500, 0.02)
	barClose := f.seedSetupB(t, 50000)
	ctx := context.Background()

	traceID := decisionTraceID("BTCUSDT", "15m", barClose)
	ord := entryOrder{
		Symbol:        "BTCUSDT",
		Timeframe:     "15m",
		TraceID:       traceID,
		ClientOrderID: clientorderid.New("BTCUSDT", "BUY", "15m", barClose, traceID),
		Qty:           0.005,
		EntryPrice:    50000,
		Leverage:      5,
		StopDistPct:   0.02,
		AIScore:       50,
		Reason:        "replay test",
	}

	f.engine.submitEntry(ctx, ord)
	assert.Equal(t, 1, f.eventCount(t, domain.EventFilled))

	f.engine.submitEntry(ctx, ord)
	assert.Equal(t, 1, f.eventCount(t, domain.EventCreated), "replay must not re-create")
	assert.Equal(t, 1, f.eventCount(t, domain.EventFilled), "at most one FILLED per client order id")
}

func TestRiskBudgetRejection(t *testing.T) {
	// stop distance 0.40: margin 50 * lev 1 * 0.40 = 20 > 15 budget.
	f := newEngineFixture(t, 500, 0.40)
	f.seedSetupB(t, 50000)
	ctx := context.Background()

	f.engine.runSymbol(ctx, f.state.Current(), "BTCUSDT", 0)

	assert.Equal(t, 1, f.eventCount(t, domain.EventRejected))
	assert.Equal(t, 0, f.eventCount(t, domain.EventSubmitted), "no SUBMITTED may follow a risk rejection")

	var reasonCode string
	require.NoError(t, f.db.QueryRowContext(ctx,
		`SELECT reason_code FROM order_events WHERE event_type = ?`, domain.EventRejected).Scan(&reasonCode))
	assert.Equal(t, domain.ReasonRiskBudgetExceeded, reasonCode)
}

func TestHaltSkipsEntries(t *testing.T) {
	f := newEngineFixture(t, 500, 0.02)
	f.seedSetupB(t, 50000)
	ctx := context.Background()

	snap := f.state.Current()
	snap.HaltTrading = true
	f.state.Publish(snap)

	f.engine.runSymbol(ctx, f.state.Current(), "BTCUSDT", 0)
	assert.Equal(t, 0, f.eventCount(t, domain.EventCreated))
}

func TestStaleCacheSkips(t *testing.T) {
	f := newEngineFixture(t, 500, 0.02)
	f.seedSetupB(t, 50000)
	// Jump the clock an hour past the seeded bar: cache is now stale.
	f.clock.Advance(time.Hour)
	ctx := context.Background()

	f.engine.runSymbol(ctx, f.state.Current(), "BTCUSDT", 0)
	assert.Equal(t, 0, f.eventCount(t, domain.EventCreated))
}

func TestSoftwareStopClosesPosition(t *testing.T) {
	f := newEngineFixture(t, 500, 0.02)
	f.seedSetupB(t, 50000)
	ctx := context.Background()

	f.engine.runSymbol(ctx, f.state.Current(), "BTCUSDT", 0)
	open, err := f.repos.Trades.OpenBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	trade := open[0]

	// Drop the mark below the stop. The exchange stop is armed here, so
	// trigger it the way the exchange would.
	f.paper.TriggerStops("BTCUSDT", trade.StopPrice*0.99)
	f.engine.manageExits(ctx, "BTCUSDT", open)

	assert.Equal(t, 1, f.eventCount(t, domain.EventStopFilled))

	closed, err := f.repos.Trades.ByClientOrderID(ctx, trade.ClientOrderID)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, domain.TradeStatusClosed, closed.Status)
	require.NotNil(t, closed.CloseReasonCode)
	assert.Equal(t, domain.ReasonStopLoss, *closed.CloseReasonCode)

	// The realized label trained and published the scorer.
	model, err := f.repos.AiModels.Current(ctx, ModelName)
	require.NoError(t, err)
	require.NotNil(t, model)
	assert.Equal(t, "online_lr", model.Impl)
}

func TestSoftwareFallbackStop(t *testing.T) {
	f := newEngineFixture(t, 500, 0.02)
	f.seedSetupB(t, 50000)
	ctx := context.Background()

	// An open trade with no STOP_ARMED event is software-tracked.
	trade := domain.TradeLog{
		Symbol: "BTCUSDT", Side: "BUY", Qty: 0.01, Leverage: 1,
		EntryPrice: 50000, StopPrice: 49000, StopDistPct: 0.02,
		ClientOrderID:  "asv8-BTCUSDT-BUY-15m-1700000000000-ffffffff",
		OpenReasonCode: domain.ReasonSetupBSqueezeRelease, OpenReason: "seeded",
		EntryTimeMs: f.clock.Now().UnixMilli(),
	}
	_, err := f.repos.Trades.Open(ctx, trade)
	require.NoError(t, err)

	// Latest bar closed below the stop level.
	_, err = f.repos.MarketData.InsertIgnore(ctx, []domain.MarketData{{
		Symbol: "BTCUSDT", Interval: "15m",
		OpenTimeMs:  f.clock.Now().Truncate(testInterval).UnixMilli(),
		CloseTimeMs: f.clock.Now().UnixMilli(),
		Open:        49500, High: 49600, Low: 48800, Close: 48900, Volume: 50,
	}})
	require.NoError(t, err)
	f.paper.SetMark("BTCUSDT", 48900)

	open, err := f.repos.Trades.OpenBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	f.engine.manageExits(ctx, "BTCUSDT", open)

	assert.Equal(t, 1, f.eventCount(t, domain.EventStopTriggered))

	closed, err := f.repos.Trades.ByClientOrderID(ctx, trade.ClientOrderID)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, domain.TradeStatusClosed, closed.Status)
	require.NotNil(t, closed.CloseReasonCode)
	assert.Equal(t, domain.ReasonStopLoss, *closed.CloseReasonCode)
}

func TestEmergencyExitClosesEverything(t *testing.T) {
	f := newEngineFixture(t, 500, 0.02)
	f.seedSetupB(t, 50000)
	ctx := context.Background()

	f.engine.runSymbol(ctx, f.state.Current(), "BTCUSDT", 0)
	open, err := f.repos.Trades.OpenBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, f.engine.EmergencyExit(ctx, "trace-ee", "admin:op1"))

	closed, err := f.repos.Trades.ByClientOrderID(ctx, open[0].ClientOrderID)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, domain.TradeStatusClosed, closed.Status)
	require.NotNil(t, closed.CloseReasonCode)
	assert.Equal(t, domain.ReasonEmergencyExit, *closed.CloseReasonCode)
}

func TestTickNowFiresOncePerBar(t *testing.T) {
	f := newEngineFixture(t, 500, 0.02)

	// HK 15:00:01 is inside the firing window.
	f.clock.Set(time.Date(2026, 3, 1, 7, 0, 1, 0, time.UTC))
	require.NoError(t, f.engine.TickNow())
	first := f.engine.lastFiredBar
	assert.NotZero(t, first)

	// Two seconds later, same bar: no second tick.
	f.clock.Set(time.Date(2026, 3, 1, 7, 0, 3, 0, time.UTC))
	require.NoError(t, f.engine.TickNow())
	assert.Equal(t, first, f.engine.lastFiredBar)

	// Outside the window: nothing fires.
	f.clock.Set(time.Date(2026, 3, 1, 7, 0, 10, 0, time.UTC))
	require.NoError(t, f.engine.TickNow())
	assert.Equal(t, first, f.engine.lastFiredBar)
}

func TestPeriodicSnapshotTagsMeta(t *testing.T) {
	f := newEngineFixture(t, 500, 0.02)
	f.seedSetupB(t, 50000)
	ctx := context.Background()

	f.engine.runSymbol(ctx, f.state.Current(), "BTCUSDT", 0)
	f.engine.writePeriodicSnapshots(ctx)

	snap, err := f.repos.Snapshots.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, snap)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(snap.MetaJSON), &meta))
	assert.Equal(t, "periodic_snapshot", meta["note"])
}
