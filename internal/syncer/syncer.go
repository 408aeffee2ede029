// Package syncer implements the data-syncer service: incremental
// candle ingestion with gap detection and back-fill, versioned
// feature pre-computation, lag alerting, and the daily archival job.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/asv8/internal/clock"
	"github.com/aristath/asv8/internal/config"
	"github.com/aristath/asv8/internal/domain"
	"github.com/aristath/asv8/internal/gateway"
	"github.com/aristath/asv8/internal/indicators"
	"github.com/aristath/asv8/internal/notifier"
	"github.com/aristath/asv8/internal/persistence"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ServiceName identifies the syncer in order_events and service_status.
const ServiceName = "data-syncer"

// klinePageLimit is the exchange page size used for incremental pulls.
const klinePageLimit = 1000

// warmupBars is how much history each indicator computation window
// carries; comfortably above the longest lookback (EMA55).
const warmupBars = 120

// btcSymbol anchors the optional rolling correlation feature.
const btcSymbol = "BTCUSDT"

// btcCorrWindow is the rolling correlation window (96 bars of 15m).
const btcCorrWindow = 96

// Repos bundles the persistence collaborators the syncer needs.
type Repos struct {
	MarketData  *persistence.MarketDataRepository
	Cache       *persistence.CacheRepository
	Tasks       *persistence.TaskRepository
	OrderEvents *persistence.OrderEventRepository
	Status      *persistence.StatusRepository
}

// Syncer is the data-syncer service.
type Syncer struct {
	cfg      *config.Config
	log      zerolog.Logger
	clock    clock.Clock
	gw       *gateway.Gateway
	repos    Repos
	notify   notifier.Notifier
	interval time.Duration
	instance string

	lagMu      sync.Mutex
	lastLagMsg map[string]time.Time

	wakeup chan string // symbol names pushed by the stream watcher

	readyOnce sync.Once
	onReady   func()
}

// New constructs a Syncer.
func New(cfg *config.Config, c clock.Clock, gw *gateway.Gateway, repos Repos, notify notifier.Notifier, log zerolog.Logger) (*Syncer, error) {
	interval, err := domain.IntervalDuration(cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("syncer: %w", err)
	}
	return &Syncer{
		cfg:        cfg,
		log:        log.With().Str("component", "data_syncer").Logger(),
		clock:      c,
		gw:         gw,
		repos:      repos,
		notify:     notify,
		interval:   interval,
		instance:   uuid.NewString()[:8],
		lastLagMsg: make(map[string]time.Time),
		wakeup:     make(chan string, 16),
	}, nil
}

// OnReady registers the readiness callback, fired after the first
// successful heartbeat.
func (s *Syncer) OnReady(fn func()) { s.onReady = fn }

// Run loops until ctx is cancelled: a full pass every
// SYNC_POLL_SECONDS, plus immediate passes for symbols whose websocket
// stream just reported a closed candle. Errors are caught at the loop
// boundary and recorded on the unified audit stream.
func (s *Syncer) Run(ctx context.Context) {
	s.log.Info().
		Str("timeframe", s.cfg.Timeframe).
		Strs("symbols", s.cfg.Symbols).
		Msg("data syncer started")

	if s.cfg.GatewayWSEnabled {
		for _, symbol := range s.cfg.Symbols {
			go s.watchStream(ctx, symbol)
		}
	}

	ticker := time.NewTicker(time.Duration(s.cfg.SyncPollSeconds) * time.Second)
	defer ticker.Stop()

	s.runPass(ctx, s.cfg.Symbols)

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("data syncer stopped")
			return
		case symbol := <-s.wakeup:
			s.runPass(ctx, []string{symbol})
		case <-ticker.C:
			s.runPass(ctx, s.cfg.Symbols)
		}
	}
}

func (s *Syncer) runPass(ctx context.Context, symbols []string) {
	for _, symbol := range symbols {
		if err := s.SyncSymbol(ctx, symbol); err != nil {
			s.recordLoopError(ctx, symbol, err)
		}
	}
	s.heartbeat(ctx)
}

// watchStream consumes the push-assisted kline feed as a latency
// optimization only; REST polling below remains authoritative.
func (s *Syncer) watchStream(ctx context.Context, symbol string) {
	stream, err := s.gw.StreamKlines(ctx, symbol, s.cfg.Timeframe)
	if err != nil {
		s.log.Debug().Err(err).Str("symbol", symbol).Msg("kline stream unavailable, REST-only")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case k, ok := <-stream:
			if !ok {
				return
			}
			if k.CloseTimeMs <= s.clock.Now().UnixMilli() {
				select {
				case s.wakeup <- symbol:
				default:
				}
			}
		}
	}
}

// SyncSymbol runs one full ingest pass for symbol: incremental pull,
// gap healing, feature pre-computation, and lag check.
func (s *Syncer) SyncSymbol(ctx context.Context, symbol string) error {
	if err := s.pullIncremental(ctx, symbol); err != nil {
		return fmt.Errorf("pull %s: %w", symbol, err)
	}
	if err := s.healGaps(ctx, symbol); err != nil {
		return fmt.Errorf("heal gaps %s: %w", symbol, err)
	}
	if err := s.processTasks(ctx, symbol); err != nil {
		return fmt.Errorf("precompute %s: %w", symbol, err)
	}
	s.checkLag(ctx, symbol)
	return nil
}

// pullIncremental requests klines from the latest stored bar forward,
// stopping at the most recent closed candle; a bar whose close time is
// still in the future is never stored.
func (s *Syncer) pullIncremental(ctx context.Context, symbol string) error {
	latest, ok, err := s.repos.MarketData.LatestOpenTime(ctx, symbol, s.cfg.Timeframe)
	if err != nil {
		return err
	}

	intervalMs := s.interval.Milliseconds()
	var from int64
	if ok {
		from = latest + intervalMs
	} else {
		// Bootstrap with enough history for indicator warm-up.
		from = s.clock.Now().Add(-time.Duration(warmupBars*2) * s.interval).UnixMilli()
		from = (from / intervalMs) * intervalMs
	}

	for {
		klines, err := s.gw.GetKlines(ctx, symbol, s.cfg.Timeframe, from, 0, klinePageLimit)
		if err != nil {
			return err
		}

		nowMs := s.clock.Now().UnixMilli()
		bars := make([]domain.MarketData, 0, len(klines))
		for _, k := range klines {
			if k.CloseTimeMs > nowMs {
				continue // bar still forming
			}
			bars = append(bars, domain.MarketData{
				Symbol:      symbol,
				Interval:    s.cfg.Timeframe,
				OpenTimeMs:  k.OpenTimeMs,
				CloseTimeMs: k.CloseTimeMs,
				Open:        k.Open,
				High:        k.High,
				Low:         k.Low,
				Close:       k.Close,
				Volume:      k.Volume,
			})
		}
		if len(bars) == 0 {
			return nil
		}

		inserted, err := s.repos.MarketData.InsertIgnore(ctx, bars)
		if err != nil {
			return err
		}
		if inserted > 0 {
			s.log.Debug().Str("symbol", symbol).Int("bars", inserted).Msg("candles ingested")
		}

		// Every stored bar gets a precompute task; the task queue is
		// the single driver of cache writes (insert-ignore keyed on
		// the cache primary key keeps this idempotent).
		traceID := uuid.NewString()
		for _, b := range bars {
			if err := s.repos.Tasks.Enqueue(ctx, symbol, s.cfg.Timeframe, b.OpenTimeMs, s.cfg.FeatureVersion, traceID); err != nil {
				return err
			}
		}

		from = bars[len(bars)-1].OpenTimeMs + intervalMs
		if len(klines) < klinePageLimit {
			return nil
		}
	}
}

// healGaps scans the recent window for missing bars; each hole gets a
// PrecomputeTask and a targeted re-pull.
func (s *Syncer) healGaps(ctx context.Context, symbol string) error {
	intervalMs := s.interval.Milliseconds()
	to := s.clock.Now().UnixMilli()
	from := to - int64(warmupBars*2)*intervalMs

	stored, err := s.repos.MarketData.OpenTimesInRange(ctx, symbol, s.cfg.Timeframe, from, to)
	if err != nil {
		return err
	}
	if len(stored) < 2 {
		return nil
	}

	traceID := uuid.NewString()
	for i := 1; i < len(stored); i++ {
		gap := stored[i] - stored[i-1]
		if gap <= intervalMs {
			continue
		}

		gapFrom, gapTo := stored[i-1]+intervalMs, stored[i]-intervalMs
		s.log.Warn().
			Str("symbol", symbol).
			Int64("gap_from_ms", gapFrom).
			Int64("gap_to_ms", gapTo).
			Msg("gap detected, back-filling")

		for t := gapFrom; t <= gapTo; t += intervalMs {
			if err := s.repos.Tasks.Enqueue(ctx, symbol, s.cfg.Timeframe, t, s.cfg.FeatureVersion, traceID); err != nil {
				return err
			}
		}

		klines, err := s.gw.GetKlines(ctx, symbol, s.cfg.Timeframe, gapFrom, gapTo+intervalMs, klinePageLimit)
		if err != nil {
			return err
		}
		bars := make([]domain.MarketData, 0, len(klines))
		for _, k := range klines {
			bars = append(bars, domain.MarketData{
				Symbol:      symbol,
				Interval:    s.cfg.Timeframe,
				OpenTimeMs:  k.OpenTimeMs,
				CloseTimeMs: k.CloseTimeMs,
				Open:        k.Open,
				High:        k.High,
				Low:         k.Low,
				Close:       k.Close,
				Volume:      k.Volume,
			})
		}
		if _, err := s.repos.MarketData.InsertIgnore(ctx, bars); err != nil {
			return err
		}
	}
	return nil
}

// processTasks computes indicators for up to 256 workable tasks
// (PENDING, or ERROR still under the retry cap) and writes the feature
// cache at the current version. Failures increment
// try_count and record last_error.
func (s *Syncer) processTasks(ctx context.Context, symbol string) error {
	tasks, err := s.repos.Tasks.Pending(ctx, symbol, s.cfg.Timeframe, s.cfg.FeatureVersion, 256)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if err := s.computeBar(ctx, symbol, task.OpenTimeMs); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Int64("open_time_ms", task.OpenTimeMs).Msg("precompute failed")
			if markErr := s.repos.Tasks.MarkError(ctx, symbol, s.cfg.Timeframe, task.OpenTimeMs, s.cfg.FeatureVersion, err.Error()); markErr != nil {
				return markErr
			}
			continue
		}
		if err := s.repos.Tasks.MarkDone(ctx, symbol, s.cfg.Timeframe, task.OpenTimeMs, s.cfg.FeatureVersion); err != nil {
			return err
		}
	}
	return nil
}

// computeBar derives the feature set for the bar at openTimeMs from the
// trailing warm-up window ending at that bar.
func (s *Syncer) computeBar(ctx context.Context, symbol string, openTimeMs int64) error {
	bar, err := s.repos.MarketData.Get(ctx, symbol, s.cfg.Timeframe, openTimeMs)
	if err != nil {
		return err
	}
	if bar == nil {
		return fmt.Errorf("bar %d not stored yet", openTimeMs)
	}

	window, err := s.windowEndingAt(ctx, symbol, openTimeMs)
	if err != nil {
		return err
	}

	high := make([]float64, len(window))
	low := make([]float64, len(window))
	closes := make([]float64, len(window))
	volume := make([]float64, len(window))
	for i, b := range window {
		high[i], low[i], closes[i], volume[i] = b.High, b.Low, b.Close, b.Volume
	}

	set, ok := indicators.Compute(high, low, closes, volume)
	if !ok {
		return fmt.Errorf("insufficient history for %s@%d (%d bars)", symbol, openTimeMs, len(window))
	}

	// Best-effort BTC correlation; skipped for BTC itself and when the
	// anchor series is short.
	if symbol != btcSymbol {
		if corr, ok := s.btcCorrelation(ctx, closes); ok {
			set.BTCCorr = &corr
		}
	}

	features, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}

	return s.repos.Cache.Write(ctx, domain.MarketDataCache{
		Symbol:         symbol,
		Interval:       s.cfg.Timeframe,
		OpenTimeMs:     openTimeMs,
		FeatureVersion: s.cfg.FeatureVersion,
		FeaturesJSON:   string(features),
	})
}

// windowEndingAt returns up to warmupBars stored bars ending at
// openTimeMs inclusive, ascending.
func (s *Syncer) windowEndingAt(ctx context.Context, symbol string, openTimeMs int64) ([]domain.MarketData, error) {
	intervalMs := s.interval.Milliseconds()
	from := openTimeMs - int64(warmupBars-1)*intervalMs

	times, err := s.repos.MarketData.OpenTimesInRange(ctx, symbol, s.cfg.Timeframe, from, openTimeMs)
	if err != nil {
		return nil, err
	}

	out := make([]domain.MarketData, 0, len(times))
	for _, t := range times {
		b, err := s.repos.MarketData.Get(ctx, symbol, s.cfg.Timeframe, t)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *Syncer) btcCorrelation(ctx context.Context, symbolCloses []float64) (float64, bool) {
	btcBars, err := s.repos.MarketData.RecentBars(ctx, btcSymbol, s.cfg.Timeframe, btcCorrWindow)
	if err != nil || len(btcBars) < btcCorrWindow {
		return 0, false
	}
	btcCloses := make([]float64, len(btcBars))
	for i, b := range btcBars {
		btcCloses[i] = b.Close
	}
	return indicators.BTCCorrelation(symbolCloses, btcCloses, btcCorrWindow)
}

// checkLag emits a DATA_LAG alert when the newest stored bar closed too
// long ago, throttled by the per-symbol cooldown.
func (s *Syncer) checkLag(ctx context.Context, symbol string) {
	latest, ok, err := s.repos.MarketData.LatestOpenTime(ctx, symbol, s.cfg.Timeframe)
	if err != nil || !ok {
		return
	}

	now := s.clock.Now()
	latestClose := time.UnixMilli(latest + s.interval.Milliseconds())
	lag := now.Sub(latestClose)
	if lag <= time.Duration(s.cfg.MarketDataLagAlertSeconds)*time.Second {
		return
	}

	cooldown := time.Duration(s.cfg.MarketDataLagAlertCooldownSeconds) * time.Second
	s.lagMu.Lock()
	last, seen := s.lastLagMsg[symbol]
	if seen && now.Sub(last) < cooldown {
		s.lagMu.Unlock()
		return
	}
	s.lastLagMsg[symbol] = now
	s.lagMu.Unlock()

	traceID := uuid.NewString()
	s.log.Warn().
		Str("symbol", symbol).
		Dur("lag", lag).
		Str("reason_code", domain.ReasonDataLag).
		Msg("market data lagging")

	_ = s.notify.SendSystemAlert(ctx, map[string]interface{}{
		"trace_id":    traceID,
		"symbol":      symbol,
		"lag_seconds": lag.Seconds(),
		"reason_code": domain.ReasonDataLag,
		"summary":     fmt.Sprintf("market data for %s lagging by %s", symbol, lag.Round(time.Second)),
	})
}

// recordLoopError writes an ERROR row on the unified audit stream so
// syncer failures share the operator surface with trading errors.
func (s *Syncer) recordLoopError(ctx context.Context, symbol string, loopErr error) {
	traceID := uuid.NewString()
	s.log.Error().Err(loopErr).Str("symbol", symbol).Str("trace_id", traceID).Msg("sync pass failed")

	_, err := s.repos.OrderEvents.AppendNow(ctx, s.clock, domain.OrderEvent{
		TraceID:       traceID,
		Service:       ServiceName,
		Exchange:      s.cfg.ExchangeName,
		Symbol:        symbol,
		ClientOrderID: "sync-" + traceID,
		EventType:     domain.EventError,
		ReasonCode:    domain.ReasonDataLag,
		Reason:        fmt.Sprintf("sync pass failed: %v", loopErr),
		Actor:         "system:" + ServiceName,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("record loop error failed")
	}
}

func (s *Syncer) heartbeat(ctx context.Context) {
	status := map[string]interface{}{
		"symbols":   s.cfg.Symbols,
		"timeframe": s.cfg.Timeframe,
	}

	if len(s.cfg.Symbols) > 0 {
		if latest, ok, err := s.repos.MarketData.LatestOpenTime(ctx, s.cfg.Symbols[0], s.cfg.Timeframe); err == nil && ok {
			latestClose := time.UnixMilli(latest + s.interval.Milliseconds())
			status["sync_lag_seconds"] = s.clock.Now().Sub(latestClose).Seconds()
		}
	}

	payload, _ := json.Marshal(status)
	if err := s.repos.Status.Upsert(ctx, ServiceName, s.instance, string(payload)); err != nil {
		s.log.Error().Err(err).Msg("heartbeat failed")
		return
	}

	s.readyOnce.Do(func() {
		if s.onReady != nil {
			s.onReady()
		}
	})
}
