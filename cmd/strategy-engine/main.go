package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/asv8/internal/breaker"
	"github.com/aristath/asv8/internal/clock"
	"github.com/aristath/asv8/internal/config"
	"github.com/aristath/asv8/internal/control"
	"github.com/aristath/asv8/internal/database"
	"github.com/aristath/asv8/internal/engine"
	"github.com/aristath/asv8/internal/gateway"
	"github.com/aristath/asv8/internal/health"
	"github.com/aristath/asv8/internal/lock"
	"github.com/aristath/asv8/internal/notifier"
	"github.com/aristath/asv8/internal/persistence"
	"github.com/aristath/asv8/internal/ratelimit"
	"github.com/aristath/asv8/internal/scheduler"
	"github.com/aristath/asv8/pkg/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: os.Getenv("LOG_PRETTY") == "true"})
	logger.SetGlobalLogger(log)
	log.Info().Msg("Starting asv8 strategy engine")

	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "asv8.db"),
		Profile: database.ProfileLedger,
		Name:    "asv8",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	// Migration failure is fatal before any worker starts.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	c := clock.Real{}
	conn := db.Conn()

	repos := engine.Repos{
		OrderEvents: persistence.NewOrderEventRepository(conn, log),
		Trades:      persistence.NewTradeLogRepository(conn, log),
		Snapshots:   persistence.NewSnapshotRepository(conn, log),
		Cache:       persistence.NewCacheRepository(conn, log),
		MarketData:  persistence.NewMarketDataRepository(conn, log),
		Config:      persistence.NewConfigRepository(conn, log),
		Status:      persistence.NewStatusRepository(conn, log),
		AiModels:    persistence.NewAiModelRepository(conn, log),
	}
	commands := persistence.NewCommandRepository(conn, log)

	notify := notifier.New(log, c)

	brk := breaker.New(breaker.Thresholds{
		MaxConsecutiveOrderErrors: cfg.CircuitBreakerMaxConsecutiveErrors,
		Max429s:                   cfg.CircuitBreakerMax429PerWindow,
		Window:                    time.Duration(cfg.CircuitBreakerWindowSeconds) * time.Second,
		MaxDrawdownPct:            cfg.CircuitBreakerMaxDrawdownPct,
	}, c, repos.Config, notify, log)

	limiter := ratelimit.New(ratelimit.Config{
		BreachLimit: cfg.CircuitBreakerMax429PerWindow,
		OnBreach: func(group ratelimit.Group, n int) {
			brk.Record429(context.Background(), uuid.NewString())
		},
	}, log)

	transport := buildTransport(cfg, log)
	gw := gateway.New(transport, limiter, log)
	locks := lock.New(conn, time.Duration(cfg.TradeLockTTLSeconds)*time.Second)

	state := control.NewState(control.Snapshot{
		Symbols:        cfg.Symbols,
		Timeframe:      cfg.Timeframe,
		FeatureVersion: cfg.FeatureVersion,
		AIModelImpl:    cfg.AIModelImpl,
	})

	eng, err := engine.New(ctx, cfg, c, gw, locks, repos, state, brk, notify, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build strategy engine")
	}

	consumer := control.NewConsumer(control.ConsumerConfig{
		Commands:  commands,
		Config:    repos.Config,
		State:     state,
		Notifier:  notify,
		Clock:     c,
		Defaults:  state.Current(),
		PollEvery: time.Duration(cfg.ControlPollSeconds) * time.Second,
	}, log)
	consumer.OnEmergencyExit(eng.EmergencyExit)

	// Log control transitions as they arrive over the snapshot broadcast.
	sub := consumer.Subscribe()
	go func() {
		var lastHalt bool
		for encoded := range sub {
			snap, err := control.Decode(encoded)
			if err != nil {
				log.Error().Err(err).Msg("snapshot decode failed")
				continue
			}
			if snap.HaltTrading != lastHalt {
				log.Warn().Bool("halt_trading", snap.HaltTrading).Msg("control state changed")
				lastHalt = snap.HaltTrading
			}
		}
	}()

	srv := health.New(engine.ServiceName, uuid.NewString()[:8], cfg.HTTPPort, repos.Status, repos.OrderEvents, log)
	eng.OnReady(srv.SetReady)

	sched := scheduler.New(log, clock.HongKong)
	if err := sched.AddJob("0-3 */15 * * * *", eng); err != nil {
		log.Fatal().Err(err).Msg("Failed to register tick job")
	}
	sched.Start()
	defer sched.Stop()

	go consumer.Run(ctx)
	go eng.RunSnapshotLoop(ctx)
	go eng.RunHeartbeatLoop(ctx)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Health server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down strategy engine...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Health server forced to shutdown")
	}

	log.Info().Msg("Strategy engine stopped")
}

// buildTransport wires the exchange boundary. A live REST transport is
// an external collaborator; this binary ships the paper
// transport, which exercises the identical pipeline. When the
// websocket optimization is enabled, paper mode rides the live kline
// stream at the configured exchange base URL.
func buildTransport(cfg *config.Config, log zerolog.Logger) gateway.Transport {
	var streamer *gateway.WSKlineStream
	if cfg.GatewayWSEnabled && cfg.ExchangeBaseURL != "" {
		streamer = gateway.NewWSKlineStream(cfg.ExchangeBaseURL, log)
	}
	return gateway.NewPaperTransport(gateway.PaperConfig{
		Name:     cfg.ExchangeName,
		Equity:   cfg.PaperEquity,
		Streamer: streamer,
	}, log)
}
