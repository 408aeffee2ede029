package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/asv8/internal/archive"
	"github.com/aristath/asv8/internal/clock"
	"github.com/aristath/asv8/internal/config"
	"github.com/aristath/asv8/internal/database"
	"github.com/aristath/asv8/internal/gateway"
	"github.com/aristath/asv8/internal/health"
	"github.com/aristath/asv8/internal/notifier"
	"github.com/aristath/asv8/internal/persistence"
	"github.com/aristath/asv8/internal/ratelimit"
	"github.com/aristath/asv8/internal/scheduler"
	"github.com/aristath/asv8/internal/syncer"
	"github.com/aristath/asv8/pkg/logger"
	"github.com/google/uuid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: os.Getenv("LOG_PRETTY") == "true"})
	logger.SetGlobalLogger(log)
	log.Info().Msg("Starting asv8 data syncer")

	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "asv8.db"),
		Profile: database.ProfileStandard,
		Name:    "asv8",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	c := clock.Real{}
	conn := db.Conn()

	repos := syncer.Repos{
		MarketData:  persistence.NewMarketDataRepository(conn, log),
		Cache:       persistence.NewCacheRepository(conn, log),
		Tasks:       persistence.NewTaskRepository(conn, log),
		OrderEvents: persistence.NewOrderEventRepository(conn, log),
		Status:      persistence.NewStatusRepository(conn, log),
	}
	archiveRepo := persistence.NewArchiveRepository(conn, log)

	limiter := ratelimit.New(ratelimit.Config{}, log)

	var streamer *gateway.WSKlineStream
	if cfg.GatewayWSEnabled && cfg.ExchangeBaseURL != "" {
		streamer = gateway.NewWSKlineStream(cfg.ExchangeBaseURL, log)
	}
	transport := gateway.NewPaperTransport(gateway.PaperConfig{
		Name:     cfg.ExchangeName,
		Equity:   cfg.PaperEquity,
		Streamer: streamer,
	}, log)
	gw := gateway.New(transport, limiter, log)

	notify := notifier.New(log, c)

	ds, err := syncer.New(cfg, c, gw, repos, notify, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build data syncer")
	}

	var uploader *archive.S3Uploader
	if cfg.ArchiveEnabled() {
		uploader, err = archive.NewS3Uploader(ctx, archive.S3Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Endpoint:  cfg.ArchiveS3Endpoint,
			Region:    cfg.ArchiveS3Region,
			AccessKey: cfg.ArchiveS3AccessKey,
			SecretKey: cfg.ArchiveS3SecretKey,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build s3 archive uploader")
		}
	}

	archiver := syncer.NewArchiver(cfg, c, repos.MarketData, archiveRepo, uploader, log)

	sched := scheduler.New(log, clock.HongKong)
	if err := sched.AddJob("0 0 0 * * *", archiver); err != nil {
		log.Fatal().Err(err).Msg("Failed to register archival job")
	}
	sched.Start()
	defer sched.Stop()

	srv := health.New(syncer.ServiceName, uuid.NewString()[:8], cfg.HTTPPort, repos.Status, repos.OrderEvents, log)
	ds.OnReady(srv.SetReady)

	go ds.Run(ctx)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Health server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down data syncer...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Health server forced to shutdown")
	}

	log.Info().Msg("Data syncer stopped")
}
