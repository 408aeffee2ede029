package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/asv8/internal/archive"
	"github.com/aristath/asv8/internal/clock"
	"github.com/aristath/asv8/internal/config"
	"github.com/aristath/asv8/internal/persistence"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// retentionDays is how long rows stay in the hot tables.
const retentionDays = 90

// archiveBatch bounds one transaction's range to a single day of bars.
const archiveBatch = 24 * time.Hour

// Archiver runs the once-daily HK-midnight archival job: hot rows older
// than the retention window move to their *_history tables in bounded
// day-sized transactions, each recorded in archive_audit. Re-runs move
// 0 rows.
type Archiver struct {
	cfg        *config.Config
	log        zerolog.Logger
	clock      clock.Clock
	marketData *persistence.MarketDataRepository
	repo       *persistence.ArchiveRepository
	uploader   *archive.S3Uploader // nil when S3 archival is unconfigured
	timeout    time.Duration
}

// NewArchiver constructs an Archiver. uploader may be nil: the move to
// the history tables is the correctness path and proceeds without S3.
func NewArchiver(cfg *config.Config, c clock.Clock, marketData *persistence.MarketDataRepository,
	repo *persistence.ArchiveRepository, uploader *archive.S3Uploader, log zerolog.Logger) *Archiver {
	return &Archiver{
		cfg:        cfg,
		log:        log.With().Str("component", "archiver").Logger(),
		clock:      c,
		marketData: marketData,
		repo:       repo,
		uploader:   uploader,
		timeout:    10 * time.Minute,
	}
}

// Name implements scheduler.Job.
func (a *Archiver) Name() string { return "daily-archival" }

// Run implements scheduler.Job; scheduled at HK 00:00 daily.
func (a *Archiver) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	return a.RunOnce(ctx)
}

// RunOnce archives everything older than the retention cutoff in
// day-sized ranges, oldest first.
func (a *Archiver) RunOnce(ctx context.Context) error {
	cutoff := a.clock.Now().Add(-retentionDays * 24 * time.Hour).UnixMilli()
	traceID := uuid.NewString()

	oldest, ok, err := a.marketData.OldestOpenTime(ctx, a.cfg.Timeframe)
	if err != nil {
		return fmt.Errorf("archiver: %w", err)
	}
	if !ok || oldest >= cutoff {
		a.log.Debug().Int64("cutoff_ms", cutoff).Msg("nothing to archive")
		return nil
	}

	batchMs := archiveBatch.Milliseconds()
	var totalMoved int64
	for from := oldest; from < cutoff; from += batchMs {
		to := from + batchMs - 1
		if to >= cutoff {
			to = cutoff - 1
		}

		moved, err := a.archiveRange(ctx, from, to, traceID)
		if err != nil {
			if recErr := a.repo.RecordFailure(ctx, "market_data", traceID, from, to, err.Error()); recErr != nil {
				a.log.Error().Err(recErr).Msg("record archive failure failed")
			}
			return fmt.Errorf("archive range [%d,%d]: %w", from, to, err)
		}
		totalMoved += moved
	}

	a.log.Info().
		Str("trace_id", traceID).
		Int64("cutoff_ms", cutoff).
		Int64("moved_rows", totalMoved).
		Msg("daily archival finished")
	return nil
}

// archiveRange uploads the range to cold storage (when configured),
// then moves market_data, market_data_cache, and order_events rows in
// that range to their history tables.
func (a *Archiver) archiveRange(ctx context.Context, fromMs, toMs int64, traceID string) (int64, error) {
	if a.uploader != nil {
		for _, symbol := range a.cfg.Symbols {
			rows, err := a.repo.ArchivableRange(ctx, symbol, a.cfg.Timeframe, fromMs, toMs)
			if err != nil {
				return 0, err
			}
			if len(rows) == 0 {
				continue
			}
			key := fmt.Sprintf("market_data/%s/%s/%d-%d.json.gz", symbol, a.cfg.Timeframe, fromMs, toMs)
			if err := a.uploader.UploadJSON(ctx, key, rows); err != nil {
				// Upload is supplemental durability, not a correctness
				// dependency; the history-table move still proceeds.
				a.log.Warn().Err(err).Str("key", key).Msg("s3 archive upload failed")
			}
		}
	}

	moved, err := a.repo.MoveMarketData(ctx, fromMs, toMs, traceID)
	if err != nil {
		return 0, err
	}
	if _, err := a.repo.MoveMarketDataCache(ctx, fromMs, toMs, traceID); err != nil {
		return moved, err
	}
	if _, err := a.repo.MoveOrderEvents(ctx, fromMs, toMs, traceID); err != nil {
		return moved, err
	}

	if moved > 0 {
		a.log.Info().
			Int64("from_ms", fromMs).
			Int64("to_ms", toMs).
			Int64("moved", moved).
			Msg("range archived")
	}
	return moved, nil
}
