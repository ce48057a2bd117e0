// Package main runs stockd, the market-data service: the market and
// instrument registry, lock-protected quote ingestion off vendor pages,
// the latest-quote cache, daily candles with indicators, and the
// scheduler that keeps all of it fresh.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/cache"
	"github.com/finledger/finledger/internal/config"
	"github.com/finledger/finledger/internal/database"
	"github.com/finledger/finledger/internal/metrics"
	"github.com/finledger/finledger/internal/modules/ingest"
	ingesthandlers "github.com/finledger/finledger/internal/modules/ingest/handlers"
	"github.com/finledger/finledger/internal/modules/instruments"
	instrumenthandlers "github.com/finledger/finledger/internal/modules/instruments/handlers"
	"github.com/finledger/finledger/internal/modules/markets"
	markethandlers "github.com/finledger/finledger/internal/modules/markets/handlers"
	"github.com/finledger/finledger/internal/modules/quotes"
	quotehandlers "github.com/finledger/finledger/internal/modules/quotes/handlers"
	"github.com/finledger/finledger/internal/reliability"
	"github.com/finledger/finledger/internal/scheduler"
	"github.com/finledger/finledger/internal/server"
	"github.com/finledger/finledger/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting stockd")

	m := metrics.New("stockd")

	// Three databases: instruments and candles, the ephemeral quote
	// cache, and job history.
	stockDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "stock.db"),
		Profile: database.ProfileStandard,
		Name:    "stock",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open stock database")
	}
	defer stockDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	jobsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "jobs.db"),
		Profile: database.ProfileStandard,
		Name:    "jobs",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open jobs database")
	}
	defer jobsDB.Close()

	conn := stockDB.Conn()
	marketRepo := markets.NewRepository(conn, log)
	registry := instruments.NewRegistry(conn, log)
	quoteRepo := quotes.NewRepository(conn, log)
	candleRepo := quotes.NewCandleRepository(conn, log)
	candleSync := quotes.NewCandleSyncService(candleRepo, cfg.Ingest.CandleCSVURL, log)

	store := cache.NewStore(cacheDB.Conn(), log)
	lock := cache.NewLock(cacheDB.Conn(), log)
	cacheWriter := quotes.NewCacheWriter(store, cfg.Ingest.CacheTTL, log)

	// Vendor pages publish bare clock times; anchor them to the
	// exchange's timezone.
	loc, err := time.LoadLocation("Europe/Warsaw")
	if err != nil {
		log.Warn().Err(err).Msg("Market timezone unavailable, using UTC")
		loc = time.UTC
	}

	pipeline := ingest.NewPipeline(conn, marketRepo, registry, quoteRepo, cacheWriter, lock, m, cfg.Ingest.LockTTL, log)
	pipeline.Register(ingest.NewTableProvider(ingest.ProviderConfig{
		MarketKey:    "pl-wse",
		MIC:          "XWAR",
		PageURL:      cfg.Ingest.WSEQuotesURL,
		SymbolMapURL: cfg.Ingest.WSESymbolMapURL,
	}, loc, log))
	pipeline.Register(ingest.NewBrowserProvider(ingest.ProviderConfig{
		MarketKey:    "pl-nc",
		MIC:          "XNCO",
		PageURL:      cfg.Ingest.NCQuotesURL,
		SymbolMapURL: cfg.Ingest.NCSymbolMapURL,
	}, cfg.Ingest.DevToolsURL, loc, log))

	srv := server.New(server.Config{
		Service: "stockd",
		Port:    cfg.StockPort,
		DevMode: cfg.DevMode,
		Metrics: m,
		Log:     log,
	})

	srv.Route("/stock", func(r chi.Router) {
		markethandlers.NewHandler(marketRepo, log).RegisterRoutes(r)
		quotehandlers.NewHandler(quoteRepo, marketRepo, log).RegisterRoutes(r)
		instrumenthandlers.NewHandler(registry, marketRepo, candleRepo, candleSync, log).RegisterRoutes(r)
		ingesthandlers.NewHandler(pipeline, log).RegisterRoutes(r)
	})

	databases := []*database.DB{stockDB, cacheDB, jobsDB}
	statusHandler := server.NewSystemStatusHandler(cfg.DataDir, databases, log)
	srv.Router().Get("/status/system", statusHandler.HandleSystemStatus)

	// The volatile quote cache is rebuilt by ingestion and stays out of
	// the backup archive.
	backupTargets := []reliability.BackupTarget{stockDB, jobsDB}
	sched, err := buildScheduler(cfg, pipeline, store, databases, backupTargets, jobsDB, m, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build scheduler")
	}
	sched.Start()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.StockPort).Msg("stockd ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sched.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shut down")
	}
	log.Info().Msg("stockd stopped")
}

// buildScheduler binds this binary's jobs to the configured schedule.
// Tasks without a local job (the other binary's work) are skipped.
func buildScheduler(
	cfg *config.Config,
	pipeline *ingest.Pipeline,
	store *cache.Store,
	databases []*database.DB,
	backupTargets []reliability.BackupTarget,
	jobsDB *database.DB,
	m *metrics.Metrics,
	log zerolog.Logger,
) (*scheduler.Scheduler, error) {
	schedule := scheduler.DefaultSchedule()
	if cfg.SchedulePath != "" {
		loaded, err := scheduler.LoadScheduleFile(cfg.SchedulePath)
		if err != nil {
			return nil, err
		}
		schedule = loaded
	}

	maintenance := reliability.NewMaintenanceService(databases, cfg.DataDir, log)
	jobs := map[string]func(ctx context.Context) error{
		"ingest-pl-wse": func(ctx context.Context) error {
			_, err := pipeline.IngestMarket(ctx, "pl-wse")
			return err
		},
		"ingest-pl-nc": func(ctx context.Context) error {
			_, err := pipeline.IngestMarket(ctx, "pl-nc")
			return err
		},
		"cache-cleanup": func(ctx context.Context) error {
			_, err := store.DeleteExpired(ctx)
			return err
		},
		"maintenance": maintenance.Run,
	}

	if cfg.Backup.Enabled() {
		s3Client, err := reliability.NewS3Client(context.Background(), cfg.Backup, log)
		if err != nil {
			return nil, err
		}
		backup := reliability.NewBackupService(s3Client, "stockd", backupTargets, cfg.DataDir, cfg.Backup.Keep, log)
		jobs["backup"] = backup.Run
	} else {
		log.Info().Msg("Backups disabled, no S3 endpoint configured")
	}

	sched := scheduler.New(scheduler.Config{
		Log:     log,
		History: scheduler.NewHistory(jobsDB.Conn(), log),
		Metrics: m,
		Worker:  schedule.Worker,
	})
	for _, task := range schedule.Tasks {
		fn, ok := jobs[task.Name]
		if !ok {
			log.Debug().Str("task", task.Name).Msg("No job bound for task, skipping")
			continue
		}
		if err := sched.Register(task, scheduler.JobFunc{JobName: task.Name, Fn: fn}); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
