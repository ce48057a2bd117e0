// Package main runs walletd, the wallet and portfolio service: wallets
// with encrypted account numbers, the brokerage event processor, the
// append-only transaction ledger, capital gains, monthly snapshots and
// the manager tree aggregator. Quotes come from stockd.
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

	"github.com/finledger/finledger/internal/clients/stockdata"
	"github.com/finledger/finledger/internal/config"
	"github.com/finledger/finledger/internal/database"
	"github.com/finledger/finledger/internal/httpx"
	"github.com/finledger/finledger/internal/metrics"
	"github.com/finledger/finledger/internal/modules/assets"
	assethandlers "github.com/finledger/finledger/internal/modules/assets/handlers"
	"github.com/finledger/finledger/internal/modules/brokerage"
	brokeragehandlers "github.com/finledger/finledger/internal/modules/brokerage/handlers"
	"github.com/finledger/finledger/internal/modules/gains"
	"github.com/finledger/finledger/internal/modules/reports"
	reporthandlers "github.com/finledger/finledger/internal/modules/reports/handlers"
	"github.com/finledger/finledger/internal/modules/snapshots"
	snapshothandlers "github.com/finledger/finledger/internal/modules/snapshots/handlers"
	"github.com/finledger/finledger/internal/modules/transactions"
	transactionhandlers "github.com/finledger/finledger/internal/modules/transactions/handlers"
	"github.com/finledger/finledger/internal/modules/wallets"
	wallethandlers "github.com/finledger/finledger/internal/modules/wallets/handlers"
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
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting walletd")

	m := metrics.New("walletd")

	// The wallet database is the financial ledger and runs with full
	// durability; jobs.db only tracks scheduler history.
	walletDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "wallet.db"),
		Profile: database.ProfileLedger,
		Name:    "wallet",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open wallet database")
	}
	defer walletDB.Close()

	jobsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "jobs.db"),
		Profile: database.ProfileStandard,
		Name:    "jobs",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open jobs database")
	}
	defer jobsDB.Close()

	cipher, err := wallets.NewCipher(cfg.AccountCipherKey, cfg.AccountHMACKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Account cipher keys missing or invalid")
	}

	conn := walletDB.Conn()
	walletsRepo := wallets.NewRepository(conn, log)
	walletsService := wallets.NewService(conn, walletsRepo, cipher, log)
	gainsRepo := gains.NewRepository(conn, log)
	txEngine := transactions.NewEngine(conn, walletsRepo, gainsRepo, log)
	holdingsRepo := brokerage.NewHoldingRepository(conn, log)
	eventsRepo := brokerage.NewEventRepository(conn, log)
	assetsRepo := assets.NewRepository(conn, log)
	snapsRepo := snapshots.NewRepository(conn, log)

	stockClient := stockdata.NewClient(cfg.StockServiceURL, log)
	processor := brokerage.NewProcessor(conn, walletsRepo, holdingsRepo, eventsRepo, txEngine, gainsRepo, stockClient, m, log)
	snapEngine := snapshots.NewEngine(snapsRepo, walletsRepo, holdingsRepo, assetsRepo, stockClient, log)
	reportsService := reports.NewService(walletsRepo, holdingsRepo, assetsRepo, snapsRepo, txEngine, stockClient, cfg.FxAnchorCurrency, log)

	srv := server.New(server.Config{
		Service: "walletd",
		Port:    cfg.WalletPort,
		DevMode: cfg.DevMode,
		Metrics: m,
		Log:     log,
	})

	// Every wallet route acts on behalf of the header-identified user.
	srv.Route("/wallet", func(r chi.Router) {
		r.Use(httpx.RequireUser)
		wallethandlers.NewHandler(walletsService, log).RegisterRoutes(r)
		brokeragehandlers.NewHandler(processor, eventsRepo, log).RegisterRoutes(r)
		transactionhandlers.NewHandler(txEngine, walletsRepo, log).RegisterRoutes(r)
		snapshothandlers.NewHandler(snapEngine, log).RegisterRoutes(r)
		reporthandlers.NewHandler(reportsService, log).RegisterRoutes(r)
		assethandlers.NewHandler(walletsRepo, assetsRepo, log).RegisterRoutes(r)
	})

	databases := []*database.DB{walletDB, jobsDB}
	statusHandler := server.NewSystemStatusHandler(cfg.DataDir, databases, log)
	srv.Router().Get("/status/system", statusHandler.HandleSystemStatus)

	sched, err := buildScheduler(cfg, databases, jobsDB, m, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build scheduler")
	}
	sched.Start()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.WalletPort).Msg("walletd ready")

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
	log.Info().Msg("walletd stopped")
}

// buildScheduler binds walletd's jobs to the configured schedule:
// nightly backups and database maintenance. Ingestion tasks belong to
// stockd and are skipped here.
func buildScheduler(
	cfg *config.Config,
	databases []*database.DB,
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
		"maintenance": maintenance.Run,
	}

	if cfg.Backup.Enabled() {
		s3Client, err := reliability.NewS3Client(context.Background(), cfg.Backup, log)
		if err != nil {
			return nil, err
		}
		targets := make([]reliability.BackupTarget, 0, len(databases))
		for _, db := range databases {
			targets = append(targets, db)
		}
		backup := reliability.NewBackupService(s3Client, "walletd", targets, cfg.DataDir, cfg.Backup.Keep, log)
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
