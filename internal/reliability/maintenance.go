package reliability

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/finledger/finledger/internal/database"
)

// Disk thresholds for the data volume, in GB free.
const (
	diskHaltGB = 0.5
	diskWarnGB = 5.0
)

// MaintenanceService runs the nightly database upkeep: integrity
// checks, WAL checkpoints and a disk-space guard on the data volume.
type MaintenanceService struct {
	databases []*database.DB
	dataDir   string
	log       zerolog.Logger
}

// NewMaintenanceService creates a maintenance service over one binary's
// open databases.
func NewMaintenanceService(databases []*database.DB, dataDir string, log zerolog.Logger) *MaintenanceService {
	return &MaintenanceService{
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("service", "maintenance").Logger(),
	}
}

// Run checks every database and the data volume. A corrupt database or
// a nearly full volume fails the run; a failed WAL checkpoint only
// warns, the next checkpoint catches up.
func (s *MaintenanceService) Run(ctx context.Context) error {
	for _, db := range s.databases {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("integrity check failed for %s: %w", db.Name(), err)
		}

		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			s.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}

		if stats, err := db.GetStats(); err == nil {
			s.log.Info().
				Str("database", db.Name()).
				Int64("size_bytes", stats.SizeBytes).
				Int64("wal_size_bytes", stats.WALSizeBytes).
				Msg("Database size")
		}
	}

	return s.checkDiskSpace()
}

func (s *MaintenanceService) checkDiskSpace() error {
	usage, err := disk.Usage(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to stat data volume: %w", err)
	}

	freeGB := float64(usage.Free) / 1e9
	switch {
	case freeGB < diskHaltGB:
		return fmt.Errorf("only %.2f GB free on data volume", freeGB)
	case freeGB < diskWarnGB:
		s.log.Warn().Float64("free_gb", freeGB).Msg("Data volume running low")
	default:
		s.log.Debug().Float64("free_gb", freeGB).Msg("Disk space check")
	}
	return nil
}
