package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/finledger/finledger/internal/database"
	"github.com/finledger/finledger/internal/httpx"
)

// SystemStatusHandler reports host and database health for dashboards.
type SystemStatusHandler struct {
	dataDir string
	dbs     []*database.DB
	log     zerolog.Logger
}

// NewSystemStatusHandler creates the status handler over the service's
// databases.
func NewSystemStatusHandler(dataDir string, dbs []*database.DB, log zerolog.Logger) *SystemStatusHandler {
	return &SystemStatusHandler{
		dataDir: dataDir,
		dbs:     dbs,
		log:     log.With().Str("handler", "system_status").Logger(),
	}
}

type dbStatus struct {
	Name         string `json:"name"`
	Healthy      bool   `json:"healthy"`
	SizeBytes    int64  `json:"size_bytes"`
	WALSizeBytes int64  `json:"wal_size_bytes"`
	PageCount    int64  `json:"page_count"`
}

// HandleSystemStatus handles GET /status/system.
func (h *SystemStatusHandler) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuAvg, memUsed := h.systemStats()

	var diskUsedPct float64
	var diskFree uint64
	if usage, err := disk.Usage(h.dataDir); err == nil {
		diskUsedPct = usage.UsedPercent
		diskFree = usage.Free
	} else {
		h.log.Warn().Err(err).Msg("Failed to read disk usage")
	}

	databases := make([]dbStatus, 0, len(h.dbs))
	for _, db := range h.dbs {
		status := dbStatus{Name: db.Name()}
		status.Healthy = db.HealthCheck(r.Context()) == nil
		if stats, err := db.GetStats(); err == nil {
			status.SizeBytes = stats.SizeBytes
			status.WALSizeBytes = stats.WALSizeBytes
			status.PageCount = stats.PageCount
		}
		databases = append(databases, status)
	}

	httpx.JSON(w, http.StatusOK, map[string]interface{}{
		"cpu_percent":       cpuAvg,
		"memory_percent":    memUsed,
		"disk_used_percent": diskUsedPct,
		"disk_free_bytes":   diskFree,
		"databases":         databases,
	})
}

// systemStats samples CPU over a short window so the endpoint stays fast
// for pollers.
func (h *SystemStatusHandler) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return firstSample(cpuPercent), 0
	}

	return firstSample(cpuPercent), memStat.UsedPercent
}

// firstSample unwraps the single aggregate value cpu.Percent returns when
// per-CPU mode is off.
func firstSample(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	return vals[0]
}
