package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/finledger/finledger/internal/domain"
)

// RunRecord is one persisted job execution.
type RunRecord struct {
	ID         int64
	Job        string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Attempts   int
	Error      string
	Stats      map[string]interface{}
}

// History persists job runs in the jobs database. Stats blobs are
// msgpack-encoded to keep arbitrary per-job counters without schema churn.
type History struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistory creates a history store.
func NewHistory(db *sql.DB, log zerolog.Logger) *History {
	return &History{
		db:  db,
		log: log.With().Str("repo", "job_history").Logger(),
	}
}

// Record inserts one run.
func (h *History) Record(ctx context.Context, rec RunRecord) error {
	var statsBlob []byte
	if len(rec.Stats) > 0 {
		var err error
		statsBlob, err = msgpack.Marshal(rec.Stats)
		if err != nil {
			return fmt.Errorf("failed to encode job stats: %w", err)
		}
	}

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO job_history (job, started_at, finished_at, status, attempts, error, stats)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Job,
		domain.FormatTime(rec.StartedAt),
		domain.FormatTime(rec.FinishedAt),
		rec.Status,
		rec.Attempts,
		nullString(rec.Error),
		statsBlob,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job history: %w", err)
	}
	return nil
}

// Recent returns the latest runs for one job, newest first.
func (h *History) Recent(ctx context.Context, job string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT id, job, started_at, finished_at, status, attempts, error, stats
		FROM job_history
		WHERE job = ?
		ORDER BY id DESC
		LIMIT ?`, job, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job history: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec        RunRecord
			startedAt  string
			finishedAt string
			errText    sql.NullString
			statsBlob  []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Job, &startedAt, &finishedAt,
			&rec.Status, &rec.Attempts, &errText, &statsBlob); err != nil {
			return nil, fmt.Errorf("failed to scan job history row: %w", err)
		}

		if rec.StartedAt, err = domain.ParseTime(startedAt); err != nil {
			return nil, fmt.Errorf("bad started_at in job history: %w", err)
		}
		if rec.FinishedAt, err = domain.ParseTime(finishedAt); err != nil {
			return nil, fmt.Errorf("bad finished_at in job history: %w", err)
		}
		rec.Error = errText.String

		if len(statsBlob) > 0 {
			if err := msgpack.Unmarshal(statsBlob, &rec.Stats); err != nil {
				h.log.Warn().Err(err).Int64("id", rec.ID).Msg("Undecodable job stats blob")
			}
		}

		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune drops history older than keep days; returns rows removed.
func (h *History) Prune(ctx context.Context, keep time.Duration) (int64, error) {
	cutoff := domain.FormatTime(time.Now().Add(-keep))
	res, err := h.db.ExecContext(ctx,
		`DELETE FROM job_history WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune job history: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
