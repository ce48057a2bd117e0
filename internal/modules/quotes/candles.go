package quotes

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
	"github.com/finledger/finledger/internal/normalize"
)

// Candle is one daily OHLCV bar.
type Candle struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume *int64  `json:"volume,omitempty"`
}

// CandleRepository handles candle_daily database operations.
type CandleRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCandleRepository creates a candle repository.
func NewCandleRepository(db *sql.DB, log zerolog.Logger) *CandleRepository {
	return &CandleRepository{
		db:  db,
		log: log.With().Str("repo", "candles").Logger(),
	}
}

// Upsert writes one bar, updating OHLCV on (instrument, date) conflict.
func (r *CandleRepository) Upsert(ctx context.Context, instrumentID int64, c Candle) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO candle_daily (instrument_id, date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instrument_id, date) DO UPDATE SET
			open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close, volume = excluded.volume`,
		instrumentID, c.Date, c.Open, c.High, c.Low, c.Close, nullInt(c.Volume),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert candle %s: %w", c.Date, err)
	}
	return nil
}

// Range returns bars of one instrument within [from, to], ascending.
// Empty bounds are open.
func (r *CandleRepository) Range(ctx context.Context, instrumentID int64, from, to string) ([]Candle, error) {
	query := `SELECT date, open, high, low, close, volume FROM candle_daily WHERE instrument_id = ?`
	args := []interface{}{instrumentID}
	if from != "" {
		query += ` AND date >= ?`
		args = append(args, from)
	}
	if to != "" {
		query += ` AND date <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY date`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var out []Candle
	for rows.Next() {
		var c Candle
		var volume sql.NullInt64
		if err := rows.Scan(&c.Date, &c.Open, &c.High, &c.Low, &c.Close, &volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		if volume.Valid {
			c.Volume = &volume.Int64
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LastDate returns the newest stored bar date for an instrument, empty
// when none exist.
func (r *CandleRepository) LastDate(ctx context.Context, instrumentID int64) (string, error) {
	var date sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(date) FROM candle_daily WHERE instrument_id = ?`, instrumentID).Scan(&date)
	if err != nil {
		return "", fmt.Errorf("failed to query last candle date: %w", err)
	}
	return date.String, nil
}

// Closes returns the close series ascending, at most limit bars counted
// from the end.
func (r *CandleRepository) Closes(ctx context.Context, instrumentID int64, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 250
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT close FROM (
			SELECT date, close FROM candle_daily
			WHERE instrument_id = ? ORDER BY date DESC LIMIT ?
		) ORDER BY date`, instrumentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query closes: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan close: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SyncResult summarizes one candle sync run.
type SyncResult struct {
	Symbol   string   `json:"symbol"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Fetched  int      `json:"fetched"`
	Upserted int      `json:"upserted"`
	Items    []Candle `json:"items,omitempty"`
}

// SyncOptions control the sync window and the response shape.
type SyncOptions struct {
	From         string // YYYY-MM-DD, empty resumes from the last stored bar
	To           string // YYYY-MM-DD, empty means today
	OverlapDays  int    // re-fetch this many trailing days to pick up revisions
	IncludeItems bool   // attach the synced window's bars to the result
	ReturnAll    bool   // attach the instrument's full history instead
}

// CandleSyncService pulls daily bars from the vendor CSV endpoint and
// upserts them with an overlap window.
type CandleSyncService struct {
	repo        *CandleRepository
	client      *http.Client
	urlTemplate string // %s is replaced by the symbol
	log         zerolog.Logger
}

// NewCandleSyncService creates a sync service for the vendor endpoint.
func NewCandleSyncService(repo *CandleRepository, urlTemplate string, log zerolog.Logger) *CandleSyncService {
	return &CandleSyncService{
		repo:        repo,
		client:      &http.Client{Timeout: 30 * time.Second},
		urlTemplate: urlTemplate,
		log:         log.With().Str("service", "candle_sync").Logger(),
	}
}

const defaultBackfillDays = 365

// Sync fetches and upserts bars for one instrument.
func (s *CandleSyncService) Sync(ctx context.Context, instrumentID int64, symbol string, opts SyncOptions) (*SyncResult, error) {
	if s.urlTemplate == "" {
		return nil, domain.Validationf("candle vendor endpoint not configured")
	}

	to := opts.To
	if to == "" {
		to = time.Now().UTC().Format(domain.DateLayout)
	}

	from := opts.From
	if from == "" {
		last, err := s.repo.LastDate(ctx, instrumentID)
		if err != nil {
			return nil, err
		}
		if last == "" {
			from = mustAddDays(to, -defaultBackfillDays)
		} else {
			overlap := opts.OverlapDays
			if overlap < 0 {
				overlap = 0
			}
			from = mustAddDays(last, -overlap)
		}
	}

	candles, err := s.fetch(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Symbol: symbol, From: from, To: to, Fetched: len(candles)}
	for _, c := range candles {
		if err := s.repo.Upsert(ctx, instrumentID, c); err != nil {
			return nil, err
		}
		result.Upserted++
	}

	switch {
	case opts.ReturnAll:
		result.Items, err = s.repo.Range(ctx, instrumentID, "", "")
	case opts.IncludeItems:
		result.Items, err = s.repo.Range(ctx, instrumentID, from, to)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("symbol", symbol).Str("from", from).Str("to", to).
		Int("upserted", result.Upserted).Msg("Candle sync finished")
	return result, nil
}

// fetch downloads and parses the vendor CSV for one symbol and window.
func (s *CandleSyncService) fetch(ctx context.Context, symbol, from, to string) ([]Candle, error) {
	endpoint := fmt.Sprintf(s.urlTemplate, url.QueryEscape(symbol))
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	endpoint += fmt.Sprintf("%sfrom=%s&to=%s", sep, from, to)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build candle request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("candle vendor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("candle vendor returned status %d: %w", resp.StatusCode, domain.ErrUpstream)
	}

	return parseCandleCSV(resp.Body)
}

// parseCandleCSV reads a Date,Open,High,Low,Close,Volume feed. Header
// names are matched case-insensitively; rows with unparseable prices are
// skipped.
func parseCandleCSV(r io.Reader) ([]Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read candle csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"date", "open", "high", "low", "close"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("candle csv missing %q column", required)
		}
	}

	var out []Candle
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read candle csv row: %w", err)
		}

		get := func(name string) string {
			idx, ok := col[name]
			if !ok || idx >= len(record) {
				return ""
			}
			return record[idx]
		}

		date := strings.TrimSpace(get("date"))
		if _, err := time.Parse(domain.DateLayout, date); err != nil {
			continue
		}
		open, ok1 := normalize.Decimal(get("open"))
		high, ok2 := normalize.Decimal(get("high"))
		low, ok3 := normalize.Decimal(get("low"))
		closePx, ok4 := normalize.Decimal(get("close"))
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}

		c := Candle{Date: date, Open: open, High: high, Low: low, Close: closePx}
		if v, ok := normalize.Int(get("volume")); ok {
			c.Volume = &v
		}
		out = append(out, c)
	}
	return out, nil
}

// mustAddDays shifts a YYYY-MM-DD date by n days; invalid dates pass
// through unchanged so SQL comparisons stay harmless.
func mustAddDays(date string, n int) string {
	t, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, n).Format(domain.DateLayout)
}
