package instruments

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finledger/finledger/internal/domain"
)

const testSchema = `
CREATE TABLE markets (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	mic      TEXT NOT NULL UNIQUE,
	name     TEXT NOT NULL,
	country  TEXT NOT NULL,
	timezone TEXT NOT NULL,
	currency TEXT NOT NULL,
	active   INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE instruments (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol          TEXT NOT NULL UNIQUE,
	isin            TEXT,
	name            TEXT NOT NULL DEFAULT '',
	full_name       TEXT NOT NULL DEFAULT '',
	name_normalized TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL DEFAULT 'equity',
	status          TEXT NOT NULL DEFAULT 'active',
	market_id       INTEGER NOT NULL,
	currency        TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
INSERT INTO markets (mic, name, country, timezone, currency) VALUES
	('XWAR', 'GPW Main Market', 'PL', 'Europe/Warsaw', 'PLN');
`

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

func setupFileTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "stock.db")
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	require.NoError(t, err)

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

func TestResolveOrCreate(t *testing.T) {
	db := setupTestDB(t)
	reg := NewRegistry(db, zerolog.Nop())
	ctx := context.Background()

	inst, err := reg.ResolveOrCreate(ctx, ResolveInput{
		MarketID: 1,
		Symbol:   " kgh ",
		Name:     "KGHM Polska Miedź",
	})
	require.NoError(t, err)
	assert.Equal(t, "KGH", inst.Symbol, "symbol is upper-cased and trimmed")
	assert.Equal(t, "PLN", inst.Currency, "currency defaults to the market's")
	assert.Equal(t, domain.InstrumentEquity, inst.Kind)
	assert.NotZero(t, inst.ID)

	// resolving again returns the same row, new attributes ignored
	again, err := reg.ResolveOrCreate(ctx, ResolveInput{
		MarketID: 1,
		Symbol:   "KGH",
		Name:     "different name",
		Currency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, inst.ID, again.ID)
	assert.Equal(t, "PLN", again.Currency)

	// accent-folded name is stored for search
	found, err := reg.Search(ctx, "miedz", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "KGH", found[0].Symbol)
}

func TestResolveOrCreateValidation(t *testing.T) {
	db := setupTestDB(t)
	reg := NewRegistry(db, zerolog.Nop())
	ctx := context.Background()

	_, err := reg.ResolveOrCreate(ctx, ResolveInput{MarketID: 1, Symbol: ""})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = reg.ResolveOrCreate(ctx, ResolveInput{MarketID: 1, Symbol: "WAYTOOLONGSYMBOL"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = reg.ResolveOrCreate(ctx, ResolveInput{MarketID: 99, Symbol: "ABC"})
	assert.ErrorIs(t, err, domain.ErrNotFound, "unknown market when currency must be defaulted")
}

func TestResolveOrCreateConcurrentRace(t *testing.T) {
	db := setupFileTestDB(t)
	reg := NewRegistry(db, zerolog.Nop())
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	ids := make(chan int64, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := reg.ResolveOrCreate(ctx, ResolveInput{
				MarketID: 1, Symbol: "PKN", Name: "Orlen",
			})
			assert.NoError(t, err)
			if inst != nil {
				ids <- inst.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1, "every racer resolves to the same row")
}

func TestEnrichISIN(t *testing.T) {
	db := setupTestDB(t)
	reg := NewRegistry(db, zerolog.Nop())
	ctx := context.Background()

	inst, err := reg.ResolveOrCreate(ctx, ResolveInput{MarketID: 1, Symbol: "KGH", Name: "KGHM"})
	require.NoError(t, err)
	require.Empty(t, inst.ISIN)

	symbolMap := map[string]string{
		"KGH": "PLKGHM000017",
		"BAD": "nan",
	}
	require.NoError(t, reg.EnrichISIN(ctx, inst, symbolMap))
	assert.Equal(t, "PLKGHM000017", inst.ISIN)

	stored, err := reg.GetBySymbol(ctx, "KGH")
	require.NoError(t, err)
	assert.Equal(t, "PLKGHM000017", stored.ISIN)

	// an existing code is never overwritten
	require.NoError(t, reg.EnrichISIN(ctx, inst, map[string]string{"KGH": "US0378331005"}))
	stored, err = reg.GetBySymbol(ctx, "KGH")
	require.NoError(t, err)
	assert.Equal(t, "PLKGHM000017", stored.ISIN)

	// "nan" and checksum failures are skipped
	other, err := reg.ResolveOrCreate(ctx, ResolveInput{MarketID: 1, Symbol: "BAD", Name: "Bad"})
	require.NoError(t, err)
	require.NoError(t, reg.EnrichISIN(ctx, other, symbolMap))
	assert.Empty(t, other.ISIN)
}

func TestOptionsAndListByMarket(t *testing.T) {
	db := setupTestDB(t)
	reg := NewRegistry(db, zerolog.Nop())
	ctx := context.Background()

	for _, sym := range []string{"KGH", "PKN", "CDR"} {
		_, err := reg.ResolveOrCreate(ctx, ResolveInput{MarketID: 1, Symbol: sym, Name: sym})
		require.NoError(t, err)
	}

	options, err := reg.Options(ctx, 1)
	require.NoError(t, err)
	require.Len(t, options, 3)
	assert.Equal(t, "CDR", options[0].Symbol, "options are alphabetical")

	all, err := reg.ListByMarket(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
