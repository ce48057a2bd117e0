package stockdata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finledger/finledger/internal/domain"
)

func TestLatestForSymbols(t *testing.T) {
	var gotPath string
	var gotBody map[string][]string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"KGH":{"price":152.3,"currency":"PLN"},"PKN":{"price":61.2,"currency":"PLN"}},"metadata":{"timestamp":"2026-03-10T17:00:00Z"}}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, zerolog.Nop())
	quotes := client.LatestForSymbols(context.Background(), []string{"KGH", "PKN"})

	assert.Equal(t, "/stock/quotes/latest/symbols", gotPath)
	assert.Equal(t, []string{"KGH", "PKN"}, gotBody["symbols"])
	require.Len(t, quotes, 2)
	assert.Equal(t, 152.3, quotes["KGH"].Price)
	assert.Equal(t, "PLN", quotes["KGH"].Currency)
	assert.Equal(t, 61.2, quotes["PKN"].Price)
}

func TestLatestForSymbolsFailuresReturnEmpty(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer ts.Close()

		client := NewClient(ts.URL, zerolog.Nop())
		quotes := client.LatestForSymbols(context.Background(), []string{"KGH"})
		assert.Empty(t, quotes)
		assert.NotNil(t, quotes)
	})

	t.Run("malformed body", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data": not json`))
		}))
		defer ts.Close()

		client := NewClient(ts.URL, zerolog.Nop())
		assert.Empty(t, client.LatestForSymbols(context.Background(), []string{"KGH"}))
	})

	t.Run("unreachable", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		ts.Close()

		client := NewClient(ts.URL, zerolog.Nop())
		assert.Empty(t, client.LatestForSymbols(context.Background(), []string{"KGH"}))
	})

	t.Run("no symbols skips request", func(t *testing.T) {
		called := false
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		defer ts.Close()

		client := NewClient(ts.URL, zerolog.Nop())
		assert.Empty(t, client.LatestForSymbols(context.Background(), nil))
		assert.False(t, called)
	})
}

func TestResolveInstrument(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stock/instruments/resolve", r.URL.Path)

		var req ResolveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "AAPL", req.Symbol)
		assert.Equal(t, "XNAS", req.MIC)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"id":7,"symbol":"AAPL","name":"Apple Inc","kind":"equity","market_id":2,"currency":"USD"}}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, zerolog.Nop())
	inst, err := client.ResolveInstrument(context.Background(), ResolveRequest{
		Symbol: "AAPL", Name: "Apple Inc", Currency: "USD", MIC: "XNAS",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), inst.ID)
	assert.Equal(t, "AAPL", inst.Symbol)
	assert.Equal(t, "USD", inst.Currency)
}

func TestResolveInstrumentErrors(t *testing.T) {
	t.Run("upstream failure", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusBadGateway)
		}))
		defer ts.Close()

		client := NewClient(ts.URL, zerolog.Nop())
		_, err := client.ResolveInstrument(context.Background(), ResolveRequest{Symbol: "AAPL"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrUpstream))
	})

	t.Run("missing id", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data":{}}`))
		}))
		defer ts.Close()

		client := NewClient(ts.URL, zerolog.Nop())
		_, err := client.ResolveInstrument(context.Background(), ResolveRequest{Symbol: "AAPL"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrUpstream))
	})
}

func TestSyncDailyCandles(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stock/instruments/KGH/candles/daily/sync", r.URL.Path)

		var opts CandleSyncOptions
		require.NoError(t, json.NewDecoder(r.Body).Decode(&opts))
		assert.Equal(t, "2026-01-01", opts.From)
		assert.True(t, opts.IncludeItems)

		w.Write([]byte(`{"data":{"symbol":"KGH","from":"2026-01-01","to":"2026-03-10","fetched":48,"upserted":48}}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, zerolog.Nop())
	result, err := client.SyncDailyCandles(context.Background(), "kgh ", CandleSyncOptions{
		From: "2026-01-01", IncludeItems: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "KGH", result.Symbol)
	assert.Equal(t, 48, result.Fetched)
	assert.Equal(t, 48, result.Upserted)
}
