package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vendorPage mimics the GPW quote table: Polish headers, comma decimals,
// NBSP thousand separators, values wrapped in markup.
const vendorPage = `<html><body>
<table class="nav"><tr><td>menu</td></tr></table>
<table class="quotes">
  <thead>
    <tr><th>Skrót</th><th>Nazwa</th><th>Kurs</th><th>Zmiana</th><th>Wolumen</th><th>Czas</th></tr>
  </thead>
  <tbody>
    <tr><td><a href="/kgh">KGH</a></td><td>KGHM Polska Miedź</td><td><span>152,30</span></td><td>+1,25%</td><td>125` + " " + `000</td><td>16:45:12</td></tr>
    <tr><td>PKN</td><td>Orlen</td><td>62,48</td><td>−0,80%</td><td>1` + " " + `410` + " " + `552</td><td>16:44:58</td></tr>
    <tr><td>BAD</td><td>Broken Row</td><td>b/d</td><td>—</td><td>—</td><td>—</td></tr>
  </tbody>
</table>
</body></html>`

func TestQuoteRows(t *testing.T) {
	warsaw, err := time.LoadLocation("Europe/Warsaw")
	require.NoError(t, err)
	now := time.Date(2026, 3, 10, 16, 50, 0, 0, warsaw)

	rows, err := quoteRows(strings.NewReader(vendorPage), defaultColumns(), warsaw, now)
	require.NoError(t, err)
	require.Len(t, rows, 2) // the unparseable row is dropped

	kgh := rows[0]
	assert.Equal(t, "KGH", kgh.Symbol)
	assert.Equal(t, "KGHM Polska Miedź", kgh.Name)
	assert.Equal(t, 152.30, kgh.LastPrice)
	require.NotNil(t, kgh.ChangePct)
	assert.Equal(t, 1.25, *kgh.ChangePct)
	require.NotNil(t, kgh.Volume)
	assert.Equal(t, int64(125000), *kgh.Volume)

	// Bare clock time combines with today's date in market time.
	wantTrade := time.Date(2026, 3, 10, 16, 45, 12, 0, warsaw).UTC()
	assert.True(t, kgh.TradeAt.Equal(wantTrade), "got %s want %s", kgh.TradeAt, wantTrade)

	pkn := rows[1]
	require.NotNil(t, pkn.ChangePct)
	assert.Equal(t, -0.80, *pkn.ChangePct)
	require.NotNil(t, pkn.Volume)
	assert.Equal(t, int64(1410552), *pkn.Volume)
}

func TestQuoteRowsSkipsNonQuoteTables(t *testing.T) {
	page := `<html><body>
<table><tr><th>Foo</th><th>Bar</th></tr><tr><td>1</td><td>2</td></tr></table>
</body></html>`

	_, err := quoteRows(strings.NewReader(page), defaultColumns(), time.UTC, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no quote table")
}

func TestQuoteRowsHeaderlessBody(t *testing.T) {
	// Vendors without <thead> still lead with a header row.
	page := `<table>
<tr><td>Symbol</td><td>Last</td></tr>
<tr><td>abc</td><td>10.5</td></tr>
<tr><td>toolongsymbolxx</td><td>11</td></tr>
<tr><td>DEF</td><td>0</td></tr>
</table>`

	rows, err := quoteRows(strings.NewReader(page), defaultColumns(), time.UTC, time.Now())
	require.NoError(t, err)
	require.Len(t, rows, 1) // oversized symbol and zero price dropped
	assert.Equal(t, "ABC", rows[0].Symbol)
	assert.Equal(t, 10.5, rows[0].LastPrice)
}
