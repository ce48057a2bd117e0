package ingest

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/finledger/finledger/internal/normalize"
)

// Canonical column names every provider maps its vendor headers onto.
const (
	colSymbol    = "symbol"
	colName      = "name"
	colLastPrice = "last_price"
	colChangePct = "change_pct"
	colVolume    = "volume"
	colTradeTime = "trade_time"
)

// defaultColumns maps folded vendor headers to canonical columns. Covers
// the Polish vendor pages and their English variants; providers may
// override per market.
func defaultColumns() map[string]string {
	return map[string]string{
		// vendor tables, Polish
		"skrot":   colSymbol,
		"ticker":  colSymbol,
		"walor":   colName,
		"nazwa":   colName,
		"kurs":    colLastPrice,
		"zmiana":  colChangePct,
		"zmiana%": colChangePct,
		"wolumen": colVolume,
		"obrot":   colVolume,
		"czas":    colTradeTime,
		// English variants
		"symbol":   colSymbol,
		"name":     colName,
		"last":     colLastPrice,
		"price":    colLastPrice,
		"change":   colChangePct,
		"change%":  colChangePct,
		"volume":   colVolume,
		"time":     colTradeTime,
		"datetime": colTradeTime,
	}
}

// htmlTable is one parsed <table>: a header row plus data rows, raw text.
type htmlTable struct {
	headers []string
	rows    [][]string
}

// parseTables extracts every <table> from an HTML document.
func parseTables(r io.Reader) ([]htmlTable, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	var tables []htmlTable
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "table" {
			if t := extractTable(n); len(t.headers) > 0 {
				tables = append(tables, t)
			}
			return // nested tables are vendor layout noise
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return tables, nil
}

// extractTable reads a table node row by row. The first row supplies the
// headers whether the vendor marks it with <th> or not.
func extractTable(table *html.Node) htmlTable {
	var out htmlTable

	var trs []*html.Node
	var findRows func(n *html.Node)
	findRows = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			trs = append(trs, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			findRows(c)
		}
	}
	findRows(table)

	for i, tr := range trs {
		var cells []string
		for c := tr.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
				cells = append(cells, strings.TrimSpace(nodeText(c)))
			}
		}
		if len(cells) == 0 {
			continue
		}
		if i == 0 {
			out.headers = cells
		} else {
			out.rows = append(out.rows, cells)
		}
	}
	return out
}

// nodeText collects the text content of a node and its children.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// quoteRows converts the first quote-shaped table in the document into
// normalized rows. A table qualifies when its mapped headers include at
// least the symbol and last-price columns.
func quoteRows(r io.Reader, columns map[string]string, loc *time.Location, now time.Time) ([]Row, error) {
	tables, err := parseTables(r)
	if err != nil {
		return nil, err
	}

	for _, t := range tables {
		index := map[string]int{}
		for i, h := range t.headers {
			if canonical, ok := columns[normalize.Fold(h)]; ok {
				if _, taken := index[canonical]; !taken {
					index[canonical] = i
				}
			}
		}
		if _, ok := index[colSymbol]; !ok {
			continue
		}
		if _, ok := index[colLastPrice]; !ok {
			continue
		}

		rows := make([]Row, 0, len(t.rows))
		for _, cells := range t.rows {
			get := func(col string) string {
				i, ok := index[col]
				if !ok || i >= len(cells) {
					return ""
				}
				return cells[i]
			}

			symbol, ok := normalize.Symbol(get(colSymbol))
			if !ok {
				continue
			}
			price, ok := normalize.Decimal(get(colLastPrice))
			if !ok || price <= 0 {
				continue
			}

			row := Row{
				Symbol:    symbol,
				Name:      strings.TrimSpace(get(colName)),
				LastPrice: price,
				TradeAt:   normalize.TradeTime(get(colTradeTime), loc, now),
			}
			if pct, ok := normalize.Decimal(get(colChangePct)); ok {
				row.ChangePct = &pct
			}
			if vol, ok := normalize.Int(get(colVolume)); ok {
				row.Volume = &vol
			}
			rows = append(rows, row)
		}
		return rows, nil
	}

	return nil, fmt.Errorf("no quote table found in document")
}
