// Package reports aggregates everything a user owns into the wallet
// manager tree: live-valued positions, FX-converted totals, movers,
// year-to-date flows and the monthly net-worth history.
package reports

import "strings"

// DefaultAnchor is the cross currency used when none is configured.
const DefaultAnchor = "PLN"

// Convert turns amount from one currency into another using a map of
// "SRC/DST" pair rates. Resolution order: direct pair, inverse pair,
// then a cross through the anchor currency. The second return value is
// false when no path exists.
func Convert(amount float64, from, to string, rates map[string]float64, anchor string) (float64, bool) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == to {
		return amount, true
	}

	if rate, ok := pairRate(from, to, rates); ok {
		return amount * rate, true
	}

	anchor = strings.ToUpper(strings.TrimSpace(anchor))
	if anchor == "" {
		anchor = DefaultAnchor
	}
	toAnchor, ok := pairRate(from, anchor, rates)
	if !ok {
		return 0, false
	}
	fromAnchor, ok := pairRate(anchor, to, rates)
	if !ok {
		return 0, false
	}
	return amount * toAnchor * fromAnchor, true
}

// pairRate resolves one hop: the direct rate when present, else the
// reciprocal of the inverse pair.
func pairRate(from, to string, rates map[string]float64) (float64, bool) {
	if from == to {
		return 1, true
	}
	if rate, ok := rates[from+"/"+to]; ok && rate > 0 {
		return rate, true
	}
	if rate, ok := rates[to+"/"+from]; ok && rate > 0 {
		return 1 / rate, true
	}
	return 0, false
}
