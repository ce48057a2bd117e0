// Package normalize parses the locale-formatted values that market pages
// serve: decimals with space thousand-separators and comma decimal points,
// bare integers, intraday trade times, and accented names. All functions
// are pure; failures yield a false ok instead of an error.
package normalize

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// thousand separators and decoration seen in vendor tables
var stripper = strings.NewReplacer(
	" ", "",
	" ", "", // NBSP
	" ", "", // narrow NBSP
	"'", "",
	"%", "",
	"+", "",
	"−", "-", // typographic minus
)

// Decimal parses a locale-formatted decimal: space or apostrophe thousand
// separators, comma or dot decimal point, optional percent sign and
// currency decoration. Returns false for anything unparseable.
func Decimal(s string) (float64, bool) {
	s = stripper.Replace(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}

	// Drop currency letters and symbols around the number.
	s = strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '-' && r != ',' && r != '.'
	})
	if s == "" || s == "-" {
		return 0, false
	}

	// Both separators present: the last one is the decimal point.
	if strings.ContainsRune(s, ',') && strings.ContainsRune(s, '.') {
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	} else if strings.ContainsRune(s, ',') {
		if strings.Count(s, ",") > 1 {
			return 0, false
		}
		s = strings.Replace(s, ",", ".", 1)
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Int parses an integer out of a decorated cell ("1 234 567", "12 500").
// Any fractional part disqualifies the value.
func Int(s string) (int64, bool) {
	s = stripper.Replace(strings.TrimSpace(s))
	if s == "" || strings.ContainsAny(s, ",.") {
		return 0, false
	}
	s = strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '-'
	})
	if s == "" || s == "-" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// tradeTimeLayouts lists the full-date formats vendors use.
var tradeTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"2.1.2006 15:04",
	time.RFC3339,
}

// TradeTime parses a last-trade timestamp. Bare clock times (HH:MM[:SS])
// combine with today's date in the market's timezone. Unparseable input
// falls back to now in UTC.
func TradeTime(s string, loc *time.Location, now time.Time) time.Time {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.UTC
	}

	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			local := now.In(loc)
			return time.Date(local.Year(), local.Month(), local.Day(),
				t.Hour(), t.Minute(), t.Second(), 0, loc).UTC()
		}
	}

	for _, layout := range tradeTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC()
		}
	}

	return now.UTC()
}

// strokes maps letters whose accents are strokes rather than combining
// marks, so NFD decomposition alone does not reach them.
var strokes = strings.NewReplacer(
	"ł", "l", "Ł", "L",
	"đ", "d", "Đ", "D",
	"ø", "o", "Ø", "O",
)

// StripAccents removes combining marks for accent-insensitive matching:
// "Żółć" → "Zolc".
func StripAccents(s string) string {
	s = strokes.Replace(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Fold prepares a name for case- and accent-insensitive search.
func Fold(s string) string {
	return strings.ToLower(StripAccents(strings.TrimSpace(s)))
}

// Symbol normalizes a ticker symbol: upper-cased, trimmed, 1..12 chars.
func Symbol(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 1 || len(s) > 12 {
		return "", false
	}
	return s, true
}
