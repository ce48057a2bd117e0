// Package domain holds the shared vocabulary of the platform: enums for
// event kinds, account types, instrument kinds and gain kinds, plus the
// typed errors services raise and handlers map to HTTP statuses.
package domain

import (
	"strings"
	"time"
)

// EventKind identifies a brokerage event type
type EventKind string

const (
	EventBuy      EventKind = "BUY"
	EventSell     EventKind = "SELL"
	EventSplit    EventKind = "SPLIT"
	EventDividend EventKind = "DIV"
)

// ParseEventKind normalizes and validates an event kind string
func ParseEventKind(s string) (EventKind, bool) {
	k := EventKind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case EventBuy, EventSell, EventSplit, EventDividend:
		return k, true
	}
	return "", false
}

// AccountType identifies a deposit account type
type AccountType string

const (
	AccountCurrent   AccountType = "current"
	AccountSavings   AccountType = "savings"
	AccountBrokerage AccountType = "brokerage"
	AccountCredit    AccountType = "credit"
)

// ParseAccountType normalizes and validates an account type string
func ParseAccountType(s string) (AccountType, bool) {
	t := AccountType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case AccountCurrent, AccountSavings, AccountBrokerage, AccountCredit:
		return t, true
	}
	return "", false
}

// GainKind identifies the origin of a realized capital gain
type GainKind string

const (
	GainDepositInterest GainKind = "deposit-interest"
	GainBrokerPnL       GainKind = "broker-realized-pnl"
	GainBrokerDividend  GainKind = "broker-dividend"
	GainMetalPnL        GainKind = "metal-realized-pnl"
	GainRealEstatePnL   GainKind = "real-estate-realized-pnl"
)

// ParseGainKind validates a gain kind string
func ParseGainKind(s string) (GainKind, bool) {
	k := GainKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case GainDepositInterest, GainBrokerPnL, GainBrokerDividend,
		GainMetalPnL, GainRealEstatePnL:
		return k, true
	}
	return "", false
}

// InstrumentKind identifies what an instrument represents
type InstrumentKind string

const (
	InstrumentEquity          InstrumentKind = "equity"
	InstrumentFund            InstrumentKind = "fund"
	InstrumentBond            InstrumentKind = "bond"
	InstrumentCurrencyPair    InstrumentKind = "currency-pair"
	InstrumentCryptoAsset     InstrumentKind = "crypto-asset"
	InstrumentIndex           InstrumentKind = "index"
	InstrumentRealEstateTrust InstrumentKind = "real-estate-trust"
	InstrumentCommodity       InstrumentKind = "commodity"
	InstrumentMacro           InstrumentKind = "macro"
)

// ParseInstrumentKind validates an instrument kind string
func ParseInstrumentKind(s string) (InstrumentKind, bool) {
	k := InstrumentKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case InstrumentEquity, InstrumentFund, InstrumentBond,
		InstrumentCurrencyPair, InstrumentCryptoAsset, InstrumentIndex,
		InstrumentRealEstateTrust, InstrumentCommodity, InstrumentMacro:
		return k, true
	}
	return "", false
}

// Instrument statuses
const (
	InstrumentActive   = "active"
	InstrumentInactive = "inactive"
)

// Metal identifies a precious metal held physically
type Metal string

const (
	MetalGold     Metal = "gold"
	MetalSilver   Metal = "silver"
	MetalPlatinum Metal = "platinum"
)

// ParseMetal normalizes a metal name. The ISO currency codes are accepted
// as aliases since import files commonly carry them.
func ParseMetal(s string) (Metal, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gold", "xau":
		return MetalGold, true
	case "silver", "xag":
		return MetalSilver, true
	case "platinum", "xpt":
		return MetalPlatinum, true
	}
	return "", false
}

// GramsPerTroyOunce converts physical weight to quote units
const GramsPerTroyOunce = 31.1034768

// FuturesSymbol returns the front-month futures symbol used to value
// the metal.
func (m Metal) FuturesSymbol() string {
	switch m {
	case MetalGold:
		return "GC=F"
	case MetalSilver:
		return "SI=F"
	case MetalPlatinum:
		return "PL=F"
	}
	return ""
}

// TimeLayout is the canonical timestamp format for all persisted times:
// UTC with a fixed-width fraction so that lexicographic order equals
// chronological order in SQL comparisons.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DateLayout is the canonical day format for candle and snapshot keys.
const DateLayout = "2006-01-02"

// FormatTime renders t in the canonical persisted layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a timestamp in any RFC3339 flavor.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// MonthKey renders the YYYY-MM snapshot bucket for t.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// ValidMonthKey reports whether s is a YYYY-MM bucket.
func ValidMonthKey(s string) bool {
	_, err := time.Parse("2006-01", s)
	return err == nil
}

// ValidQuarterKey reports whether s is a YYYY-Qn bucket.
func ValidQuarterKey(s string) bool {
	if len(s) != 7 || s[4] != '-' || s[5] != 'Q' {
		return false
	}
	if s[6] < '1' || s[6] > '4' {
		return false
	}
	_, err := time.Parse("2006", s[:4])
	return err == nil
}
