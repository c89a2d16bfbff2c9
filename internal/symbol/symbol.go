// Package symbol handles market symbol parsing and validation. A symbol is
// an asset ticker immediately followed by a supported quote unit, e.g.
// BTCUSDT = BTC quoted in USDT.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported quote units. The ledger encodes them by index.
const (
	UnitUSDT = "USDT"
	UnitVNST = "VNST"
)

// ledgerUnits is ordered by the on-chain unit code.
var ledgerUnits = []string{UnitUSDT, UnitVNST}

// symbolRegex matches an upper-case alphanumeric asset followed by a unit.
// Example: BTCUSDT, 1000PEPEUSDT
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,20}?)(USDT|VNST)$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid symbol format")
	ErrInvalidUnit   = errors.New("symbol: unsupported quote unit")
)

// Symbol is a parsed market symbol.
type Symbol struct {
	Asset string `json:"asset"`
	Unit  string `json:"unit"`
}

// String renders the symbol as the exchange writes it.
func (s Symbol) String() string { return s.Asset + s.Unit }

// Parse splits a symbol into asset and unit. Input is normalised to upper case.
func Parse(raw string) (Symbol, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	matches := symbolRegex.FindStringSubmatch(normalized)
	if matches == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected {ASSET}{USDT|VNST})", ErrInvalidSymbol, raw)
	}
	return Symbol{Asset: matches[1], Unit: matches[2]}, nil
}

// New builds a symbol from its parts, validating the unit.
func New(asset, unit string) (Symbol, error) {
	if !IsSupportedUnit(unit) {
		return Symbol{}, fmt.Errorf("%w: %s", ErrInvalidUnit, unit)
	}
	return Parse(asset + unit)
}

// IsSupportedUnit reports whether unit is a known quote unit.
func IsSupportedUnit(unit string) bool {
	for _, u := range ledgerUnits {
		if u == unit {
			return true
		}
	}
	return false
}

// UnitFromCode maps an on-chain unit code to its name.
func UnitFromCode(code uint8) (string, error) {
	if int(code) >= len(ledgerUnits) {
		return "", fmt.Errorf("%w: code %d", ErrInvalidUnit, code)
	}
	return ledgerUnits[code], nil
}

// UnitCode maps a unit name to its on-chain code.
func UnitCode(unit string) (uint8, error) {
	for i, u := range ledgerUnits {
		if u == unit {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidUnit, unit)
}
