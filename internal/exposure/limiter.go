// Package exposure caps the claim liability the system carries per market.
//
// A contract that reaches its claim price pays out its claim quantity from
// system capital. Contracts on the same asset move together regardless of
// the quote unit (BTCUSDT and BTCVNST claim on the same move), so liability
// is limited per symbol and again per asset.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrSymbolLimitExceeded is returned when a contract would push the
	// outstanding claim quantity of one symbol beyond the per-symbol maximum.
	ErrSymbolLimitExceeded = errors.New("exposure: per-symbol claim limit exceeded")

	// ErrAssetLimitExceeded is returned when a contract would push the
	// aggregate outstanding claim quantity across all symbols of one asset
	// beyond the per-asset maximum.
	ErrAssetLimitExceeded = errors.New("exposure: per-asset claim limit exceeded")
)

// Key identifies one market's outstanding liability.
type Key struct {
	Asset string
	Unit  string
}

// Limiter enforces outstanding claim limits. A zero limit disables that check.
type Limiter struct {
	// MaxPerSymbol is the maximum outstanding claim quantity on one symbol.
	MaxPerSymbol decimal.Decimal

	// MaxPerAsset is the maximum outstanding claim quantity summed over all
	// symbols that share an asset.
	MaxPerAsset decimal.Decimal
}

// NewLimiter creates a limiter with the given per-symbol and per-asset limits.
func NewLimiter(maxPerSymbol, maxPerAsset decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerSymbol: maxPerSymbol,
		MaxPerAsset:  maxPerAsset,
	}
}

// CheckLimit validates whether adding claimQty on target respects the limits.
//
// Parameters:
//   - target: market the new contract is written on
//   - claimQty: claim quantity of the new contract
//   - outstanding: current outstanding claim quantity per market
//
// Returns nil if the contract is within limits, or an error describing the violation.
func (l *Limiter) CheckLimit(target Key, claimQty decimal.Decimal, outstanding map[Key]decimal.Decimal) error {
	// 1. Per-symbol limit.
	newSymbolTotal := outstanding[target].Add(claimQty)
	if l.MaxPerSymbol.IsPositive() && newSymbolTotal.GreaterThan(l.MaxPerSymbol) {
		return ErrSymbolLimitExceeded
	}

	// 2. Asset-wide liability across quote units.
	if !l.MaxPerAsset.IsPositive() {
		return nil
	}
	total := newSymbolTotal
	for key, qty := range outstanding {
		if key == target {
			continue // already counted above
		}
		if key.Asset == target.Asset {
			total = total.Add(qty)
		}
	}
	if total.GreaterThan(l.MaxPerAsset) {
		return ErrAssetLimitExceeded
	}
	return nil
}
