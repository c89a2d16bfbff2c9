package exposure

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	btcUSDT = Key{Asset: "BTC", Unit: "USDT"}
	btcVNST = Key{Asset: "BTC", Unit: "VNST"}
	ethUSDT = Key{Asset: "ETH", Unit: "USDT"}
)

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000))

	if err := limiter.CheckLimit(btcUSDT, d(100), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_SymbolExceeded(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000))

	// Existing 950 + new 100 = 1050 > 1000.
	outstanding := map[Key]decimal.Decimal{btcUSDT: d(950)}

	if err := limiter.CheckLimit(btcUSDT, d(100), outstanding); err != ErrSymbolLimitExceeded {
		t.Errorf("expected ErrSymbolLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_AssetExceededAcrossUnits(t *testing.T) {
	limiter := NewLimiter(d(1000), d(1500))

	outstanding := map[Key]decimal.Decimal{
		btcVNST: d(900), // same asset, different unit
		ethUSDT: d(900), // different asset, ignored
	}

	// 900 (BTCVNST) + 700 (new BTCUSDT) = 1600 > 1500.
	if err := limiter.CheckLimit(btcUSDT, d(700), outstanding); err != ErrAssetLimitExceeded {
		t.Errorf("expected ErrAssetLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherAssetsIgnored(t *testing.T) {
	limiter := NewLimiter(d(1000), d(1500))

	outstanding := map[Key]decimal.Decimal{ethUSDT: d(1400)}

	if err := limiter.CheckLimit(btcUSDT, d(500), outstanding); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_ZeroLimitsDisable(t *testing.T) {
	limiter := NewLimiter(decimal.Zero, decimal.Zero)

	outstanding := map[Key]decimal.Decimal{btcUSDT: d(1e9)}
	if err := limiter.CheckLimit(btcUSDT, d(1e9), outstanding); err != nil {
		t.Errorf("expected disabled limiter to accept, got %v", err)
	}
}
