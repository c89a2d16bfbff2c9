package symbol

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	s, err := Parse("BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Asset != "BTC" {
		t.Errorf("expected asset=BTC, got %s", s.Asset)
	}
	if s.Unit != UnitUSDT {
		t.Errorf("expected unit=USDT, got %s", s.Unit)
	}
	if s.String() != "BTCUSDT" {
		t.Errorf("expected BTCUSDT, got %s", s.String())
	}
}

func TestParse_NormalisesCase(t *testing.T) {
	s, err := Parse(" ethvnst ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Asset != "ETH" || s.Unit != UnitVNST {
		t.Errorf("expected ETH/VNST, got %s/%s", s.Asset, s.Unit)
	}
}

func TestParse_NumericAsset(t *testing.T) {
	s, err := Parse("1000PEPEUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Asset != "1000PEPE" {
		t.Errorf("expected asset=1000PEPE, got %s", s.Asset)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"USDT",
		"BTC",
		"BTCUSD",
		"BTC-USDT",
		"B USDT",
		"BTCEUR",
	}
	for _, raw := range tests {
		_, err := Parse(raw)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("expected ErrInvalidSymbol for %q, got %v", raw, err)
		}
	}
}

func TestNew_RejectsUnknownUnit(t *testing.T) {
	if _, err := New("BTC", "EUR"); !errors.Is(err, ErrInvalidUnit) {
		t.Errorf("expected ErrInvalidUnit, got %v", err)
	}
	if _, err := New("BTC", UnitUSDT); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestUnitCodes_RoundTrip(t *testing.T) {
	for _, unit := range []string{UnitUSDT, UnitVNST} {
		code, err := UnitCode(unit)
		if err != nil {
			t.Fatalf("UnitCode(%s): %v", unit, err)
		}
		back, err := UnitFromCode(code)
		if err != nil {
			t.Fatalf("UnitFromCode(%d): %v", code, err)
		}
		if back != unit {
			t.Errorf("expected %s, got %s", unit, back)
		}
	}
	if _, err := UnitFromCode(9); !errors.Is(err, ErrInvalidUnit) {
		t.Errorf("expected ErrInvalidUnit for code 9, got %v", err)
	}
}
