// Package formula derives the economic parameters of an insurance contract
// and validates creation inputs against the pair's volatility profile.
//
// Every function is pure: the same inputs and clock always produce the same
// parameters. All monetary values use shopspring/decimal, never float64.
//
// Terminology:
//   - hedge:      margin / covered quantity, the adverse move the margin absorbs
//   - ratio:      |claim - open| / open, the move required to claim
//   - change ratio: expected cumulative price change over a period index
package formula

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/insurance-engine/internal/model"
)

var (
	ErrInvalidQuantity   = errors.New("formula: margin or covered quantity out of range")
	ErrInvalidClaimPrice = errors.New("formula: claim price outside admissible distance")
	ErrInvalidMargin     = errors.New("formula: hedge ratio out of range")
	ErrInvalidPeriod     = errors.New("formula: period out of range")
	ErrInvalidPrice      = errors.New("formula: open price must be positive")
)

var (
	// MinMargin is the smallest margin accepted, in quote units.
	MinMargin = decimal.NewFromInt(5)

	// MinQCovered and MaxQCovered bound the insured quantity.
	MinQCovered = decimal.NewFromInt(10)
	MaxQCovered = decimal.NewFromInt(1_000_000)

	// MinHedge and MaxHedge bound margin / covered quantity.
	MinHedge = decimal.NewFromFloat(0.02)
	MaxHedge = decimal.NewFromFloat(0.1)

	// MinPeriod is the shortest period in either unit.
	MinPeriod = 1

	// RefundShare places the refund price this far from open towards claim.
	RefundShare = decimal.NewFromFloat(0.1)

	// SystemFee is withheld from the claim payout.
	SystemFee = decimal.NewFromFloat(0.05)

	// MaxBearDistance keeps BEAR claim prices strictly positive.
	MaxBearDistance = decimal.NewFromFloat(0.95)

	// Scale is the number of decimal places for ratios and prices.
	Scale int32 = 8
)

var (
	one  = decimal.NewFromInt(1)
	two  = decimal.NewFromInt(2)
	half = decimal.NewFromFloat(0.5)
)

// Inputs are the contract terms the formula works from.
type Inputs struct {
	Margin            decimal.Decimal
	QCovered          decimal.Decimal
	OpenPrice         decimal.Decimal
	ClaimPrice        decimal.Decimal
	Period            int
	PeriodUnit        model.PeriodUnit
	PeriodChangeRatio decimal.Decimal

	// Side pins the direction chosen at creation. Empty derives it from
	// ClaimPrice against OpenPrice.
	Side model.Side
}

// Direction returns the pinned side, or the one implied by the prices.
func (in Inputs) Direction() model.Side {
	if in.Side != "" {
		return in.Side
	}
	return model.SideFor(in.ClaimPrice, in.OpenPrice)
}

// Hedge returns margin / covered quantity.
func Hedge(margin, qCovered decimal.Decimal) decimal.Decimal {
	if qCovered.IsZero() {
		return decimal.Zero
	}
	return margin.DivRound(qCovered, Scale)
}

// RatioPredict returns |claim - open| / open.
func RatioPredict(openPrice, claimPrice decimal.Decimal) decimal.Decimal {
	if openPrice.IsZero() {
		return decimal.Zero
	}
	return claimPrice.Sub(openPrice).Abs().DivRound(openPrice, Scale)
}

// ExpiresAt adds the period to now.
func ExpiresAt(now time.Time, period int, unit model.PeriodUnit) (time.Time, error) {
	switch unit {
	case model.PeriodDay:
		return now.AddDate(0, 0, period), nil
	case model.PeriodHour:
		return now.Add(time.Duration(period) * time.Hour), nil
	}
	return time.Time{}, fmt.Errorf("%w: unit %q", ErrInvalidPeriod, unit)
}

// Derive computes every derived field of a contract at open price in.OpenPrice.
func Derive(in Inputs, now time.Time) (model.DerivedParams, error) {
	if !in.OpenPrice.IsPositive() {
		return model.DerivedParams{}, ErrInvalidPrice
	}
	if !in.QCovered.IsPositive() {
		return model.DerivedParams{}, ErrInvalidQuantity
	}
	if !in.PeriodChangeRatio.IsPositive() {
		return model.DerivedParams{}, fmt.Errorf("%w: change ratio must be positive", ErrInvalidPeriod)
	}

	expiresAt, err := ExpiresAt(now, in.Period, in.PeriodUnit)
	if err != nil {
		return model.DerivedParams{}, err
	}

	hedge := Hedge(in.Margin, in.QCovered)
	ratio := RatioPredict(in.OpenPrice, in.ClaimPrice)

	// Liquidation sits on the adverse side of open, hedge away.
	var liquidation decimal.Decimal
	if in.Direction() == model.SideBull {
		liquidation = in.OpenPrice.Mul(one.Sub(hedge))
	} else {
		liquidation = in.OpenPrice.Mul(one.Add(hedge))
	}

	refund := in.OpenPrice.Add(in.ClaimPrice.Sub(in.OpenPrice).Mul(RefundShare))
	cancel := in.ClaimPrice.Add(refund).Div(two)

	// Payout grows with how far the claim is relative to the expected move.
	qClaim := in.Margin.
		Mul(one.Add(ratio.DivRound(in.PeriodChangeRatio, Scale))).
		Mul(one.Sub(SystemFee))

	systemCapital := qClaim.Sub(in.Margin)
	if systemCapital.IsNegative() {
		systemCapital = decimal.Zero
	}

	leverage := one
	if ratio.IsPositive() {
		leverage = one.DivRound(ratio, Scale).Floor()
		if leverage.LessThan(one) {
			leverage = one
		}
	}

	return model.DerivedParams{
		OpenPrice:        in.OpenPrice,
		ExpiresAt:        expiresAt,
		Hedge:            hedge,
		LiquidationPrice: liquidation.Round(Scale),
		ClaimQuantity:    qClaim.Round(Scale),
		SystemCapital:    systemCapital.Round(Scale),
		RefundPrice:      refund.Round(Scale),
		Leverage:         leverage,
		CancelPrice:      cancel.Round(Scale),
	}, nil
}

// Distance is the admissible claim price interval for a market price.
type Distance struct {
	Min decimal.Decimal `json:"claim_price_min"`
	Max decimal.Decimal `json:"claim_price_max"`
}

// ClaimDistance returns the admissible claim price interval. The nearest
// claim is half the expected move of the chosen period away; the farthest is
// the largest expected move in the profile.
func ClaimDistance(price, currentRatio decimal.Decimal, ratios []decimal.Decimal, side model.Side) Distance {
	minRatio := currentRatio.Mul(half)
	maxRatio := currentRatio
	for _, r := range ratios {
		if r.GreaterThan(maxRatio) {
			maxRatio = r
		}
	}

	if side == model.SideBull {
		return Distance{
			Min: price.Mul(one.Add(minRatio)).Round(Scale),
			Max: price.Mul(one.Add(maxRatio)).Round(Scale),
		}
	}
	if maxRatio.GreaterThan(MaxBearDistance) {
		maxRatio = MaxBearDistance
	}
	return Distance{
		Min: price.Mul(one.Sub(maxRatio)).Round(Scale),
		Max: price.Mul(one.Sub(minRatio)).Round(Scale),
	}
}

// MaxPeriod returns the longest period whose expected move does not exceed
// hedgeClaim. Ratios are cumulative and therefore non-decreasing.
func MaxPeriod(hedgeClaim decimal.Decimal, ratios []decimal.Decimal) int {
	n := 0
	for _, r := range ratios {
		if r.GreaterThan(hedgeClaim) {
			break
		}
		n++
	}
	return n
}

// Validate rejects inputs outside the product's bounds. ratios is the pair's
// day change profile.
func Validate(in Inputs, ratios []decimal.Decimal) error {
	if in.Margin.LessThan(MinMargin) ||
		in.QCovered.LessThan(MinQCovered) ||
		in.QCovered.GreaterThan(MaxQCovered) {
		return ErrInvalidQuantity
	}
	if !in.OpenPrice.IsPositive() {
		return ErrInvalidPrice
	}

	dist := ClaimDistance(in.OpenPrice, in.PeriodChangeRatio, ratios, in.Direction())
	if in.ClaimPrice.LessThan(dist.Min) || in.ClaimPrice.GreaterThan(dist.Max) {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidClaimPrice, in.ClaimPrice, dist.Min, dist.Max)
	}

	hedge := Hedge(in.Margin, in.QCovered)
	if hedge.LessThan(MinHedge) || hedge.GreaterThan(MaxHedge) {
		return fmt.Errorf("%w: %s", ErrInvalidMargin, hedge)
	}

	if in.Period < MinPeriod {
		return ErrInvalidPeriod
	}
	if in.PeriodUnit == model.PeriodDay {
		hedgeClaim := RatioPredict(in.OpenPrice, in.ClaimPrice)
		if limit := MaxPeriod(hedgeClaim, ratios); in.Period > limit {
			return fmt.Errorf("%w: %d days exceeds %d", ErrInvalidPeriod, in.Period, limit)
		}
	}
	return nil
}
