// Package pairs keeps each pair's expected price change profile current.
//
// The profile is a list of 365 cumulative change ratios, one per contract
// length in days. It is rebuilt from the widest recent 8h candle range and
// drives both the admissible claim distance and the payout of new contracts.
package pairs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/insurance-engine/internal/metrics"
	"github.com/atmx/insurance-engine/internal/model"
	"github.com/atmx/insurance-engine/internal/price"
	"github.com/atmx/insurance-engine/internal/store"
	"github.com/atmx/insurance-engine/internal/symbol"
)

const (
	// ProfileDays is the length of a day change profile.
	ProfileDays = 365

	// CandleInterval and Lookback select the candles the base change is
	// measured on.
	CandleInterval = "8h"
	Lookback       = 48 * time.Hour

	// DefaultInterval is how often profiles are rebuilt.
	DefaultInterval = 10 * time.Minute

	ratioPlaces int32 = 5
)

var (
	// MinBaseChange is the floor of the one-period base change.
	MinBaseChange = decimal.NewFromFloat(0.04)

	// rangeShare discounts a candle's high-low range.
	rangeShare = decimal.NewFromFloat(0.9)
)

// Per-day increments of the cumulative profile, as multiples of the base
// change. The profile restarts at day 5 so that weekly contracts are priced
// on their own curve.
var (
	stepD1       = decimal.NewFromFloat(1)
	stepD2toD4   = decimal.NewFromFloat(0.5)
	stepWeek     = decimal.NewFromFloat(2.6)
	stepD6toD10  = decimal.NewFromFloat(0.3)
	stepD11toD15 = decimal.NewFromFloat(0.25)
	stepD16toD20 = decimal.NewFromFloat(0.2)
	stepD21toD27 = decimal.NewFromFloat(0.15)
	stepD28toD30 = decimal.NewFromFloat(0.12)
	stepD31Plus  = decimal.NewFromFloat(0.05)
)

func stepFor(day int) decimal.Decimal {
	switch {
	case day == 1:
		return stepD1
	case day <= 4:
		return stepD2toD4
	case day == 5:
		return stepWeek
	case day <= 10:
		return stepD6toD10
	case day <= 15:
		return stepD11toD15
	case day <= 20:
		return stepD16toD20
	case day <= 27:
		return stepD21toD27
	case day <= 30:
		return stepD28toD30
	}
	return stepD31Plus
}

// BaseChange returns the widest discounted candle range, relative to the
// candle high, floored at MinBaseChange.
func BaseChange(candles []price.Candle) decimal.Decimal {
	base := MinBaseChange
	for _, c := range candles {
		if !c.High.IsPositive() {
			continue
		}
		perc := rangeShare.Mul(c.High.Sub(c.Low)).Div(c.High)
		if perc.GreaterThan(base) {
			base = perc
		}
	}
	return base
}

// DeriveChangeRatios builds the cumulative day profile for base.
func DeriveChangeRatios(base decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, ProfileDays)
	cum := decimal.Zero
	for day := 1; day <= ProfileDays; day++ {
		if day == 5 {
			cum = decimal.Zero
		}
		cum = cum.Add(stepFor(day).Mul(base))
		out = append(out, cum.Round(ratioPlaces))
	}
	return out
}

// CandleSource fetches klines.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, start, end time.Time) ([]price.Candle, error)
}

// Refresher rebuilds the profile of every active pair on a fixed interval.
type Refresher struct {
	store    store.Store
	candles  CandleSource
	interval time.Duration
	pause    time.Duration
	now      func() time.Time
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithPause sets the delay between two pairs of one refresh.
func WithPause(d time.Duration) Option {
	return func(r *Refresher) { r.pause = d }
}

// WithClock overrides the clock used for the candle lookback.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) { r.now = now }
}

// NewRefresher creates a refresher.
func NewRefresher(st store.Store, candles CandleSource, opts ...Option) *Refresher {
	r := &Refresher{
		store:    st,
		candles:  candles,
		interval: DefaultInterval,
		pause:    100 * time.Millisecond,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run refreshes once immediately, then on every tick until ctx ends.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.RefreshAll(ctx); err != nil && ctx.Err() == nil {
			slog.Error("pair refresh failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RefreshAll rebuilds every active pair's profile. Per-pair failures are
// logged and skipped.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	pairs, err := r.store.ListPairs(ctx, true)
	if err != nil {
		return fmt.Errorf("list pairs: %w", err)
	}
	for i, p := range pairs {
		if i > 0 && r.pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.pause):
			}
		}
		if err := r.Refresh(ctx, p); err != nil {
			metrics.PairRefreshes.WithLabelValues("error").Inc()
			slog.Warn("pair refresh skipped", "symbol", p.Symbol, "err", err)
			continue
		}
		metrics.PairRefreshes.WithLabelValues("ok").Inc()
	}
	return nil
}

// Refresh rebuilds one pair's day profile. The hour profile is kept.
func (r *Refresher) Refresh(ctx context.Context, p *model.Pair) error {
	end := r.now()
	candles, err := r.candles.Candles(ctx, p.Symbol, CandleInterval, end.Add(-Lookback), end)
	if err != nil {
		return fmt.Errorf("candles %s: %w", p.Symbol, err)
	}

	base := BaseChange(candles)
	cfg := model.PairConfig{
		DayChangeRatios:  DeriveChangeRatios(base),
		HourChangeRatios: []decimal.Decimal{},
		UpdatedAt:        end.UTC(),
	}
	if p.Config != nil && p.Config.HourChangeRatios != nil {
		cfg.HourChangeRatios = p.Config.HourChangeRatios
	}
	if err := r.store.UpdatePairConfig(ctx, p.Symbol, cfg); err != nil {
		return fmt.Errorf("update config %s: %w", p.Symbol, err)
	}
	slog.Info("pair profile updated", "symbol", p.Symbol, "base_change", base.String(), "candles", len(candles))
	return nil
}

// EnsurePairs creates an active pair for every listed symbol that has no
// record yet. Existing pairs are left as they are.
func EnsurePairs(ctx context.Context, st store.Store, symbols []string) error {
	for _, raw := range symbols {
		sym, err := symbol.Parse(raw)
		if err != nil {
			return err
		}
		_, err = st.GetPair(ctx, sym.String())
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := st.UpsertPair(ctx, &model.Pair{
			Symbol:   sym.String(),
			Asset:    sym.Asset,
			Unit:     sym.Unit,
			IsActive: true,
		}); err != nil {
			return fmt.Errorf("create pair %s: %w", sym, err)
		}
		slog.Info("pair created", "symbol", sym.String())
	}
	return nil
}
