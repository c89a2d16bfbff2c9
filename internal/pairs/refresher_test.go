package pairs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/insurance-engine/internal/model"
	"github.com/atmx/insurance-engine/internal/price"
	"github.com/atmx/insurance-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func candle(high, low string) price.Candle {
	return price.Candle{High: d(high), Low: d(low)}
}

type fakeCandles struct {
	bySymbol map[string][]price.Candle
	fail     map[string]error
	calls    []string
	start    time.Time
	end      time.Time
}

func (f *fakeCandles) Candles(_ context.Context, symbol, interval string, start, end time.Time) ([]price.Candle, error) {
	f.calls = append(f.calls, symbol+"@"+interval)
	f.start, f.end = start, end
	if err := f.fail[symbol]; err != nil {
		return nil, err
	}
	return f.bySymbol[symbol], nil
}

func TestBaseChange(t *testing.T) {
	tests := []struct {
		name    string
		candles []price.Candle
		want    string
	}{
		{"no candles uses floor", nil, "0.04"},
		{"narrow ranges use floor", []price.Candle{candle("100", "98")}, "0.04"},
		{"widest range wins", []price.Candle{candle("100", "90"), candle("100", "80"), candle("100", "95")}, "0.18"},
		{"zero high ignored", []price.Candle{candle("0", "0")}, "0.04"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := BaseChange(tc.candles)
			assert.True(t, got.Equal(d(tc.want)), "got %s", got)
		})
	}
}

func TestDeriveChangeRatios(t *testing.T) {
	r := DeriveChangeRatios(d("0.04"))
	require.Len(t, r, ProfileDays)

	assert.True(t, r[0].Equal(d("0.04")), "day 1")
	assert.True(t, r[3].Equal(d("0.1")), "day 4: 1 + 3*0.5")
	assert.True(t, r[4].Equal(d("0.104")), "day 5 restarts at the weekly step")
	assert.True(t, r[9].Equal(d("0.164")), "day 10")
	assert.True(t, r[29].Equal(d("0.3104")), "day 30")
	assert.True(t, r[364].Equal(d("0.9804")), "day 365")

	for i := 1; i < len(r); i++ {
		assert.False(t, r[i].LessThan(r[i-1]), "profile must not decrease at day %d", i+1)
	}
}

func TestDeriveChangeRatios_RoundsToFivePlaces(t *testing.T) {
	r := DeriveChangeRatios(d("0.0433333"))
	for _, v := range r {
		assert.LessOrEqual(t, -v.Exponent(), int32(5), v.String())
	}
}

func TestRefreshAll(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hours := []decimal.Decimal{d("0.01")}

	require.NoError(t, st.UpsertPair(ctx, &model.Pair{Symbol: "BTCUSDT", Asset: "BTC", Unit: "USDT", IsActive: true,
		Config: &model.PairConfig{HourChangeRatios: hours}}))
	require.NoError(t, st.UpsertPair(ctx, &model.Pair{Symbol: "ETHUSDT", Asset: "ETH", Unit: "USDT", IsActive: true}))
	require.NoError(t, st.UpsertPair(ctx, &model.Pair{Symbol: "SOLUSDT", Asset: "SOL", Unit: "USDT", IsActive: false}))

	src := &fakeCandles{
		bySymbol: map[string][]price.Candle{"BTCUSDT": {candle("100", "90")}},
		fail:     map[string]error{"ETHUSDT": errors.New("rate limited")},
	}
	r := NewRefresher(st, src, WithPause(0), WithClock(func() time.Time { return now }))

	require.NoError(t, r.RefreshAll(ctx))

	assert.Equal(t, []string{"BTCUSDT@8h", "ETHUSDT@8h"}, src.calls, "inactive pairs are skipped")
	assert.Equal(t, now.Add(-48*time.Hour), src.start)
	assert.Equal(t, now, src.end)

	btc, err := st.GetPair(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, btc.Config)
	require.Len(t, btc.Config.DayChangeRatios, ProfileDays)
	assert.True(t, btc.Config.DayChangeRatios[0].Equal(d("0.09")))
	assert.Equal(t, hours, btc.Config.HourChangeRatios, "hour profile is kept")
	assert.Equal(t, now, btc.Config.UpdatedAt)

	eth, err := st.GetPair(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Nil(t, eth.Config, "failed pair is left untouched")
}

func TestEnsurePairs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertPair(ctx, &model.Pair{Symbol: "BTCUSDT", Asset: "BTC", Unit: "USDT", IsMaintain: true}))

	require.NoError(t, EnsurePairs(ctx, st, []string{"btcusdt", "ETHVNST"}))

	btc, err := st.GetPair(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, btc.IsMaintain, "existing pair untouched")
	assert.False(t, btc.IsActive)

	eth, err := st.GetPair(ctx, "ETHVNST")
	require.NoError(t, err)
	assert.True(t, eth.IsActive)
	assert.Equal(t, "ETH", eth.Asset)
	assert.Equal(t, "VNST", eth.Unit)

	assert.Error(t, EnsurePairs(ctx, st, []string{"nope"}))
}
