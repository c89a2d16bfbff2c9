package reconcile

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/insurance-engine/internal/ledger"
	"github.com/atmx/insurance-engine/internal/lifecycle"
	"github.com/atmx/insurance-engine/internal/lock"
	"github.com/atmx/insurance-engine/internal/model"
	"github.com/atmx/insurance-engine/internal/price"
	"github.com/atmx/insurance-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	sched   *Scheduler
	store   *store.MemoryStore
	ledger  *ledger.MemoryLedger
	tracker *price.Tracker
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemoryStore(),
		ledger: ledger.NewMemoryLedger(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.tracker = price.NewTracker(nil, price.WithClock(clock))
	ctrl := lifecycle.NewController(f.store, f.ledger, f.tracker, lock.NewMemoryLocker(), lifecycle.WithClock(clock))
	f.sched = NewScheduler(f.store, f.ledger, f.tracker, ctrl, Config{}, WithClock(clock))
	return f
}

// bear is live from now-1h to now+1h: claim at or below 45000, liquidation
// at or above 50000, refund band (49000, 50000).
func (f *fixture) bear(t *testing.T, id string) *model.Contract {
	t.Helper()
	c := &model.Contract{
		ID:               id,
		UserID:           "u1",
		WalletAddress:    "0xabc",
		Asset:            "BTC",
		Unit:             "USDT",
		Margin:           d("10"),
		QCovered:         d("200"),
		ClaimPrice:       d("45000"),
		OpenPrice:        d("48000"),
		LiquidationPrice: d("50000"),
		RefundPrice:      d("49000"),
		ClaimQuantity:    d("210"),
		State:            model.StateAvailable,
		Side:             model.SideBear,
		CreatedAt:        f.now.Add(-time.Hour),
		ExpiresAt:        f.now.Add(time.Hour),
	}
	require.NoError(t, f.store.CreateContract(context.Background(), c))
	return c
}

func (f *fixture) get(t *testing.T, id string) *model.Contract {
	t.Helper()
	c, err := f.store.GetContract(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *fixture) tick(p string, at time.Time) {
	f.tracker.RecordTick("BTCUSDT", d(p), at)
}

func TestEvaluate(t *testing.T) {
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	expires := created.Add(24 * time.Hour)
	bear := &model.Contract{Side: model.SideBear, ClaimPrice: d("45000"), LiquidationPrice: d("50000"), CreatedAt: created, ExpiresAt: expires}
	bull := &model.Contract{Side: model.SideBull, ClaimPrice: d("50000"), LiquidationPrice: d("45600"), CreatedAt: created, ExpiresAt: expires}
	at := func(p string, h int) price.Sample {
		return price.Sample{Price: d(p), Time: created.Add(time.Duration(h) * time.Hour)}
	}

	tests := []struct {
		name    string
		c       *model.Contract
		samples []price.Sample
		action  Action
		price   string
	}{
		{"bear claims at window minimum", bear, []price.Sample{at("46000", 1), at("44800", 2), at("44900", 3)}, ActionClaim, "44800"},
		{"bear claim touch is inclusive", bear, []price.Sample{at("45000", 1)}, ActionClaim, "45000"},
		{"bear liquidates at window maximum", bear, []price.Sample{at("49000", 1), at("50200", 2), at("50100", 3)}, ActionLiquidate, "50200"},
		{"claim wins over liquidation", bear, []price.Sample{at("44000", 1), at("51000", 2)}, ActionClaim, "44000"},
		{"bull claims at window maximum", bull, []price.Sample{at("49000", 1), at("50500", 2)}, ActionClaim, "50500"},
		{"bull liquidates at window minimum", bull, []price.Sample{at("46000", 1), at("45500", 2), at("45600", 3)}, ActionLiquidate, "45500"},
		{"inside both thresholds defers", bull, []price.Sample{at("47000", 1), at("48000", 2)}, ActionDefer, "0"},
		{"no samples defers", bull, nil, ActionDefer, "0"},
		{"samples at window bounds are ignored", bear, []price.Sample{
			{Price: d("40000"), Time: created},
			{Price: d("40000"), Time: expires},
			{Price: d("60000"), Time: created.Add(-time.Minute)},
		}, ActionDefer, "0"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.c, tc.samples)
			assert.Equal(t, tc.action, got.Action)
			assert.True(t, got.Price.Equal(d(tc.price)), "price %s", got.Price)
		})
	}
}

func TestInRefundBand(t *testing.T) {
	bear := &model.Contract{LiquidationPrice: d("50000"), RefundPrice: d("49000")}
	bull := &model.Contract{LiquidationPrice: d("45600"), RefundPrice: d("46500")}

	assert.True(t, InRefundBand(d("49500"), bear))
	assert.False(t, InRefundBand(d("49000"), bear), "bounds are exclusive")
	assert.False(t, InRefundBand(d("50000"), bear))
	assert.False(t, InRefundBand(d("48000"), bear))
	assert.True(t, InRefundBand(d("46000"), bull))
	assert.False(t, InRefundBand(d("47000"), bull))
}

func TestActiveSweep_ClaimsBearAtMinimum(t *testing.T) {
	f := newFixture(t)
	f.bear(t, "a")
	f.tick("46000", f.now.Add(-3*time.Minute))
	f.tick("44800", f.now.Add(-2*time.Minute))
	f.tick("44900", f.now.Add(-time.Minute))

	require.NoError(t, f.sched.RunActiveSweep(context.Background()))

	c := f.get(t, "a")
	assert.Equal(t, model.StateClaimWaiting, c.State)
	require.NotNil(t, c.ClosePrice)
	assert.True(t, c.ClosePrice.Equal(d("44800")))
	assert.Nil(t, c.ClosedAt)

	calls := f.ledger.CallsFor("a")
	require.Len(t, calls, 1)
	assert.Equal(t, ledger.CmdClaim, calls[0].Command)
	assert.Empty(t, f.tracker.SamplesInWindow("BTCUSDT"), "window is reset after the sweep")
}

func TestActiveSweep_LiquidatesBull(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateContract(context.Background(), &model.Contract{
		ID:               "b",
		Asset:            "BTC",
		Unit:             "USDT",
		ClaimPrice:       d("50000"),
		LiquidationPrice: d("45600"),
		RefundPrice:      d("46500"),
		State:            model.StateAvailable,
		Side:             model.SideBull,
		CreatedAt:        f.now.Add(-time.Hour),
		ExpiresAt:        f.now.Add(time.Hour),
	}))
	f.tick("46000", f.now.Add(-2*time.Minute))
	f.tick("45500", f.now.Add(-time.Minute))

	require.NoError(t, f.sched.RunActiveSweep(context.Background()))

	c := f.get(t, "b")
	assert.Equal(t, model.StateLiquidated, c.State)
	assert.True(t, c.ClosePrice.Equal(d("45500")))
	assert.NotNil(t, c.ClosedAt)
}

func TestActiveSweep_IgnoresSamplesBeforeCreation(t *testing.T) {
	f := newFixture(t)
	f.bear(t, "a")
	f.tick("40000", f.now.Add(-2*time.Hour))

	require.NoError(t, f.sched.RunActiveSweep(context.Background()))

	assert.Equal(t, model.StateAvailable, f.get(t, "a").State)
	assert.Empty(t, f.ledger.Calls())
}

func TestActiveSweep_NoSamplesBeforeExpiryLeavesContract(t *testing.T) {
	f := newFixture(t)
	f.bear(t, "a")

	require.NoError(t, f.sched.RunActiveSweep(context.Background()))

	assert.Equal(t, model.StateAvailable, f.get(t, "a").State)
}

func TestActiveSweep_ExpiredInsideBandRefunds(t *testing.T) {
	f := newFixture(t)
	f.bear(t, "a")
	f.now = f.now.Add(2 * time.Hour)
	f.tick("49500", f.now)

	require.NoError(t, f.sched.RunActiveSweep(context.Background()))

	c := f.get(t, "a")
	assert.Equal(t, model.StateRefundWaiting, c.State)
	assert.True(t, c.ClosePrice.Equal(d("49500")))
	assert.NotNil(t, c.ClosedAt)
}

func TestActiveSweep_ExpiredOutsideBandExpires(t *testing.T) {
	f := newFixture(t)
	f.bear(t, "a")
	f.now = f.now.Add(2 * time.Hour)
	f.tick("47000", f.now)

	require.NoError(t, f.sched.RunActiveSweep(context.Background()))

	c := f.get(t, "a")
	assert.Equal(t, model.StateExpired, c.State)
	assert.True(t, c.ClosePrice.Equal(d("47000")))

	calls := f.ledger.CallsFor("a")
	require.Len(t, calls, 1)
	assert.Equal(t, ledger.CmdExpire, calls[0].Command)
}

func TestActiveSweep_ExpiredWithoutPriceStaysAvailable(t *testing.T) {
	f := newFixture(t)
	f.bear(t, "a")
	f.now = f.now.Add(2 * time.Hour)

	require.NoError(t, f.sched.RunActiveSweep(context.Background()))

	assert.Equal(t, model.StateAvailable, f.get(t, "a").State)
}

func TestPendingSweep_TimeoutWithoutRegistration(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateContract(context.Background(), &model.Contract{
		ID: "p", Asset: "BTC", Unit: "USDT", Margin: d("10"), WalletAddress: "0xabc",
		State: model.StatePending, CreatedAt: f.now,
	}))
	f.now = f.now.Add(61 * time.Second)

	require.NoError(t, f.sched.RunPendingSweep(context.Background()))

	c := f.get(t, "p")
	assert.Equal(t, model.StateInvalid, c.State)
	assert.Equal(t, model.ReasonCreatedTimeTimeout, c.InvalidReason)
	assert.Empty(t, f.ledger.CallsFor("p"), "nothing to pay back")
	require.Len(t, c.StateLogs, 1)
	assert.Empty(t, c.StateLogs[0].TxHash)
}

func TestPendingSweep_TimeoutWithRegistrationPaysBack(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateContract(context.Background(), &model.Contract{
		ID: "p", Asset: "BTC", Unit: "USDT", Margin: d("10"), WalletAddress: "0xabc",
		State: model.StatePending, CreatedAt: f.now,
	}))
	f.ledger.Register("p", ledger.Registration{Address: "0xABC", Unit: "USDT", Margin: d("10")})
	f.now = f.now.Add(90 * time.Second)

	require.NoError(t, f.sched.RunPendingSweep(context.Background()))

	c := f.get(t, "p")
	assert.Equal(t, model.StateInvalid, c.State)
	calls := f.ledger.CallsFor("p")
	require.Len(t, calls, 1)
	assert.Equal(t, ledger.CmdInvalidate, calls[0].Command)
}

func TestPendingSweep_ActivatesMatchingRegistration(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateContract(context.Background(), &model.Contract{
		ID:                "p",
		WalletAddress:     "0xabc",
		Asset:             "BTC",
		Unit:              "USDT",
		Margin:            d("10"),
		QCovered:          d("200"),
		ClaimPrice:        d("50000"),
		Period:            3,
		PeriodUnit:        model.PeriodDay,
		PeriodChangeRatio: d("0.05"),
		State:             model.StatePending,
		Side:              model.SideBull,
		CreatedAt:         f.now,
	}))
	f.ledger.Register("p", ledger.Registration{Address: "0xAbC", Unit: "USDT", Margin: d("10")})
	f.now = f.now.Add(20 * time.Second)
	f.tick("48000", f.now)

	require.NoError(t, f.sched.RunPendingSweep(context.Background()))

	c := f.get(t, "p")
	assert.Equal(t, model.StateAvailable, c.State)
	assert.True(t, c.OpenPrice.Equal(d("48000")))
	calls := f.ledger.CallsFor("p")
	require.Len(t, calls, 1)
	assert.Equal(t, ledger.CmdRegisterAvailable, calls[0].Command)
}

func TestPendingSweep_WaitsForRegistration(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateContract(context.Background(), &model.Contract{
		ID: "p", Asset: "BTC", Unit: "USDT", State: model.StatePending, CreatedAt: f.now,
	}))
	f.now = f.now.Add(30 * time.Second)

	require.NoError(t, f.sched.RunPendingSweep(context.Background()))

	assert.Equal(t, model.StatePending, f.get(t, "p").State)
}

type blockingPrices struct {
	calls   atomic.Int32
	release chan struct{}
}

func (p *blockingPrices) SnapshotAndReset([]string) map[string][]price.Sample {
	p.calls.Add(1)
	<-p.release
	return nil
}

func (p *blockingPrices) LatestPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, price.ErrUnknownSymbol
}

func TestRun_SkipsTickWhileSweepRuns(t *testing.T) {
	prices := &blockingPrices{release: make(chan struct{})}
	st := store.NewMemoryStore()
	s := NewScheduler(st, ledger.NewMemoryLedger(), prices, nil, Config{
		PendingInterval: time.Hour,
		ActiveInterval:  5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return prices.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), prices.calls.Load(), "overlapping ticks are dropped")

	close(prices.release)
	require.Eventually(t, func() bool { return prices.calls.Load() > 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
