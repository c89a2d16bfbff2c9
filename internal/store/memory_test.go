package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/insurance-engine/internal/model"
)

func newContract(id string, state model.State, created time.Time) *model.Contract {
	return &model.Contract{
		ID:         id,
		UserID:     "u1",
		Asset:      "BTC",
		Unit:       "USDT",
		Margin:     decimal.NewFromInt(10),
		QCovered:   decimal.NewFromInt(100),
		ClaimPrice: decimal.NewFromInt(60000),
		State:      state,
		Side:       model.SideBull,
		CreatedAt:  created,
	}
}

func TestMemoryStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c := newContract("a", model.StatePending, time.Unix(100, 0))

	require.NoError(t, s.CreateContract(ctx, c))
	assert.ErrorIs(t, s.CreateContract(ctx, c), ErrDuplicate)

	got, err := s.GetContract(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", got.Symbol())

	got.State = model.StateClaimed
	again, _ := s.GetContract(ctx, "a")
	assert.Equal(t, model.StatePending, again.State, "returned copies must not alias stored state")

	_, err = s.GetContract(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ApplyTransitionCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateContract(ctx, newContract("a", model.StateAvailable, time.Unix(100, 0))))

	closed := time.Unix(200, 0)
	price := decimal.NewFromInt(59000)
	c, err := s.ApplyTransition(ctx, "a", model.StateAvailable, model.Transition{
		To: model.StateCancelled, ClosePrice: &price, ClosedAt: &closed,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, c.State)
	assert.True(t, c.ClosePrice.Equal(price))

	_, err = s.ApplyTransition(ctx, "a", model.StateAvailable, model.Transition{To: model.StateExpired})
	assert.ErrorIs(t, err, ErrStateConflict)

	_, err = s.ApplyTransition(ctx, "nope", model.StateAvailable, model.Transition{To: model.StateExpired})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ConcurrentTransitionSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateContract(ctx, newContract("a", model.StatePending, time.Unix(100, 0))))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ApplyTransition(ctx, "a", model.StatePending, model.Transition{To: model.StateAvailable}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore_ListFilterAndPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Unix(1000, 0)
	for i, st := range []model.State{model.StatePending, model.StateAvailable, model.StateAvailable, model.StateClaimed} {
		c := newContract(string(rune('a'+i)), st, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.CreateContract(ctx, c))
	}

	avail, err := s.ListContracts(ctx, model.ContractFilter{States: []model.State{model.StateAvailable}})
	require.NoError(t, err)
	require.Len(t, avail, 2)
	assert.Equal(t, "c", avail[0].ID, "newest first")

	page, err := s.ListContracts(ctx, model.ContractFilter{Skip: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].ID)
	assert.Equal(t, "b", page[1].ID)

	n, err := s.CountContracts(ctx, model.ContractFilter{Skip: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	empty, err := s.ListContracts(ctx, model.ContractFilter{Skip: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore_AppendStateLogAndTxHash(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateContract(ctx, newContract("a", model.StatePending, time.Unix(100, 0))))

	require.NoError(t, s.AppendStateLog(ctx, "a", model.StateLogEntry{State: model.StateAvailable, TxHash: "0x1"}))
	require.NoError(t, s.AppendStateLog(ctx, "a", model.StateLogEntry{State: model.StateClaimWaiting, Error: "reverted"}))
	require.NoError(t, s.SetTxHash(ctx, "a", "0xreg"))

	c, _ := s.GetContract(ctx, "a")
	require.Len(t, c.StateLogs, 2)
	assert.Equal(t, "reverted", c.StateLogs[1].Error)
	assert.Equal(t, "0xreg", c.TxHash)

	assert.ErrorIs(t, s.AppendStateLog(ctx, "x", model.StateLogEntry{}), ErrNotFound)
}

func TestMemoryStore_Pairs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertPair(ctx, &model.Pair{Symbol: "ETHUSDT", Asset: "ETH", Unit: "USDT", IsActive: true}))
	require.NoError(t, s.UpsertPair(ctx, &model.Pair{Symbol: "BTCUSDT", Asset: "BTC", Unit: "USDT", IsActive: true}))
	require.NoError(t, s.UpsertPair(ctx, &model.Pair{Symbol: "XRPUSDT", Asset: "XRP", Unit: "USDT"}))

	active, err := s.ListPairs(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "BTCUSDT", active[0].Symbol)

	cfg := model.PairConfig{DayChangeRatios: []decimal.Decimal{decimal.RequireFromString("0.04")}}
	require.NoError(t, s.UpdatePairConfig(ctx, "BTCUSDT", cfg))
	p, err := s.GetPair(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, p.Config)
	assert.Len(t, p.Config.DayChangeRatios, 1)

	assert.ErrorIs(t, s.UpdatePairConfig(ctx, "NOPE", cfg), ErrNotFound)
}

func TestMemoryStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	mk := func(id string, st model.State) {
		c := newContract(id, st, time.Unix(1, 0))
		c.ClaimQuantity = decimal.NewFromInt(30)
		require.NoError(t, s.CreateContract(ctx, c))
	}
	mk("a", model.StateAvailable)
	mk("b", model.StateClaimed)
	mk("c", model.StateRefundWaiting)
	mk("d", model.StateInvalid)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalContracts)
	assert.True(t, st.TotalQCovered.Equal(decimal.NewFromInt(300)))
	assert.True(t, st.TotalPayback.Equal(decimal.NewFromInt(40)), "claim qty 30 plus refunded margin 10")
	assert.True(t, st.ClaimPool.Equal(decimal.NewFromInt(30)))
	assert.True(t, st.MarginPool.Equal(decimal.NewFromInt(10)))
}

func TestWhereClause(t *testing.T) {
	where, args := whereClause(model.ContractFilter{
		States: []model.State{model.StateAvailable, model.StatePending},
		UserID: "u1",
		Symbol: "BTCUSDT",
	})
	assert.Equal(t, " WHERE state = ANY($1) AND user_id = $2 AND asset || unit = $3", where)
	require.Len(t, args, 3)
	assert.Equal(t, []string{"AVAILABLE", "PENDING"}, args[0])

	where, args = whereClause(model.ContractFilter{})
	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestMigrationsEmbedded(t *testing.T) {
	files, err := upMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "001", migrationVersion(files[0]))
}
