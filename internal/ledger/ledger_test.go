package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventKind(t *testing.T) {
	want := []EventKind{
		EventCreated, EventAvailable, EventInvalidated, EventRefunded,
		EventCancelled, EventClaimed, EventExpired, EventLiquidated,
	}
	for code, kind := range want {
		got, err := DecodeEventKind(uint8(code))
		require.NoError(t, err)
		assert.Equal(t, kind, got)
	}

	_, err := DecodeEventKind(8)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeContractState(t *testing.T) {
	s, err := DecodeContractState(4)
	require.NoError(t, err)
	assert.Equal(t, OnChainLiquidated, s)
	assert.Equal(t, "LIQUIDATED", s.String())

	_, err = DecodeContractState(9)
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestUnitsConversion(t *testing.T) {
	amt := decimal.RequireFromString("12.5")
	units := ToUnits(amt)
	assert.Equal(t, "12500000000000000000", units.String())
	assert.True(t, FromUnits(units).Equal(amt))
	assert.True(t, FromUnits(nil).IsZero())
}

func TestOutcomeErrorString(t *testing.T) {
	assert.Empty(t, Outcome{TxHash: "0x1"}.ErrorString())
	assert.Equal(t, "boom", Outcome{Err: errors.New("boom")}.ErrorString())
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "insurance.ledger.events.update_available", Subject(EventAvailable))
}

func TestDecodeEvent(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(insuranceABI))
	require.NoError(t, err)

	buyer := common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
	data, err := parsed.Events[insuranceEvent].Inputs.NonIndexed().Pack(
		"c-1", buyer, uint8(0),
		ToUnits(decimal.NewFromInt(10)), ToUnits(decimal.NewFromInt(25)),
		big.NewInt(1700086400), big.NewInt(1700000000),
		uint8(0), uint8(5),
	)
	require.NoError(t, err)

	lg := types.Log{
		Topics:      []common.Hash{parsed.Events[insuranceEvent].ID},
		Data:        data,
		TxHash:      common.HexToHash("0x01"),
		BlockNumber: 42,
	}
	ev, err := decodeEvent(parsed, lg)
	require.NoError(t, err)

	assert.Equal(t, EventClaimed, ev.Kind)
	assert.Equal(t, "c-1", ev.ContractID)
	assert.Equal(t, strings.ToLower(buyer.Hex()), ev.Address)
	assert.Equal(t, "USDT", ev.Unit)
	assert.True(t, ev.Margin.Equal(decimal.NewFromInt(10)))
	assert.True(t, ev.ClaimQty.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, int64(1700086400), ev.ExpiresAt.Unix())
	assert.Equal(t, uint64(42), ev.BlockNumber)
}

func TestDecodeRegistration(t *testing.T) {
	reg, err := decodeRegistration([]any{
		common.Address{}, uint8(0), big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0), uint8(0),
	})
	require.NoError(t, err)
	assert.Nil(t, reg, "zero address means no record")

	buyer := common.HexToAddress("0x00000000000000000000000000000000000000AA")
	reg, err = decodeRegistration([]any{
		buyer, uint8(1), ToUnits(decimal.NewFromInt(7)), big.NewInt(0), big.NewInt(0), big.NewInt(1700000000), uint8(0),
	})
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, "VNST", reg.Unit)
	assert.True(t, reg.Margin.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, OnChainPending, reg.State)
	assert.True(t, reg.ExpiresAt.IsZero())
}

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	reg, err := l.ReadRegistration(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, reg)

	l.Register("a", Registration{Address: "0xabc", Unit: "USDT", Margin: decimal.NewFromInt(10)})

	exp := time.Unix(1700000000, 0)
	hash, err := l.RegisterAvailable(ctx, "a", decimal.NewFromInt(30), exp)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "0x"))

	reg, err = l.ReadRegistration(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, OnChainAvailable, reg.State)
	assert.True(t, reg.ClaimQty.Equal(decimal.NewFromInt(30)))

	l.FailWith(CmdClaim, errors.New("reverted"))
	_, err = l.Claim(ctx, "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")

	l.FailWith(CmdClaim, nil)
	h2, err := l.Claim(ctx, "a")
	require.NoError(t, err)
	assert.NotEqual(t, hash, h2)

	calls := l.CallsFor("a")
	require.Len(t, calls, 3)
	assert.Equal(t, CmdRegisterAvailable, calls[0].Command)
	assert.Empty(t, calls[1].TxHash)
	assert.Equal(t, CmdClaim, calls[2].Command)
}

func TestMemoryLedgerWatchEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewMemoryLedger()

	got := make(chan Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- l.WatchEvents(ctx, func(_ context.Context, ev Event) error {
			got <- ev
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.watching
	}, time.Second, time.Millisecond)

	l.Register("a", Registration{Address: "0xabc", Unit: "USDT", Margin: decimal.NewFromInt(10)})
	hash, err := l.Claim(context.Background(), "a")
	require.NoError(t, err)

	created := <-got
	assert.Equal(t, EventCreated, created.Kind)
	assert.Equal(t, "0xabc", created.Address)
	assert.True(t, created.Margin.Equal(decimal.NewFromInt(10)))

	claimed := <-got
	assert.Equal(t, EventClaimed, claimed.Kind)
	assert.Equal(t, "a", claimed.ContractID)
	assert.Equal(t, hash, claimed.TxHash)
	assert.Equal(t, OnChainClaimed, claimed.State)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
