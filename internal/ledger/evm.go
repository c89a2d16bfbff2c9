package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/atmx/insurance-engine/internal/symbol"
)

// insuranceABI covers the subset of the insurance contract this service calls.
const insuranceABI = `[
 {"type":"function","name":"updateAvailableInsurance","stateMutability":"nonpayable","inputs":[{"name":"id","type":"string"},{"name":"claimQuantity","type":"uint256"},{"name":"expiredAt","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"updateInvalidInsurance","stateMutability":"nonpayable","inputs":[{"name":"id","type":"string"}],"outputs":[]},
 {"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[{"name":"id","type":"string"}],"outputs":[]},
 {"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"id","type":"string"}],"outputs":[]},
 {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"id","type":"string"}],"outputs":[]},
 {"type":"function","name":"liquidate","stateMutability":"nonpayable","inputs":[{"name":"id","type":"string"}],"outputs":[]},
 {"type":"function","name":"expire","stateMutability":"nonpayable","inputs":[{"name":"id","type":"string"}],"outputs":[]},
 {"type":"function","name":"readInsurance","stateMutability":"view","inputs":[{"name":"id","type":"string"}],"outputs":[
  {"name":"buyer","type":"address"},{"name":"unit","type":"uint8"},{"name":"margin","type":"uint256"},
  {"name":"claimQuantity","type":"uint256"},{"name":"expiredAt","type":"uint256"},{"name":"createdAt","type":"uint256"},
  {"name":"state","type":"uint8"}]},
 {"type":"event","name":"EInsurance","anonymous":false,"inputs":[
  {"name":"id","type":"string","indexed":false},{"name":"buyer","type":"address","indexed":false},
  {"name":"unit","type":"uint8","indexed":false},{"name":"margin","type":"uint256","indexed":false},
  {"name":"claimQuantity","type":"uint256","indexed":false},{"name":"expiredAt","type":"uint256","indexed":false},
  {"name":"createdAt","type":"uint256","indexed":false},{"name":"state","type":"uint8","indexed":false},
  {"name":"eventType","type":"uint8","indexed":false}]}
]`

const insuranceEvent = "EInsurance"

// EVMConfig addresses the insurance contract on an EVM chain.
type EVMConfig struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string // hex, without 0x
	ChainID         int64
}

// EVMLedger drives the insurance contract through go-ethereum bindings.
type EVMLedger struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	chainID  *big.Int
}

// NewEVMLedger dials the RPC endpoint and binds the contract.
func NewEVMLedger(ctx context.Context, cfg EVMConfig) (*EVMLedger, error) {
	parsed, err := abi.JSON(strings.NewReader(insuranceABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = client.ChainID(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("chain id: %w", err)
		}
	}

	addr := common.HexToAddress(cfg.ContractAddress)
	return &EVMLedger{
		client:   client,
		contract: bind.NewBoundContract(addr, parsed, client, client, client),
		abi:      parsed,
		key:      key,
		chainID:  chainID,
	}, nil
}

// Close releases the RPC connection.
func (l *EVMLedger) Close() {
	l.client.Close()
}

func (l *EVMLedger) transact(ctx context.Context, cmd Command, args ...any) (string, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(l.key, l.chainID)
	if err != nil {
		return "", fmt.Errorf("%s: transactor: %w", cmd, err)
	}
	opts.Context = ctx
	tx, err := l.contract.Transact(opts, string(cmd), args...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	return tx.Hash().Hex(), nil
}

func (l *EVMLedger) RegisterAvailable(ctx context.Context, id string, claimQty decimal.Decimal, expiresAt time.Time) (string, error) {
	return l.transact(ctx, CmdRegisterAvailable, id, ToUnits(claimQty), big.NewInt(expiresAt.Unix()))
}

func (l *EVMLedger) Invalidate(ctx context.Context, id string) (string, error) {
	return l.transact(ctx, CmdInvalidate, id)
}

func (l *EVMLedger) Cancel(ctx context.Context, id string) (string, error) {
	return l.transact(ctx, CmdCancel, id)
}

func (l *EVMLedger) Claim(ctx context.Context, id string) (string, error) {
	return l.transact(ctx, CmdClaim, id)
}

func (l *EVMLedger) Refund(ctx context.Context, id string) (string, error) {
	return l.transact(ctx, CmdRefund, id)
}

func (l *EVMLedger) Liquidate(ctx context.Context, id string) (string, error) {
	return l.transact(ctx, CmdLiquidate, id)
}

func (l *EVMLedger) Expire(ctx context.Context, id string) (string, error) {
	return l.transact(ctx, CmdExpire, id)
}

func (l *EVMLedger) ReadRegistration(ctx context.Context, id string) (*Registration, error) {
	var out []any
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "readInsurance", id); err != nil {
		return nil, fmt.Errorf("readInsurance: %w", err)
	}
	return decodeRegistration(out)
}

func decodeRegistration(out []any) (*Registration, error) {
	if len(out) != 7 {
		return nil, fmt.Errorf("readInsurance: expected 7 outputs, got %d", len(out))
	}
	buyer, ok := out[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("readInsurance: buyer has type %T", out[0])
	}
	if buyer == (common.Address{}) {
		return nil, nil
	}
	unitCode, _ := out[1].(uint8)
	stateCode, _ := out[6].(uint8)

	unit, err := symbol.UnitFromCode(unitCode)
	if err != nil {
		// An unknown unit is reported as-is so validation can reject it.
		unit = fmt.Sprintf("UNKNOWN(%d)", unitCode)
	}
	state, err := DecodeContractState(stateCode)
	if err != nil {
		return nil, err
	}
	return &Registration{
		Address:   strings.ToLower(buyer.Hex()),
		Unit:      unit,
		Margin:    FromUnits(asBig(out[2])),
		ClaimQty:  FromUnits(asBig(out[3])),
		ExpiresAt: unixTime(asBig(out[4])),
		CreatedAt: unixTime(asBig(out[5])),
		State:     state,
	}, nil
}

// insuranceLog mirrors the EInsurance event's non-indexed fields.
type insuranceLog struct {
	ID            string         `abi:"id"`
	Buyer         common.Address `abi:"buyer"`
	Unit          uint8          `abi:"unit"`
	Margin        *big.Int       `abi:"margin"`
	ClaimQuantity *big.Int       `abi:"claimQuantity"`
	ExpiredAt     *big.Int       `abi:"expiredAt"`
	CreatedAt     *big.Int       `abi:"createdAt"`
	State         uint8          `abi:"state"`
	EventType     uint8          `abi:"eventType"`
}

// decodeEvent turns a raw EInsurance log into an Event.
func decodeEvent(parsed abi.ABI, lg types.Log) (Event, error) {
	var raw insuranceLog
	if err := parsed.UnpackIntoInterface(&raw, insuranceEvent, lg.Data); err != nil {
		return Event{}, fmt.Errorf("unpack %s: %w", insuranceEvent, err)
	}
	kind, err := DecodeEventKind(raw.EventType)
	if err != nil {
		return Event{}, err
	}
	state, err := DecodeContractState(raw.State)
	if err != nil {
		return Event{}, err
	}
	unit, err := symbol.UnitFromCode(raw.Unit)
	if err != nil {
		unit = fmt.Sprintf("UNKNOWN(%d)", raw.Unit)
	}
	return Event{
		Kind:        kind,
		ContractID:  raw.ID,
		Address:     strings.ToLower(raw.Buyer.Hex()),
		Unit:        unit,
		Margin:      FromUnits(raw.Margin),
		ClaimQty:    FromUnits(raw.ClaimQuantity),
		ExpiresAt:   unixTime(raw.ExpiredAt),
		CreatedAt:   unixTime(raw.CreatedAt),
		State:       state,
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
	}, nil
}

// WatchEvents streams EInsurance logs into h until ctx is cancelled,
// resubscribing with backoff when the subscription drops.
func (l *EVMLedger) WatchEvents(ctx context.Context, h Handler) error {
	delay := time.Second
	for {
		err := l.watchOnce(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("ledger subscription dropped", "err", err, "retry_in", delay.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func (l *EVMLedger) watchOnce(ctx context.Context, h Handler) error {
	logs, sub, err := l.contract.WatchLogs(&bind.WatchOpts{Context: ctx}, insuranceEvent)
	if err != nil {
		return fmt.Errorf("watch %s: %w", insuranceEvent, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case lg := <-logs:
			if lg.Removed {
				continue
			}
			ev, err := decodeEvent(l.abi, lg)
			if err != nil {
				slog.Warn("ledger event skipped", "tx", lg.TxHash.Hex(), "err", err)
				continue
			}
			if err := h(ctx, ev); err != nil {
				slog.Error("ledger event handler failed", "id", ev.ContractID, "kind", ev.Kind, "err", err)
			}
		}
	}
}

func asBig(v any) *big.Int {
	b, _ := v.(*big.Int)
	return b
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
