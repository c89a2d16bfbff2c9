// Package ledger is the boundary to the on-chain insurance contract.
//
// Commands submit a transaction and return its hash without waiting for a
// receipt. Finality comes back as Events, whose numeric codes are decoded
// here and nowhere else.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Decimals is the fixed-point precision of on-chain amounts.
const Decimals = 18

var (
	ErrUnknownEvent = errors.New("ledger: unknown event code")
	ErrUnknownState = errors.New("ledger: unknown contract state code")
)

// Command names a ledger write, used for logging and metrics.
type Command string

const (
	CmdRegisterAvailable Command = "updateAvailableInsurance"
	CmdInvalidate        Command = "updateInvalidInsurance"
	CmdCancel            Command = "cancel"
	CmdClaim             Command = "claim"
	CmdRefund            Command = "refund"
	CmdLiquidate         Command = "liquidate"
	CmdExpire            Command = "expire"
)

// Ledger submits lifecycle commands and reads registrations.
type Ledger interface {
	RegisterAvailable(ctx context.Context, id string, claimQty decimal.Decimal, expiresAt time.Time) (string, error)
	Invalidate(ctx context.Context, id string) (string, error)
	Cancel(ctx context.Context, id string) (string, error)
	Claim(ctx context.Context, id string) (string, error)
	Refund(ctx context.Context, id string) (string, error)
	Liquidate(ctx context.Context, id string) (string, error)
	Expire(ctx context.Context, id string) (string, error)

	// ReadRegistration returns nil without error when the ledger has no
	// record of id.
	ReadRegistration(ctx context.Context, id string) (*Registration, error)
}

// ContractState is the state the ledger holds for a contract.
type ContractState uint8

const (
	OnChainPending ContractState = iota
	OnChainAvailable
	OnChainClaimed
	OnChainRefunded
	OnChainLiquidated
	OnChainExpired
	OnChainCancelled
	OnChainInvalid
)

var contractStateNames = [...]string{
	"PENDING", "AVAILABLE", "CLAIMED", "REFUNDED",
	"LIQUIDATED", "EXPIRED", "CANCELLED", "INVALID",
}

func (s ContractState) String() string {
	if int(s) < len(contractStateNames) {
		return contractStateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

// DecodeContractState validates an on-chain state code.
func DecodeContractState(code uint8) (ContractState, error) {
	if int(code) >= len(contractStateNames) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownState, code)
	}
	return ContractState(code), nil
}

// Registration is the ledger's record of a contract.
type Registration struct {
	Address   string          `json:"address"`
	Unit      string          `json:"unit"`
	Margin    decimal.Decimal `json:"margin"`
	ClaimQty  decimal.Decimal `json:"q_claim"`
	ExpiresAt time.Time       `json:"expired_at"`
	CreatedAt time.Time       `json:"created_at"`
	State     ContractState   `json:"state"`
}

// Outcome is the result of one ledger command, recorded in the state log.
type Outcome struct {
	TxHash string
	Err    error
}

// ErrorString returns the error message, or "" on success.
func (o Outcome) ErrorString() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// EventKind is the closed set of ledger notifications.
type EventKind string

const (
	EventCreated     EventKind = "CREATE"
	EventAvailable   EventKind = "UPDATE_AVAILABLE"
	EventInvalidated EventKind = "UPDATE_INVALID"
	EventRefunded    EventKind = "REFUND"
	EventCancelled   EventKind = "CANCEL"
	EventClaimed     EventKind = "CLAIM"
	EventExpired     EventKind = "EXPIRED"
	EventLiquidated  EventKind = "LIQUIDATED"
)

// eventKinds is indexed by the on-chain event type code.
var eventKinds = [...]EventKind{
	EventCreated, EventAvailable, EventInvalidated, EventRefunded,
	EventCancelled, EventClaimed, EventExpired, EventLiquidated,
}

// DecodeEventKind maps an on-chain event type code to its kind.
func DecodeEventKind(code uint8) (EventKind, error) {
	if int(code) >= len(eventKinds) {
		return "", fmt.Errorf("%w: %d", ErrUnknownEvent, code)
	}
	return eventKinds[code], nil
}

// Event is one decoded ledger notification.
type Event struct {
	Kind        EventKind       `json:"kind"`
	ContractID  string          `json:"contract_id"`
	Address     string          `json:"address"`
	Unit        string          `json:"unit"`
	Margin      decimal.Decimal `json:"margin"`
	ClaimQty    decimal.Decimal `json:"q_claim"`
	ExpiresAt   time.Time       `json:"expired_at"`
	CreatedAt   time.Time       `json:"created_at"`
	State       ContractState   `json:"state"`
	TxHash      string          `json:"txhash"`
	BlockNumber uint64          `json:"block_number"`
}

// Handler consumes ledger events. A returned error asks the source to
// redeliver when it can.
type Handler func(ctx context.Context, ev Event) error

// ToUnits converts a decimal amount into 18-decimal integer units.
func ToUnits(d decimal.Decimal) *big.Int {
	return d.Shift(Decimals).BigInt()
}

// FromUnits converts 18-decimal integer units into a decimal amount.
func FromUnits(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -Decimals)
}

// WithRetry re-runs h while retryable(err) holds, up to attempts times,
// sleeping delay between tries. It lets a direct chain watcher ride out
// short lock contention that a durable consumer would handle by redelivery.
func WithRetry(h Handler, attempts int, delay time.Duration, retryable func(error) bool) Handler {
	return func(ctx context.Context, ev Event) error {
		var err error
		for i := 0; i < attempts; i++ {
			if err = h(ctx, ev); err == nil || !retryable(err) {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		return err
	}
}
