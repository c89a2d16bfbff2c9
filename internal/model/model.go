// Package model defines the core domain types shared across the insurance engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of an insurance contract.
type State string

const (
	StatePending       State = "PENDING"
	StateAvailable     State = "AVAILABLE"
	StateClaimWaiting  State = "CLAIM_WAITING"
	StateClaimed       State = "CLAIMED"
	StateRefundWaiting State = "REFUND_WAITING"
	StateRefunded      State = "REFUNDED"
	StateLiquidated    State = "LIQUIDATED"
	StateExpired       State = "EXPIRED"
	StateCancelled     State = "CANCELLED"
	StateInvalid       State = "INVALID"
)

// transitions lists the only legal edges of the state machine.
var transitions = map[State][]State{
	StatePending:       {StateAvailable, StateInvalid},
	StateAvailable:     {StateClaimWaiting, StateRefundWaiting, StateLiquidated, StateExpired, StateCancelled},
	StateClaimWaiting:  {StateClaimed},
	StateRefundWaiting: {StateRefunded},
}

// CanTransitionTo reports whether to is a legal successor of s.
func (s State) CanTransitionTo(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no edge leaves s.
func (s State) IsTerminal() bool {
	switch s {
	case StateClaimed, StateRefunded, StateLiquidated, StateExpired, StateCancelled, StateInvalid:
		return true
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateAvailable, StateClaimWaiting, StateClaimed,
		StateRefundWaiting, StateRefunded, StateLiquidated, StateExpired,
		StateCancelled, StateInvalid:
		return true
	}
	return false
}

// Side is the direction a contract pays out on.
type Side string

const (
	SideBull Side = "BULL" // pays if price rises to the claim price
	SideBear Side = "BEAR" // pays if price falls to the claim price
)

// SideFor derives the side from the claim price and the market price at creation.
func SideFor(claimPrice, openPrice decimal.Decimal) Side {
	if claimPrice.GreaterThan(openPrice) {
		return SideBull
	}
	return SideBear
}

// PeriodUnit is the unit of a contract's period.
type PeriodUnit string

const (
	PeriodDay  PeriodUnit = "DAY"
	PeriodHour PeriodUnit = "HOUR"
)

// Reasons recorded when a pending contract is invalidated.
const (
	ReasonInvalidMargin        = "INVALID_MARGIN"
	ReasonInvalidWalletAddress = "INVALID_WALLET_ADDRESS"
	ReasonCreatedTimeTimeout   = "CREATED_TIME_TIMEOUT"
	ReasonInvalidUnit          = "INVALID_UNIT"
)

// StateLogEntry records one transition attempt, including the ledger outcome.
type StateLogEntry struct {
	State  State     `json:"state"`
	Time   time.Time `json:"time"`
	TxHash string    `json:"txhash,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Contract is one insurance position, mirrored on the ledger.
// Schema: {user, asset, unit, margin, q_covered, p_claim, period, state, side, ...}
type Contract struct {
	ID            string `json:"id" db:"id"`
	UserID        string `json:"user_id" db:"user_id"`
	WalletAddress string `json:"wallet_address" db:"wallet_address"`
	Asset         string `json:"asset" db:"asset"`
	Unit          string `json:"unit" db:"unit"`

	Margin            decimal.Decimal `json:"margin" db:"margin"`
	QCovered          decimal.Decimal `json:"q_covered" db:"q_covered"`
	ClaimPrice        decimal.Decimal `json:"p_claim" db:"p_claim"`
	Period            int             `json:"period" db:"period"`
	PeriodUnit        PeriodUnit      `json:"period_unit" db:"period_unit"`
	PeriodChangeRatio decimal.Decimal `json:"period_change_ratio" db:"period_change_ratio"`

	// Derived at activation.
	OpenPrice        decimal.Decimal `json:"p_open" db:"p_open"`
	LiquidationPrice decimal.Decimal `json:"p_liquidation" db:"p_liquidation"`
	ClaimQuantity    decimal.Decimal `json:"q_claim" db:"q_claim"`
	RefundPrice      decimal.Decimal `json:"p_refund" db:"p_refund"`
	CancelPrice      decimal.Decimal `json:"p_cancel" db:"p_cancel"`
	Leverage         decimal.Decimal `json:"leverage" db:"leverage"`
	Hedge            decimal.Decimal `json:"hedge" db:"hedge"`
	SystemCapital    decimal.Decimal `json:"system_capital" db:"system_capital"`
	ExpiresAt        time.Time       `json:"expired_at" db:"expired_at"`

	State         State            `json:"state" db:"state"`
	Side          Side             `json:"side" db:"side"`
	ClosePrice    *decimal.Decimal `json:"p_close,omitempty" db:"p_close"`
	InvalidReason string           `json:"invalid_reason,omitempty" db:"invalid_reason"`
	TxHash        string           `json:"txhash,omitempty" db:"txhash"`
	StateLogs     []StateLogEntry  `json:"state_logs" db:"state_logs"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty" db:"closed_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

// Symbol is the market symbol the contract tracks, e.g. "BTCUSDT".
func (c *Contract) Symbol() string { return c.Asset + c.Unit }

// Clone returns a deep copy so callers cannot mutate shared state.
func (c *Contract) Clone() *Contract {
	cp := *c
	if c.ClosePrice != nil {
		p := *c.ClosePrice
		cp.ClosePrice = &p
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		cp.ClosedAt = &t
	}
	cp.StateLogs = append([]StateLogEntry(nil), c.StateLogs...)
	return &cp
}

// DerivedParams are the economic fields computed once at activation.
type DerivedParams struct {
	OpenPrice        decimal.Decimal `json:"p_open"`
	ExpiresAt        time.Time       `json:"expired_at"`
	Hedge            decimal.Decimal `json:"hedge"`
	LiquidationPrice decimal.Decimal `json:"p_liquidation"`
	ClaimQuantity    decimal.Decimal `json:"q_claim"`
	SystemCapital    decimal.Decimal `json:"system_capital"`
	RefundPrice      decimal.Decimal `json:"p_refund"`
	Leverage         decimal.Decimal `json:"leverage"`
	CancelPrice      decimal.Decimal `json:"p_cancel"`
}

// Transition describes one state change and the fields written with it.
// Nil fields are left untouched.
type Transition struct {
	To            State
	ClosePrice    *decimal.Decimal
	ClosedAt      *time.Time
	InvalidReason string
	Derived       *DerivedParams
	At            time.Time
}

// Apply writes t onto c. The caller has already validated the edge.
func (t Transition) Apply(c *Contract) {
	c.State = t.To
	if t.ClosePrice != nil {
		p := *t.ClosePrice
		c.ClosePrice = &p
	}
	if t.ClosedAt != nil && c.ClosedAt == nil {
		ts := *t.ClosedAt
		c.ClosedAt = &ts
	}
	if t.InvalidReason != "" {
		c.InvalidReason = t.InvalidReason
	}
	if d := t.Derived; d != nil {
		c.OpenPrice = d.OpenPrice
		c.ExpiresAt = d.ExpiresAt
		c.Hedge = d.Hedge
		c.LiquidationPrice = d.LiquidationPrice
		c.ClaimQuantity = d.ClaimQuantity
		c.SystemCapital = d.SystemCapital
		c.RefundPrice = d.RefundPrice
		c.Leverage = d.Leverage
		c.CancelPrice = d.CancelPrice
	}
	if !t.At.IsZero() {
		c.UpdatedAt = t.At
	}
}

// ContractFilter selects contracts. Zero values match everything.
type ContractFilter struct {
	States        []State
	Side          Side
	UserID        string
	Symbol        string
	Asset         string
	ClosedOnly    bool
	CreatedBefore time.Time
	ExpiresBefore time.Time
	Skip          int
	Limit         int
}

// Matches reports whether c satisfies every set criterion (Skip/Limit excluded).
func (f ContractFilter) Matches(c *Contract) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if c.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Side != "" && c.Side != f.Side {
		return false
	}
	if f.UserID != "" && c.UserID != f.UserID {
		return false
	}
	if f.Symbol != "" && c.Symbol() != f.Symbol {
		return false
	}
	if f.Asset != "" && c.Asset != f.Asset {
		return false
	}
	if f.ClosedOnly && c.ClosedAt == nil {
		return false
	}
	if !f.CreatedBefore.IsZero() && !c.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.ExpiresBefore.IsZero() && !c.ExpiresAt.Before(f.ExpiresBefore) {
		return false
	}
	return true
}

// Pair is a tradable symbol with its volatility configuration.
type Pair struct {
	Symbol     string      `json:"symbol" db:"symbol"`
	Asset      string      `json:"asset" db:"asset"`
	Unit       string      `json:"unit" db:"unit"`
	IsActive   bool        `json:"is_active" db:"is_active"`
	IsMaintain bool        `json:"is_maintain" db:"is_maintain"`
	IsHot      bool        `json:"is_hot" db:"is_hot"`
	Config     *PairConfig `json:"config,omitempty"`
}

// PairConfig holds cumulative expected price change ratios per period index.
type PairConfig struct {
	DayChangeRatios  []decimal.Decimal `json:"list_day_change_ratio"`
	HourChangeRatios []decimal.Decimal `json:"list_hour_change_ratio"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Stats aggregates platform totals.
type Stats struct {
	TotalContracts int             `json:"total_contracts"`
	TotalQCovered  decimal.Decimal `json:"total_q_covered"`
	TotalPayback   decimal.Decimal `json:"total_payback"`
	ClaimPool      decimal.Decimal `json:"claim_pool"`
	MarginPool     decimal.Decimal `json:"margin_pool"`
	RefundPending  decimal.Decimal `json:"refund_pending"`
	ClaimPending   decimal.Decimal `json:"claim_pending"`
}

// Accumulate folds c into s.
func (s *Stats) Accumulate(c *Contract) {
	if c.State != StateInvalid {
		s.TotalContracts++
		s.TotalQCovered = s.TotalQCovered.Add(c.QCovered)
	}
	switch c.State {
	case StateClaimWaiting, StateClaimed:
		s.TotalPayback = s.TotalPayback.Add(c.ClaimQuantity)
	case StateRefundWaiting, StateRefunded:
		s.TotalPayback = s.TotalPayback.Add(c.Margin)
	}
	switch c.State {
	case StateAvailable:
		s.ClaimPool = s.ClaimPool.Add(c.ClaimQuantity)
		s.MarginPool = s.MarginPool.Add(c.Margin)
	case StateRefundWaiting:
		s.RefundPending = s.RefundPending.Add(c.Margin)
	case StateClaimWaiting:
		s.ClaimPending = s.ClaimPending.Add(c.ClaimQuantity)
	}
}
