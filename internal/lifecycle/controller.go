// Package lifecycle owns the insurance contract state machine.
//
// Every mutating operation runs under the contract's lock, re-reads the
// contract, checks the edge, writes the new state, issues the matching
// ledger command and appends one state log entry carrying the command
// outcome. A failed ledger command never rolls back the local transition.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/insurance-engine/internal/formula"
	"github.com/atmx/insurance-engine/internal/ledger"
	"github.com/atmx/insurance-engine/internal/lock"
	"github.com/atmx/insurance-engine/internal/metrics"
	"github.com/atmx/insurance-engine/internal/model"
	"github.com/atmx/insurance-engine/internal/store"
)

// CreationWindow is how long a PENDING contract may wait for its ledger
// registration before it is invalidated.
const CreationWindow = 60 * time.Second

var (
	// ErrInvalidTransition is returned when the contract is not in a state
	// the operation can leave from.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")

	// ErrBusy is returned when another evaluation holds the contract lock.
	// Callers treat it as a skipped pass.
	ErrBusy = errors.New("lifecycle: contract busy")
)

// PriceSource answers the current price of a symbol.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Notifier is told about every applied transition.
type Notifier interface {
	Publish(c *model.Contract)
}

// Registration is what the ledger reports when a buyer registers a contract.
type Registration struct {
	ID      string
	Address string
	Unit    string
	Margin  decimal.Decimal
	TxHash  string
}

// Controller drives contracts through the state machine.
type Controller struct {
	store    store.Store
	ledger   ledger.Ledger
	prices   PriceSource
	locker   lock.Locker
	notifier Notifier
	lockTTL  time.Duration
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithNotifier publishes applied transitions to n.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithClock overrides the controller clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLockTTL overrides the per-contract lock TTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Controller) {
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}

// NewController wires a controller to its collaborators.
func NewController(st store.Store, l ledger.Ledger, prices PriceSource, locker lock.Locker, opts ...Option) *Controller {
	c := &Controller{
		store:   st,
		ledger:  l,
		prices:  prices,
		locker:  locker,
		lockTTL: lock.DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// withLock runs fn on a fresh read of the contract while holding its lock.
func (c *Controller) withLock(ctx context.Context, id string, fn func(*model.Contract) (*model.Contract, error)) (*model.Contract, error) {
	key := lock.ContractKey(id)
	ok, err := c.locker.Acquire(ctx, key, c.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", id, err)
	}
	if !ok {
		metrics.LockContention.Inc()
		return nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer func() {
		if err := c.locker.Release(context.WithoutCancel(ctx), key); err != nil {
			slog.Warn("lock release failed", "id", id, "err", err)
		}
	}()

	contract, err := c.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	return fn(contract)
}

// transition writes t, runs issue for the ledger outcome and logs it.
func (c *Controller) transition(ctx context.Context, cur *model.Contract, t model.Transition, cmd ledger.Command, issue func(context.Context) ledger.Outcome) (*model.Contract, error) {
	if !cur.State.CanTransitionTo(t.To) {
		return nil, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, cur.State, t.To, cur.ID)
	}
	now := c.now().UTC()
	t.At = now

	updated, err := c.store.ApplyTransition(ctx, cur.ID, cur.State, t)
	if errors.Is(err, store.ErrStateConflict) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if err != nil {
		return nil, fmt.Errorf("apply %s for %s: %w", t.To, cur.ID, err)
	}
	metrics.Transitions.WithLabelValues(string(t.To)).Inc()

	var out ledger.Outcome
	if issue != nil {
		out = issue(ctx)
		if out.Err != nil {
			metrics.LedgerCommandFailures.WithLabelValues(string(cmd)).Inc()
			slog.Error("ledger command failed", "id", cur.ID, "command", cmd, "err", out.Err)
		}
	}

	entry := model.StateLogEntry{
		State:  t.To,
		Time:   now,
		TxHash: out.TxHash,
		Error:  out.ErrorString(),
	}
	if err := c.store.AppendStateLog(ctx, cur.ID, entry); err != nil {
		return updated, fmt.Errorf("append state log for %s: %w", cur.ID, err)
	}
	updated.StateLogs = append(updated.StateLogs, entry)

	slog.Info("contract transitioned", "id", cur.ID, "from", cur.State, "to", t.To, "txhash", out.TxHash)
	if c.notifier != nil {
		c.notifier.Publish(updated)
	}
	return updated, nil
}

func command(cmd func(context.Context, string) (string, error), id string) func(context.Context) ledger.Outcome {
	return func(ctx context.Context) ledger.Outcome {
		hash, err := cmd(ctx, id)
		return ledger.Outcome{TxHash: hash, Err: err}
	}
}

// Activate prices a PENDING contract, derives its parameters and makes it
// AVAILABLE, then registers availability on the ledger.
func (c *Controller) Activate(ctx context.Context, id string) (*model.Contract, error) {
	return c.withLock(ctx, id, func(cur *model.Contract) (*model.Contract, error) {
		if cur.State != model.StatePending {
			return nil, fmt.Errorf("%w: activate %s in %s", ErrInvalidTransition, id, cur.State)
		}
		price, err := c.prices.LatestPrice(ctx, cur.Symbol())
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", cur.Symbol(), err)
		}
		derived, err := formula.Derive(formula.Inputs{
			Margin:            cur.Margin,
			QCovered:          cur.QCovered,
			OpenPrice:         price,
			ClaimPrice:        cur.ClaimPrice,
			Period:            cur.Period,
			PeriodUnit:        cur.PeriodUnit,
			PeriodChangeRatio: cur.PeriodChangeRatio,
			Side:              cur.Side,
		}, c.now())
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w", id, err)
		}

		return c.transition(ctx, cur, model.Transition{To: model.StateAvailable, Derived: &derived},
			ledger.CmdRegisterAvailable,
			func(ctx context.Context) ledger.Outcome {
				hash, err := c.ledger.RegisterAvailable(ctx, id, derived.ClaimQuantity, derived.ExpiresAt)
				return ledger.Outcome{TxHash: hash, Err: err}
			})
	})
}

// Invalidate moves a PENDING contract to INVALID. With payback the ledger is
// told to return the buyer's margin.
func (c *Controller) Invalidate(ctx context.Context, id, reason string, payback bool) (*model.Contract, error) {
	return c.withLock(ctx, id, func(cur *model.Contract) (*model.Contract, error) {
		closed := c.now().UTC()
		var issue func(context.Context) ledger.Outcome
		if payback {
			issue = command(c.ledger.Invalidate, id)
		}
		return c.transition(ctx, cur, model.Transition{
			To:            model.StateInvalid,
			InvalidReason: reason,
			ClosedAt:      &closed,
		}, ledger.CmdInvalidate, issue)
	})
}

// Cancel closes an AVAILABLE contract at the user's request. A contract that
// is locked by another evaluation cannot be cancelled.
func (c *Controller) Cancel(ctx context.Context, id string, closePrice decimal.Decimal) (*model.Contract, error) {
	updated, err := c.withLock(ctx, id, func(cur *model.Contract) (*model.Contract, error) {
		closed := c.now().UTC()
		return c.transition(ctx, cur, model.Transition{
			To:         model.StateCancelled,
			ClosePrice: &closePrice,
			ClosedAt:   &closed,
		}, ledger.CmdCancel, command(c.ledger.Cancel, id))
	})
	if errors.Is(err, ErrBusy) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	return updated, err
}

// Claim moves an AVAILABLE contract to CLAIM_WAITING at closePrice. The
// contract closes when the ledger confirms the payout.
func (c *Controller) Claim(ctx context.Context, id string, closePrice decimal.Decimal) (*model.Contract, error) {
	return c.withLock(ctx, id, func(cur *model.Contract) (*model.Contract, error) {
		return c.transition(ctx, cur, model.Transition{
			To:         model.StateClaimWaiting,
			ClosePrice: &closePrice,
		}, ledger.CmdClaim, command(c.ledger.Claim, id))
	})
}

// Refund moves an AVAILABLE contract to REFUND_WAITING. closedAt is set now.
func (c *Controller) Refund(ctx context.Context, id string, closePrice decimal.Decimal) (*model.Contract, error) {
	return c.withLock(ctx, id, func(cur *model.Contract) (*model.Contract, error) {
		closed := c.now().UTC()
		return c.transition(ctx, cur, model.Transition{
			To:         model.StateRefundWaiting,
			ClosePrice: &closePrice,
			ClosedAt:   &closed,
		}, ledger.CmdRefund, command(c.ledger.Refund, id))
	})
}

// ResolveTerminal closes an AVAILABLE contract as LIQUIDATED or EXPIRED.
func (c *Controller) ResolveTerminal(ctx context.Context, id string, target model.State, closePrice decimal.Decimal) (*model.Contract, error) {
	var (
		cmd ledger.Command
		fn  func(context.Context, string) (string, error)
	)
	switch target {
	case model.StateLiquidated:
		cmd, fn = ledger.CmdLiquidate, c.ledger.Liquidate
	case model.StateExpired:
		cmd, fn = ledger.CmdExpire, c.ledger.Expire
	default:
		return nil, fmt.Errorf("%w: %s is not a resolution state", ErrInvalidTransition, target)
	}
	return c.withLock(ctx, id, func(cur *model.Contract) (*model.Contract, error) {
		closed := c.now().UTC()
		return c.transition(ctx, cur, model.Transition{
			To:         target,
			ClosePrice: &closePrice,
			ClosedAt:   &closed,
		}, cmd, command(fn, id))
	})
}

// waitingFor maps a confirmed state to the waiting state it leaves.
var waitingFor = map[model.State]model.State{
	model.StateClaimed:  model.StateClaimWaiting,
	model.StateRefunded: model.StateRefundWaiting,
}

// OnLedgerConfirmation applies a CLAIMED or REFUNDED confirmation. A
// contract that is not in the matching waiting state is left as is.
func (c *Controller) OnLedgerConfirmation(ctx context.Context, id string, confirmed model.State, txHash string) (*model.Contract, error) {
	waiting, ok := waitingFor[confirmed]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a confirmable state", ErrInvalidTransition, confirmed)
	}
	return c.withLock(ctx, id, func(cur *model.Contract) (*model.Contract, error) {
		if cur.State != waiting {
			slog.Warn("ledger confirmation ignored", "id", id, "confirmed", confirmed, "state", cur.State, "txhash", txHash)
			return cur, nil
		}
		closed := c.now().UTC()
		return c.transition(ctx, cur, model.Transition{To: confirmed, ClosedAt: &closed}, "",
			func(context.Context) ledger.Outcome { return ledger.Outcome{TxHash: txHash} })
	})
}

// CheckRegistration compares a ledger registration with the local record.
// Checks run in a fixed order: margin, wallet, creation window, unit. It
// returns the first failing reason, or "" when the registration matches.
// Only a creation-window failure asks for payback.
func CheckRegistration(cur *model.Contract, reg Registration, now time.Time) (reason string, payback bool) {
	switch {
	case !reg.Margin.Equal(cur.Margin):
		return model.ReasonInvalidMargin, false
	case !strings.EqualFold(reg.Address, cur.WalletAddress):
		return model.ReasonInvalidWalletAddress, false
	case now.Sub(cur.CreatedAt) > CreationWindow:
		return model.ReasonCreatedTimeTimeout, true
	case reg.Unit != cur.Unit:
		return model.ReasonInvalidUnit, false
	}
	return "", false
}

// OnLedgerContractCreated validates a ledger registration against the local
// PENDING record, then activates or invalidates the contract.
func (c *Controller) OnLedgerContractCreated(ctx context.Context, reg Registration) (*model.Contract, error) {
	cur, err := c.store.GetContract(ctx, reg.ID)
	if err != nil {
		return nil, err
	}
	if reg.TxHash != "" {
		if err := c.store.SetTxHash(ctx, reg.ID, reg.TxHash); err != nil {
			slog.Error("record registration txhash failed", "id", reg.ID, "err", err)
		}
	}
	if cur.State != model.StatePending {
		slog.Warn("registration for non-pending contract ignored", "id", reg.ID, "state", cur.State)
		return cur, nil
	}

	if reason, payback := CheckRegistration(cur, reg, c.now()); reason != "" {
		slog.Info("registration rejected", "id", reg.ID, "reason", reason, "payback", payback)
		return c.Invalidate(ctx, reg.ID, reason, payback)
	}
	return c.Activate(ctx, reg.ID)
}

// HandleEvent routes a decoded ledger event. Events that only echo this
// service's own commands are acknowledged without action.
func (c *Controller) HandleEvent(ctx context.Context, ev ledger.Event) error {
	metrics.LedgerEvents.WithLabelValues(string(ev.Kind)).Inc()

	var err error
	switch ev.Kind {
	case ledger.EventCreated:
		_, err = c.OnLedgerContractCreated(ctx, Registration{
			ID:      ev.ContractID,
			Address: ev.Address,
			Unit:    ev.Unit,
			Margin:  ev.Margin,
			TxHash:  ev.TxHash,
		})
	case ledger.EventClaimed:
		_, err = c.OnLedgerConfirmation(ctx, ev.ContractID, model.StateClaimed, ev.TxHash)
	case ledger.EventRefunded:
		_, err = c.OnLedgerConfirmation(ctx, ev.ContractID, model.StateRefunded, ev.TxHash)
	default:
		slog.Debug("ledger event acknowledged", "id", ev.ContractID, "kind", ev.Kind)
		return nil
	}

	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("ledger event for unknown contract", "id", ev.ContractID, "kind", ev.Kind)
		return nil
	}
	return err
}
