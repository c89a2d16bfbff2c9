// Package reconcile runs the periodic sweeps that move contracts forward:
// the pending sweep matches new contracts against their ledger
// registration, the active sweep evaluates live contracts against the
// prices observed since the previous sweep.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/insurance-engine/internal/ledger"
	"github.com/atmx/insurance-engine/internal/lifecycle"
	"github.com/atmx/insurance-engine/internal/metrics"
	"github.com/atmx/insurance-engine/internal/model"
	"github.com/atmx/insurance-engine/internal/price"
	"github.com/atmx/insurance-engine/internal/store"
)

const (
	sweepPending = "pending"
	sweepActive  = "active"
)

// Lifecycle is the subset of the controller the sweeps drive.
type Lifecycle interface {
	Invalidate(ctx context.Context, id, reason string, payback bool) (*model.Contract, error)
	OnLedgerContractCreated(ctx context.Context, reg lifecycle.Registration) (*model.Contract, error)
	Claim(ctx context.Context, id string, closePrice decimal.Decimal) (*model.Contract, error)
	Refund(ctx context.Context, id string, closePrice decimal.Decimal) (*model.Contract, error)
	ResolveTerminal(ctx context.Context, id string, target model.State, closePrice decimal.Decimal) (*model.Contract, error)
}

// Prices is the tracker view the active sweep needs.
type Prices interface {
	SnapshotAndReset(symbols []string) map[string][]price.Sample
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// RegistrationReader reads a contract's ledger registration.
type RegistrationReader interface {
	ReadRegistration(ctx context.Context, id string) (*ledger.Registration, error)
}

// Config holds sweep intervals and fan-out.
type Config struct {
	PendingInterval time.Duration
	ActiveInterval  time.Duration
	Concurrency     int
}

// DefaultConfig returns the production intervals.
func DefaultConfig() Config {
	return Config{
		PendingInterval: 15 * time.Second,
		ActiveInterval:  10 * time.Second,
		Concurrency:     8,
	}
}

// Scheduler owns both sweep loops. Each loop skips a tick while its
// previous run is still executing.
type Scheduler struct {
	store  store.Store
	reader RegistrationReader
	prices Prices
	ctrl   Lifecycle
	cfg    Config
	now    func() time.Time

	pendingRunning atomic.Bool
	activeRunning  atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock used for window and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler. Zero config fields take defaults.
func NewScheduler(st store.Store, reader RegistrationReader, prices Prices, ctrl Lifecycle, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.PendingInterval <= 0 {
		cfg.PendingInterval = def.PendingInterval
	}
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = def.ActiveInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	s := &Scheduler{store: st, reader: reader, prices: prices, ctrl: ctrl, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives both loops until ctx is cancelled, then waits for in-flight
// sweeps to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, sweepPending, s.cfg.PendingInterval, &s.pendingRunning, s.RunPendingSweep)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, sweepActive, s.cfg.ActiveInterval, &s.activeRunning, s.RunActiveSweep)
	}()
	slog.Info("reconciliation scheduler started",
		"pending_interval", s.cfg.PendingInterval.String(),
		"active_interval", s.cfg.ActiveInterval.String())
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, running *atomic.Bool, sweep func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !running.CompareAndSwap(false, true) {
				metrics.SweepSkipped.WithLabelValues(name).Inc()
				slog.Debug("sweep still running, tick skipped", "sweep", name)
				continue
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer running.Store(false)
				start := time.Now()
				if err := sweep(ctx); err != nil && ctx.Err() == nil {
					slog.Error("sweep failed", "sweep", name, "err", err)
				}
				metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			}()
		}
	}
}

// itemFailed logs a per-contract error. Lock contention is a skip.
func itemFailed(sweep, id string, err error) {
	if err == nil || errors.Is(err, lifecycle.ErrBusy) {
		return
	}
	metrics.SweepItemErrors.WithLabelValues(sweep).Inc()
	slog.Warn("sweep item failed", "sweep", sweep, "id", id, "err", err)
}

// RunPendingSweep matches every PENDING contract against the ledger.
func (s *Scheduler) RunPendingSweep(ctx context.Context) error {
	contracts, err := s.store.ListContracts(ctx, model.ContractFilter{States: []model.State{model.StatePending}})
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, c := range contracts {
		c := c
		g.Go(func() error {
			itemFailed(sweepPending, c.ID, s.checkPending(ctx, c))
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) checkPending(ctx context.Context, c *model.Contract) error {
	reg, err := s.reader.ReadRegistration(ctx, c.ID)
	if err != nil {
		return err
	}

	if s.now().Sub(c.CreatedAt) > lifecycle.CreationWindow {
		_, err := s.ctrl.Invalidate(ctx, c.ID, model.ReasonCreatedTimeTimeout, reg != nil)
		return err
	}
	if reg == nil {
		return nil
	}
	_, err = s.ctrl.OnLedgerContractCreated(ctx, lifecycle.Registration{
		ID:      c.ID,
		Address: reg.Address,
		Unit:    reg.Unit,
		Margin:  reg.Margin,
	})
	return err
}

// Action is the outcome of evaluating one contract against its samples.
type Action int

const (
	ActionDefer Action = iota
	ActionClaim
	ActionLiquidate
)

// Decision carries the action and the extreme price that triggered it.
type Decision struct {
	Action Action
	Price  decimal.Decimal
}

// Evaluate checks the samples strictly inside the contract's life window
// for a claim touch, then for a liquidation touch. Claim wins when both
// thresholds were crossed in the same interval.
func Evaluate(c *model.Contract, samples []price.Sample) Decision {
	var (
		lo, hi decimal.Decimal
		seen   bool
	)
	for _, sm := range samples {
		if !sm.Time.After(c.CreatedAt) || !sm.Time.Before(c.ExpiresAt) {
			continue
		}
		if !seen {
			lo, hi, seen = sm.Price, sm.Price, true
			continue
		}
		if sm.Price.LessThan(lo) {
			lo = sm.Price
		}
		if sm.Price.GreaterThan(hi) {
			hi = sm.Price
		}
	}
	if !seen {
		return Decision{Action: ActionDefer}
	}

	switch c.Side {
	case model.SideBear:
		if lo.LessThanOrEqual(c.ClaimPrice) {
			return Decision{Action: ActionClaim, Price: lo}
		}
		if hi.GreaterThanOrEqual(c.LiquidationPrice) {
			return Decision{Action: ActionLiquidate, Price: hi}
		}
	case model.SideBull:
		if hi.GreaterThanOrEqual(c.ClaimPrice) {
			return Decision{Action: ActionClaim, Price: hi}
		}
		if lo.LessThanOrEqual(c.LiquidationPrice) {
			return Decision{Action: ActionLiquidate, Price: lo}
		}
	}
	return Decision{Action: ActionDefer}
}

// InRefundBand reports whether p lies strictly between the liquidation and
// refund prices, in either order.
func InRefundBand(p decimal.Decimal, c *model.Contract) bool {
	a, b := c.LiquidationPrice, c.RefundPrice
	return (a.LessThan(p) && p.LessThan(b)) || (b.LessThan(p) && p.LessThan(a))
}

// RunActiveSweep evaluates every AVAILABLE contract against the samples
// recorded since the previous sweep, then settles expired ones.
func (s *Scheduler) RunActiveSweep(ctx context.Context) error {
	contracts, err := s.store.ListContracts(ctx, model.ContractFilter{States: []model.State{model.StateAvailable}})
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	var symbols []string
	for _, c := range contracts {
		if sym := c.Symbol(); !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	// One snapshot and one reset per sweep, shared by every contract.
	windows := s.prices.SnapshotAndReset(symbols)

	var (
		mu       sync.Mutex
		deferred []*model.Contract
		g        errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)
	for _, c := range contracts {
		c := c
		g.Go(func() error {
			dec := Evaluate(c, windows[c.Symbol()])
			var err error
			switch dec.Action {
			case ActionClaim:
				_, err = s.ctrl.Claim(ctx, c.ID, dec.Price)
			case ActionLiquidate:
				_, err = s.ctrl.ResolveTerminal(ctx, c.ID, model.StateLiquidated, dec.Price)
			default:
				mu.Lock()
				deferred = append(deferred, c)
				mu.Unlock()
			}
			itemFailed(sweepActive, c.ID, err)
			return nil
		})
	}
	_ = g.Wait()

	checkTime := s.now()
	var expiry errgroup.Group
	expiry.SetLimit(s.cfg.Concurrency)
	for _, c := range deferred {
		if c.ExpiresAt.After(checkTime) {
			continue
		}
		c := c
		expiry.Go(func() error {
			itemFailed(sweepActive, c.ID, s.settleExpired(ctx, c))
			return nil
		})
	}
	return expiry.Wait()
}

func (s *Scheduler) settleExpired(ctx context.Context, c *model.Contract) error {
	current, err := s.prices.LatestPrice(ctx, c.Symbol())
	if err != nil {
		return err
	}
	if InRefundBand(current, c) {
		_, err = s.ctrl.Refund(ctx, c.ID, current)
		return err
	}
	_, err = s.ctrl.ResolveTerminal(ctx, c.ID, model.StateExpired, current)
	return err
}
