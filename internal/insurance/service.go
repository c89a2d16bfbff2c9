// Package insurance provides the business logic and HTTP handlers for
// buying, listing and cancelling insurance contracts and for querying pairs.
//
// All monetary values use shopspring/decimal, never float64.
package insurance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/insurance-engine/internal/exposure"
	"github.com/atmx/insurance-engine/internal/formula"
	"github.com/atmx/insurance-engine/internal/ledger"
	"github.com/atmx/insurance-engine/internal/lifecycle"
	"github.com/atmx/insurance-engine/internal/lock"
	"github.com/atmx/insurance-engine/internal/metrics"
	"github.com/atmx/insurance-engine/internal/model"
	"github.com/atmx/insurance-engine/internal/store"
	"github.com/atmx/insurance-engine/internal/symbol"
)

var (
	ErrBadSymbol          = errors.New("insurance: symbol not available")
	ErrMaintained         = errors.New("insurance: pair under maintenance")
	ErrBadPeriodUnit      = errors.New("insurance: unsupported period unit")
	ErrCannotCancel       = errors.New("insurance: contract cannot be cancelled")
	ErrInvalidCancelPrice = errors.New("insurance: current price outside cancel range")
	ErrNotFound           = errors.New("insurance: not found")
)

// PairRatioLimit is how many change ratios a pair response carries.
const PairRatioLimit = 15

// Canceller closes a contract at the user's request.
type Canceller interface {
	Cancel(ctx context.Context, id string, closePrice decimal.Decimal) (*model.Contract, error)
}

// PriceSource answers the current price of a symbol.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// RegistrationReader reads a contract's ledger record.
type RegistrationReader interface {
	ReadRegistration(ctx context.Context, id string) (*ledger.Registration, error)
}

// BuyerSimulator registers a buyer-side creation on a simulated ledger.
type BuyerSimulator interface {
	Register(id string, reg ledger.Registration)
}

// Service handles insurance operations.
type Service struct {
	store     store.Store
	prices    PriceSource
	canceller Canceller
	locker    lock.Locker
	ledger    RegistrationReader
	limiter   *exposure.Limiter
	simulator BuyerSimulator
	wsHub     *WSHub
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithHub serves contract updates over WebSocket.
func WithHub(h *WSHub) Option {
	return func(s *Service) { s.wsHub = h }
}

// WithLimiter enforces outstanding claim limits on creation.
func WithLimiter(l *exposure.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithBuyerSimulator registers every new contract on a simulated ledger as
// if its buyer had paid the margin. Local development only.
func WithBuyerSimulator(b BuyerSimulator) Option {
	return func(s *Service) { s.simulator = b }
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an insurance service.
func NewService(st store.Store, prices PriceSource, canceller Canceller, locker lock.Locker, reader RegistrationReader, opts ...Option) *Service {
	s := &Service{
		store:     st,
		prices:    prices,
		canceller: canceller,
		locker:    locker,
		ledger:    reader,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest is the JSON body for contract creation.
type CreateRequest struct {
	UserID        string           `json:"user_id"`
	WalletAddress string           `json:"wallet_address"`
	Asset         string           `json:"asset"`
	Unit          string           `json:"unit"`
	Margin        decimal.Decimal  `json:"margin"`
	QCovered      decimal.Decimal  `json:"q_covered"`
	ClaimPrice    decimal.Decimal  `json:"p_claim"`
	Period        int              `json:"period"`
	PeriodUnit    model.PeriodUnit `json:"period_unit"`
}

// Create prices and validates a new contract and persists it as PENDING.
// The contract becomes AVAILABLE once the buyer's ledger registration is
// matched by the pending sweep.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Contract, error) {
	sym, err := symbol.New(req.Asset, req.Unit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSymbol, err)
	}

	pair, err := s.store.GetPair(ctx, sym.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBadSymbol, sym)
	}
	if err != nil {
		return nil, err
	}
	if !pair.IsActive || pair.Config == nil || len(pair.Config.DayChangeRatios) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadSymbol, sym)
	}
	if pair.IsMaintain {
		return nil, fmt.Errorf("%w: %s", ErrMaintained, sym)
	}

	ratios := pair.Config.DayChangeRatios
	var periodRatio decimal.Decimal
	switch req.PeriodUnit {
	case model.PeriodDay:
		if req.Period < formula.MinPeriod || req.Period > len(ratios) {
			return nil, fmt.Errorf("%w: %d days", formula.ErrInvalidPeriod, req.Period)
		}
		periodRatio = ratios[req.Period-1]
	case model.PeriodHour:
		// Hourly profiles are not derived yet; the one-day ratio stands in.
		periodRatio = ratios[0]
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadPeriodUnit, req.PeriodUnit)
	}

	current, err := s.prices.LatestPrice(ctx, sym.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadSymbol, sym, err)
	}

	in := formula.Inputs{
		Margin:            req.Margin,
		QCovered:          req.QCovered,
		OpenPrice:         current,
		ClaimPrice:        req.ClaimPrice,
		Period:            req.Period,
		PeriodUnit:        req.PeriodUnit,
		PeriodChangeRatio: periodRatio,
		Side:              model.SideFor(req.ClaimPrice, current),
	}
	if err := formula.Validate(in, ratios); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	derived, err := formula.Derive(in, now)
	if err != nil {
		return nil, err
	}

	if s.limiter != nil {
		outstanding, err := s.outstanding(ctx, sym.Asset)
		if err != nil {
			return nil, err
		}
		key := exposure.Key{Asset: sym.Asset, Unit: sym.Unit}
		if err := s.limiter.CheckLimit(key, derived.ClaimQuantity, outstanding); err != nil {
			metrics.ExposureRejections.Inc()
			return nil, err
		}
	}

	c := &model.Contract{
		ID:                uuid.New().String(),
		UserID:            req.UserID,
		WalletAddress:     req.WalletAddress,
		Asset:             sym.Asset,
		Unit:              sym.Unit,
		Margin:            req.Margin,
		QCovered:          req.QCovered,
		ClaimPrice:        req.ClaimPrice,
		Period:            req.Period,
		PeriodUnit:        req.PeriodUnit,
		PeriodChangeRatio: periodRatio,
		State:             model.StatePending,
		Side:              in.Side,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	model.Transition{Derived: &derived, To: model.StatePending}.Apply(c)

	if err := s.store.CreateContract(ctx, c); err != nil {
		return nil, err
	}
	metrics.ContractsCreated.WithLabelValues(string(c.Side)).Inc()

	slog.Info("insurance created",
		"id", c.ID,
		"user", c.UserID,
		"symbol", c.Symbol(),
		"side", c.Side,
		"p_open", current.String(),
		"p_claim", c.ClaimPrice.String(),
		"q_claim", c.ClaimQuantity.String(),
	)

	if s.simulator != nil {
		s.simulator.Register(c.ID, ledger.Registration{
			Address:   c.WalletAddress,
			Unit:      c.Unit,
			Margin:    c.Margin,
			ClaimQty:  c.ClaimQuantity,
			ExpiresAt: c.ExpiresAt,
			CreatedAt: c.CreatedAt,
			State:     ledger.OnChainPending,
		})
	}
	if s.wsHub != nil {
		s.wsHub.Publish(c)
	}
	return c, nil
}

// outstanding sums the claim quantity still owed or pending per market of
// one asset.
func (s *Service) outstanding(ctx context.Context, asset string) (map[exposure.Key]decimal.Decimal, error) {
	open, err := s.store.ListContracts(ctx, model.ContractFilter{
		States: []model.State{model.StatePending, model.StateAvailable, model.StateClaimWaiting},
		Asset:  asset,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[exposure.Key]decimal.Decimal)
	for _, c := range open {
		k := exposure.Key{Asset: c.Asset, Unit: c.Unit}
		out[k] = out[k].Add(c.ClaimQuantity)
	}
	return out, nil
}

// ListQuery filters a user's contracts.
type ListQuery struct {
	UserID   string
	State    model.State
	IsClosed bool
	Skip     int
	Limit    int
}

// ListResult is one page of contracts plus the unpaged total.
type ListResult struct {
	Total int               `json:"total"`
	Rows  []*model.Contract `json:"rows"`
}

// List returns the user's contracts, newest first.
func (s *Service) List(ctx context.Context, q ListQuery) (ListResult, error) {
	f := model.ContractFilter{
		UserID:     q.UserID,
		ClosedOnly: q.IsClosed,
		Skip:       q.Skip,
		Limit:      q.Limit,
	}
	if q.State != "" {
		f.States = []model.State{q.State}
	}

	total, err := s.store.CountContracts(ctx, f)
	if err != nil {
		return ListResult{}, err
	}
	rows, err := s.store.ListContracts(ctx, f)
	if err != nil {
		return ListResult{}, err
	}
	if rows == nil {
		rows = []*model.Contract{}
	}
	return ListResult{Total: total, Rows: rows}, nil
}

// Get returns one of the user's contracts. An empty userID skips the
// ownership check.
func (s *Service) Get(ctx context.Context, userID, id string) (*model.Contract, error) {
	c, err := s.store.GetContract(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if userID != "" && c.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// LedgerRecord returns the ledger's view of a contract.
func (s *Service) LedgerRecord(ctx context.Context, id string) (*ledger.Registration, error) {
	reg, err := s.ledger.ReadRegistration(ctx, id)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: no ledger record for %s", ErrNotFound, id)
	}
	return reg, nil
}

// Cancel closes an AVAILABLE contract when the market sits strictly between
// its cancel and claim prices.
func (s *Service) Cancel(ctx context.Context, userID, id string) (*model.Contract, error) {
	c, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	locked, err := s.locker.IsLocked(ctx, lock.ContractKey(id))
	if err != nil {
		return nil, err
	}
	if c.State != model.StateAvailable || locked {
		return nil, fmt.Errorf("%w: %s in %s", ErrCannotCancel, id, c.State)
	}

	current, err := s.prices.LatestPrice(ctx, c.Symbol())
	if err != nil || !current.IsPositive() {
		return nil, fmt.Errorf("%w: no price for %s", ErrInvalidCancelPrice, c.Symbol())
	}
	if !between(current, c.CancelPrice, c.ClaimPrice) {
		return nil, fmt.Errorf("%w: %s not between %s and %s",
			ErrInvalidCancelPrice, current, c.CancelPrice, c.ClaimPrice)
	}

	updated, err := s.canceller.Cancel(ctx, id, current)
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		return nil, fmt.Errorf("%w: %v", ErrCannotCancel, err)
	}
	return updated, err
}

// between reports whether p lies strictly between a and b, in either order.
func between(p, a, b decimal.Decimal) bool {
	return (a.LessThan(p) && p.LessThan(b)) || (b.LessThan(p) && p.LessThan(a))
}

// Stats returns platform totals.
func (s *Service) Stats(ctx context.Context) (model.Stats, error) {
	return s.store.Stats(ctx)
}

// PairView is a pair with its ratio profile truncated for display.
type PairView struct {
	model.Pair
	DayChangeRatios  []decimal.Decimal `json:"list_day_change_ratio"`
	HourChangeRatios []decimal.Decimal `json:"list_hour_change_ratio"`
}

func newPairView(p *model.Pair) PairView {
	v := PairView{Pair: *p}
	v.Config = nil
	v.DayChangeRatios = []decimal.Decimal{}
	v.HourChangeRatios = []decimal.Decimal{}
	if p.Config != nil {
		v.DayChangeRatios = head(p.Config.DayChangeRatios, PairRatioLimit)
		v.HourChangeRatios = head(p.Config.HourChangeRatios, PairRatioLimit)
	}
	return v
}

func head(in []decimal.Decimal, n int) []decimal.Decimal {
	if len(in) > n {
		in = in[:n]
	}
	return append([]decimal.Decimal{}, in...)
}

// Pairs lists active pairs.
func (s *Service) Pairs(ctx context.Context) ([]PairView, error) {
	pairs, err := s.store.ListPairs(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]PairView, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, newPairView(p))
	}
	return out, nil
}

// Pair returns one pair.
func (s *Service) Pair(ctx context.Context, raw string) (PairView, error) {
	sym, err := symbol.Parse(raw)
	if err != nil {
		return PairView{}, fmt.Errorf("%w: %v", ErrBadSymbol, err)
	}
	p, err := s.store.GetPair(ctx, sym.String())
	if errors.Is(err, store.ErrNotFound) {
		return PairView{}, fmt.Errorf("%w: %s", ErrNotFound, sym)
	}
	if err != nil {
		return PairView{}, err
	}
	return newPairView(p), nil
}

// Distances is the admissible claim price range on both sides of the
// current price, for the shortest period.
type Distances struct {
	Symbol       string           `json:"symbol"`
	CurrentPrice decimal.Decimal  `json:"current_price"`
	Bull         formula.Distance `json:"bull"`
	Bear         formula.Distance `json:"bear"`
}

// ClaimDistances returns the claim price ranges a new contract may use.
func (s *Service) ClaimDistances(ctx context.Context, raw string) (Distances, error) {
	sym, err := symbol.Parse(raw)
	if err != nil {
		return Distances{}, fmt.Errorf("%w: %v", ErrBadSymbol, err)
	}
	p, err := s.store.GetPair(ctx, sym.String())
	if errors.Is(err, store.ErrNotFound) || (err == nil && (p.Config == nil || len(p.Config.DayChangeRatios) == 0)) {
		return Distances{}, fmt.Errorf("%w: %s", ErrBadSymbol, sym)
	}
	if err != nil {
		return Distances{}, err
	}
	current, err := s.prices.LatestPrice(ctx, sym.String())
	if err != nil {
		return Distances{}, fmt.Errorf("%w: %s: %v", ErrBadSymbol, sym, err)
	}

	ratios := p.Config.DayChangeRatios
	return Distances{
		Symbol:       sym.String(),
		CurrentPrice: current,
		Bull:         formula.ClaimDistance(current, ratios[0], ratios, model.SideBull),
		Bear:         formula.ClaimDistance(current, ratios[0], ratios, model.SideBear),
	}, nil
}

// TransactionLimit is how many contracts per side the activity feed shows.
const TransactionLimit = 20

// liveStates is every state except INVALID.
var liveStates = []model.State{
	model.StatePending, model.StateAvailable, model.StateClaimWaiting, model.StateClaimed,
	model.StateRefundWaiting, model.StateRefunded, model.StateLiquidated, model.StateExpired,
	model.StateCancelled,
}

// Transactions is the public activity feed, newest first per side.
type Transactions struct {
	Bull []*model.Contract `json:"bull"`
	Bear []*model.Contract `json:"bear"`
}

// Transactions returns the latest valid contracts of each side.
func (s *Service) Transactions(ctx context.Context) (Transactions, error) {
	var out Transactions
	for side, dst := range map[model.Side]*[]*model.Contract{model.SideBull: &out.Bull, model.SideBear: &out.Bear} {
		rows, err := s.store.ListContracts(ctx, model.ContractFilter{
			States: liveStates,
			Side:   side,
			Limit:  TransactionLimit,
		})
		if err != nil {
			return Transactions{}, err
		}
		if rows == nil {
			rows = []*model.Contract{}
		}
		*dst = rows
	}
	return out, nil
}
