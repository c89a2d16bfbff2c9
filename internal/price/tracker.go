// Package price maintains live per-symbol price state fed by a streaming
// market feed, and answers "latest price" and "samples since the last sweep".
package price

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/insurance-engine/internal/metrics"
)

const (
	// DefaultCapacity bounds the sample window of one symbol.
	DefaultCapacity = 1000

	// FreshnessWindow is how long a streamed price is served without
	// falling back to the market-data client.
	FreshnessWindow = 10 * time.Second
)

// ErrUnknownSymbol is returned when neither the live stream nor the
// market-data fallback can price a symbol.
var ErrUnknownSymbol = errors.New("price: unknown symbol")

// Sample is one observed price.
type Sample struct {
	Price decimal.Decimal `json:"p"`
	Time  time.Time       `json:"t"`
}

// MarketData answers on-demand price queries.
type MarketData interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// ring is a fixed-capacity FIFO of samples. Pushing onto a full ring
// overwrites the oldest sample.
type ring struct {
	buf   []Sample
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Sample, capacity)}
}

func (r *ring) push(s Sample) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = s
		r.size++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) snapshot() []Sample {
	out := make([]Sample, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) reset() {
	r.start = 0
	r.size = 0
}

type series struct {
	window     *ring
	lastPrice  decimal.Decimal
	lastUpdate time.Time
}

// Tracker holds the live price state of every symbol. The feed goroutine
// writes through RecordTick; sweeps read through SamplesInWindow/Snapshot and
// then reset. All methods are safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	series   map[string]*series
	market   MarketData
	capacity int
	now      func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the clock used for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithCapacity overrides the per-symbol window capacity.
func WithCapacity(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// NewTracker creates a tracker. market may be nil, in which case stale or
// unseen symbols fail with ErrUnknownSymbol.
func NewTracker(market MarketData, opts ...Option) *Tracker {
	t := &Tracker{
		series:   make(map[string]*series),
		market:   market,
		capacity: DefaultCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track registers a symbol without recording a sample.
func (t *Tracker) Track(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensure(symbol)
}

// Untrack drops all state for a symbol.
func (t *Tracker) Untrack(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.series, symbol)
}

// Symbols returns every tracked symbol.
func (t *Tracker) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.series))
	for s := range t.series {
		out = append(out, s)
	}
	return out
}

func (t *Tracker) ensure(symbol string) *series {
	s, ok := t.series[symbol]
	if !ok {
		s = &series{window: newRing(t.capacity)}
		t.series[symbol] = s
	}
	return s
}

// RecordTick appends a sample and updates the symbol's last price.
func (t *Tracker) RecordTick(symbol string, price decimal.Decimal, ts time.Time) {
	t.mu.Lock()
	s := t.ensure(symbol)
	s.window.push(Sample{Price: price, Time: ts})
	s.lastPrice = price
	s.lastUpdate = ts
	t.mu.Unlock()

	metrics.PriceTicks.WithLabelValues(symbol).Inc()
}

// LatestPrice returns the streamed price when it is fresher than
// FreshnessWindow, otherwise it asks the market-data client.
func (t *Tracker) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	t.mu.RLock()
	s, ok := t.series[symbol]
	var (
		last    decimal.Decimal
		updated time.Time
	)
	if ok {
		last, updated = s.lastPrice, s.lastUpdate
	}
	t.mu.RUnlock()

	if ok && !updated.IsZero() && t.now().Sub(updated) < FreshnessWindow {
		return last, nil
	}

	if t.market == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	p, err := t.market.CurrentPrice(ctx, symbol)
	if err != nil {
		metrics.PriceFallbackFailures.WithLabelValues(symbol).Inc()
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrUnknownSymbol, symbol, err)
	}
	return p, nil
}

// SamplesInWindow returns a copy of the symbol's current window, oldest first.
func (t *Tracker) SamplesInWindow(symbol string) []Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.series[symbol]
	if !ok {
		return nil
	}
	return s.window.snapshot()
}

// Snapshot copies the windows of several symbols under one lock acquisition.
func (t *Tracker) Snapshot(symbols []string) map[string][]Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]Sample, len(symbols))
	for _, sym := range symbols {
		if s, ok := t.series[sym]; ok {
			out[sym] = s.window.snapshot()
		} else {
			out[sym] = nil
		}
	}
	return out
}

// ResetWindow clears one symbol's samples. The last price is kept.
func (t *Tracker) ResetWindow(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.series[symbol]; ok {
		s.window.reset()
	}
}

// ResetAllWindows clears every symbol's samples.
func (t *Tracker) ResetAllWindows() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.series {
		s.window.reset()
	}
}

// SnapshotAndReset atomically copies the requested windows and clears every
// window, so no tick lands between the copy and the reset.
func (t *Tracker) SnapshotAndReset(symbols []string) map[string][]Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]Sample, len(symbols))
	for _, sym := range symbols {
		if s, ok := t.series[sym]; ok {
			out[sym] = s.window.snapshot()
		}
	}
	for _, s := range t.series {
		s.window.reset()
	}
	return out
}
