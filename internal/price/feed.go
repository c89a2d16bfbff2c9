package price

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// DefaultBinanceStreamURL is the USDⓈ-M futures combined-stream endpoint.
const DefaultBinanceStreamURL = "wss://fstream.binance.com"

// FeedConfig configures reconnect behaviour of the ticker feed.
type FeedConfig struct {
	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential backoff.
	MaxReconnectDelay time.Duration
	// ReadTimeout drops a connection that stays silent this long.
	ReadTimeout time.Duration
}

// DefaultFeedConfig returns the default feed configuration.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
	}
}

// Feed streams futures tickers for a set of symbols into a Tracker.
type Feed struct {
	baseURL string
	tracker *Tracker
	cfg     FeedConfig

	mu      sync.Mutex
	symbols []string
	conn    *websocket.Conn
}

// NewFeed creates a feed. An empty baseURL uses DefaultBinanceStreamURL.
func NewFeed(baseURL string, tracker *Tracker, cfg *FeedConfig) *Feed {
	if baseURL == "" {
		baseURL = DefaultBinanceStreamURL
	}
	c := DefaultFeedConfig()
	if cfg != nil {
		c = *cfg
	}
	return &Feed{baseURL: baseURL, tracker: tracker, cfg: c}
}

// SetSymbols replaces the subscribed symbol set. A changed set drops the
// current connection so Run reconnects with the new subscription.
func (f *Feed) SetSymbols(symbols []string) {
	next := slices.Clone(symbols)
	slices.Sort(next)
	next = slices.Compact(next)

	f.mu.Lock()
	defer f.mu.Unlock()
	if slices.Equal(next, f.symbols) {
		return
	}
	f.symbols = next
	for _, s := range next {
		f.tracker.Track(s)
	}
	if f.conn != nil {
		f.conn.Close()
	}
}

func (f *Feed) currentSymbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.symbols)
}

func (f *Feed) setConn(conn *websocket.Conn) {
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
}

// Run keeps the feed connected until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	delay := f.cfg.ReconnectDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		symbols := f.currentSymbols()
		if len(symbols) > 0 {
			connected, err := f.session(ctx, symbols)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if connected {
				delay = f.cfg.ReconnectDelay
			}
			slog.Warn("price feed disconnected", "err", err, "retry_in", delay.String())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// session runs one connection until it fails.
func (f *Feed) session(ctx context.Context, symbols []string) (bool, error) {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@ticker"
	}
	endpoint := f.baseURL + "/stream?streams=" + strings.Join(streams, "/")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	f.setConn(conn)
	defer func() {
		f.setConn(nil)
		conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	slog.Info("price feed connected", "symbols", len(symbols))

	for {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if err := f.handle(data); err != nil {
			slog.Debug("price feed message skipped", "err", err)
		}
	}
}

// tickerEnvelope is a combined-stream frame carrying a 24hr ticker.
type tickerEnvelope struct {
	Stream string `json:"stream"`
	Data   struct {
		Event     string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Close     string `json:"c"`
	} `json:"data"`
}

func (f *Feed) handle(data []byte) error {
	var env tickerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode ticker: %w", err)
	}
	if env.Data.Symbol == "" || env.Data.Close == "" {
		return fmt.Errorf("not a ticker frame: %q", env.Stream)
	}
	p, err := decimal.NewFromString(env.Data.Close)
	if err != nil {
		return fmt.Errorf("parse close %q: %w", env.Data.Close, err)
	}
	if !f.subscribed(env.Data.Symbol) {
		return fmt.Errorf("untracked symbol %s", env.Data.Symbol)
	}
	f.tracker.RecordTick(env.Data.Symbol, p, time.UnixMilli(env.Data.EventTime))
	return nil
}

func (f *Feed) subscribed(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := slices.BinarySearch(f.symbols, symbol)
	return ok
}
