package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultBinanceRESTURL is the USDⓈ-M futures REST endpoint.
const DefaultBinanceRESTURL = "https://fapi.binance.com"

// BinanceClient queries Binance futures REST endpoints for spot quotes and
// candles. It implements MarketData.
type BinanceClient struct {
	baseURL string
	http    *http.Client
}

// NewBinanceClient creates a client. An empty baseURL uses DefaultBinanceRESTURL.
func NewBinanceClient(baseURL string) *BinanceClient {
	if baseURL == "" {
		baseURL = DefaultBinanceRESTURL
	}
	return &BinanceClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

type tickerPriceResp struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// CurrentPrice fetches the latest futures price of symbol.
func (c *BinanceClient) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{"symbol": {symbol}}
	var resp tickerPriceResp
	if err := c.get(ctx, "/fapi/v1/ticker/price", q, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Symbol != symbol {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	p, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", resp.Price, err)
	}
	return p, nil
}

// Candle is one kline bar.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
}

// Candles fetches klines of the given interval between start and end.
func (c *BinanceClient) Candles(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error) {
	q := url.Values{
		"symbol":    {symbol},
		"interval":  {interval},
		"startTime": {strconv.FormatInt(start.UnixMilli(), 10)},
		"endTime":   {strconv.FormatInt(end.UnixMilli(), 10)},
	}
	var rows [][]json.RawMessage
	if err := c.get(ctx, "/fapi/v1/klines", q, &rows); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 5 {
			return nil, fmt.Errorf("kline %d: expected at least 5 fields, got %d", i, len(row))
		}
		var openMs int64
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			return nil, fmt.Errorf("kline %d open time: %w", i, err)
		}
		vals := make([]decimal.Decimal, 4)
		for j := range vals {
			var s string
			if err := json.Unmarshal(row[j+1], &s); err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, j+1, err)
			}
			v, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, j+1, err)
			}
			vals[j] = v
		}
		candles = append(candles, Candle{
			OpenTime: time.UnixMilli(openMs).UTC(),
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
		})
	}
	return candles, nil
}

func (c *BinanceClient) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("binance %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("binance %s: status %d: %s", path, resp.StatusCode, apiErr.Msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("binance %s: decode: %w", path, err)
	}
	return nil
}
