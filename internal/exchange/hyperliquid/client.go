// Package hyperliquid is the live exchange adapter. Reads go to the public
// info endpoint; order actions go through the local signing proxy configured
// by HL_EXCHANGE_ENDPOINT, which holds the wallet key and signs requests.
package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"perp-trading-agent/internal/trace"
	"perp-trading-agent/internal/types"
)

const (
	defaultInfoEndpoint = "https://api.hyperliquid.xyz/info"
	// Perp prices carry at most 6 significant decimals; size decimals eat
	// into that budget.
	maxDecimals = 6
)

// Client implements the Exchange interface against the Hyperliquid API.
type Client struct {
	infoEndpoint     string
	exchangeEndpoint string
	user             string
	http             *http.Client
}

func New() (*Client, error) {
	user := os.Getenv("HL_WALLET_ADDRESS")
	if user == "" {
		return nil, errors.New("HL_WALLET_ADDRESS missing")
	}
	exchangeEndpoint := os.Getenv("HL_EXCHANGE_ENDPOINT")
	if exchangeEndpoint == "" {
		return nil, errors.New("HL_EXCHANGE_ENDPOINT missing (order signing proxy)")
	}
	infoEndpoint := defaultInfoEndpoint
	if ep := os.Getenv("HL_INFO_ENDPOINT"); ep != "" {
		infoEndpoint = ep
	}
	return &Client{
		infoEndpoint:     infoEndpoint,
		exchangeEndpoint: exchangeEndpoint,
		user:             user,
		http:             &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body any, out any) error {
	bb, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bb))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("hyperliquid http %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) info(ctx context.Context, body any, out any) error {
	return c.post(ctx, c.infoEndpoint, body, out)
}

// Candles fetches the most recent n candles for a symbol and timeframe.
func (c *Client) Candles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	ctx, span := trace.StartSpan(ctx, "hyperliquid.Candles")
	defer span.End()

	end := time.Now()
	start := end.Add(-time.Duration(n+1) * tf.Duration())

	var raw []struct {
		T int64  `json:"t"`
		O string `json:"o"`
		H string `json:"h"`
		L string `json:"l"`
		C string `json:"c"`
		V string `json:"v"`
	}
	err := c.info(ctx, map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      symbol,
			"interval":  string(tf),
			"startTime": start.UnixMilli(),
			"endTime":   end.UnixMilli(),
		},
	}, &raw)
	if err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(raw))
	for _, r := range raw {
		candles = append(candles, types.Candle{
			Ts:    r.T,
			Open:  parseFloat(r.O),
			High:  parseFloat(r.H),
			Low:   parseFloat(r.L),
			Close: parseFloat(r.C),
			Vol:   parseFloat(r.V),
		})
	}
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	return candles, nil
}

// LastPrice returns the current mid price for a symbol.
func (c *Client) LastPrice(ctx context.Context, symbol string) (float64, error) {
	var mids map[string]string
	if err := c.info(ctx, map[string]any{"type": "allMids"}, &mids); err != nil {
		return 0, err
	}
	s, ok := mids[symbol]
	if !ok {
		return 0, fmt.Errorf("no mid price for %s", symbol)
	}
	return parseFloat(s), nil
}

// InstrumentMeta fetches precision and leverage limits for the whole
// universe. Tick size is derived from the size-decimal budget.
func (c *Client) InstrumentMeta(ctx context.Context) ([]types.InstrumentMeta, error) {
	var meta struct {
		Universe []struct {
			Name        string `json:"name"`
			SzDecimals  int    `json:"szDecimals"`
			MaxLeverage int    `json:"maxLeverage"`
		} `json:"universe"`
	}
	if err := c.info(ctx, map[string]any{"type": "meta"}, &meta); err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]types.InstrumentMeta, 0, len(meta.Universe))
	for _, u := range meta.Universe {
		step := decimal.New(1, int32(-u.SzDecimals))
		out = append(out, types.InstrumentMeta{
			Symbol:      u.Name,
			SizeStep:    step,
			MinSize:     step,
			TickSize:    decimal.New(1, int32(u.SzDecimals-maxDecimals)),
			MaxLeverage: u.MaxLeverage,
			FetchedAt:   now,
		})
	}
	return out, nil
}

// AccountState fetches the clearinghouse view of the account.
func (c *Client) AccountState(ctx context.Context) (types.AccountState, error) {
	ctx, span := trace.StartSpan(ctx, "hyperliquid.AccountState")
	defer span.End()

	var state struct {
		MarginSummary struct {
			AccountValue    string `json:"accountValue"`
			TotalMarginUsed string `json:"totalMarginUsed"`
		} `json:"marginSummary"`
		Withdrawable   string `json:"withdrawable"`
		AssetPositions []struct {
			Position struct {
				Coin          string `json:"coin"`
				Szi           string `json:"szi"`
				EntryPx       string `json:"entryPx"`
				LiquidationPx string `json:"liquidationPx"`
				UnrealizedPnl string `json:"unrealizedPnl"`
				Leverage      struct {
					Value int `json:"value"`
				} `json:"leverage"`
			} `json:"position"`
		} `json:"assetPositions"`
	}
	err := c.info(ctx, map[string]any{"type": "clearinghouseState", "user": c.user}, &state)
	if err != nil {
		return types.AccountState{}, err
	}

	acct := types.AccountState{
		Equity:       parseFloat(state.MarginSummary.AccountValue),
		MarginUsed:   parseFloat(state.MarginSummary.TotalMarginUsed),
		Withdrawable: parseFloat(state.Withdrawable),
		Positions:    make(map[string]types.Position),
		Timestamp:    time.Now(),
	}
	for _, ap := range state.AssetPositions {
		p := ap.Position
		size := parseFloat(p.Szi)
		if size == 0 {
			continue
		}
		acct.Positions[p.Coin] = types.Position{
			Symbol:           p.Coin,
			Size:             size,
			EntryPrice:       parseFloat(p.EntryPx),
			Leverage:         p.Leverage.Value,
			LiquidationPrice: parseFloat(p.LiquidationPx),
			UnrealizedPnl:    parseFloat(p.UnrealizedPnl),
		}
	}
	fillDerived(&acct)
	return acct, nil
}

// OpenOrderSymbols lists symbols with at least one resting order.
func (c *Client) OpenOrderSymbols(ctx context.Context) ([]string, error) {
	var orders []struct {
		Coin string `json:"coin"`
	}
	if err := c.info(ctx, map[string]any{"type": "openOrders", "user": c.user}, &orders); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, o := range orders {
		if !seen[o.Coin] {
			seen[o.Coin] = true
			out = append(out, o.Coin)
		}
	}
	return out, nil
}

// fillDerived computes margin usage and the operator-facing risk level.
func fillDerived(acct *types.AccountState) {
	if acct.Equity > 0 {
		acct.MarginUsagePct = acct.MarginUsed / acct.Equity * 100
	}
	switch {
	case acct.MarginUsagePct >= 70:
		acct.RiskLevel = types.RiskHigh
	case acct.MarginUsagePct >= 40:
		acct.RiskLevel = types.RiskMedium
	default:
		acct.RiskLevel = types.RiskLow
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
