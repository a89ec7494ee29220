// Package perpb implements the off-chain order-book perpetuals venue.
// Orders are authenticated with a per-user delegated agent key: the key
// signs, but balance/position queries target the user's own account
// address, which the agent key never custodies.
package perpb

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/signerkey"
	"github.com/maxxit-ai/coordinator/internal/venue"
	"github.com/maxxit-ai/coordinator/pkg/restutil"
)

const (
	MinOrderValue    = 10
	DefaultSlippage  = 0.01
	rateLimitWeight  = 1200
	rateLimitPeriod  = time.Minute
)

// Client is a minimal REST client for the PERP-B order book, shaped like
// the teacher's Binance spot client but signed with an ECDSA signature
// from the user's delegated agent key instead of an HMAC over a static
// API secret.
type Client struct {
	baseURL     string
	http        *http.Client
	keys        *signerkey.KeyStore
	timeSync    *restutil.TimeSync
	rateLimiter *restutil.RateLimiter
}

func NewClient(baseURL string, keys *signerkey.KeyStore) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		keys:    keys,
	}
	c.timeSync = restutil.NewTimeSync(c.serverTime)
	c.rateLimiter = restutil.NewRateLimiter(rateLimitWeight, rateLimitPeriod)
	return c
}

func (c *Client) serverTime() (int64, error) {
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.DoPublic(context.Background(), http.MethodGet, "/v1/time", nil, &out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

// Adapter is the PERP-B venue Adapter implementation.
type Adapter struct {
	client *Client
}

func New(client *Client) *Adapter { return &Adapter{client: client} }

func (a *Adapter) Venue() repo.Venue { return repo.VenuePerpB }

func (a *Adapter) CurrentPrice(ctx context.Context, tokenSymbol string) (float64, error) {
	var out struct {
		Price string `json:"price"`
	}
	if err := a.client.DoPublic(ctx, http.MethodGet, "/v1/ticker?symbol="+tokenSymbol, nil, &out); err != nil {
		return 0, fmt.Errorf("perpb ticker: %w", err)
	}
	p, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse perpb ticker price: %w", err)
	}
	return p, nil
}

func (a *Adapter) UserBalance(ctx context.Context, scope venue.UserScope) (float64, error) {
	var out struct {
		Available string `json:"available"`
	}
	if err := a.client.DoSigned(ctx, http.MethodGet, "/v1/account/balance", scope, map[string]any{}, &out); err != nil {
		return 0, fmt.Errorf("perpb balance: %w", err)
	}
	bal, err := strconv.ParseFloat(out.Available, 64)
	if err != nil {
		return 0, fmt.Errorf("parse perpb balance: %w", err)
	}
	return bal, nil
}

func (a *Adapter) Open(ctx context.Context, p venue.OpenParams) (venue.OpenResult, error) {
	if p.SizeCollateral < MinOrderValue {
		return venue.OpenResult{Error: "below minimum order value", Reason: venue.ReasonBelowMinimum}, nil
	}

	var resp struct {
		OrderID    string  `json:"orderId"`
		FillPrice  float64 `json:"fillPrice"`
		FilledSize float64 `json:"filledSize"`
	}
	body := map[string]any{
		"account":      p.SafeWallet,
		"symbol":       p.TokenSymbol,
		"side":         string(p.Side),
		"notional":     p.SizeCollateral,
		"leverage":     p.Leverage,
		"slippageTol":  DefaultSlippage,
		"orderType":    "MARKET",
	}
	if err := a.client.DoSigned(ctx, http.MethodPost, "/v1/order", p.UserScope, body, &resp); err != nil {
		return venue.OpenResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}
	if resp.FilledSize == 0 {
		return venue.OpenResult{Error: "order book rejected fill", Reason: venue.ReasonVenueRejected}, nil
	}

	return venue.OpenResult{
		TxRef:              resp.OrderID,
		AmountOut:          resp.FilledSize,
		EntryPriceEstimate: resp.FillPrice,
		EntryConfirmed:     true,
		VenueTradeID:       resp.OrderID,
	}, nil
}

func (a *Adapter) Close(ctx context.Context, p venue.CloseParams) (venue.CloseResult, error) {
	// Pre-flight: if the venue no longer lists this position, spec.md's
	// close sequence requires treating it as already closed and recovering
	// P&L from history rather than submitting a close order.
	open, err := a.ListOpenPositions(ctx, p.UserScope)
	if err != nil {
		return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}
	found := false
	for _, o := range open {
		if o.TokenSymbol == p.Position.TokenSymbol {
			found = true
			break
		}
	}
	if !found {
		fill, ok, err := a.RecentClosingFill(ctx, p.UserScope, p.Position.TokenSymbol)
		if err != nil {
			return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
		}
		if ok {
			return venue.CloseResult{ExitPrice: fill.ExitPrice, RealizedPnL: fill.ClosedPnL, ClosedExternally: true}, nil
		}
		return venue.CloseResult{ClosedExternally: true}, nil
	}

	var resp struct {
		FillPrice   float64 `json:"fillPrice"`
		RealizedPnL float64 `json:"realizedPnl"`
		OrderID     string  `json:"orderId"`
	}
	body := map[string]any{
		"account":     p.SafeWallet,
		"symbol":      p.Position.TokenSymbol,
		"side":        string(oppositeSide(p.Position.Side)),
		"reduceOnly":  true,
		"orderType":   "MARKET",
		"slippageTol": DefaultSlippage,
	}
	if err := a.client.DoSigned(ctx, http.MethodPost, "/v1/order", p.UserScope, body, &resp); err != nil {
		return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}

	return venue.CloseResult{TxRef: resp.OrderID, ExitPrice: resp.FillPrice, RealizedPnL: resp.RealizedPnL}, nil
}

func (a *Adapter) ListOpenPositions(ctx context.Context, scope venue.UserScope) ([]venue.VenuePosition, error) {
	var resp []struct {
		Symbol     string  `json:"symbol"`
		Side       string  `json:"side"`
		EntryPrice float64 `json:"entryPrice"`
		Size       float64 `json:"size"`
		OrderID    string  `json:"orderId"`
	}
	if err := a.client.DoSigned(ctx, http.MethodGet, "/v1/account/positions", scope, map[string]any{}, &resp); err != nil {
		return nil, fmt.Errorf("perpb list positions: %w", err)
	}

	out := make([]venue.VenuePosition, 0, len(resp))
	for _, r := range resp {
		out = append(out, venue.VenuePosition{
			VenueTradeID: r.OrderID,
			TokenSymbol:  r.Symbol,
			Side:         repo.Side(r.Side),
			EntryPrice:   r.EntryPrice,
			Qty:          r.Size,
		})
	}
	return out, nil
}

// TransferProfitShare withdraws amount from the user's account to receiver,
// implementing venue.ProfitShareAdapter.
func (a *Adapter) TransferProfitShare(ctx context.Context, scope venue.UserScope, amount float64, receiver string) error {
	body := map[string]any{"to": receiver, "amount": amount}
	var resp struct {
		TransferID string `json:"transferId"`
	}
	if err := a.client.DoSigned(ctx, http.MethodPost, "/v1/account/transfer", scope, body, &resp); err != nil {
		return fmt.Errorf("perpb profit share transfer: %w", err)
	}
	return nil
}

// RecentClosingFill implements venue.HistoryAdapter: the most recent fill
// on tokenSymbol where realized P&L is non-zero, used by orphan
// reconciliation to recover an externally-closed position's outcome.
func (a *Adapter) RecentClosingFill(ctx context.Context, scope venue.UserScope, tokenSymbol string) (venue.HistoricalFill, bool, error) {
	var resp []struct {
		Symbol     string  `json:"symbol"`
		ExitPrice  float64 `json:"exitPrice"`
		ClosedPnl  float64 `json:"closedPnl"`
		OccurredAt int64   `json:"occurredAt"`
	}
	if err := a.client.DoSigned(ctx, http.MethodGet, "/v1/account/fills?symbol="+tokenSymbol, scope, map[string]any{}, &resp); err != nil {
		return venue.HistoricalFill{}, false, fmt.Errorf("perpb fills history: %w", err)
	}

	var best *venue.HistoricalFill
	for _, r := range resp {
		if r.Symbol != tokenSymbol || r.ClosedPnl == 0 {
			continue
		}
		if best == nil || r.OccurredAt > best.OccurredAt {
			best = &venue.HistoricalFill{TokenSymbol: r.Symbol, ExitPrice: r.ExitPrice, ClosedPnL: r.ClosedPnl, OccurredAt: r.OccurredAt}
		}
	}
	if best == nil {
		return venue.HistoricalFill{}, false, nil
	}
	return *best, true, nil
}

// ListMarkets implements venue.MarketSource: the order book's public
// market list, used to refresh VenueMarket via the admin sync-venue-markets
// endpoint.
func (a *Adapter) ListMarkets(ctx context.Context) ([]venue.MarketInfo, error) {
	var resp []struct {
		Symbol      string  `json:"symbol"`
		Status      string  `json:"status"`
		MinNotional float64 `json:"minNotional"`
		MaxLeverage float64 `json:"maxLeverage"`
	}
	if err := a.client.DoPublic(ctx, http.MethodGet, "/v1/markets", nil, &resp); err != nil {
		return nil, fmt.Errorf("perpb list markets: %w", err)
	}

	out := make([]venue.MarketInfo, 0, len(resp))
	for _, r := range resp {
		out = append(out, venue.MarketInfo{
			TokenSymbol: r.Symbol,
			MarketRef:   r.Symbol,
			IsActive:    r.Status == "TRADING",
			MinPosition: r.MinNotional,
			MaxLeverage: r.MaxLeverage,
		})
	}
	return out, nil
}

func oppositeSide(s repo.Side) repo.Side {
	if s == repo.SideLong {
		return repo.SideShort
	}
	return repo.SideLong
}

func (c *Client) DoPublic(ctx context.Context, method, path string, body any, out any) error {
	return c.do(ctx, method, path, nil, out)
}

// DoSigned signs the request body with scope's delegated agent key and
// sends it on behalf of scope.SafeWallet (the user's own account address;
// the agent key only signs, per spec.md §4.1 PERP-B).
func (c *Client) DoSigned(ctx context.Context, method, path string, scope venue.UserScope, body map[string]any, out any) error {
	if body == nil {
		body = map[string]any{}
	}
	body["account"] = scope.SafeWallet
	body["timestamp"] = c.timeSync.Now()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	signer, _, err := c.keys.Resolve(scope.AgentAddress)
	if err != nil {
		return fmt.Errorf("resolve agent key: %w", err)
	}
	digest := sha256.Sum256(payload)
	sig, err := gethcrypto.Sign(digest[:], signer)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	return c.doWithSignature(ctx, method, path, payload, hex.EncodeToString(sig), scope.AgentAddress, out)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out any) error {
	return c.doWithSignature(ctx, method, path, payload, "", "", out)
}

func (c *Client) doWithSignature(ctx context.Context, method, path string, payload []byte, signature, agentAddress string, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Agent-Signature", signature)
		req.Header.Set("X-Agent-Address", agentAddress)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	// Advisory only, matching the teacher's own carry-over: this updates the
	// limiter's weight estimate from the response header but nothing here
	// consults ShouldDelay to gate the next request.
	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-Used-Weight"))

	if res.StatusCode >= 400 {
		return fmt.Errorf("perpb: %s %s -> %d: %s", method, path, res.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
