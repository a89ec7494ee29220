// Package perpc implements the leveraged-CFD venue. Like PERP-B it is a
// delegated venue, but opens submit a pending order: entry_price is an
// estimate until a keeper fills it, and closes must address the position
// by its venue-assigned trade index rather than by token symbol, or the
// adapter risks closing the wrong position.
package perpc

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/venue"
	"github.com/maxxit-ai/coordinator/internal/venue/perpb"
)

const MinOrderValue = 10

// restClient is the subset of perpb.Client's signed-REST plumbing this
// adapter reuses; PERP-C's wire shape differs enough (trade-index based
// addressing, pending fills) to warrant its own Adapter, but the
// ECDSA agent-key signing transport is identical.
type restClient = perpb.Client

type Adapter struct {
	client *restClient
}

func New(client *restClient) *Adapter { return &Adapter{client: client} }

func (a *Adapter) Venue() repo.Venue { return repo.VenuePerpC }

func (a *Adapter) CurrentPrice(ctx context.Context, tokenSymbol string) (float64, error) {
	return doPublicPrice(ctx, a.client, tokenSymbol)
}

func (a *Adapter) UserBalance(ctx context.Context, scope venue.UserScope) (float64, error) {
	return doSignedBalance(ctx, a.client, scope)
}

func (a *Adapter) Open(ctx context.Context, p venue.OpenParams) (venue.OpenResult, error) {
	if p.SizeCollateral < MinOrderValue {
		return venue.OpenResult{Error: "below minimum order value", Reason: venue.ReasonBelowMinimum}, nil
	}

	var resp struct {
		TradeIndex      int64   `json:"tradeIndex"`
		OrderID         string  `json:"orderId"`
		EstimatedPrice  float64 `json:"estimatedPrice"`
		Pending         bool    `json:"pending"`
	}
	body := map[string]any{
		"symbol":   p.TokenSymbol,
		"side":     string(p.Side),
		"notional": p.SizeCollateral,
		"leverage": p.Leverage,
	}
	if err := doSignedRequest(ctx, a.client, http.MethodPost, "/v1/trade/open", p.UserScope, body, &resp); err != nil {
		return venue.OpenResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}

	return venue.OpenResult{
		TxRef:              resp.OrderID,
		EntryPriceEstimate: resp.EstimatedPrice,
		EntryConfirmed:     !resp.Pending,
		VenueTradeID:        resp.OrderID,
		VenueTradeIndex:     resp.TradeIndex,
	}, nil
}

func (a *Adapter) Close(ctx context.Context, p venue.CloseParams) (venue.CloseResult, error) {
	if p.Position.VenueTradeIndex == 0 {
		return venue.CloseResult{Error: "missing venue trade index, refusing to close by symbol alone", Reason: venue.ReasonVenueRejected}, nil
	}

	open, err := a.ListOpenPositions(ctx, p.UserScope)
	if err != nil {
		return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}
	found := false
	for _, o := range open {
		if o.VenueTradeIndex == p.Position.VenueTradeIndex {
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
		ExitPrice   float64 `json:"exitPrice"`
		RealizedPnL float64 `json:"realizedPnl"`
		OrderID     string  `json:"orderId"`
	}
	body := map[string]any{"tradeIndex": p.Position.VenueTradeIndex}
	if err := doSignedRequest(ctx, a.client, http.MethodPost, "/v1/trade/close", p.UserScope, body, &resp); err != nil {
		return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}

	return venue.CloseResult{TxRef: resp.OrderID, ExitPrice: resp.ExitPrice, RealizedPnL: resp.RealizedPnL}, nil
}

func (a *Adapter) ListOpenPositions(ctx context.Context, scope venue.UserScope) ([]venue.VenuePosition, error) {
	var resp []struct {
		TradeIndex int64   `json:"tradeIndex"`
		Symbol     string  `json:"symbol"`
		Side       string  `json:"side"`
		EntryPrice float64 `json:"entryPrice"`
		Size       float64 `json:"size"`
		Pending    bool    `json:"pending"`
	}
	if err := doSignedRequest(ctx, a.client, http.MethodGet, "/v1/trade/open-positions", scope, map[string]any{}, &resp); err != nil {
		return nil, fmt.Errorf("perpc list positions: %w", err)
	}

	out := make([]venue.VenuePosition, 0, len(resp))
	for _, r := range resp {
		if r.Pending {
			// Not yet filled: entry_price is unconfirmed, qty is zero at the
			// venue. The monitor must not treat this as an orphan close.
			continue
		}
		out = append(out, venue.VenuePosition{
			VenueTradeIndex: r.TradeIndex,
			TokenSymbol:     r.Symbol,
			Side:            repo.Side(r.Side),
			EntryPrice:      r.EntryPrice,
			Qty:             r.Size,
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
	if err := doSignedRequest(ctx, a.client, http.MethodPost, "/v1/account/transfer", scope, body, &resp); err != nil {
		return fmt.Errorf("perpc profit share transfer: %w", err)
	}
	return nil
}

// RecentClosingFill mirrors perpb.Adapter's history lookup for orphan
// reconciliation P&L recovery.
func (a *Adapter) RecentClosingFill(ctx context.Context, scope venue.UserScope, tokenSymbol string) (venue.HistoricalFill, bool, error) {
	var resp []struct {
		Symbol     string  `json:"symbol"`
		ExitPrice  float64 `json:"exitPrice"`
		ClosedPnl  float64 `json:"closedPnl"`
		OccurredAt int64   `json:"occurredAt"`
	}
	if err := doSignedRequest(ctx, a.client, http.MethodGet, "/v1/trade/fills?symbol="+tokenSymbol, scope, map[string]any{}, &resp); err != nil {
		return venue.HistoricalFill{}, false, fmt.Errorf("perpc fills history: %w", err)
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

// ListMarkets implements venue.MarketSource: the venue's public tradable
// instrument list, used to refresh VenueMarket via the admin
// sync-venue-markets endpoint.
func (a *Adapter) ListMarkets(ctx context.Context) ([]venue.MarketInfo, error) {
	var resp []struct {
		Symbol      string  `json:"symbol"`
		Status      string  `json:"status"`
		MinNotional float64 `json:"minNotional"`
		MaxLeverage float64 `json:"maxLeverage"`
	}
	if err := a.client.DoPublic(ctx, http.MethodGet, "/v1/instruments", nil, &resp); err != nil {
		return nil, fmt.Errorf("perpc list markets: %w", err)
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

func doPublicPrice(ctx context.Context, c *restClient, tokenSymbol string) (float64, error) {
	var out struct {
		Price string `json:"price"`
	}
	if err := c.DoPublic(ctx, http.MethodGet, "/v1/ticker?symbol="+tokenSymbol, nil, &out); err != nil {
		return 0, fmt.Errorf("perpc ticker: %w", err)
	}
	p, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse perpc ticker price: %w", err)
	}
	return p, nil
}

func doSignedBalance(ctx context.Context, c *restClient, scope venue.UserScope) (float64, error) {
	var out struct {
		Available string `json:"available"`
	}
	if err := c.DoSigned(ctx, http.MethodGet, "/v1/account/balance", scope, map[string]any{}, &out); err != nil {
		return 0, fmt.Errorf("perpc balance: %w", err)
	}
	bal, err := strconv.ParseFloat(out.Available, 64)
	if err != nil {
		return 0, fmt.Errorf("parse perpc balance: %w", err)
	}
	return bal, nil
}

func doSignedRequest(ctx context.Context, c *restClient, method, path string, scope venue.UserScope, body map[string]any, out any) error {
	return c.DoSigned(ctx, method, path, scope, body, out)
}
