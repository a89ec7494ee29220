// Package venue defines the adapter contract each of the four trading
// venues implements, generalized from the teacher's exchange Gateway
// interface to cover vault-mediated and delegated on-chain venues
// alongside off-chain order books.
package venue

import (
	"context"

	"github.com/maxxit-ai/coordinator/internal/repo"
)

// ErrorReason is the structured diagnostic tag an adapter attaches to a
// failed Open/Close result. It is never a Go error type name.
type ErrorReason string

const (
	ReasonMarketUnavailable ErrorReason = "market-unavailable"
	ReasonBelowMinimum      ErrorReason = "below-minimum"
	ReasonInsufficientFunds ErrorReason = "insufficient-funds"
	ReasonVenueRejected     ErrorReason = "venue-rejected"
	ReasonTimeout           ErrorReason = "timeout"
	ReasonSigningFailed     ErrorReason = "signing-failed"
	ReasonSecurityLimitHit  ErrorReason = "security-limit-hit"
)

// UserScope identifies whose position/balance an adapter call concerns.
// Vault-mediated venues key off SafeWallet; delegated venues additionally
// carry the per-user AgentAddress resolved via signerkey.KeyStore.
type UserScope struct {
	DeploymentID string
	SafeWallet   string
	AgentAddress string
	Chain        string
}

// OpenParams carries everything an adapter needs to submit an entry.
type OpenParams struct {
	UserScope
	TokenSymbol     string // registry-stripped, no _MANUAL_ suffix
	Side            repo.Side
	SizeCollateral  float64 // collateral/quote units to commit, already sized
	Leverage        float64
	TrailingPercent float64
}

// OpenResult mirrors spec's open() contract.
type OpenResult struct {
	TxRef              string
	AmountOut          float64
	EntryPriceEstimate float64
	EntryConfirmed     bool // false only for PERP-C pending fills
	VenueTradeID       string
	VenueTradeIndex    int64
	Error              string
	Reason             ErrorReason
}

// CloseParams carries the position being closed.
type CloseParams struct {
	UserScope
	Position repo.Position
}

// CloseResult mirrors spec's close() contract.
type CloseResult struct {
	TxRef            string
	ExitPrice        float64
	RealizedPnL      float64
	Qty              float64 // actual qty closed; 0 means "same as the stored position qty"
	ClosedExternally bool    // pre-flight found the position already gone
	Error            string
	Reason           ErrorReason
}

// VenuePosition is the venue's own view of an open position, used by the
// monitor to diff against local records.
type VenuePosition struct {
	VenueTradeID    string
	VenueTradeIndex int64
	TokenSymbol     string
	Side            repo.Side
	EntryPrice      float64
	Qty             float64
}

// HistoricalFill is a closed trade record, used by orphan reconciliation
// to recover exit price and realized P&L for positions closed at the venue
// without the coordinator's involvement.
type HistoricalFill struct {
	TokenSymbol string
	ExitPrice   float64
	ClosedPnL   float64
	OccurredAt  int64 // unix millis
}

// Adapter is the uniform façade over one venue family.
type Adapter interface {
	Venue() repo.Venue
	Open(ctx context.Context, p OpenParams) (OpenResult, error)
	Close(ctx context.Context, p CloseParams) (CloseResult, error)
	ListOpenPositions(ctx context.Context, scope UserScope) ([]VenuePosition, error)
	CurrentPrice(ctx context.Context, tokenSymbol string) (float64, error)
	UserBalance(ctx context.Context, scope UserScope) (float64, error)
}

// HistoryAdapter is implemented by delegated venues that expose a
// historical-fills API, used to recover P&L on orphan reconciliation.
type HistoryAdapter interface {
	Adapter
	RecentClosingFill(ctx context.Context, scope UserScope, tokenSymbol string) (HistoricalFill, bool, error)
}

// SetupAdapter is implemented by venues needing one-time account
// initialization before trading (e.g. enabling a delegated agent key).
type SetupAdapter interface {
	Adapter
	Setup(ctx context.Context, scope UserScope) error
}

// ProfitShareAdapter is implemented by venues that can move collateral out
// on the executor's behalf, used to distribute the creator profit share
// computed by internal/fee on a profitable close (spec.md §4.1 step 5).
type ProfitShareAdapter interface {
	Adapter
	TransferProfitShare(ctx context.Context, scope UserScope, amount float64, receiver string) error
}

// MarketInfo describes one tradable market as reported live by a venue,
// the input to VenueMarket rows refreshed by the admin sync-venue-markets
// endpoint (spec.md §6).
type MarketInfo struct {
	TokenSymbol string
	MarketRef   string
	IsActive    bool
	MinPosition float64
	MaxLeverage float64
}

// MarketSource is implemented by venues whose tradable market list is
// fetched live rather than configured statically, so spec.md's
// sync-venue-markets admin call has something to refresh VenueMarket
// from. PERP-A's whitelist is static on-chain config, not a live feed, so
// it does not implement this.
type MarketSource interface {
	Adapter
	ListMarkets(ctx context.Context) ([]MarketInfo, error)
}
