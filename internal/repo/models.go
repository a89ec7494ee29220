// Package repo is the durable-map facade over the coordinator's SQLite store.
// It owns Signal, Deployment, UserAgentAddress, Position, VenueMarket,
// TokenRegistry, and BillingEvent records.
package repo

import "time"

// Venue enumerates the trading venues the coordinator routes across.
type Venue string

const (
	VenueSpot  Venue = "SPOT"
	VenuePerpA Venue = "PERP_A"
	VenuePerpB Venue = "PERP_B"
	VenuePerpC Venue = "PERP_C"
	VenueMulti Venue = "MULTI" // signal has not yet been routed to one venue
)

// Side is the direction of a trade.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// SizeModelKind tags how a signal's size should be computed.
type SizeModelKind string

const (
	SizeFixedUSDC        SizeModelKind = "fixed-usdc"
	SizeBalancePercentage SizeModelKind = "balance-percentage"
)

// SizeModel captures the signal's sizing instruction.
type SizeModel struct {
	Kind  SizeModelKind
	Value float64 // USDC amount or percentage points (0-100) depending on Kind
}

// RiskModel captures the signal's risk parameters.
type RiskModel struct {
	StopLoss        float64 // percent, 0 disables
	TakeProfit      float64 // percent, 0 disables
	TrailingPercent float64 // percent distance once armed
	Leverage        float64
}

// Signal is an upstream trade intent. Immutable except Venue, which the
// router may rewrite exactly once (see I3 in the data model).
type Signal struct {
	ID           string
	AgentID      string
	Venue        Venue
	TokenSymbol  string // may carry a _MANUAL_<ts> suffix; stripped on Position
	Side         Side
	SizeModel    SizeModel
	RiskModel    RiskModel
	SourceRef    []string
	DedupeBucket string // materialized 6h bucket key for non-manual signals
	CreatedAt    time.Time
}

// DeploymentStatus enumerates a deployment's lifecycle state.
type DeploymentStatus string

const (
	DeploymentActive     DeploymentStatus = "ACTIVE"
	DeploymentPaused     DeploymentStatus = "PAUSED"
	DeploymentTerminated DeploymentStatus = "TERMINATED"
)

// Deployment is a user's subscription to an agent.
type Deployment struct {
	ID                    string
	AgentID               string
	UserWallet            string // lowercased
	SafeWallet            string // vault address, or user EOA for delegated venues
	Status                DeploymentStatus
	SubActive             bool
	ModuleEnabled         bool
	EnabledVenues         []Venue // empty => single-venue from agent
	ProfitReceiverAddress string
	CreatedAt             time.Time
	UpdatedAt              time.Time
}

// IsEligible reports whether the deployment may currently receive trades.
func (d Deployment) IsEligible() bool {
	return d.Status == DeploymentActive && d.SubActive && d.ModuleEnabled
}

// UserAgentAddress maps a (user, venue) pair to its delegated agent address.
// Exactly one row per (user_wallet, venue); addresses are globally unique.
type UserAgentAddress struct {
	UserWallet   string
	Venue        Venue
	AgentAddress string
	CreatedAt    time.Time
}

// PositionStatus is the Position lifecycle state (see spec state machine).
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// TrailingParams tracks the trailing-stop state machine's anchors.
type TrailingParams struct {
	Enabled         bool
	TrailingPercent float64
	HighestPrice    float64 // LONG: best price seen since entry
	LowestPrice     float64 // SHORT: best price seen since entry
}

// Position is a single venue position opened on behalf of a deployment.
type Position struct {
	ID                string
	DeploymentID      string
	SignalID          string // unique together with DeploymentID (I1)
	Venue             Venue
	TokenSymbol       string // stripped of any _MANUAL_ tag (I6)
	Side              Side
	EntryPrice        float64
	Qty               float64 // > 0 at creation (I2)
	EntryTxRef        string
	OpenedAt          time.Time
	Status            PositionStatus
	ClosedAt          *time.Time
	ExitPrice         *float64
	ExitTxRef         *string
	PnL               *float64
	ExitReason        string
	Trailing          TrailingParams
	VenueTradeID      string
	VenueTradeIndex   int64
	EntryPriceConfirmed bool // false for PERP-C pending-fill positions until venue confirms
}

// VenueMarket is a read-only-to-executor record of market availability.
type VenueMarket struct {
	Venue       Venue
	TokenSymbol string
	MarketRef   string
	IsActive    bool
	MinPosition float64
	MaxLeverage float64
	UpdatedAt   time.Time
}

// TokenRegistryEntry resolves a (chain, token symbol) pair to on-chain metadata.
type TokenRegistryEntry struct {
	Chain       string
	TokenSymbol string
	Address     string
	Decimals    int
}

// BillingEventKind enumerates append-only billing events.
type BillingEventKind string

const (
	BillingProfitShare BillingEventKind = "PROFIT_SHARE"
	BillingFee         BillingEventKind = "FEE"
)

// BillingEvent is an append-only record of fees/profit-share collected.
type BillingEvent struct {
	ID           string
	DeploymentID string
	Kind         BillingEventKind
	Amount       float64
	Asset        string
	OccurredAt   time.Time
}

// User is an operator account for the admin HTTP surface (spec.md §6),
// carried as ambient auth infrastructure the way the teacher gates its
// own API behind registered accounts rather than a single shared secret.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
