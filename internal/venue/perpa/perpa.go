// Package perpa implements the vault-mediated on-chain perpetuals venue
// (directly callable through the module, as opposed to PERP-B/PERP-C's
// delegated off-chain accounts).
package perpa

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/maxxit-ai/coordinator/internal/onchain"
	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/signerkey"
	"github.com/maxxit-ai/coordinator/internal/venue"
)

const usdcDecimals = 6
const usdScale = 30 // GMX-style 30-decimal size/price scale

// FixedProtocolFee is collected from the vault to the platform receiver
// before every order sequence (spec.md §4.1 PERP-A).
const FixedProtocolFee = 0.2

const executionFeeWei = 300_000_000_000_000 // 0.0003 native gas token, fixed keeper fee

// AggregatorFeed resolves the aggregator price PERP-A itself settles
// against (spec.md §4.2: current_price must match the venue's own feed).
type AggregatorFeed interface {
	Price(ctx context.Context, tokenSymbol string) (float64, error)
}

// MarketResolver resolves a token symbol to its perp market address and
// whether it is security-whitelisted.
type MarketResolver interface {
	GetVenueMarket(ctx context.Context, venue repo.Venue, tokenSymbol string) (repo.VenueMarket, error)
}

// DailyVolumeTracker enforces the max-daily-volume security ceiling per
// vault. The coordinator process is the only writer, so an in-memory
// rolling window is sufficient; see DESIGN.md.
type DailyVolumeTracker interface {
	Add(vault string, amount float64)
	Last24h(vault string) float64
}

type Adapter struct {
	chain          string
	module         *onchain.Module
	keys           *signerkey.KeyStore
	markets        MarketResolver
	feed           AggregatorFeed
	volumes        DailyVolumeTracker
	orderVault     common.Address
	collateralAddr common.Address
	feeReceiver    common.Address
}

func New(
	chain string, module *onchain.Module, keys *signerkey.KeyStore, markets MarketResolver, feed AggregatorFeed,
	volumes DailyVolumeTracker, orderVault, collateralAddr, feeReceiver common.Address,
) *Adapter {
	return &Adapter{
		chain: chain, module: module, keys: keys, markets: markets, feed: feed, volumes: volumes,
		orderVault: orderVault, collateralAddr: collateralAddr, feeReceiver: feeReceiver,
	}
}

func (a *Adapter) Venue() repo.Venue { return repo.VenuePerpA }

func (a *Adapter) CurrentPrice(ctx context.Context, tokenSymbol string) (float64, error) {
	return a.feed.Price(ctx, tokenSymbol)
}

func (a *Adapter) UserBalance(ctx context.Context, scope venue.UserScope) (float64, error) {
	bal, err := a.module.VaultCollateralBalance(ctx, common.HexToAddress(scope.SafeWallet), a.collateralAddr)
	if err != nil {
		return 0, fmt.Errorf("vault collateral balance: %w", err)
	}
	return unscaleAmount(bal, usdcDecimals), nil
}

func (a *Adapter) Open(ctx context.Context, p venue.OpenParams) (venue.OpenResult, error) {
	market, err := a.markets.GetVenueMarket(ctx, repo.VenuePerpA, p.TokenSymbol)
	if err != nil || !market.IsActive {
		return venue.OpenResult{Error: "market not whitelisted", Reason: venue.ReasonMarketUnavailable}, nil
	}

	if p.Leverage > venue.PerpASecurity.MaxLeverage {
		return venue.OpenResult{Error: "leverage exceeds security ceiling", Reason: venue.ReasonSecurityLimitHit}, nil
	}
	if p.SizeCollateral*p.Leverage > venue.PerpASecurity.MaxPosition {
		return venue.OpenResult{Error: "position size exceeds security ceiling", Reason: venue.ReasonSecurityLimitHit}, nil
	}
	if a.volumes.Last24h(p.SafeWallet)+p.SizeCollateral > venue.PerpASecurity.MaxDailyVolume {
		return venue.OpenResult{Error: "daily volume ceiling reached", Reason: venue.ReasonSecurityLimitHit}, nil
	}

	signer, _, err := a.keys.Resolve(signerkey.ExecutorID)
	if err != nil {
		return venue.OpenResult{Error: err.Error(), Reason: venue.ReasonSigningFailed}, nil
	}
	vault := common.HexToAddress(p.SafeWallet)

	if _, err := a.module.Transfer(ctx, signer, vault, a.collateralAddr, a.feeReceiver, scaleAmount(FixedProtocolFee, usdcDecimals)); err != nil {
		return venue.OpenResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}

	price, err := a.feed.Price(ctx, p.TokenSymbol)
	if err != nil {
		return venue.OpenResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}

	sizeDeltaUSD := toScaledUSD(p.SizeCollateral*p.Leverage, usdScale)
	acceptablePrice := applySlippage(price, p.Side, usdScale)

	txHash, err := a.module.CreatePerpOrder(ctx, signer, vault, onchain.PerpOrderParams{
		Market:           common.HexToAddress(market.MarketRef),
		SizeDeltaUSD:     sizeDeltaUSD,
		CollateralDelta:  scaleAmount(p.SizeCollateral, usdcDecimals),
		TriggerPrice:     big.NewInt(0),
		AcceptablePrice:  acceptablePrice,
		IsLong:           p.Side == repo.SideLong,
		OrderVault:       a.orderVault,
		ExecutionFeeWei:  big.NewInt(executionFeeWei),
		CollateralToken:  a.collateralAddr,
		CollateralAmount: scaleAmount(p.SizeCollateral, usdcDecimals),
	})
	if err != nil {
		return venue.OpenResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}

	a.volumes.Add(p.SafeWallet, p.SizeCollateral)

	return venue.OpenResult{
		TxRef:              txHash.Hex(),
		EntryPriceEstimate: price,
		EntryConfirmed:     true,
	}, nil
}

func (a *Adapter) Close(ctx context.Context, p venue.CloseParams) (venue.CloseResult, error) {
	market, err := a.markets.GetVenueMarket(ctx, repo.VenuePerpA, p.Position.TokenSymbol)
	if err != nil {
		return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonMarketUnavailable}, nil
	}

	signer, _, err := a.keys.Resolve(signerkey.ExecutorID)
	if err != nil {
		return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonSigningFailed}, nil
	}
	vault := common.HexToAddress(p.SafeWallet)

	price, err := a.feed.Price(ctx, p.Position.TokenSymbol)
	if err != nil {
		return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}
	acceptablePrice := applySlippage(price, oppositeSide(p.Position.Side), usdScale)
	sizeDeltaUSD := toScaledUSD(p.Position.Qty, usdScale) // PERP-A qty is collateral notional, see descriptor.go

	txHash, err := a.module.ClosePerpPosition(ctx, signer, vault, a.orderVault, common.HexToAddress(market.MarketRef), big.NewInt(executionFeeWei), sizeDeltaUSD, p.Position.Side == repo.SideLong, acceptablePrice)
	if err != nil {
		return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}

	realized := venue.Descriptors[repo.VenuePerpA].PnL(p.Position.Side, p.Position.EntryPrice, price, p.Position.Qty)

	return venue.CloseResult{
		TxRef:       txHash.Hex(),
		ExitPrice:   price,
		RealizedPnL: realized,
	}, nil
}

// TransferProfitShare moves amount of collateral from the vault to receiver
// through the module, implementing venue.ProfitShareAdapter.
func (a *Adapter) TransferProfitShare(ctx context.Context, scope venue.UserScope, amount float64, receiver string) error {
	signer, _, err := a.keys.Resolve(signerkey.ExecutorID)
	if err != nil {
		return fmt.Errorf("resolve executor signer: %w", err)
	}
	vault := common.HexToAddress(scope.SafeWallet)
	_, err = a.module.Transfer(ctx, signer, vault, a.collateralAddr, common.HexToAddress(receiver), scaleAmount(amount, usdcDecimals))
	return err
}

// ListOpenPositions: like spot, PERP-A's composite order is atomic from the
// vault's perspective and has no separate venue-side bookkeeping the
// coordinator doesn't already own; monitor relies on the Repo as truth.
func (a *Adapter) ListOpenPositions(ctx context.Context, scope venue.UserScope) ([]venue.VenuePosition, error) {
	return nil, nil
}

func oppositeSide(s repo.Side) repo.Side {
	if s == repo.SideLong {
		return repo.SideShort
	}
	return repo.SideLong
}

func scaleAmount(amount float64, decimals int) *big.Int {
	scaled := amount * math.Pow10(decimals)
	return big.NewInt(int64(math.Round(scaled)))
}

func unscaleAmount(amount *big.Int, decimals int) float64 {
	f := new(big.Float).SetInt(amount)
	divisor := new(big.Float).SetFloat64(math.Pow10(decimals))
	result, _ := new(big.Float).Quo(f, divisor).Float64()
	return result
}

func toScaledUSD(value float64, scale int) *big.Int {
	// big.Float loses precision at 1e30; scale in two steps to stay exact
	// enough for the purposes of order sizing (not settlement math).
	base := new(big.Float).SetFloat64(value)
	base.Mul(base, new(big.Float).SetFloat64(1e15))
	intermediate, _ := base.Int(nil)
	remaining := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale-15)), nil)
	return new(big.Int).Mul(intermediate, remaining)
}

func applySlippage(price float64, side repo.Side, scale int) *big.Int {
	const slippage = 0.005
	adjusted := price
	if side == repo.SideLong {
		adjusted *= 1 + slippage
	} else {
		adjusted *= 1 - slippage
	}
	return toScaledUSD(adjusted, scale)
}
