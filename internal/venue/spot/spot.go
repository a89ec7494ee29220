// Package spot implements the vault-mediated DEX-swap venue adapter.
package spot

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

// PoolFeeDefault is the default pool-fee tier, in hundredths of a bip
// (30 bps == 3000 in Uniswap-v3-style fee units).
const PoolFeeDefault = 3000

const usdcDecimals = 6

// PriceSource quotes the settlement price the adapter must derive entry/
// exit prices from — identical to the module's own swap math, never a
// separate oracle (spec.md §4.2's current_price correspondence rule).
type PriceSource interface {
	Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (amountOut *big.Int, err error)
}

// Adapter is the SPOT venue's Adapter implementation.
type Adapter struct {
	chain        string
	module       *onchain.Module
	keys         *signerkey.KeyStore
	registry     TokenResolver
	quotes       PriceSource
	routerAddr   common.Address
	feeTierByTok map[string]uint32 // token symbol -> fee tier override, optional
	collateral   common.Address   // USDC-equivalent collateral asset
}

// TokenResolver resolves (chain, symbol) to on-chain token metadata.
type TokenResolver interface {
	GetTokenRegistryEntry(ctx context.Context, chain, tokenSymbol string) (repo.TokenRegistryEntry, error)
}

func New(chain string, module *onchain.Module, keys *signerkey.KeyStore, registry TokenResolver, quotes PriceSource, routerAddr, collateral common.Address) *Adapter {
	return &Adapter{
		chain:        chain,
		module:       module,
		keys:         keys,
		registry:     registry,
		quotes:       quotes,
		routerAddr:   routerAddr,
		feeTierByTok: make(map[string]uint32),
		collateral:   collateral,
	}
}

func (a *Adapter) Venue() repo.Venue { return repo.VenueSpot }

func (a *Adapter) CurrentPrice(ctx context.Context, tokenSymbol string) (float64, error) {
	entry, err := a.registry.GetTokenRegistryEntry(ctx, a.chain, tokenSymbol)
	if err != nil {
		return 0, fmt.Errorf("resolve token %s: %w", tokenSymbol, err)
	}
	unit := scaleAmount(1, entry.Decimals)
	out, err := a.quotes.Quote(ctx, common.HexToAddress(entry.Address), a.collateral, unit)
	if err != nil {
		return 0, fmt.Errorf("quote %s: %w", tokenSymbol, err)
	}
	return unscaleAmount(out, usdcDecimals), nil
}

func (a *Adapter) UserBalance(ctx context.Context, scope venue.UserScope) (float64, error) {
	bal, err := a.module.VaultCollateralBalance(ctx, common.HexToAddress(scope.SafeWallet), a.collateral)
	if err != nil {
		return 0, fmt.Errorf("vault collateral balance: %w", err)
	}
	return unscaleAmount(bal, usdcDecimals), nil
}

func (a *Adapter) Open(ctx context.Context, p venue.OpenParams) (venue.OpenResult, error) {
	entry, err := a.registry.GetTokenRegistryEntry(ctx, a.chain, p.TokenSymbol)
	if err != nil {
		return venue.OpenResult{Error: err.Error(), Reason: venue.ReasonMarketUnavailable}, nil
	}
	tokenOut := common.HexToAddress(entry.Address)

	signer, _, err := a.keys.Resolve(signerkey.ExecutorID)
	if err != nil {
		return venue.OpenResult{Error: err.Error(), Reason: venue.ReasonSigningFailed}, nil
	}

	vault := common.HexToAddress(p.SafeWallet)
	if err := a.module.EnsureCapitalTracking(ctx, signer, vault); err != nil {
		return venue.OpenResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}

	amountIn := scaleAmount(p.SizeCollateral, usdcDecimals)
	maxAllowance := new(big.Int).Lsh(big.NewInt(1), 256)
	maxAllowance.Sub(maxAllowance, big.NewInt(1))
	if err := a.module.EnsureApproval(ctx, signer, vault, a.collateral, a.routerAddr, maxAllowance); err != nil {
		return venue.OpenResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}

	feeTier := uint32(PoolFeeDefault)
	if override, ok := a.feeTierByTok[p.TokenSymbol]; ok {
		feeTier = override
	}

	quoted, err := a.quotes.Quote(ctx, a.collateral, tokenOut, amountIn)
	if err != nil {
		return venue.OpenResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}
	minOut := applySlippageFloor(quoted, 0.01)

	deadline := big.NewInt(time.Now().Add(2 * time.Minute).Unix())
	amountOut, txHash, err := a.module.SwapExactInputSingle(ctx, signer, vault, a.routerAddr, a.collateral, tokenOut, feeTier, amountIn, minOut, deadline)
	if err != nil {
		return venue.OpenResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}

	outFloat := unscaleAmount(amountOut, entry.Decimals)
	if outFloat <= 0 {
		return venue.OpenResult{Error: "swap returned zero output", Reason: venue.ReasonVenueRejected}, nil
	}
	entryPrice := p.SizeCollateral / outFloat

	return venue.OpenResult{
		TxRef:              txHash.Hex(),
		AmountOut:          outFloat,
		EntryPriceEstimate: entryPrice,
		EntryConfirmed:     true,
	}, nil
}

func (a *Adapter) Close(ctx context.Context, p venue.CloseParams) (venue.CloseResult, error) {
	entry, err := a.registry.GetTokenRegistryEntry(ctx, a.chain, p.Position.TokenSymbol)
	if err != nil {
		return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonMarketUnavailable}, nil
	}
	tokenIn := common.HexToAddress(entry.Address)

	signer, _, err := a.keys.Resolve(signerkey.ExecutorID)
	if err != nil {
		return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonSigningFailed}, nil
	}

	vault := common.HexToAddress(p.SafeWallet)

	// Spot close reads actual token balance rather than trusting the stored
	// qty, which may be stale (spec.md §4.1 step 6: "spot: read actual
	// balance from the vault rather than trusting the stored qty").
	heldBalance, err := a.module.VaultCollateralBalance(ctx, vault, tokenIn)
	if err != nil {
		return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}
	actualQty := unscaleAmount(heldBalance, entry.Decimals)
	if actualQty <= 0 || actualQty > p.Position.Qty*1.0001 {
		// Balance reads 0 (already closed) or implausibly larger than what
		// this adapter opened; fall back to the stored qty rather than
		// swapping an unrelated balance.
		actualQty = p.Position.Qty
	}
	amountIn := scaleAmount(actualQty, entry.Decimals)

	maxAllowance := new(big.Int).Lsh(big.NewInt(1), 256)
	maxAllowance.Sub(maxAllowance, big.NewInt(1))
	if err := a.module.EnsureApproval(ctx, signer, vault, tokenIn, a.routerAddr, maxAllowance); err != nil {
		return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}

	quoted, err := a.quotes.Quote(ctx, tokenIn, a.collateral, amountIn)
	if err != nil {
		return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}
	minOut := applySlippageFloor(quoted, 0.01)

	deadline := big.NewInt(time.Now().Add(2 * time.Minute).Unix())
	amountOut, txHash, err := a.module.SwapExactInputSingle(ctx, signer, vault, a.routerAddr, tokenIn, a.collateral, PoolFeeDefault, amountIn, minOut, deadline)
	if err != nil {
		return venue.CloseResult{Error: err.Error(), Reason: venue.ReasonVenueRejected}, nil
	}

	proceeds := unscaleAmount(amountOut, usdcDecimals)
	exitPrice := proceeds / actualQty
	cost := p.Position.EntryPrice * actualQty
	realized := proceeds - cost

	return venue.CloseResult{
		TxRef:       txHash.Hex(),
		ExitPrice:   exitPrice,
		RealizedPnL: realized,
		Qty:         actualQty,
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
	_, err = a.module.Transfer(ctx, signer, vault, a.collateral, common.HexToAddress(receiver), scaleAmount(amount, usdcDecimals))
	return err
}

// ListOpenPositions has no venue-side truth for spot: a swap has no
// persistent "position" at the DEX, so the local Repo is authoritative
// and this always returns empty (no auto-discovery/orphan reconciliation
// applies to spot).
func (a *Adapter) ListOpenPositions(ctx context.Context, scope venue.UserScope) ([]venue.VenuePosition, error) {
	return nil, nil
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

func applySlippageFloor(quoted *big.Int, slippage float64) *big.Int {
	factor := 1 - slippage
	scaled := new(big.Float).Mul(new(big.Float).SetInt(quoted), big.NewFloat(factor))
	out, _ := scaled.Int(nil)
	return out
}
