package onchain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Module wraps the per-vault smart-contract module that mediates trades on
// a user's non-custodial vault. The executor signs the module call, never
// the vault's own key — see spec.md's vault-mediated venue definition.
type Module struct {
	client  *Client
	abi     abi.ABI
	address common.Address
}

// moduleABI is the minimal surface the coordinator drives: one-shot
// capital-tracking init, ERC-20 approval through the vault, a single-hop
// exact-input swap, a generic outbound transfer (used for profit-share
// distribution), and an atomic composite call for PERP-A order creation.
var moduleABI = mustParseABI(`[
	{"name":"isCapitalTrackingInitialized","type":"function","stateMutability":"view","inputs":[{"name":"vault","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"initCapitalTracking","type":"function","stateMutability":"nonpayable","inputs":[{"name":"vault","type":"address"}],"outputs":[]},
	{"name":"moduleApprove","type":"function","stateMutability":"nonpayable","inputs":[{"name":"vault","type":"address"},{"name":"token","type":"address"},{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"moduleSwapExactInputSingle","type":"function","stateMutability":"nonpayable","inputs":[{"name":"vault","type":"address"},{"name":"router","type":"address"},{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"feeTier","type":"uint24"},{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amountOut","type":"uint256"}]},
	{"name":"moduleTransfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"vault","type":"address"},{"name":"token","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"moduleCreatePerpOrder","type":"function","stateMutability":"nonpayable","inputs":[{"name":"vault","type":"address"},{"name":"orderVault","type":"address"},{"name":"executionFeeWei","type":"uint256"},{"name":"collateralToken","type":"address"},{"name":"collateralAmount","type":"uint256"},{"name":"order","type":"tuple","components":[
		{"name":"market","type":"address"},
		{"name":"sizeDeltaUsd","type":"uint256"},
		{"name":"collateralDelta","type":"uint256"},
		{"name":"triggerPrice","type":"uint256"},
		{"name":"acceptablePrice","type":"uint256"},
		{"name":"isLong","type":"bool"}
	]}],"outputs":[{"name":"orderKey","type":"bytes32"}]},
	{"name":"moduleClosePerpPosition","type":"function","stateMutability":"nonpayable","inputs":[{"name":"vault","type":"address"},{"name":"orderVault","type":"address"},{"name":"executionFeeWei","type":"uint256"},{"name":"market","type":"address"},{"name":"sizeDeltaUsd","type":"uint256"},{"name":"isLong","type":"bool"},{"name":"acceptablePrice","type":"uint256"}],"outputs":[{"name":"orderKey","type":"bytes32"}]},
	{"name":"vaultCollateralBalance","type":"function","stateMutability":"view","inputs":[{"name":"vault","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"SwapExecuted","type":"event","anonymous":false,"inputs":[{"name":"vault","type":"address","indexed":true},{"name":"amountOut","type":"uint256","indexed":false}]}
]`)

func NewModule(client *Client, moduleAddress common.Address) *Module {
	return &Module{client: client, abi: moduleABI, address: moduleAddress}
}

func (m *Module) IsCapitalTrackingInitialized(ctx context.Context, vault common.Address) (bool, error) {
	out, err := m.client.Call(ctx, m.abi, m.address, "isCapitalTrackingInitialized", vault)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// EnsureCapitalTracking initializes the vault's capital-tracking record if
// needed. A race between workers is tolerated: the contract's own
// one-shot record is the arbiter, so a revert here from a concurrent
// initializer is swallowed by checking IsCapitalTrackingInitialized again
// rather than failing the trade.
func (m *Module) EnsureCapitalTracking(ctx context.Context, signer *ecdsa.PrivateKey, vault common.Address) error {
	initialized, err := m.IsCapitalTrackingInitialized(ctx, vault)
	if err != nil {
		return fmt.Errorf("check capital tracking: %w", err)
	}
	if initialized {
		return nil
	}
	_, err = m.client.Send(ctx, m.abi, m.address, signer, nil, "initCapitalTracking", vault)
	if err != nil {
		if done, cerr := m.IsCapitalTrackingInitialized(ctx, vault); cerr == nil && done {
			return nil
		}
		return fmt.Errorf("init capital tracking: %w", err)
	}
	return nil
}

// EnsureApproval approves spender for amount on behalf of the vault's
// token holdings through the module. A max-allowance approval amortizes
// across trades; repeating the call is idempotent (ChoSanghyuk-blackholedex's
// approve-then-swap idiom).
func (m *Module) EnsureApproval(ctx context.Context, signer *ecdsa.PrivateKey, vault, token, spender common.Address, amount *big.Int) error {
	_, err := m.client.Send(ctx, m.abi, m.address, signer, nil, "moduleApprove", vault, token, spender, amount)
	if err != nil {
		return fmt.Errorf("module approve: %w", err)
	}
	return nil
}

// SwapExactInputSingle routes a single-hop swap through router via the
// vault's module, returning the realized amountOut.
func (m *Module) SwapExactInputSingle(
	ctx context.Context, signer *ecdsa.PrivateKey, vault, router, tokenIn, tokenOut common.Address,
	feeTier uint32, amountIn, amountOutMin, deadline *big.Int,
) (*big.Int, common.Hash, error) {
	txHash, err := m.client.Send(ctx, m.abi, m.address, signer, nil,
		"moduleSwapExactInputSingle", vault, router, tokenIn, tokenOut, feeTier, amountIn, amountOutMin, deadline)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("module swap: %w", err)
	}

	receipt, err := m.client.WaitMined(ctx, txHash)
	if err != nil {
		return nil, txHash, fmt.Errorf("wait for swap receipt: %w", err)
	}
	amountOut, err := m.decodeSwapExecuted(receipt)
	if err != nil {
		return nil, txHash, fmt.Errorf("decode swap result: %w", err)
	}
	return amountOut, txHash, nil
}

// decodeSwapExecuted finds the module's SwapExecuted event in receipt and
// returns its amountOut field. State-changing calls only return data to
// other on-chain callers, so the realized output must come from the log.
func (m *Module) decodeSwapExecuted(receipt *types.Receipt) (*big.Int, error) {
	event := m.abi.Events["SwapExecuted"]
	for _, l := range receipt.Logs {
		if l.Address != m.address || len(l.Topics) == 0 || l.Topics[0] != event.ID {
			continue
		}
		unpacked, err := event.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack SwapExecuted: %w", err)
		}
		amountOut, ok := unpacked[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("unexpected SwapExecuted amountOut type %T", unpacked[0])
		}
		return amountOut, nil
	}
	return nil, fmt.Errorf("no SwapExecuted log found in receipt %s", receipt.TxHash.Hex())
}

// Transfer moves token from vault to to through the module, used for the
// 20% creator profit share distribution on realized gains.
func (m *Module) Transfer(ctx context.Context, signer *ecdsa.PrivateKey, vault, token, to common.Address, amount *big.Int) (common.Hash, error) {
	return m.client.Send(ctx, m.abi, m.address, signer, nil, "moduleTransfer", vault, token, to, amount)
}

// PerpOrderParams mirrors spec.md's composite PERP-A order payload.
type PerpOrderParams struct {
	Market           common.Address
	SizeDeltaUSD     *big.Int // 30-decimal scale
	CollateralDelta  *big.Int
	TriggerPrice     *big.Int // 0 for market orders
	AcceptablePrice  *big.Int // 30-decimal scale, slippage-adjusted
	IsLong           bool
	OrderVault       common.Address
	ExecutionFeeWei  *big.Int
	CollateralToken  common.Address
	CollateralAmount *big.Int
}

// CreatePerpOrder submits the composite open sequence from spec.md §4.1's
// PERP-A entry: execution fee + collateral transfer + order creation, all
// executed atomically by the module in a single transaction.
func (m *Module) CreatePerpOrder(ctx context.Context, signer *ecdsa.PrivateKey, vault common.Address, p PerpOrderParams) (common.Hash, error) {
	order := struct {
		Market          common.Address
		SizeDeltaUsd    *big.Int
		CollateralDelta *big.Int
		TriggerPrice    *big.Int
		AcceptablePrice *big.Int
		IsLong          bool
	}{p.Market, p.SizeDeltaUSD, p.CollateralDelta, p.TriggerPrice, p.AcceptablePrice, p.IsLong}

	return m.client.Send(ctx, m.abi, m.address, signer, nil,
		"moduleCreatePerpOrder", vault, p.OrderVault, p.ExecutionFeeWei, p.CollateralToken, p.CollateralAmount, order)
}

// ClosePerpPosition submits the PERP-A close/decrease order.
func (m *Module) ClosePerpPosition(
	ctx context.Context, signer *ecdsa.PrivateKey, vault, orderVault, market common.Address,
	executionFeeWei, sizeDeltaUSD, acceptablePrice *big.Int, isLong bool,
) (common.Hash, error) {
	return m.client.Send(ctx, m.abi, m.address, signer, nil,
		"moduleClosePerpPosition", vault, orderVault, executionFeeWei, market, sizeDeltaUSD, isLong, acceptablePrice)
}

// VaultCollateralBalance reads the vault's resting collateral balance,
// used for the spot close sequence's "actual qty closed" correction.
func (m *Module) VaultCollateralBalance(ctx context.Context, vault, token common.Address) (*big.Int, error) {
	out, err := m.client.Call(ctx, m.abi, m.address, "vaultCollateralBalance", vault, token)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

