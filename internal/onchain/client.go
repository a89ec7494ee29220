// Package onchain wraps go-ethereum's client for the handful of operations
// the vault-mediated venues need: ABI-encoded calls, signed transaction
// broadcast serialized through a nonce.Serializer, and receipt polling.
package onchain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/maxxit-ai/coordinator/internal/nonce"
)

// Client is a thin, per-chain wrapper around ethclient used by the
// SPOT and PERP_A venue adapters.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int
	nonces  *nonce.Serializer
}

// Dial connects to rpcURL and caches the chain ID for transaction signing.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	c := &Client{eth: eth, chainID: chainID}
	c.nonces = nonce.NewSerializer(chainReaderFunc(func(ctx context.Context, address string) (uint64, error) {
		return eth.PendingNonceAt(ctx, common.HexToAddress(address))
	}))
	return c, nil
}

type chainReaderFunc func(ctx context.Context, address string) (uint64, error)

func (f chainReaderFunc) PendingNonceAt(ctx context.Context, address string) (uint64, error) {
	return f(ctx, address)
}

// ChainID returns the cached chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// Nonces exposes the client's nonce serializer for admin diagnostics
// (the test-nonce endpoint's cached-nonce and force-refresh figures).
func (c *Client) Nonces() *nonce.Serializer { return c.nonces }

// NetworkNonce reads address's pending nonce directly from the node,
// bypassing the serializer's cache entirely.
func (c *Client) NetworkNonce(ctx context.Context, address common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, address)
}

// Call performs a read-only ABI call against contract and decodes the
// result into outputs named by the method.
func (c *Client) Call(ctx context.Context, contractABI abi.ABI, contract common.Address, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	return contractABI.Unpack(method, out)
}

// Send signs and broadcasts a call to method on contract using signer,
// serializing the nonce for signer's address. It returns once the
// transaction is accepted by the node's mempool, not once it is mined;
// callers that need confirmation should follow up with WaitMined.
func (c *Client) Send(
	ctx context.Context,
	contractABI abi.ABI,
	contract common.Address,
	signer *ecdsa.PrivateKey,
	value *big.Int,
	method string,
	args ...any,
) (common.Hash, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}

	from := gethcrypto.PubkeyToAddress(signer.PublicKey)

	var txHash common.Hash
	err = c.nonces.WithNonce(ctx, from.Hex(), func(n uint64) error {
		gasPrice, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("suggest gas price: %w", err)
		}

		if value == nil {
			value = big.NewInt(0)
		}

		gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
			From: from, To: &contract, Value: value, Data: data,
		})
		if err != nil {
			return fmt.Errorf("estimate gas for %s: %w", method, err)
		}
		gasLimit = gasLimit * 12 / 10 // headroom for state drift between estimate and inclusion

		tx := types.NewTx(&types.LegacyTx{
			Nonce:    n,
			To:       &contract,
			Value:    value,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})

		signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), signer)
		if err != nil {
			return fmt.Errorf("sign tx: %w", err)
		}

		if err := c.eth.SendTransaction(ctx, signed); err != nil {
			return err
		}

		txHash = signed.Hash()
		return nil
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("send %s: %w", method, err)
	}

	return txHash, nil
}

// WaitMined blocks until txHash has a receipt or ctx is done, polling at
// a fixed interval since go-ethereum has no push-based confirmation API
// over plain JSON-RPC.
func (c *Client) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !strings.Contains(err.Error(), "not found") {
			return nil, fmt.Errorf("fetch receipt for %s: %w", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ERC20BalanceOf reads balanceOf(holder) using the minimal ERC-20 ABI.
func (c *Client) ERC20BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	out, err := c.Call(ctx, erc20ABI, token, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected balanceOf result shape: %d values", len(out))
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", out[0])
	}
	return bal, nil
}

var erc20ABI = mustParseABI(`[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("onchain: invalid embedded ABI: %v", err))
	}
	return parsed
}
