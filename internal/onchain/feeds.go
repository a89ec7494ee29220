package onchain

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// quoterABI is the subset of Uniswap-v3-style QuoterV2 the coordinator
// drives: a single-hop, exact-input static quote. Grounded on the same
// Client.Call plumbing as Module's moduleABI calls.
var quoterABI = mustParseABI(`[
	{"name":"quoteExactInputSingle","type":"function","stateMutability":"view","inputs":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"amountIn","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}],"outputs":[{"name":"amountOut","type":"uint256"}]}
]`)

// Quoter implements spot.PriceSource against an on-chain Uniswap-v3-style
// quoter contract, so the SPOT adapter's entry/exit prices track the exact
// router it swaps through (spec.md §4.2's current_price correspondence
// rule), not a separate price oracle.
type Quoter struct {
	client  *Client
	address common.Address
	feeTier uint32
}

// NewQuoter wraps quoterAddress, quoting at feeTier (hundredths of a bip,
// e.g. 3000 == 30bps) unless the caller needs a different pool.
func NewQuoter(client *Client, quoterAddress common.Address, feeTier uint32) *Quoter {
	return &Quoter{client: client, address: quoterAddress, feeTier: feeTier}
}

// Quote reads the router's static quote for swapping amountIn of tokenIn
// into tokenOut at the configured fee tier.
func (q *Quoter) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	out, err := q.client.Call(ctx, quoterABI, q.address, "quoteExactInputSingle", tokenIn, tokenOut, q.feeTier, amountIn, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("quote %s->%s: %w", tokenIn.Hex(), tokenOut.Hex(), err)
	}
	return out[0].(*big.Int), nil
}

// aggregatorABI is a Chainlink-style price feed's latestRoundData view,
// the venue-settlement aggregator PERP-A's entry/exit prices must track.
var aggregatorABI = mustParseABI(`[
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],"outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}
	]}
]`)

// PriceFeed reads a single Chainlink-style aggregator, implementing
// perpa.AggregatorFeed. One feed instance covers one token symbol; the
// caller wires a feed per symbol into a SymbolFeed map.
type PriceFeed struct {
	client   *Client
	address  common.Address
	decimals int
}

// NewPriceFeed queries the feed's decimals once at construction; aggregator
// decimals are immutable for a deployed feed.
func NewPriceFeed(ctx context.Context, client *Client, feedAddress common.Address) (*PriceFeed, error) {
	out, err := client.Call(ctx, aggregatorABI, feedAddress, "decimals")
	if err != nil {
		return nil, fmt.Errorf("read feed decimals: %w", err)
	}
	return &PriceFeed{client: client, address: feedAddress, decimals: int(out[0].(uint8))}, nil
}

func (f *PriceFeed) latestPrice(ctx context.Context) (float64, error) {
	out, err := f.client.Call(ctx, aggregatorABI, f.address, "latestRoundData")
	if err != nil {
		return 0, fmt.Errorf("read latest round: %w", err)
	}
	answer := out[1].(*big.Int)
	scaled := new(big.Float).SetInt(answer)
	divisor := new(big.Float).SetFloat64(math.Pow10(f.decimals))
	price, _ := new(big.Float).Quo(scaled, divisor).Float64()
	return price, nil
}

// SymbolFeed maps token symbols to their individual aggregator feeds and
// implements perpa.AggregatorFeed, since each token settles against its
// own Chainlink-style contract.
type SymbolFeed struct {
	feeds map[string]*PriceFeed
}

// NewSymbolFeed builds a AggregatorFeed from a fixed symbol->feed map
// resolved once at startup.
func NewSymbolFeed(feeds map[string]*PriceFeed) *SymbolFeed {
	return &SymbolFeed{feeds: feeds}
}

func (s *SymbolFeed) Price(ctx context.Context, tokenSymbol string) (float64, error) {
	feed, ok := s.feeds[tokenSymbol]
	if !ok {
		return 0, fmt.Errorf("no price feed configured for %s", tokenSymbol)
	}
	return feed.latestPrice(ctx)
}
