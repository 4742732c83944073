package dex

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ProviderName is recorded on rows swapped through the pool router.
const ProviderName = "dex_router"

const (
	defaultSlippageBps = 100
	deadlineWindow     = 10 * time.Minute
)

const routerJSON = `[
 {"name":"getAmountsOut","type":"function","stateMutability":"view",
  "inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable",
  "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"swapExactETHForTokens","type":"function","stateMutability":"payable",
  "inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

// RouterABI is the Uniswap V2 style router interface.
var RouterABI = mustParse(routerJSON)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Router swaps through a single constant-product router along configured paths.
type Router struct {
	chain         gateways.Chain
	router        common.Address
	wrappedNative common.Address
	routes        map[common.Address][]common.Address
	now           func() time.Time
	logger        *zerolog.Logger
}

var _ gateways.SwapProvider = (*Router)(nil)

// NewRouter builds the fallback provider. routes maps a token to its path prefix
// (starting with the token); the buy token is appended at quote time.
func NewRouter(chain gateways.Chain, router, wrappedNative common.Address, routes map[common.Address][]common.Address) *Router {
	l := log.GetLogger()
	return &Router{
		chain:         chain,
		router:        router,
		wrappedNative: wrappedNative,
		routes:        routes,
		now:           time.Now,
		logger:        &l,
	}
}

func (r *Router) Name() string {
	return ProviderName
}

// Path returns the swap path for a sell token, or false when the token has no known pool.
func (r *Router) Path(sell, buy common.Address) ([]common.Address, bool) {
	from := sell
	if sell == gateways.NativeToken {
		from = r.wrappedNative
	}
	prefix, ok := r.routes[from]
	if !ok {
		if sell != gateways.NativeToken {
			return nil, false
		}
		prefix = []common.Address{from}
	}
	path := make([]common.Address, 0, len(prefix)+1)
	path = append(path, prefix...)
	if path[len(path)-1] != buy {
		path = append(path, buy)
	}
	return path, true
}

func (r *Router) Quote(ctx context.Context, req gateways.SwapQuoteRequest) (*gateways.SwapQuote, error) {
	if (r.router == common.Address{}) {
		return nil, fmt.Errorf("%w: router not configured", gateways.ErrNoRoute)
	}
	path, ok := r.Path(req.SellToken, req.BuyToken)
	if !ok {
		return nil, fmt.Errorf("%w: no pool path for %s", gateways.ErrNoRoute, req.SellToken.Hex())
	}

	out, err := r.amountsOut(ctx, req.SellAmount, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateways.ErrNoRoute, err)
	}
	if out.Sign() <= 0 {
		return nil, fmt.Errorf("%w: zero output", gateways.ErrNoRoute)
	}

	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = defaultSlippageBps
	}
	ops := 1
	if !req.Native() {
		ops = 2
	}
	return &gateways.SwapQuote{
		Provider:     ProviderName,
		SellToken:    req.SellToken,
		BuyToken:     req.BuyToken,
		SellAmount:   new(big.Int).Set(req.SellAmount),
		BuyAmount:    out,
		MinBuyAmount: MinOut(out, slippage),
		Taker:        req.Taker,
		SlippageBps:  slippage,
		EstimatedOps: ops,
		Path:         path,
	}, nil
}

func (r *Router) amountsOut(ctx context.Context, amount *big.Int, path []common.Address) (*big.Int, error) {
	data, err := RouterABI.Pack("getAmountsOut", amount, path)
	if err != nil {
		return nil, err
	}
	raw, err := r.chain.Call(ctx, r.router, data)
	if err != nil {
		return nil, err
	}
	values, err := RouterABI.Unpack("getAmountsOut", raw)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("getAmountsOut: unexpected output")
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return nil, fmt.Errorf("getAmountsOut: unexpected output type %T", values[0])
	}
	return amounts[len(amounts)-1], nil
}

// Execute approves the router for the exact amount when needed and broadcasts the swap
// with the quote's minimum output floor.
func (r *Router) Execute(ctx context.Context, key *ecdsa.PrivateKey, quote *gateways.SwapQuote) (common.Hash, error) {
	if len(quote.Path) < 2 {
		return common.Hash{}, fmt.Errorf("dex quote without path")
	}
	deadline := big.NewInt(r.now().Add(deadlineWindow).Unix())

	if quote.SellToken == gateways.NativeToken {
		data, err := RouterABI.Pack("swapExactETHForTokens", quote.MinBuyAmount, quote.Path, quote.Taker, deadline)
		if err != nil {
			return common.Hash{}, err
		}
		return r.send(ctx, key, gateways.ContractCall{To: r.router, Data: data, Value: quote.SellAmount})
	}

	allowance, err := r.chain.Allowance(ctx, quote.SellToken, quote.Taker, r.router)
	if err != nil {
		return common.Hash{}, err
	}
	if allowance.Cmp(quote.SellAmount) < 0 {
		hash, err := r.chain.Approve(ctx, key, quote.SellToken, r.router, quote.SellAmount)
		if err != nil {
			return common.Hash{}, fmt.Errorf("approve router: %w", err)
		}
		if _, err = r.chain.WaitForReceipt(ctx, hash); err != nil {
			return common.Hash{}, fmt.Errorf("approve router: %w", err)
		}
	}

	data, err := RouterABI.Pack("swapExactTokensForTokens", quote.SellAmount, quote.MinBuyAmount, quote.Path, quote.Taker, deadline)
	if err != nil {
		return common.Hash{}, err
	}
	return r.send(ctx, key, gateways.ContractCall{To: r.router, Data: data})
}

func (r *Router) send(ctx context.Context, key *ecdsa.PrivateKey, call gateways.ContractCall) (common.Hash, error) {
	hash, err := r.chain.SendCall(ctx, key, call)
	if err != nil {
		return common.Hash{}, fmt.Errorf("broadcast router swap: %w", err)
	}
	r.logger.Info().Str("provider", ProviderName).Str("tx_hash", hash.Hex()).Msg("swap broadcast")
	return hash, nil
}

// MinOut applies a slippage tolerance in basis points.
func MinOut(amount *big.Int, slippageBps int) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(int64(10_000-slippageBps)))
	return out.Div(out, big.NewInt(10_000))
}
