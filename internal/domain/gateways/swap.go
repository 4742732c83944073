package gateways

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoRoute tells the router to fall through to the next provider.
var ErrNoRoute = errors.New("no swap route")

type SwapQuoteRequest struct {
	SellToken   common.Address
	BuyToken    common.Address
	SellAmount  *big.Int
	Taker       common.Address
	SlippageBps int
}

// Native reports whether the sell side is the gas currency.
func (r SwapQuoteRequest) Native() bool {
	return r.SellToken == NativeToken
}

type SwapQuote struct {
	Provider     string
	SellToken    common.Address
	BuyToken     common.Address
	SellAmount   *big.Int
	BuyAmount    *big.Int
	MinBuyAmount *big.Int
	Taker        common.Address
	SlippageBps  int
	// EstimatedOps is how many custodial transactions Execute will send (approve + swap).
	EstimatedOps int
	Path         []common.Address
}

// SwapProvider quotes and executes a single token -> stable swap.
type SwapProvider interface {
	Name() string
	Quote(ctx context.Context, req SwapQuoteRequest) (*SwapQuote, error)
	// Execute broadcasts the swap (and any approval it needs) and returns the swap hash
	// without waiting for it to be mined.
	Execute(ctx context.Context, key *ecdsa.PrivateKey, quote *SwapQuote) (common.Hash, error)
}
