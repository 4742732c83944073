package interactor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/esogbengastephen/sendapp-offramp/internal/config"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/internal/metrics"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

var errBalanceRemains = errors.New("swappable balance remains after swap")

// Holding is a non-stable balance the router will sell.
type Holding struct {
	Token    common.Address
	Symbol   string
	Decimals int32
	Amount   *big.Int
}

// SwapLeg is one executed token -> stable swap.
type SwapLeg struct {
	Provider string
	Token    common.Address
	Sold     *big.Int
	Quoted   *big.Int
	TxHash   common.Hash
}

type SwapResult struct {
	Legs []SwapLeg
	// Quoted is the sum of the providers' expected outputs.
	Quoted *big.Int
	// Realized is the stable balance delta across all legs.
	Realized      *big.Int
	StableBalance *big.Int
}

// Providers joins the distinct provider names used, in order.
func (r *SwapResult) Providers() string {
	seen := map[string]bool{}
	var names []string
	for _, leg := range r.Legs {
		if !seen[leg.Provider] {
			seen[leg.Provider] = true
			names = append(names, leg.Provider)
		}
	}
	return strings.Join(names, ",")
}

// LastHash is the hash of the final leg, or "".
func (r *SwapResult) LastHash() string {
	if len(r.Legs) == 0 {
		return ""
	}
	return r.Legs[len(r.Legs)-1].TxHash.Hex()
}

// SwapRouter sells every non-stable balance at a deposit address for the stable asset,
// trying providers in order.
type SwapRouter struct {
	chain          gateways.Chain
	scanner        *DepositScanner
	gas            *GasSponsor
	providers      []gateways.SwapProvider
	slippageBps    int
	discrepancyBps int64
	dust           *big.Int
	metrics        *metrics.PipelineMetrics
	logger         *zerolog.Logger
}

func NewSwapRouter(chain gateways.Chain, scanner *DepositScanner, gas *GasSponsor, cfg config.Swap, providers ...gateways.SwapProvider) *SwapRouter {
	l := log.GetLogger()
	return &SwapRouter{
		chain:          chain,
		scanner:        scanner,
		gas:            gas,
		providers:      providers,
		slippageBps:    cfg.SlippageBps,
		discrepancyBps: int64(cfg.DiscrepancyBps),
		dust:           big.NewInt(cfg.DustRaw),
		metrics:        metrics.Pipeline(),
		logger:         &l,
	}
}

// Holdings lists what still has to be sold at owner. Native currency only counts for
// native deposits, and never more than was deposited or than the gas budget allows.
func (r *SwapRouter) Holdings(ctx context.Context, tx *models.Transaction, owner common.Address) ([]Holding, error) {
	var out []Holding
	for _, token := range r.scanner.Tokens(tx) {
		if token == r.scanner.Stable() {
			continue
		}
		balance, err := r.chain.TokenBalance(ctx, token, owner)
		if err != nil {
			return nil, err
		}
		if balance.Cmp(r.dust) <= 0 {
			continue
		}
		info, err := r.chain.TokenInfo(ctx, token)
		if err != nil {
			return nil, err
		}
		out = append(out, Holding{Token: token, Symbol: info.Symbol, Decimals: info.Decimals, Amount: balance})
	}

	if tx.IsNativeToken() && tx.TokenAmountRaw.IsPositive() {
		spendable, err := r.gas.Spendable(ctx, owner, 1)
		if err != nil {
			return nil, err
		}
		if deposited := tx.TokenAmountRaw.BigInt(); spendable.Cmp(deposited) > 0 {
			spendable = deposited
		}
		if spendable.Cmp(r.scanner.nativeDust) > 0 && spendable.Cmp(r.dust) > 0 {
			out = append(out, Holding{Token: gateways.NativeToken, Symbol: nativeSymbol, Decimals: nativeDecimals, Amount: spendable})
		}
	}
	return out, nil
}

// Swap sells every holding. onBroadcast, when set, is called with each swap hash as soon
// as it is sent so a crash mid-wait leaves a trail.
func (r *SwapRouter) Swap(ctx context.Context, tx *models.Transaction, key *ecdsa.PrivateKey, onBroadcast func(common.Hash)) (*SwapResult, error) {
	owner := gethcrypto.PubkeyToAddress(key.PublicKey)
	stable := r.scanner.Stable()

	holdings, err := r.Holdings(ctx, tx, owner)
	if err != nil {
		return nil, err
	}
	before, err := r.chain.TokenBalance(ctx, stable, owner)
	if err != nil {
		return nil, err
	}

	result := &SwapResult{Quoted: new(big.Int)}
	for _, h := range holdings {
		leg, err := r.swapOne(ctx, key, owner, h, onBroadcast)
		if err != nil {
			return result, err
		}
		result.Legs = append(result.Legs, *leg)
		result.Quoted.Add(result.Quoted, leg.Quoted)
	}

	after, err := r.chain.TokenBalance(ctx, stable, owner)
	if err != nil {
		return result, err
	}
	result.StableBalance = after
	result.Realized = new(big.Int).Sub(after, before)
	if len(result.Legs) > 0 {
		r.checkDiscrepancy(tx.TransactionID, result)
	}

	remaining, err := r.Holdings(ctx, tx, owner)
	if err != nil {
		return result, err
	}
	if len(remaining) > 0 {
		return result, fmt.Errorf("%w: %s %s", errBalanceRemains, remaining[0].Amount, remaining[0].Symbol)
	}
	return result, nil
}

func (r *SwapRouter) swapOne(ctx context.Context, key *ecdsa.PrivateKey, owner common.Address, h Holding, onBroadcast func(common.Hash)) (*SwapLeg, error) {
	req := gateways.SwapQuoteRequest{
		SellToken:   h.Token,
		BuyToken:    r.scanner.Stable(),
		SellAmount:  h.Amount,
		Taker:       owner,
		SlippageBps: r.slippageBps,
	}
	var reserved *big.Int
	if h.Token == gateways.NativeToken {
		reserved = h.Amount
	}

	var lastErr error
	for _, p := range r.providers {
		logger := r.logger.With().Str("provider", p.Name()).Str("token", h.Symbol).Str("address", owner.Hex()).Logger()

		quote, err := p.Quote(ctx, req)
		if err != nil {
			r.metrics.ObserveSwapAttempt(p.Name(), outcome(err))
			logger.Warn().Err(err).Msg("quote failed, trying next provider")
			lastErr = err
			continue
		}
		if err = r.gas.EnsureGasAbove(ctx, owner, quote.EstimatedOps, reserved); err != nil {
			return nil, err
		}

		hash, err := p.Execute(ctx, key, quote)
		if err != nil {
			r.metrics.ObserveSwapAttempt(p.Name(), outcome(err))
			if errors.Is(err, gateways.ErrNoRoute) {
				logger.Warn().Err(err).Msg("firm quote unavailable, trying next provider")
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("%s swap of %s: %w", p.Name(), h.Symbol, err)
		}
		if onBroadcast != nil {
			onBroadcast(hash)
		}
		if _, err = r.chain.WaitForReceipt(ctx, hash); err != nil {
			r.metrics.ObserveSwapAttempt(p.Name(), "failed")
			return nil, fmt.Errorf("%s swap of %s: %w", p.Name(), h.Symbol, err)
		}

		r.metrics.ObserveSwapAttempt(p.Name(), "ok")
		logger.Info().Str("sold", h.Amount.String()).Str("quoted", quote.BuyAmount.String()).Str("tx_hash", hash.Hex()).Msg("swap confirmed")
		return &SwapLeg{
			Provider: p.Name(),
			Token:    h.Token,
			Sold:     new(big.Int).Set(h.Amount),
			Quoted:   new(big.Int).Set(quote.BuyAmount),
			TxHash:   hash,
		}, nil
	}
	return nil, apperrors.NewNoRouteError(h.Token.Hex(), lastErr)
}

// checkDiscrepancy only logs; realized output is what gets settled.
func (r *SwapRouter) checkDiscrepancy(transactionID string, result *SwapResult) {
	if result.Quoted.Sign() <= 0 || r.discrepancyBps <= 0 {
		return
	}
	floor := new(big.Int).Mul(result.Quoted, big.NewInt(10000-r.discrepancyBps))
	if new(big.Int).Mul(result.Realized, big.NewInt(10000)).Cmp(floor) < 0 {
		r.logger.Warn().
			Str("transaction_id", transactionID).
			Str("quoted", result.Quoted.String()).
			Str("realized", result.Realized.String()).
			Msg(apperrors.ErrSwapDiscrepancy)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, gateways.ErrNoRoute):
		return "no_route"
	default:
		return "error"
	}
}
