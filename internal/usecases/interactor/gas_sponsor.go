package interactor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/esogbengastephen/sendapp-offramp/internal/config"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/internal/metrics"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// transferGas is the gas limit of a plain value transfer.
const transferGas = 21000

var (
	errFundingDepleted = errors.New("funding wallet balance too low")
	errTopUpCap        = errors.New("top-up exceeds configured cap")
)

// GasSponsor keeps deposit addresses funded with just enough native currency to act.
type GasSponsor struct {
	chain       gateways.Chain
	funding     *ecdsa.PrivateKey
	fundingAddr common.Address
	minBalance  *big.Int
	maxTopUp    *big.Int
	gasPerOp    uint64
	marginBps   int64
	reserveOps  int64
	// mu serializes nonce use on the funding key; it is released before receipt waits.
	mu      sync.Mutex
	metrics *metrics.PipelineMetrics
	logger  *zerolog.Logger
}

func NewGasSponsor(chain gateways.Chain, funding *ecdsa.PrivateKey, cfg config.Gas) *GasSponsor {
	l := log.GetLogger()
	reserve := int64(cfg.ReserveOps)
	if reserve < 0 {
		reserve = 0
	}
	return &GasSponsor{
		chain:       chain,
		funding:     funding,
		fundingAddr: gethcrypto.PubkeyToAddress(funding.PublicKey),
		minBalance:  config.BigWei(cfg.MinBalanceWei),
		maxTopUp:    config.BigWei(cfg.MaxTopUpWei),
		gasPerOp:    cfg.GasPerOp,
		marginBps:   int64(cfg.Margin * 10000),
		reserveOps:  reserve,
		metrics:     metrics.Pipeline(),
		logger:      &l,
	}
}

// FundingAddress is where sweeps return excess gas.
func (g *GasSponsor) FundingAddress() common.Address {
	return g.fundingAddr
}

// Required is the native balance needed to send ops transactions at price.
func (g *GasSponsor) Required(price *big.Int, ops int) *big.Int {
	if ops < 1 {
		ops = 1
	}
	need := new(big.Int).SetUint64(g.gasPerOp)
	need.Mul(need, big.NewInt(int64(ops)))
	need.Mul(need, price)
	need.Mul(need, big.NewInt(10000+g.marginBps))
	need.Quo(need, big.NewInt(10000))
	if need.Cmp(g.minBalance) < 0 {
		return new(big.Int).Set(g.minBalance)
	}
	return need
}

// EnsureGas tops owner up so it can send ops transactions.
func (g *GasSponsor) EnsureGas(ctx context.Context, owner common.Address, ops int) error {
	return g.EnsureGasAbove(ctx, owner, ops, nil)
}

// EnsureGasAbove is EnsureGas for an address that will also spend reserved of its own
// native balance, as a native-asset swap does.
func (g *GasSponsor) EnsureGasAbove(ctx context.Context, owner common.Address, ops int, reserved *big.Int) error {
	price, err := g.chain.SuggestGasPrice(ctx)
	if err != nil {
		return apperrors.NewFundingError(owner.Hex(), err)
	}
	balance, err := g.chain.NativeBalance(ctx, owner)
	if err != nil {
		return apperrors.NewFundingError(owner.Hex(), err)
	}
	if reserved != nil {
		balance.Sub(balance, reserved)
	}
	required := g.Required(price, ops)
	if balance.Cmp(required) >= 0 {
		return nil
	}

	fee := transferCost(price)
	topUp := new(big.Int).Sub(required, balance)
	topUp.Add(topUp, fee)
	if g.maxTopUp.Sign() > 0 && topUp.Cmp(g.maxTopUp) > 0 {
		g.metrics.ObserveGas("topup", "capped")
		return apperrors.NewFundingError(owner.Hex(), fmt.Errorf("%w: %s > %s", errTopUpCap, topUp, g.maxTopUp))
	}

	hash, err := g.sendFromFunding(ctx, owner, topUp, fee)
	if err != nil {
		g.metrics.ObserveGas("topup", "failed")
		g.logger.Error().Err(err).Str("address", owner.Hex()).Str("amount", topUp.String()).Msg(apperrors.ErrGasFundingFailed)
		return apperrors.NewFundingError(owner.Hex(), err)
	}
	if _, err = g.chain.WaitForReceipt(ctx, hash); err != nil {
		g.metrics.ObserveGas("topup", "failed")
		g.logger.Error().Err(err).Str("address", owner.Hex()).Str("tx_hash", hash.Hex()).Msg(apperrors.ErrGasFundingFailed)
		return apperrors.NewFundingError(owner.Hex(), err)
	}

	g.metrics.ObserveGas("topup", "ok")
	g.logger.Info().Str("address", owner.Hex()).Str("amount", topUp.String()).Str("tx_hash", hash.Hex()).Msg("gas top-up confirmed")
	return nil
}

func (g *GasSponsor) sendFromFunding(ctx context.Context, to common.Address, amount, fee *big.Int) (common.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	have, err := g.chain.NativeBalance(ctx, g.fundingAddr)
	if err != nil {
		return common.Hash{}, err
	}
	if have.Cmp(new(big.Int).Add(amount, fee)) < 0 {
		return common.Hash{}, fmt.Errorf("%w: have %s", errFundingDepleted, have)
	}
	return g.chain.TransferNative(ctx, g.funding, to, amount)
}

// Spendable is the native balance owner can move while keeping enough gas for ops transactions.
func (g *GasSponsor) Spendable(ctx context.Context, owner common.Address, ops int) (*big.Int, error) {
	price, err := g.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := g.chain.NativeBalance(ctx, owner)
	if err != nil {
		return nil, err
	}
	spendable := balance.Sub(balance, g.Required(price, ops))
	if spendable.Sign() < 0 {
		return new(big.Int), nil
	}
	return spendable, nil
}

// SweepExcessGas returns leftover gas to the funding wallet, keeping a small reserve.
// It is a no-op returning the zero hash when nothing is worth moving.
func (g *GasSponsor) SweepExcessGas(ctx context.Context, key *ecdsa.PrivateKey) (common.Hash, error) {
	owner := gethcrypto.PubkeyToAddress(key.PublicKey)
	price, err := g.chain.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	balance, err := g.chain.NativeBalance(ctx, owner)
	if err != nil {
		return common.Hash{}, err
	}

	fee := transferCost(price)
	reserve := new(big.Int).Mul(fee, big.NewInt(g.reserveOps))
	amount := new(big.Int).Sub(balance, reserve)
	amount.Sub(amount, fee)
	if amount.Sign() <= 0 {
		return common.Hash{}, nil
	}

	hash, err := g.chain.TransferNative(ctx, key, g.fundingAddr, amount)
	if err != nil {
		g.metrics.ObserveGas("sweep", "failed")
		return common.Hash{}, err
	}
	if _, err = g.chain.WaitForReceipt(ctx, hash); err != nil {
		g.metrics.ObserveGas("sweep", "failed")
		return hash, err
	}
	g.metrics.ObserveGas("sweep", "ok")
	g.logger.Info().Str("address", owner.Hex()).Str("amount", amount.String()).Str("tx_hash", hash.Hex()).Msg("excess gas swept")
	return hash, nil
}

func transferCost(price *big.Int) *big.Int {
	return new(big.Int).Mul(price, big.NewInt(transferGas))
}
