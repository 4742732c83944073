package interactor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/repositories"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/internal/metrics"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxAdvanceSteps bounds one Advance call; a full run needs five.
const maxAdvanceSteps = 8

var errNoStableBalance = errors.New("no stable balance after swap")

type PipelineOptions struct {
	Treasury          common.Address
	MaxSwapAttempts   int
	MaxPayoutAttempts int
	// SettleDelay is the minimum time between detection and the first side effect.
	SettleDelay    time.Duration
	SweepOnSettled bool
}

// Pipeline moves a ledger row through detection, swap, settlement and payout. Every
// side effect happens only after the step's status transition has been won.
type Pipeline struct {
	repo       repositories.TransactionRepository
	chain      gateways.Chain
	keys       *KeyRing
	scanner    *DepositScanner
	swaps      *SwapRouter
	gas        *GasSponsor
	settlement *SettlementEngine
	opts       PipelineOptions
	now        func() time.Time
	metrics    *metrics.PipelineMetrics
	logger     *zerolog.Logger
}

func NewPipeline(
	repo repositories.TransactionRepository,
	chain gateways.Chain,
	keys *KeyRing,
	scanner *DepositScanner,
	swaps *SwapRouter,
	gas *GasSponsor,
	settlement *SettlementEngine,
	opts PipelineOptions,
) *Pipeline {
	l := log.GetLogger()
	if opts.MaxSwapAttempts <= 0 {
		opts.MaxSwapAttempts = 3
	}
	if opts.MaxPayoutAttempts <= 0 {
		opts.MaxPayoutAttempts = 3
	}
	return &Pipeline{
		repo:       repo,
		chain:      chain,
		keys:       keys,
		scanner:    scanner,
		swaps:      swaps,
		gas:        gas,
		settlement: settlement,
		opts:       opts,
		now:        time.Now,
		metrics:    metrics.Pipeline(),
		logger:     &l,
	}
}

// Advance runs whatever step the row's status owns until it stops making progress.
// Polling, webhooks, the advancement job and recovery all come through here.
func (p *Pipeline) Advance(ctx context.Context, transactionID string) (*models.Transaction, error) {
	for i := 0; i < maxAdvanceSteps; i++ {
		tx, err := p.load(ctx, transactionID)
		if err != nil {
			return nil, err
		}
		progressed, err := p.step(ctx, tx)
		if err != nil {
			p.logger.Error().Err(err).
				Str("transaction_id", transactionID).
				Str("status", tx.Status.String()).
				Msg(apperrors.ErrFailedAdvanceTransaction)
			if current, lerr := p.load(ctx, transactionID); lerr == nil {
				return current, err
			}
			return tx, err
		}
		if !progressed {
			break
		}
	}
	return p.load(ctx, transactionID)
}

// Detect records a deposit: pending -> token_received. It reports whether this call won.
func (p *Pipeline) Detect(ctx context.Context, transactionID string, d Detection) (bool, error) {
	return p.transition(ctx, transactionID, models.StatusPending, models.StatusTokenReceived, d.Patch())
}

func (p *Pipeline) step(ctx context.Context, tx *models.Transaction) (bool, error) {
	switch tx.Status {
	case models.StatusPending:
		return p.detectOnChain(ctx, tx)
	case models.StatusTokenReceived:
		return p.swap(ctx, tx)
	case models.StatusUSDCReceived:
		return p.beginPayout(ctx, tx)
	case models.StatusPaying:
		return p.settle(ctx, tx)
	default:
		// swapping belongs to the worker that claimed it; terminal rows are done.
		return false, nil
	}
}

func (p *Pipeline) load(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tx, err := p.repo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, apperrors.NewNotFoundError("transaction not found")
	}
	return tx, nil
}

func (p *Pipeline) transition(ctx context.Context, transactionID string, from, to models.Status, patch models.Patch) (bool, error) {
	won, err := p.repo.Transition(ctx, transactionID, from, to, patch)
	if err != nil {
		return false, err
	}
	if !won {
		p.logger.Debug().Str("transaction_id", transactionID).Str("from", from.String()).Str("to", to.String()).Msg("claim lost")
		return false, nil
	}
	p.metrics.ObserveTransition(from.String(), to.String())
	p.logger.Info().Str("transaction_id", transactionID).Str("from", from.String()).Str("to", to.String()).Msg("transaction advanced")
	return true, nil
}

func (p *Pipeline) fail(ctx context.Context, tx *models.Transaction, message string) (bool, error) {
	p.logger.Warn().Str("transaction_id", tx.TransactionID).Str("status", tx.Status.String()).Msg(message)
	return p.transition(ctx, tx.TransactionID, tx.Status, models.StatusFailed, models.Patch{ErrorMessage: models.String(message)})
}

func (p *Pipeline) detectOnChain(ctx context.Context, tx *models.Transaction) (bool, error) {
	detection, err := p.scanner.Inspect(ctx, common.HexToAddress(tx.DepositAddress))
	if err != nil || detection == nil {
		return false, err
	}
	return p.Detect(ctx, tx.TransactionID, *detection)
}

func (p *Pipeline) waitSettled(ctx context.Context, tx *models.Transaction) error {
	if p.opts.SettleDelay <= 0 || tx.TokenReceivedAt == nil {
		return nil
	}
	remaining := tx.TokenReceivedAt.Add(p.opts.SettleDelay).Sub(p.now())
	if remaining <= 0 {
		return nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Pipeline) swap(ctx context.Context, tx *models.Transaction) (bool, error) {
	if tx.SwapAttemptCount >= p.opts.MaxSwapAttempts {
		return p.fail(ctx, tx, apperrors.MsgManualReview)
	}
	if err := p.waitSettled(ctx, tx); err != nil {
		return false, err
	}
	won, err := p.transition(ctx, tx.TransactionID, models.StatusTokenReceived, models.StatusSwapping, models.Patch{})
	if err != nil || !won {
		return false, err
	}

	key, err := p.keys.Unlock(tx)
	if err != nil {
		p.release(ctx, tx.TransactionID, err)
		return false, err
	}

	result, err := p.swaps.Swap(ctx, tx, key, func(hash common.Hash) {
		if _, uerr := p.repo.Update(ctx, tx.TransactionID, models.StatusSwapping, models.Patch{SwapTxHash: models.String(hash.Hex())}); uerr != nil {
			p.logger.Warn().Err(uerr).Str("transaction_id", tx.TransactionID).Str("tx_hash", hash.Hex()).Msg("failed to record swap hash")
		}
	})
	if err == nil && result.StableBalance.Sign() <= 0 {
		err = errNoStableBalance
	}
	if err != nil {
		return false, p.swapFailed(ctx, tx, err)
	}

	info, err := p.chain.TokenInfo(ctx, p.scanner.Stable())
	if err != nil {
		p.release(ctx, tx.TransactionID, err)
		return false, err
	}
	patch := models.Patch{
		StableAmountRaw: models.Decimal(decimal.NewFromBigInt(result.StableBalance, 0)),
		StableAmount:    models.Decimal(decimal.NewFromBigInt(result.StableBalance, -info.Decimals)),
		ErrorMessage:    models.String(""),
	}
	if len(result.Legs) > 0 {
		patch.QuotedStableAmount = models.Decimal(decimal.NewFromBigInt(result.Quoted, -info.Decimals))
		patch.SwapProvider = models.String(result.Providers())
		patch.SwapTxHash = models.String(result.LastHash())
		patch.IncSwapAttempts = true
	}
	return p.transition(ctx, tx.TransactionID, models.StatusSwapping, models.StatusUSDCReceived, patch)
}

// release hands a claimed swap back without spending an attempt.
func (p *Pipeline) release(ctx context.Context, transactionID string, cause error) {
	patch := models.Patch{ErrorMessage: models.String(cause.Error())}
	if _, err := p.transition(ctx, transactionID, models.StatusSwapping, models.StatusTokenReceived, patch); err != nil {
		p.logger.Error().Err(err).Str("transaction_id", transactionID).Msg("failed to release swap claim")
	}
}

// swapFailed spends an attempt and releases the row, or fails it once attempts run out.
// Funding problems do not count against the row.
func (p *Pipeline) swapFailed(ctx context.Context, tx *models.Transaction, cause error) error {
	var funding *apperrors.FundingError
	if errors.As(cause, &funding) {
		p.release(ctx, tx.TransactionID, cause)
		return cause
	}

	attempts := tx.SwapAttemptCount + 1
	to := models.StatusTokenReceived
	patch := models.Patch{IncSwapAttempts: true, ErrorMessage: models.String(cause.Error())}
	if attempts >= p.opts.MaxSwapAttempts {
		to = models.StatusFailed
		patch.ErrorMessage = models.String(apperrors.MsgManualReview + ": " + cause.Error())
	}
	p.logger.Warn().Err(cause).
		Str("transaction_id", tx.TransactionID).
		Int("attempt", attempts).
		Str("next", to.String()).
		Msg("swap attempt failed")
	_, err := p.transition(ctx, tx.TransactionID, models.StatusSwapping, to, patch)
	return err
}

func (p *Pipeline) beginPayout(ctx context.Context, tx *models.Transaction) (bool, error) {
	if tx.PayoutAttemptCount >= p.opts.MaxPayoutAttempts {
		return p.fail(ctx, tx, apperrors.MsgManualPayout)
	}
	quote, err := p.settlement.Quote(tx)
	if errors.Is(err, ErrBelowMinimum) {
		return p.fail(ctx, tx, apperrors.MsgBelowMinimumPayout)
	}
	if err != nil {
		return false, err
	}
	patch := models.Patch{}
	if !tx.HasSettlementSnapshot() {
		patch = quote.Patch()
	}
	won, err := p.transition(ctx, tx.TransactionID, models.StatusUSDCReceived, models.StatusPaying, patch)
	if err != nil || !won {
		return false, err
	}
	if tx.SettlementTxHash != "" {
		return true, nil
	}
	return p.sendSettlement(ctx, tx)
}

// settle confirms the treasury transfer, then pays out fiat. A paying row without a
// settlement hash belongs to the worker that claimed it.
func (p *Pipeline) settle(ctx context.Context, tx *models.Transaction) (bool, error) {
	if tx.SettlementTxHash == "" {
		return false, nil
	}
	confirmed, err := p.confirmSettlement(ctx, tx)
	if err != nil || !confirmed {
		return false, err
	}
	return p.payout(ctx, tx)
}

// sendSettlement moves the stable balance to the treasury. Only the worker that just won
// usdc_received -> paying calls it. The signed hash is recorded before the broadcast, so a
// crash in between leaves a hash recovery can look up instead of a second transfer.
func (p *Pipeline) sendSettlement(ctx context.Context, tx *models.Transaction) (bool, error) {
	amount := tx.StableAmountRaw.BigInt()
	if amount.Sign() <= 0 {
		return false, apperrors.NewInvariantError("paying row has no stable amount")
	}
	key, err := p.keys.Unlock(tx)
	if err != nil {
		return false, p.settlementFailed(ctx, tx, err)
	}
	owner := gethcrypto.PubkeyToAddress(key.PublicKey)

	if err = p.gas.EnsureGas(ctx, owner, 1); err != nil {
		return false, p.settlementFailed(ctx, tx, err)
	}
	signed, err := p.chain.SignTokenTransfer(ctx, key, p.scanner.Stable(), p.opts.Treasury, amount)
	if err != nil {
		return false, p.settlementFailed(ctx, tx, err)
	}
	hash := signed.Hash().Hex()
	recorded, err := p.repo.Update(ctx, tx.TransactionID, models.StatusPaying, models.Patch{SettlementTxHash: models.String(hash)})
	if err != nil || !recorded {
		return false, err
	}
	if err = p.chain.Broadcast(ctx, signed); err != nil {
		return false, p.settlementFailed(ctx, tx, err)
	}
	p.logger.Info().Str("transaction_id", tx.TransactionID).Str("tx_hash", hash).Msg("settlement transfer broadcast")
	return true, nil
}

// settlementFailed hands a paying claim back with its settlement hash cleared. Funding
// problems do not count against the row; anything else spends a payout attempt.
func (p *Pipeline) settlementFailed(ctx context.Context, tx *models.Transaction, cause error) error {
	cleared := models.Patch{SettlementTxHash: models.String("")}
	var funding *apperrors.FundingError
	if !errors.As(cause, &funding) {
		return p.spendPayoutAttempt(ctx, tx, "settlement transfer failed: "+cause.Error(), cleared)
	}
	cleared.ErrorMessage = models.String(cause.Error())
	if _, err := p.transition(ctx, tx.TransactionID, models.StatusPaying, models.StatusUSDCReceived, cleared); err != nil {
		p.logger.Error().Err(err).Str("transaction_id", tx.TransactionID).Msg("failed to release payout claim")
	}
	return cause
}

func (p *Pipeline) confirmSettlement(ctx context.Context, tx *models.Transaction) (bool, error) {
	hash := common.HexToHash(tx.SettlementTxHash)
	_, err := p.chain.WaitForReceipt(ctx, hash)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gateways.ErrTxReverted):
		return false, p.spendPayoutAttempt(ctx, tx, "settlement transfer reverted: "+hash.Hex(),
			models.Patch{SettlementTxHash: models.String("")})
	default:
		return false, err
	}
}

func (p *Pipeline) payout(ctx context.Context, tx *models.Transaction) (bool, error) {
	result, err := p.settlement.Pay(ctx, tx)
	if err != nil {
		var rejected *apperrors.PayoutError
		if errors.As(err, &rejected) {
			return false, p.payoutRejected(ctx, tx, err.Error())
		}
		// The provider may or may not have the transfer; the next Advance verifies it.
		return false, err
	}

	switch result.Status {
	case gateways.TransferSuccess:
		patch := models.Patch{ErrorMessage: models.String("")}
		if result.ProviderReference != "" {
			patch.PayoutReference = models.String(result.ProviderReference)
		}
		won, err := p.transition(ctx, tx.TransactionID, models.StatusPaying, models.StatusCompleted, patch)
		if err == nil && won {
			p.sweep(ctx, tx)
		}
		return won, err
	case gateways.TransferFailed:
		message := "payout failed"
		if result.Message != "" {
			message += ": " + result.Message
		}
		return false, p.payoutRejected(ctx, tx, message)
	default:
		if result.ProviderReference != "" && result.ProviderReference != tx.PayoutReference {
			if _, err = p.repo.Update(ctx, tx.TransactionID, models.StatusPaying, models.Patch{PayoutReference: models.String(result.ProviderReference)}); err != nil {
				return false, err
			}
		}
		return false, nil
	}
}

func (p *Pipeline) payoutRejected(ctx context.Context, tx *models.Transaction, message string) error {
	return p.spendPayoutAttempt(ctx, tx, message, models.Patch{})
}

// spendPayoutAttempt releases a paying row for another try, or fails it once the payout
// attempts run out.
func (p *Pipeline) spendPayoutAttempt(ctx context.Context, tx *models.Transaction, message string, patch models.Patch) error {
	attempts := tx.PayoutAttemptCount + 1
	to := models.StatusUSDCReceived
	patch.IncPayoutAttempts = true
	patch.ErrorMessage = models.String(message)
	if attempts >= p.opts.MaxPayoutAttempts {
		to = models.StatusFailed
		patch.ErrorMessage = models.String(apperrors.MsgManualPayout + ": " + message)
	}
	p.logger.Warn().
		Str("transaction_id", tx.TransactionID).
		Int("attempt", attempts).
		Str("next", to.String()).
		Msg(message)
	_, err := p.transition(ctx, tx.TransactionID, models.StatusPaying, to, patch)
	return err
}

func (p *Pipeline) sweep(ctx context.Context, tx *models.Transaction) {
	if !p.opts.SweepOnSettled {
		return
	}
	key, err := p.keys.Unlock(tx)
	if err == nil {
		_, err = p.gas.SweepExcessGas(ctx, key)
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("transaction_id", tx.TransactionID).Msg("gas sweep failed")
	}
}

// Refund claims a row that holds funds but has not been paid out and returns every balance
// at its deposit address to to. Re-running it on a refunded row with no refund hash resends.
func (p *Pipeline) Refund(ctx context.Context, transactionID string, to common.Address) (*models.Transaction, error) {
	tx, err := p.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	switch tx.Status {
	case models.StatusTokenReceived, models.StatusUSDCReceived:
		won, err := p.transition(ctx, transactionID, tx.Status, models.StatusRefunded, models.Patch{RefundAddress: models.String(to.Hex())})
		if err != nil {
			return nil, err
		}
		if !won {
			current, _ := p.load(ctx, transactionID)
			return current, apperrors.NewConflictError("transaction moved on before the refund could be claimed")
		}
	case models.StatusRefunded:
		if tx.RefundTxHash != "" {
			return tx, nil
		}
		if tx.RefundAddress != "" && !strings.EqualFold(tx.RefundAddress, to.Hex()) {
			return tx, apperrors.NewConflictError("refund already claimed for a different address")
		}
	default:
		return tx, apperrors.NewConflictError(fmt.Sprintf("a %s transaction cannot be refunded", tx.Status))
	}

	key, err := p.keys.Unlock(tx)
	if err != nil {
		return nil, err
	}
	hashes, err := p.returnFunds(ctx, tx, key, to)
	if err != nil {
		p.logger.Error().Err(err).Str("transaction_id", transactionID).Msg(apperrors.ErrFailedRefund)
		return nil, err
	}
	if len(hashes) == 0 {
		return nil, apperrors.NewBadRequestError("no balance to refund at deposit address")
	}
	if _, err = p.repo.Update(ctx, transactionID, models.StatusRefunded, models.Patch{RefundTxHash: models.String(strings.Join(hashes, ","))}); err != nil {
		return nil, err
	}
	return p.load(ctx, transactionID)
}

func (p *Pipeline) returnFunds(ctx context.Context, tx *models.Transaction, key *ecdsa.PrivateKey, to common.Address) ([]string, error) {
	owner := gethcrypto.PubkeyToAddress(key.PublicKey)
	var hashes []string
	for _, token := range p.scanner.Tokens(tx) {
		balance, err := p.chain.TokenBalance(ctx, token, owner)
		if err != nil {
			return hashes, err
		}
		if balance.Sign() <= 0 {
			continue
		}
		if err = p.gas.EnsureGas(ctx, owner, 1); err != nil {
			return hashes, err
		}
		hash, err := p.chain.TransferToken(ctx, key, token, to, balance)
		if err != nil {
			return hashes, err
		}
		if _, err = p.chain.WaitForReceipt(ctx, hash); err != nil {
			return hashes, err
		}
		hashes = append(hashes, hash.Hex())
	}

	if tx.IsNativeToken() {
		amount, err := p.gas.Spendable(ctx, owner, 1)
		if err != nil {
			return hashes, err
		}
		if amount.Cmp(p.scanner.nativeDust) > 0 {
			hash, err := p.chain.TransferNative(ctx, key, to, amount)
			if err != nil {
				return hashes, err
			}
			if _, err = p.chain.WaitForReceipt(ctx, hash); err != nil {
				return hashes, err
			}
			hashes = append(hashes, hash.Hex())
		}
	}
	return hashes, nil
}
