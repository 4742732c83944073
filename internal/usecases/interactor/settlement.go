package interactor

import (
	"context"
	"errors"
	"fmt"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	"github.com/esogbengastephen/sendapp-offramp/internal/metrics"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrBelowMinimum means the fee would eat the whole payout.
var ErrBelowMinimum = errors.New("settlement below minimum payout")

const (
	fiatPlaces  = 2
	tokenPlaces = 6
)

// SettlementQuote is the frozen rate and fee breakdown for one payout.
type SettlementQuote struct {
	StableAmount decimal.Decimal
	Rate         decimal.Decimal
	FiatGross    decimal.Decimal
	Fee          decimal.Decimal
	FeeToken     decimal.Decimal
	NetPayout    decimal.Decimal
}

// Patch snapshots the quote onto the ledger row.
func (q SettlementQuote) Patch() models.Patch {
	return models.Patch{
		ExchangeRate: models.Decimal(q.Rate),
		FiatAmount:   models.Decimal(q.FiatGross),
		Fee:          models.Decimal(q.Fee),
		FeeToken:     models.Decimal(q.FeeToken),
		NetPayout:    models.Decimal(q.NetPayout),
	}
}

// ComputeSettlement converts a stable amount to fiat and applies the tiered fee.
// gross = stable x rate and net = gross - fee always hold exactly.
func ComputeSettlement(stable, rate decimal.Decimal, schedule models.FeeSchedule) (SettlementQuote, error) {
	if !rate.IsPositive() {
		return SettlementQuote{}, fmt.Errorf("exchange rate must be positive, got %s", rate)
	}
	gross := stable.Mul(rate).Round(fiatPlaces)
	fee := schedule.FeeFor(gross)
	q := SettlementQuote{
		StableAmount: stable,
		Rate:         rate,
		FiatGross:    gross,
		Fee:          fee,
		FeeToken:     fee.Div(rate).Round(tokenPlaces),
		NetPayout:    gross.Sub(fee),
	}
	if !q.NetPayout.IsPositive() {
		return q, ErrBelowMinimum
	}
	return q, nil
}

// SnapshotOf reads back the quote frozen on tx.
func SnapshotOf(tx *models.Transaction) SettlementQuote {
	return SettlementQuote{
		StableAmount: tx.StableAmount,
		Rate:         tx.ExchangeRate,
		FiatGross:    tx.FiatAmount,
		Fee:          tx.Fee,
		FeeToken:     tx.FeeToken,
		NetPayout:    tx.NetPayout,
	}
}

// SettlementEngine prices stable balances in fiat and drives the payout provider.
type SettlementEngine struct {
	payout   gateways.PayoutProvider
	rate     decimal.Decimal
	schedule models.FeeSchedule
	currency string
	metrics  *metrics.PipelineMetrics
	logger   *zerolog.Logger
}

func NewSettlementEngine(payout gateways.PayoutProvider, rate decimal.Decimal, schedule models.FeeSchedule, currency string) *SettlementEngine {
	l := log.GetLogger()
	return &SettlementEngine{
		payout:   payout,
		rate:     rate,
		schedule: schedule,
		currency: currency,
		metrics:  metrics.Pipeline(),
		logger:   &l,
	}
}

// Quote returns the row's snapshot when it has one, otherwise a fresh quote at the live rate.
func (s *SettlementEngine) Quote(tx *models.Transaction) (SettlementQuote, error) {
	if tx.HasSettlementSnapshot() {
		return SnapshotOf(tx), nil
	}
	return ComputeSettlement(tx.StableAmount, s.rate, s.schedule)
}

// Pay sends the net payout keyed by the transaction id. A transfer the provider already
// holds as successful or in flight is reported instead of being sent again.
func (s *SettlementEngine) Pay(ctx context.Context, tx *models.Transaction) (*gateways.TransferResult, error) {
	existing, err := s.payout.VerifyTransfer(ctx, tx.TransactionID)
	if err != nil {
		s.metrics.ObservePayout("error")
		return nil, err
	}
	if existing.Status == gateways.TransferSuccess || existing.Status == gateways.TransferPending {
		s.metrics.ObservePayout(string(existing.Status))
		return existing, nil
	}

	result, err := s.payout.Transfer(ctx, gateways.TransferRequest{
		Reference:     tx.TransactionID,
		AccountNumber: tx.AccountNumber,
		AccountName:   tx.AccountName,
		BankCode:      tx.BankCode,
		Amount:        tx.NetPayout,
		Currency:      s.currency,
		Narration:     "Off-ramp " + tx.TransactionID,
	})
	if err != nil {
		s.metrics.ObservePayout("error")
		return nil, err
	}
	s.metrics.ObservePayout(string(result.Status))
	s.logger.Info().
		Str("transaction_id", tx.TransactionID).
		Str("amount", tx.NetPayout.String()).
		Str("status", string(result.Status)).
		Msg("payout submitted")
	return result, nil
}

