package models

import (
	"time"

	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/shopspring/decimal"
)

// Patch lists the fields a conditional update may change. Nil pointers are left untouched.
type Patch struct {
	TokenAddress   *string
	TokenSymbol    *string
	TokenDecimals  *int32
	TokenAmountRaw *decimal.Decimal
	TokenAmount    *decimal.Decimal

	StableAmountRaw    *decimal.Decimal
	StableAmount       *decimal.Decimal
	QuotedStableAmount *decimal.Decimal
	SwapProvider       *string
	SwapTxHash         *string

	FiatAmount   *decimal.Decimal
	Fee          *decimal.Decimal
	FeeToken     *decimal.Decimal
	NetPayout    *decimal.Decimal
	ExchangeRate *decimal.Decimal

	SettlementTxHash *string
	PayoutReference  *string
	RefundTxHash     *string
	RefundAddress    *string

	ErrorMessage      *string
	IncSwapAttempts   bool
	IncPayoutAttempts bool
	ExpiresAt         *time.Time
}

// Apply mutates t in place. Stage timestamps are handled by StampStage.
func (p Patch) Apply(t *Transaction) {
	setString(&t.TokenAddress, p.TokenAddress)
	setString(&t.TokenSymbol, p.TokenSymbol)
	if p.TokenDecimals != nil {
		t.TokenDecimals = *p.TokenDecimals
	}
	setDecimal(&t.TokenAmountRaw, p.TokenAmountRaw)
	setDecimal(&t.TokenAmount, p.TokenAmount)
	setDecimal(&t.StableAmountRaw, p.StableAmountRaw)
	setDecimal(&t.StableAmount, p.StableAmount)
	setDecimal(&t.QuotedStableAmount, p.QuotedStableAmount)
	setString(&t.SwapProvider, p.SwapProvider)
	setString(&t.SwapTxHash, p.SwapTxHash)
	setDecimal(&t.FiatAmount, p.FiatAmount)
	setDecimal(&t.Fee, p.Fee)
	setDecimal(&t.FeeToken, p.FeeToken)
	setDecimal(&t.NetPayout, p.NetPayout)
	setDecimal(&t.ExchangeRate, p.ExchangeRate)
	setString(&t.SettlementTxHash, p.SettlementTxHash)
	setString(&t.PayoutReference, p.PayoutReference)
	setString(&t.RefundTxHash, p.RefundTxHash)
	setString(&t.RefundAddress, p.RefundAddress)
	setString(&t.ErrorMessage, p.ErrorMessage)
	if p.IncSwapAttempts {
		t.SwapAttemptCount++
	}
	if p.IncPayoutAttempts {
		t.PayoutAttemptCount++
	}
	if p.ExpiresAt != nil {
		t.ExpiresAt = *p.ExpiresAt
	}
}

// StampStage sets the first-entry timestamp for the stage being entered.
func StampStage(t *Transaction, to Status, now time.Time) {
	stamp := func(field **time.Time) {
		if *field == nil {
			v := now
			*field = &v
		}
	}
	switch to {
	case StatusTokenReceived:
		stamp(&t.TokenReceivedAt)
	case StatusUSDCReceived:
		stamp(&t.USDCReceivedAt)
	case StatusPaying:
		stamp(&t.PaidAt)
	case StatusCompleted:
		stamp(&t.CompletedAt)
	}
}

// StageColumn names the timestamp column StampStage fills for to, or "".
func StageColumn(to Status) string {
	switch to {
	case StatusTokenReceived:
		return "token_received_at"
	case StatusUSDCReceived:
		return "usdc_received_at"
	case StatusPaying:
		return "paid_at"
	case StatusCompleted:
		return "completed_at"
	default:
		return ""
	}
}

// CheckTransition validates an edge against the table and the row-level invariants
// that can be decided from the current row plus the patch.
func CheckTransition(current *Transaction, to Status, patch Patch) error {
	if !CanTransition(current.Status, to) {
		return apperrors.NewInvalidTransitionError(string(current.Status), string(to))
	}
	if to == StatusCompleted {
		hash := current.SettlementTxHash
		if patch.SettlementTxHash != nil {
			hash = *patch.SettlementTxHash
		}
		if hash == "" {
			return apperrors.NewInvariantError("completed requires a settlement transaction hash")
		}
	}
	return nil
}

func String(s string) *string { return &s }

func Decimal(d decimal.Decimal) *decimal.Decimal { return &d }

func Int32(v int32) *int32 { return &v }

func Time(t time.Time) *time.Time { return &t }

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setDecimal(dst *decimal.Decimal, src *decimal.Decimal) {
	if src != nil {
		*dst = *src
	}
}
