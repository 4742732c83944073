package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is one off-ramp request and everything that happened to it.
type Transaction struct {
	ID            int64  `db:"id"`
	TransactionID string `db:"transaction_id"`
	UserID        string `db:"user_id"`

	DepositAddress       string `db:"deposit_address"`
	EncryptedPrivateKey  string `db:"encrypted_private_key"`
	DerivationScheme     string `db:"derivation_scheme"`
	DerivationIdentifier string `db:"derivation_identifier"`
	DerivationPath       string `db:"derivation_path"`

	AccountNumber string `db:"account_number"`
	AccountName   string `db:"account_name"`
	BankCode      string `db:"bank_code"`

	QuotedTokenAmount decimal.Decimal `db:"quoted_token_amount"`
	PaymentReference  string          `db:"payment_reference"`

	// TokenAddress is empty for the native asset.
	TokenAddress   string          `db:"token_address"`
	TokenSymbol    string          `db:"token_symbol"`
	TokenDecimals  int32           `db:"token_decimals"`
	TokenAmountRaw decimal.Decimal `db:"token_amount_raw"`
	TokenAmount    decimal.Decimal `db:"token_amount"`

	StableAmountRaw    decimal.Decimal `db:"stable_amount_raw"`
	StableAmount       decimal.Decimal `db:"stable_amount"`
	QuotedStableAmount decimal.Decimal `db:"quoted_stable_amount"`
	SwapProvider       string          `db:"swap_provider"`

	FiatAmount   decimal.Decimal `db:"fiat_amount"`
	Fee          decimal.Decimal `db:"fee"`
	FeeToken     decimal.Decimal `db:"fee_token"`
	NetPayout    decimal.Decimal `db:"net_payout"`
	ExchangeRate decimal.Decimal `db:"exchange_rate"`

	Status             Status `db:"status"`
	SwapAttemptCount   int    `db:"swap_attempt_count"`
	PayoutAttemptCount int    `db:"payout_attempt_count"`
	ErrorMessage       string `db:"error_message"`

	SwapTxHash       string `db:"swap_tx_hash"`
	SettlementTxHash string `db:"settlement_tx_hash"`
	RefundTxHash     string `db:"refund_tx_hash"`
	RefundAddress    string `db:"refund_address"`
	PayoutReference  string `db:"payout_reference"`

	ExpiresAt       time.Time  `db:"expires_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	TokenReceivedAt *time.Time `db:"token_received_at"`
	USDCReceivedAt  *time.Time `db:"usdc_received_at"`
	PaidAt          *time.Time `db:"paid_at"`
	CompletedAt     *time.Time `db:"completed_at"`
}

// IsNativeToken reports a deposit of the chain's gas currency.
func (t *Transaction) IsNativeToken() bool {
	return strings.TrimSpace(t.TokenAddress) == ""
}

// HasSettlementSnapshot reports whether rate and fee were already frozen on the row.
func (t *Transaction) HasSettlementSnapshot() bool {
	return t.ExchangeRate.IsPositive()
}

func (t *Transaction) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.TokenReceivedAt = cloneTime(t.TokenReceivedAt)
	c.USDCReceivedAt = cloneTime(t.USDCReceivedAt)
	c.PaidAt = cloneTime(t.PaidAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NormalizeAddress is the canonical form used for address lookups.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
