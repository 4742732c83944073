package dtos

import (
	"encoding/json"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
)

// CreateOfframpDTO requests a deposit address for a payout to a bank account.
type CreateOfframpDTO struct {
	UserID           string          `json:"userId"`
	AccountNumber    string          `json:"accountNumber"`
	BankCode         string          `json:"bankCode"`
	Amount           string          `json:"-"`
	RawAmount        json.RawMessage `json:"amount,omitempty"`
	PaymentReference string          `json:"paymentReference,omitempty"`
}

// OfframpDTO is the customer-facing view of a ledger row. Internal error text is never included.
type OfframpDTO struct {
	TransactionID  string     `json:"transactionId"`
	DepositAddress string     `json:"depositAddress"`
	Status         string     `json:"status"`
	State          string     `json:"state"`
	AccountName    string     `json:"accountName"`
	AccountNumber  string     `json:"accountNumber"`
	BankCode       string     `json:"bankCode"`
	Token          string     `json:"token,omitempty"`
	TokenAmount    string     `json:"tokenAmount,omitempty"`
	StableAmount   string     `json:"stableAmount,omitempty"`
	ExchangeRate   string     `json:"exchangeRate,omitempty"`
	FiatAmount     string     `json:"fiatAmount,omitempty"`
	Fee            string     `json:"fee,omitempty"`
	NetPayout      string     `json:"netPayout,omitempty"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

func NewOfframpDTO(tx *models.Transaction) *OfframpDTO {
	dto := &OfframpDTO{
		TransactionID:  tx.TransactionID,
		DepositAddress: tx.DepositAddress,
		Status:         tx.Status.UserFacing(),
		State:          tx.Status.String(),
		AccountName:    tx.AccountName,
		AccountNumber:  tx.AccountNumber,
		BankCode:       tx.BankCode,
		Token:          tx.TokenSymbol,
		ExpiresAt:      tx.ExpiresAt,
		CreatedAt:      tx.CreatedAt,
		CompletedAt:    tx.CompletedAt,
	}
	if tx.TokenAmount.IsPositive() {
		dto.TokenAmount = tx.TokenAmount.String()
	}
	if tx.StableAmount.IsPositive() {
		dto.StableAmount = tx.StableAmount.String()
	}
	if tx.HasSettlementSnapshot() {
		dto.ExchangeRate = tx.ExchangeRate.String()
		dto.FiatAmount = tx.FiatAmount.StringFixed(2)
		dto.Fee = tx.Fee.StringFixed(2)
		dto.NetPayout = tx.NetPayout.StringFixed(2)
	}
	return dto
}

// DepositNotificationDTO is the body of a signed deposit webhook.
type DepositNotificationDTO struct {
	Address string `json:"address"`
	Token   string `json:"token,omitempty"`
	Amount  string `json:"amount,omitempty"`
	TxHash  string `json:"txHash,omitempty"`
}

type RefundDTO struct {
	To string `json:"to"`
}
