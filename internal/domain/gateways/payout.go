package gateways

import (
	"context"

	"github.com/shopspring/decimal"
)

type TransferStatus string

const (
	TransferSuccess TransferStatus = "success"
	TransferPending TransferStatus = "pending"
	TransferFailed  TransferStatus = "failed"
	// TransferUnknown means the provider has no record of the reference.
	TransferUnknown TransferStatus = "unknown"
)

type AccountDetails struct {
	AccountNumber string
	AccountName   string
	BankCode      string
}

type TransferRequest struct {
	// Reference doubles as the provider idempotency key; it is always the transaction id.
	Reference     string
	AccountNumber string
	AccountName   string
	BankCode      string
	Amount        decimal.Decimal
	Currency      string
	Narration     string
}

type TransferResult struct {
	Reference         string
	ProviderReference string
	Status            TransferStatus
	Message           string
}

type PaymentStatus struct {
	Reference string
	Paid      bool
	Amount    decimal.Decimal
}

// PayoutProvider is the fiat rail.
type PayoutProvider interface {
	ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*AccountDetails, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	VerifyTransfer(ctx context.Context, reference string) (*TransferResult, error)
	// VerifyPayment checks an inbound fiat payment (inverse direction) by reference.
	VerifyPayment(ctx context.Context, reference string) (*PaymentStatus, error)
}
