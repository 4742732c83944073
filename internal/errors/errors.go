package errors

import (
	"errors"
	"fmt"
)

const (
	ErrorFailedToConnectToTheDatabase = "Failed to connect to the database"
	ErrorFailedToMigrateTheDatabase   = "Failed to migrate the database"
	ErrorFailedToRunTheServer         = "Failed to run the server"
	ErrorFailedToShutdownTheServer    = "Failed to shutdown the server"
	ErrorInvalidConfiguration         = "Invalid configuration"
	ErrFailedDecodeRequestBody        = "Failed to decode request body"
	ErrInvalidRequestBody             = "Invalid request body"
	ErrFailedCreateOfframp            = "Failed to create off-ramp"
	ErrFailedAdvanceTransaction       = "Failed to advance transaction"
	ErrFailedPollDeposits             = "Failed to poll deposits"
	ErrFailedRecovery                 = "Recovery job failed"
	ErrFailedProcessRun               = "Periodic process run failed"
	ErrFailedRefund                   = "Failed to refund transaction"
	ErrSwapDiscrepancy                = "Swap output deviates from quote"
	ErrGasFundingFailed               = "Gas sponsor could not fund address"
	ErrSignatureRejected              = "Webhook signature rejected"
	ErrTransactionIDRequired          = "Transaction ID is required"
	ErrInvalidTransactionID           = "Invalid Transaction ID"
	ErrUnauthorized                   = "Unauthorized"
)

// User-facing failure text. Raw provider errors never leave the ledger.
const (
	MsgManualReview       = "manual review required: swap attempts exhausted"
	MsgManualPayout       = "manual payout/refund decision required: payout attempts exhausted"
	MsgBelowMinimumPayout = "settlement amount below minimum payout"
)

type BadRequestError struct {
	Message string
}

func NewBadRequestError(message string) *BadRequestError {
	return &BadRequestError{Message: message}
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("Bad request: %s", e.Message)
}

type NotFoundError struct {
	Message string
}

func NewNotFoundError(message string) *NotFoundError {
	return &NotFoundError{Message: message}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Not found: %s", e.Message)
}

type TransactionDuplicateError struct{}

func NewTransactionDuplicateError() *TransactionDuplicateError {
	return &TransactionDuplicateError{}
}

func (e *TransactionDuplicateError) Error() string {
	return "transaction already exists"
}

// ConflictError means another active off-ramp already owns the deposit address.
type ConflictError struct {
	Message string
}

func NewConflictError(message string) *ConflictError {
	return &ConflictError{Message: message}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("Conflict: %s", e.Message)
}

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Message string
}

func NewConfigurationError(message string) *ConfigurationError {
	return &ConfigurationError{Message: message}
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s", e.Message)
}

// VerificationError rejects a request without touching the ledger: bad webhook
// signature, stale timestamp, failed name enquiry.
type VerificationError struct {
	Message string
	Err     error
}

func NewVerificationError(message string, err error) *VerificationError {
	return &VerificationError{Message: message, Err: err}
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("verification failed: %s", e.Message)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// NoRouteError is a liquidity error: no provider could quote the swap.
type NoRouteError struct {
	Token string
	Err   error
}

func NewNoRouteError(token string, err error) *NoRouteError {
	return &NoRouteError{Token: token, Err: err}
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("no swap route for %s: %v", e.Token, e.Err)
}

func (e *NoRouteError) Unwrap() error { return e.Err }

// FundingError means the gas sponsor could not top up a custodial address.
type FundingError struct {
	Address string
	Err     error
}

func NewFundingError(address string, err error) *FundingError {
	return &FundingError{Address: address, Err: err}
}

func (e *FundingError) Error() string {
	return fmt.Sprintf("gas funding for %s failed: %v", e.Address, e.Err)
}

func (e *FundingError) Unwrap() error { return e.Err }

// PayoutError is a rejection from the fiat payout provider.
type PayoutError struct {
	Reference string
	Message   string
	Err       error
}

func NewPayoutError(reference, message string, err error) *PayoutError {
	return &PayoutError{Reference: reference, Message: message, Err: err}
}

func (e *PayoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payout %s rejected: %s: %v", e.Reference, e.Message, e.Err)
	}
	return fmt.Sprintf("payout %s rejected: %s", e.Reference, e.Message)
}

func (e *PayoutError) Unwrap() error { return e.Err }

// InvalidTransitionError is returned before any SQL runs when an edge is not in the table.
type InvalidTransitionError struct {
	From string
	To   string
}

func NewInvalidTransitionError(from, to string) *InvalidTransitionError {
	return &InvalidTransitionError{From: from, To: to}
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// InvariantError marks a transition refused because the row would break a ledger invariant.
type InvariantError struct {
	Message string
}

func NewInvariantError(message string) *InvariantError {
	return &InvariantError{Message: message}
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger invariant: %s", e.Message)
}

type UnauthorizedError struct{}

func NewUnauthorizedError() *UnauthorizedError {
	return &UnauthorizedError{}
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized"
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
