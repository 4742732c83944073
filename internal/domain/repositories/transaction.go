package repositories

import (
	"context"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
)

const (
	SerializationError   = "40001"
	UniqueViolationError = "23505"
)

// ListFilter selects ledger rows for the periodic jobs. Zero values mean "no constraint".
type ListFilter struct {
	Statuses       []models.Status
	DepositAddress string
	UpdatedBefore  time.Time
	ExpiredBefore  time.Time
	Limit          int
}

// TransactionRepository is the deposit ledger. Every mutation is conditional on the
// status the caller last observed; a false result means another worker got there first.
type TransactionRepository interface {
	Create(ctx context.Context, transaction *models.Transaction) error
	// GetByTransactionID returns (nil, nil) when the row does not exist.
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error)
	// GetActiveByDepositAddress returns the newest non-terminal row for address, or (nil, nil).
	GetActiveByDepositAddress(ctx context.Context, address string) (*models.Transaction, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Transaction, error)
	// Transition atomically moves transactionID from -> to and applies patch. It returns
	// false without error when the row is no longer in from.
	Transition(ctx context.Context, transactionID string, from, to models.Status, patch models.Patch) (bool, error)
	// Update applies patch while the row is still in expected.
	Update(ctx context.Context, transactionID string, expected models.Status, patch models.Patch) (bool, error)
	// Delete removes the row only while it is still in expected.
	Delete(ctx context.Context, transactionID string, expected models.Status) (bool, error)
	// FindDuplicatePending returns pending rows whose (user, account, bank, quoted amount)
	// matches a completed row created within window of it.
	FindDuplicatePending(ctx context.Context, window time.Duration, limit int) ([]*models.Transaction, error)
}
