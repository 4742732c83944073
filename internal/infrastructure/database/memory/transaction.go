package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/repositories"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
)

// TransactionRepository is an in-process ledger with the same conditional-update
// semantics as the Postgres store. It backs tests and DB_DRIVER=memory.
type TransactionRepository struct {
	mu     sync.Mutex
	rows   map[string]*models.Transaction
	nextID int64
	now    func() time.Time
}

// NewTransactionRepository creates an empty ledger.
func NewTransactionRepository() *TransactionRepository {
	return &TransactionRepository{
		rows: make(map[string]*models.Transaction),
		now:  time.Now,
	}
}

// WithClock overrides the timestamp source.
func (r *TransactionRepository) WithClock(now func() time.Time) *TransactionRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

var _ repositories.TransactionRepository = (*TransactionRepository)(nil)

func (r *TransactionRepository) Create(ctx context.Context, transaction *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rows[transaction.TransactionID]; exists {
		return apperrors.NewTransactionDuplicateError()
	}
	address := models.NormalizeAddress(transaction.DepositAddress)
	for _, row := range r.rows {
		if models.NormalizeAddress(row.DepositAddress) == address && !row.Status.IsTerminal() {
			return apperrors.NewConflictError("deposit address already has an active off-ramp")
		}
	}

	r.nextID++
	row := transaction.Clone()
	row.ID = r.nextID
	if row.Status == "" {
		row.Status = models.StatusPending
	}
	now := r.now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	r.rows[row.TransactionID] = row

	transaction.ID = row.ID
	transaction.Status = row.Status
	transaction.CreatedAt = row.CreatedAt
	transaction.UpdatedAt = row.UpdatedAt
	return nil
}

func (r *TransactionRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[transactionID].Clone(), nil
}

func (r *TransactionRepository) GetActiveByDepositAddress(ctx context.Context, address string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := models.NormalizeAddress(address)
	var found *models.Transaction
	for _, row := range r.rows {
		if models.NormalizeAddress(row.DepositAddress) != want || row.Status.IsTerminal() {
			continue
		}
		if found == nil || row.CreatedAt.After(found.CreatedAt) {
			found = row
		}
	}
	return found.Clone(), nil
}

func (r *TransactionRepository) List(ctx context.Context, filter repositories.ListFilter) ([]*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make(map[models.Status]struct{}, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = struct{}{}
	}

	address := models.NormalizeAddress(filter.DepositAddress)
	out := make([]*models.Transaction, 0)
	for _, row := range r.rows {
		if len(statuses) > 0 {
			if _, ok := statuses[row.Status]; !ok {
				continue
			}
		}
		if address != "" && models.NormalizeAddress(row.DepositAddress) != address {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !row.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		if !filter.ExpiredBefore.IsZero() && !row.ExpiresAt.Before(filter.ExpiredBefore) {
			continue
		}
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *TransactionRepository) Transition(ctx context.Context, transactionID string, from, to models.Status, patch models.Patch) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, apperrors.NewInvalidTransitionError(string(from), string(to))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[transactionID]
	if !ok || row.Status != from {
		return false, nil
	}
	if err := models.CheckTransition(row, to, patch); err != nil {
		return false, err
	}

	now := r.now()
	patch.Apply(row)
	row.Status = to
	row.UpdatedAt = now
	models.StampStage(row, to, now)
	return true, nil
}

func (r *TransactionRepository) Update(ctx context.Context, transactionID string, expected models.Status, patch models.Patch) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[transactionID]
	if !ok || row.Status != expected {
		return false, nil
	}
	patch.Apply(row)
	row.UpdatedAt = r.now()
	return true, nil
}

func (r *TransactionRepository) Delete(ctx context.Context, transactionID string, expected models.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[transactionID]
	if !ok || row.Status != expected {
		return false, nil
	}
	delete(r.rows, transactionID)
	return true, nil
}

func (r *TransactionRepository) FindDuplicatePending(ctx context.Context, window time.Duration, limit int) ([]*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.Transaction, 0)
	for _, pending := range r.rows {
		if pending.Status != models.StatusPending || pending.UserID == "" {
			continue
		}
		for _, done := range r.rows {
			if done.Status != models.StatusCompleted || !sameRequest(pending, done) {
				continue
			}
			gap := pending.CreatedAt.Sub(done.CreatedAt)
			if gap < 0 {
				gap = -gap
			}
			if gap <= window {
				out = append(out, pending.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sameRequest(a, b *models.Transaction) bool {
	return a.UserID == b.UserID &&
		a.AccountNumber == b.AccountNumber &&
		a.BankCode == b.BankCode &&
		a.QuotedTokenAmount.Equal(b.QuotedTokenAmount)
}
