package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/repositories"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/esogbengastephen/sendapp-offramp/pkg/postgresql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const maxSerializationRetries = 5

type TransactionRepositoryImpl struct {
	db     postgresql.Client
	logger *zerolog.Logger
}

// NewTransactionRepositoryImpl creates new instance of TransactionRepositoryImpl.
func NewTransactionRepositoryImpl(db postgresql.Client) repositories.TransactionRepository {
	l := log.GetLogger()
	return &TransactionRepositoryImpl{
		db:     db,
		logger: &l,
	}
}

const columns = `id, transaction_id, COALESCE(user_id, ''), deposit_address, encrypted_private_key,
  derivation_scheme, derivation_identifier, derivation_path, account_number, account_name, bank_code,
  quoted_token_amount, payment_reference, token_address, token_symbol, token_decimals,
  token_amount_raw, token_amount, stable_amount_raw, stable_amount, quoted_stable_amount,
  swap_provider, fiat_amount, fee, fee_token, net_payout, exchange_rate, status,
  swap_attempt_count, payout_attempt_count, error_message, swap_tx_hash, settlement_tx_hash,
  refund_tx_hash, refund_address, payout_reference, expires_at, created_at, updated_at,
  token_received_at, usdc_received_at, paid_at, completed_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	t := &models.Transaction{}
	err := row.Scan(
		&t.ID, &t.TransactionID, &t.UserID, &t.DepositAddress, &t.EncryptedPrivateKey,
		&t.DerivationScheme, &t.DerivationIdentifier, &t.DerivationPath, &t.AccountNumber, &t.AccountName, &t.BankCode,
		&t.QuotedTokenAmount, &t.PaymentReference, &t.TokenAddress, &t.TokenSymbol, &t.TokenDecimals,
		&t.TokenAmountRaw, &t.TokenAmount, &t.StableAmountRaw, &t.StableAmount, &t.QuotedStableAmount,
		&t.SwapProvider, &t.FiatAmount, &t.Fee, &t.FeeToken, &t.NetPayout, &t.ExchangeRate, &t.Status,
		&t.SwapAttemptCount, &t.PayoutAttemptCount, &t.ErrorMessage, &t.SwapTxHash, &t.SettlementTxHash,
		&t.RefundTxHash, &t.RefundAddress, &t.PayoutReference, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt,
		&t.TokenReceivedAt, &t.USDCReceivedAt, &t.PaidAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func collectTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	defer rows.Close()
	out := make([]*models.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const insertTransaction = `
INSERT INTO offramp_transactions (
  transaction_id, user_id, deposit_address, encrypted_private_key, derivation_scheme,
  derivation_identifier, derivation_path, account_number, account_name, bank_code,
  quoted_token_amount, payment_reference, status, expires_at
)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING id, status, created_at, updated_at`

// Create inserts a new ledger row. The partial unique index on the deposit address
// rejects a second non-terminal row for the same address.
func (r *TransactionRepositoryImpl) Create(ctx context.Context, transaction *models.Transaction) error {
	status := transaction.Status
	if status == "" {
		status = models.StatusPending
	}

	var row struct {
		id        int64
		status    models.Status
		createdAt time.Time
		updatedAt time.Time
	}
	err := r.db.QueryRow(ctx, insertTransaction,
		transaction.TransactionID,
		transaction.UserID,
		transaction.DepositAddress,
		transaction.EncryptedPrivateKey,
		transaction.DerivationScheme,
		transaction.DerivationIdentifier,
		transaction.DerivationPath,
		transaction.AccountNumber,
		transaction.AccountName,
		transaction.BankCode,
		transaction.QuotedTokenAmount,
		transaction.PaymentReference,
		string(status),
		transaction.ExpiresAt,
	).Scan(&row.id, &row.status, &row.createdAt, &row.updatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.SQLState() == repositories.UniqueViolationError {
			if pgErr.ConstraintName == activeAddressConstraint {
				return apperrors.NewConflictError("deposit address already has an active off-ramp")
			}
			return apperrors.NewTransactionDuplicateError()
		}
		return fmt.Errorf("insert transaction: %w", err)
	}

	transaction.ID = row.id
	transaction.Status = row.status
	transaction.CreatedAt = row.createdAt
	transaction.UpdatedAt = row.updatedAt
	return nil
}

// GetByTransactionID returns transaction by transaction id.
func (r *TransactionRepositoryImpl) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx,
		"SELECT "+columns+" FROM offramp_transactions WHERE transaction_id = $1", transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// GetActiveByDepositAddress returns the non-terminal row for a deposit address.
func (r *TransactionRepositoryImpl) GetActiveByDepositAddress(ctx context.Context, address string) (*models.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx,
		"SELECT "+columns+` FROM offramp_transactions
		 WHERE lower(deposit_address) = $1 AND status NOT IN ('completed','failed','refunded')
		 ORDER BY created_at DESC LIMIT 1`,
		models.NormalizeAddress(address)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// List returns rows matching filter ordered by id.
func (r *TransactionRepositoryImpl) List(ctx context.Context, filter repositories.ListFilter) ([]*models.Transaction, error) {
	where := make([]string, 0, 4)
	args := make([]interface{}, 0, 5)

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.DepositAddress != "" {
		args = append(args, models.NormalizeAddress(filter.DepositAddress))
		where = append(where, fmt.Sprintf("lower(deposit_address) = $%d", len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	if !filter.ExpiredBefore.IsZero() {
		args = append(args, filter.ExpiredBefore)
		where = append(where, fmt.Sprintf("expires_at < $%d", len(args)))
	}

	query := "SELECT " + columns + " FROM offramp_transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return collectTransactions(rows)
}

// setClause accumulates "column = $n" assignments after a fixed argument prefix.
type setClause struct {
	sets []string
	args []interface{}
}

func (s *setClause) add(column string, value interface{}) {
	s.args = append(s.args, value)
	s.sets = append(s.sets, fmt.Sprintf("%s = $%d", column, len(s.args)))
}

func (s *setClause) raw(expr string) {
	s.sets = append(s.sets, expr)
}

func patchClause(prefix []interface{}, p models.Patch) *setClause {
	s := &setClause{args: prefix}
	addString := func(column string, v *string) {
		if v != nil {
			s.add(column, *v)
		}
	}
	addDecimal := func(column string, v *decimal.Decimal) {
		if v != nil {
			s.add(column, *v)
		}
	}

	addString("token_address", p.TokenAddress)
	addString("token_symbol", p.TokenSymbol)
	if p.TokenDecimals != nil {
		s.add("token_decimals", *p.TokenDecimals)
	}
	addDecimal("token_amount_raw", p.TokenAmountRaw)
	addDecimal("token_amount", p.TokenAmount)
	addDecimal("stable_amount_raw", p.StableAmountRaw)
	addDecimal("stable_amount", p.StableAmount)
	addDecimal("quoted_stable_amount", p.QuotedStableAmount)
	addString("swap_provider", p.SwapProvider)
	addString("swap_tx_hash", p.SwapTxHash)
	addDecimal("fiat_amount", p.FiatAmount)
	addDecimal("fee", p.Fee)
	addDecimal("fee_token", p.FeeToken)
	addDecimal("net_payout", p.NetPayout)
	addDecimal("exchange_rate", p.ExchangeRate)
	addString("settlement_tx_hash", p.SettlementTxHash)
	addString("payout_reference", p.PayoutReference)
	addString("refund_tx_hash", p.RefundTxHash)
	addString("refund_address", p.RefundAddress)
	addString("error_message", p.ErrorMessage)
	if p.IncSwapAttempts {
		s.raw("swap_attempt_count = swap_attempt_count + 1")
	}
	if p.IncPayoutAttempts {
		s.raw("payout_attempt_count = payout_attempt_count + 1")
	}
	if p.ExpiresAt != nil {
		s.add("expires_at", *p.ExpiresAt)
	}
	s.raw("updated_at = now()")
	return s
}

// Transition is the atomic claim: the row moves only if it is still in from.
func (r *TransactionRepositoryImpl) Transition(ctx context.Context, transactionID string, from, to models.Status, patch models.Patch) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, apperrors.NewInvalidTransitionError(string(from), string(to))
	}

	s := patchClause([]interface{}{transactionID, string(from)}, patch)
	s.add("status", string(to))
	if column := models.StageColumn(to); column != "" {
		s.raw(fmt.Sprintf("%s = COALESCE(%s, now())", column, column))
	}

	query := "UPDATE offramp_transactions SET " + strings.Join(s.sets, ", ") +
		" WHERE transaction_id = $1 AND status = $2"
	guarded := to == models.StatusCompleted && (patch.SettlementTxHash == nil || *patch.SettlementTxHash == "")
	if guarded {
		query += " AND settlement_tx_hash <> ''"
	}

	affected, err := r.execWithRetry(ctx, query, s.args...)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	if affected == 1 {
		return true, nil
	}

	if guarded {
		current, err := r.GetByTransactionID(ctx, transactionID)
		if err != nil {
			return false, err
		}
		if current != nil && current.Status == from {
			return false, apperrors.NewInvariantError("completed requires a settlement transaction hash")
		}
	}
	return false, nil
}

// Update patches fields while the row is still in expected.
func (r *TransactionRepositoryImpl) Update(ctx context.Context, transactionID string, expected models.Status, patch models.Patch) (bool, error) {
	s := patchClause([]interface{}{transactionID, string(expected)}, patch)
	query := "UPDATE offramp_transactions SET " + strings.Join(s.sets, ", ") +
		" WHERE transaction_id = $1 AND status = $2"

	affected, err := r.execWithRetry(ctx, query, s.args...)
	if err != nil {
		return false, fmt.Errorf("update transaction: %w", err)
	}
	return affected == 1, nil
}

// Delete removes the row while it is still in expected.
func (r *TransactionRepositoryImpl) Delete(ctx context.Context, transactionID string, expected models.Status) (bool, error) {
	affected, err := r.execWithRetry(ctx,
		"DELETE FROM offramp_transactions WHERE transaction_id = $1 AND status = $2",
		transactionID, string(expected))
	if err != nil {
		return false, fmt.Errorf("delete transaction: %w", err)
	}
	return affected == 1, nil
}

const duplicatePending = `
WITH completed AS (
  SELECT user_id, account_number, bank_code, quoted_token_amount, created_at
  FROM offramp_transactions
  WHERE status = 'completed' AND user_id IS NOT NULL
)
SELECT ` + columns + `
FROM offramp_transactions p
WHERE p.status = 'pending'
  AND p.user_id IS NOT NULL
  AND EXISTS (
    SELECT 1 FROM completed c
    WHERE c.user_id = p.user_id
      AND c.account_number = p.account_number
      AND c.bank_code = p.bank_code
      AND c.quoted_token_amount = p.quoted_token_amount
      AND abs(extract(epoch FROM (p.created_at - c.created_at))) <= $1
  )
ORDER BY p.id
LIMIT $2`

// FindDuplicatePending returns pending rows that repeat an already completed request.
func (r *TransactionRepositoryImpl) FindDuplicatePending(ctx context.Context, window time.Duration, limit int) ([]*models.Transaction, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := r.db.Query(ctx, duplicatePending, window.Seconds(), lim)
	if err != nil {
		return nil, fmt.Errorf("find duplicate pending: %w", err)
	}
	return collectTransactions(rows)
}

// execWithRetry runs a single conditional statement in a repeatable-read transaction,
// retrying on serialization failures.
func (r *TransactionRepositoryImpl) execWithRetry(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		affected, err := r.exec(ctx, query, args...)
		if err == nil {
			return affected, nil
		}
		if !isSerializationError(err) {
			return 0, err
		}
		// retry transaction if serialization error occurs (SQLSTATE 40001)
		r.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("serialization failure, retrying")
		lastErr = err
	}
	return 0, lastErr
}

func (r *TransactionRepositoryImpl) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		tx.Rollback(ctx)
		return 0, err
	}

	if err = tx.Commit(ctx); err != nil {
		tx.Rollback(ctx)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == repositories.SerializationError
}
