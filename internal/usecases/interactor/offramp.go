package interactor

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/repositories"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/internal/usecases/dtos"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	accountNumberPattern = regexp.MustCompile(`^\d{10}$`)
	bankCodePattern      = regexp.MustCompile(`^\d{3,6}$`)
)

type OfframpInteractor struct {
	transactionRepository repositories.TransactionRepository
	payout                gateways.PayoutProvider
	keys                  *KeyRing
	expiry                time.Duration
	now                   func() time.Time
	newID                 func() string
	logger                *zerolog.Logger
}

func NewOfframpInteractor(transactionRepository repositories.TransactionRepository, payout gateways.PayoutProvider, keys *KeyRing, expiry time.Duration) *OfframpInteractor {
	l := log.GetLogger()
	return &OfframpInteractor{
		transactionRepository: transactionRepository,
		payout:                payout,
		keys:                  keys,
		expiry:                expiry,
		now:                   time.Now,
		newID:                 func() string { return uuid.NewString() },
		logger:                &l,
	}
}

// CreateOfframp verifies the payout account, issues a deposit address and opens a pending
// row. A user asking again for the same account gets the row they already have.
func (i *OfframpInteractor) CreateOfframp(ctx context.Context, dto *dtos.CreateOfframpDTO) (*dtos.OfframpDTO, error) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	accountNumber := strings.TrimSpace(dto.AccountNumber)
	bankCode := strings.TrimSpace(dto.BankCode)
	if !accountNumberPattern.MatchString(accountNumber) {
		return nil, apperrors.NewBadRequestError("Invalid account number")
	}
	if !bankCodePattern.MatchString(bankCode) {
		return nil, apperrors.NewBadRequestError("Invalid bank code")
	}
	quoted := decimal.Zero
	if raw := strings.TrimSpace(dto.Amount); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil || !amount.IsPositive() {
			i.logger.Error().Err(err).Msg("Failed to parse amount")
			return nil, apperrors.NewBadRequestError("Invalid amount")
		}
		quoted = amount
	}

	account, err := i.payout.ResolveAccount(ctx, accountNumber, bankCode)
	if err != nil {
		i.logger.Warn().Err(err).Str("bank_code", bankCode).Msg("name enquiry failed")
		var verr *apperrors.VerificationError
		if errors.As(err, &verr) {
			return nil, err
		}
		return nil, apperrors.NewVerificationError("bank account could not be resolved", err)
	}

	transactionID := i.newID()
	custody, err := i.keys.Issue(dto.UserID, transactionID)
	if err != nil {
		i.logger.Error().Err(err).Msg(apperrors.ErrFailedCreateOfframp)
		return nil, err
	}

	existing, err := i.transactionRepository.GetActiveByDepositAddress(ctx, custody.Address.Hex())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return i.reuse(existing, accountNumber, bankCode)
	}
	if err = i.checkSettled(ctx, custody.Address.Hex()); err != nil {
		return nil, err
	}

	now := i.now()
	tx := &models.Transaction{
		TransactionID:        transactionID,
		UserID:               strings.TrimSpace(dto.UserID),
		DepositAddress:       custody.Address.Hex(),
		EncryptedPrivateKey:  custody.SealedKey,
		DerivationScheme:     string(custody.Scheme),
		DerivationIdentifier: custody.Identifier,
		DerivationPath:       custody.Path,
		AccountNumber:        accountNumber,
		AccountName:          account.AccountName,
		BankCode:             bankCode,
		QuotedTokenAmount:    quoted,
		PaymentReference:     strings.TrimSpace(dto.PaymentReference),
		Status:               models.StatusPending,
		ExpiresAt:            now.Add(i.expiry),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err = i.transactionRepository.Create(ctx, tx)
	var conflict *apperrors.ConflictError
	if errors.As(err, &conflict) {
		// Lost a race with a concurrent request for the same user.
		existing, gerr := i.transactionRepository.GetActiveByDepositAddress(ctx, custody.Address.Hex())
		if gerr == nil && existing != nil {
			return i.reuse(existing, accountNumber, bankCode)
		}
	}
	if err != nil {
		i.logger.Error().Err(err).Msg(apperrors.ErrFailedCreateOfframp)
		return nil, err
	}

	i.logger.Info().
		Str("transaction_id", tx.TransactionID).
		Str("deposit_address", tx.DepositAddress).
		Str("scheme", tx.DerivationScheme).
		Msg("off-ramp created")
	return dtos.NewOfframpDTO(tx), nil
}

func (i *OfframpInteractor) reuse(existing *models.Transaction, accountNumber, bankCode string) (*dtos.OfframpDTO, error) {
	if existing.AccountNumber == accountNumber && existing.BankCode == bankCode {
		return dtos.NewOfframpDTO(existing), nil
	}
	return nil, apperrors.NewConflictError("an active off-ramp for this user pays a different account")
}

// checkSettled refuses a reused address while an earlier row there may still hold funds:
// a failed row that saw a deposit, or a refund that never went out. A new row would
// otherwise detect those funds as its own deposit.
func (i *OfframpInteractor) checkSettled(ctx context.Context, address string) error {
	rows, err := i.transactionRepository.List(ctx, repositories.ListFilter{
		Statuses:       []models.Status{models.StatusFailed, models.StatusRefunded},
		DepositAddress: address,
	})
	if err != nil {
		return err
	}
	for _, row := range rows {
		unresolved := (row.Status == models.StatusFailed && row.TokenAmountRaw.IsPositive()) ||
			(row.Status == models.StatusRefunded && row.RefundTxHash == "")
		if unresolved {
			i.logger.Warn().
				Str("transaction_id", row.TransactionID).
				Str("deposit_address", address).
				Str("status", row.Status.String()).
				Msg("deposit address held by an unresolved transaction")
			return apperrors.NewConflictError("an earlier off-ramp at this address is awaiting manual resolution")
		}
	}
	return nil
}

// GetStatus returns the customer view of a transaction.
func (i *OfframpInteractor) GetStatus(ctx context.Context, transactionID string) (*dtos.OfframpDTO, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := i.transactionRepository.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, apperrors.NewNotFoundError("transaction not found")
	}
	return dtos.NewOfframpDTO(tx), nil
}
