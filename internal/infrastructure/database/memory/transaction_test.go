package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/repositories"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPending(address string) *models.Transaction {
	return &models.Transaction{
		TransactionID:     uuid.New().String(),
		UserID:            "user-1",
		DepositAddress:    address,
		AccountNumber:     "0123456789",
		BankCode:          "058",
		QuotedTokenAmount: decimal.NewFromInt(10),
		ExpiresAt:         time.Now().Add(time.Hour),
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepository()

	tx := newPending("0xAbC0000000000000000000000000000000000001")
	require.NoError(t, repo.Create(ctx, tx))
	assert.Equal(t, int64(1), tx.ID)
	assert.Equal(t, models.StatusPending, tx.Status)

	t.Run("duplicate transaction id", func(t *testing.T) {
		dup := newPending("0x0000000000000000000000000000000000000002")
		dup.TransactionID = tx.TransactionID
		err := repo.Create(ctx, dup)
		var target *apperrors.TransactionDuplicateError
		assert.ErrorAs(t, err, &target)
	})

	t.Run("second active row on the same address", func(t *testing.T) {
		err := repo.Create(ctx, newPending("0xabc0000000000000000000000000000000000001"))
		var target *apperrors.ConflictError
		assert.ErrorAs(t, err, &target)
	})

	t.Run("address reusable after terminal", func(t *testing.T) {
		ok, err := repo.Transition(ctx, tx.TransactionID, models.StatusPending, models.StatusFailed, models.Patch{})
		require.NoError(t, err)
		require.True(t, ok)
		assert.NoError(t, repo.Create(ctx, newPending("0xabc0000000000000000000000000000000000001")))
	})
}

func TestGetActiveByDepositAddress(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepository()

	got, err := repo.GetActiveByDepositAddress(ctx, "0xnone")
	require.NoError(t, err)
	assert.Nil(t, got)

	tx := newPending("0xDEAD000000000000000000000000000000000001")
	require.NoError(t, repo.Create(ctx, tx))

	got, err = repo.GetActiveByDepositAddress(ctx, "0xdead000000000000000000000000000000000001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tx.TransactionID, got.TransactionID)

	got.Status = models.StatusCompleted
	again, err := repo.GetByTransactionID(ctx, tx.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Status)
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	repo := NewTransactionRepository().WithClock(func() time.Time { return now })

	tx := newPending("0x0000000000000000000000000000000000000a01")
	require.NoError(t, repo.Create(ctx, tx))

	t.Run("edge not in table", func(t *testing.T) {
		_, err := repo.Transition(ctx, tx.TransactionID, models.StatusPending, models.StatusCompleted, models.Patch{})
		var target *apperrors.InvalidTransitionError
		assert.ErrorAs(t, err, &target)
	})

	t.Run("stale from returns false", func(t *testing.T) {
		ok, err := repo.Transition(ctx, tx.TransactionID, models.StatusTokenReceived, models.StatusSwapping, models.Patch{})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("applies patch and stamps stage", func(t *testing.T) {
		ok, err := repo.Transition(ctx, tx.TransactionID, models.StatusPending, models.StatusTokenReceived, models.Patch{
			TokenSymbol:    models.String("SEND"),
			TokenAmountRaw: models.Decimal(decimal.NewFromInt(10)),
		})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := repo.GetByTransactionID(ctx, tx.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusTokenReceived, got.Status)
		assert.Equal(t, "SEND", got.TokenSymbol)
		require.NotNil(t, got.TokenReceivedAt)
		assert.Equal(t, now, *got.TokenReceivedAt)
	})

	t.Run("completed without settlement hash", func(t *testing.T) {
		for _, step := range [][2]models.Status{
			{models.StatusTokenReceived, models.StatusSwapping},
			{models.StatusSwapping, models.StatusUSDCReceived},
			{models.StatusUSDCReceived, models.StatusPaying},
		} {
			ok, err := repo.Transition(ctx, tx.TransactionID, step[0], step[1], models.Patch{})
			require.NoError(t, err)
			require.True(t, ok)
		}
		_, err := repo.Transition(ctx, tx.TransactionID, models.StatusPaying, models.StatusCompleted, models.Patch{})
		var target *apperrors.InvariantError
		assert.ErrorAs(t, err, &target)

		ok, err := repo.Transition(ctx, tx.TransactionID, models.StatusPaying, models.StatusCompleted, models.Patch{
			SettlementTxHash: models.String("0xfeed"),
		})
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestTransitionSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepository()
	tx := newPending("0x0000000000000000000000000000000000000b01")
	require.NoError(t, repo.Create(ctx, tx))

	const workers = 32
	var wins int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := repo.Transition(ctx, tx.TransactionID, models.StatusPending, models.StatusTokenReceived, models.Patch{})
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestUpdateAndDeleteAreGuarded(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepository()
	tx := newPending("0x0000000000000000000000000000000000000c01")
	require.NoError(t, repo.Create(ctx, tx))

	ok, err := repo.Update(ctx, tx.TransactionID, models.StatusSwapping, models.Patch{ErrorMessage: models.String("x")})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Update(ctx, tx.TransactionID, models.StatusPending, models.Patch{IncSwapAttempts: true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Delete(ctx, tx.TransactionID, models.StatusTokenReceived)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Delete(ctx, tx.TransactionID, models.StatusPending)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetByTransactionID(ctx, tx.TransactionID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	repo := NewTransactionRepository().WithClock(func() time.Time { return clock })

	old := newPending("0x0000000000000000000000000000000000000d01")
	old.ExpiresAt = clock.Add(-time.Minute)
	require.NoError(t, repo.Create(ctx, old))

	clock = clock.Add(time.Hour)
	fresh := newPending("0x0000000000000000000000000000000000000d02")
	fresh.ExpiresAt = clock.Add(time.Hour)
	require.NoError(t, repo.Create(ctx, fresh))

	rows, err := repo.List(ctx, repositories.ListFilter{Statuses: []models.Status{models.StatusPending}})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = repo.List(ctx, repositories.ListFilter{ExpiredBefore: clock})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, old.TransactionID, rows[0].TransactionID)

	rows, err = repo.List(ctx, repositories.ListFilter{UpdatedBefore: clock.Add(-30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, old.TransactionID, rows[0].TransactionID)

	rows, err = repo.List(ctx, repositories.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = repo.List(ctx, repositories.ListFilter{DepositAddress: "0x0000000000000000000000000000000000000D02"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, fresh.TransactionID, rows[0].TransactionID)
}

func TestFindDuplicatePending(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	repo := NewTransactionRepository().WithClock(func() time.Time { return clock })

	done := newPending("0x0000000000000000000000000000000000000e01")
	require.NoError(t, repo.Create(ctx, done))
	for _, step := range [][2]models.Status{
		{models.StatusPending, models.StatusTokenReceived},
		{models.StatusTokenReceived, models.StatusSwapping},
		{models.StatusSwapping, models.StatusUSDCReceived},
		{models.StatusUSDCReceived, models.StatusPaying},
	} {
		ok, err := repo.Transition(ctx, done.TransactionID, step[0], step[1], models.Patch{})
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := repo.Transition(ctx, done.TransactionID, models.StatusPaying, models.StatusCompleted, models.Patch{SettlementTxHash: models.String("0x1")})
	require.NoError(t, err)
	require.True(t, ok)

	clock = clock.Add(10 * time.Minute)
	dup := newPending("0x0000000000000000000000000000000000000e02")
	require.NoError(t, repo.Create(ctx, dup))

	other := newPending("0x0000000000000000000000000000000000000e03")
	other.QuotedTokenAmount = decimal.NewFromInt(11)
	require.NoError(t, repo.Create(ctx, other))

	rows, err := repo.FindDuplicatePending(ctx, time.Hour, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, dup.TransactionID, rows[0].TransactionID)

	rows, err = repo.FindDuplicatePending(ctx, time.Minute, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
