package interactor

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/internal/usecases/dtos"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// later moves the recovery clock past expiry and the stall threshold.
func later(h *harness) {
	h.recovery.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
}

func createWithReference(t *testing.T, h *harness, reference string) *models.Transaction {
	t.Helper()
	view, err := h.offramp.CreateOfframp(context.Background(), &dtos.CreateOfframpDTO{
		AccountNumber:    "0123456789",
		BankCode:         "058",
		PaymentReference: reference,
	})
	require.NoError(t, err)
	return h.get(t, view.TransactionID)
}

func detect(t *testing.T, h *harness, tx *models.Transaction) {
	t.Helper()
	detection, err := h.scanner.Inspect(context.Background(), addr(tx))
	require.NoError(t, err)
	require.NotNil(t, detection)
	won, err := h.pipeline.Detect(context.Background(), tx.TransactionID, *detection)
	require.NoError(t, err)
	require.True(t, won)
}

func TestParseJob(t *testing.T) {
	job, err := ParseJob("expired_paid")
	require.NoError(t, err)
	assert.Equal(t, JobExpiredPaid, job)

	_, err = ParseJob("everything")
	var bad *apperrors.BadRequestError
	assert.ErrorAs(t, err, &bad)
}

func TestRecoverAbandoned(t *testing.T) {
	h := newHarness(t)
	empty := h.create(t, "")
	late := h.create(t, "")
	referenced := createWithReference(t, h, "pay-1")
	h.chain.Mint(sendToken, addr(late), tenSend)
	later(h)

	report, err := h.recovery.Run(context.Background(), JobAbandoned, Criteria{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, []string{empty.TransactionID}, report.IDs[ActionDeleted])
	assert.Equal(t, []string{late.TransactionID}, report.IDs[ActionAdvanced])

	gone, err := h.repo.GetByTransactionID(context.Background(), empty.TransactionID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.Equal(t, models.StatusCompleted, h.get(t, late.TransactionID).Status)
	assert.Equal(t, models.StatusPending, h.get(t, referenced.TransactionID).Status)
}

func TestRecoverAbandonedBeforeExpiry(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, "")

	report, err := h.recovery.Run(context.Background(), JobAbandoned, Criteria{})
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Equal(t, models.StatusPending, h.get(t, tx.TransactionID).Status)
}

func TestRecoverDryRunChangesNothing(t *testing.T) {
	h := newHarness(t)
	empty := h.create(t, "")
	late := h.create(t, "")
	h.chain.Mint(sendToken, addr(late), tenSend)
	later(h)

	report, err := h.recovery.Run(context.Background(), JobAll, Criteria{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Actions[ActionDeleted])
	assert.Equal(t, 1, report.Actions[ActionAdvanced])

	assert.Equal(t, models.StatusPending, h.get(t, empty.TransactionID).Status)
	assert.Equal(t, models.StatusPending, h.get(t, late.TransactionID).Status)
	assert.Zero(t, h.aggregator.Executed())
}

func TestRecoverHasTokenFilter(t *testing.T) {
	h := newHarness(t)
	empty := h.create(t, "")
	late := h.create(t, "")
	h.chain.Mint(sendToken, addr(late), tenSend)
	later(h)

	withToken := true
	report, err := h.recovery.Run(context.Background(), JobAbandoned, Criteria{HasToken: &withToken})
	require.NoError(t, err)
	assert.Equal(t, []string{empty.TransactionID}, report.IDs[ActionSkipped])
	assert.Equal(t, []string{late.TransactionID}, report.IDs[ActionAdvanced])
	assert.Equal(t, models.StatusPending, h.get(t, empty.TransactionID).Status)
}

func TestRecoverExpiredPaid(t *testing.T) {
	h := newHarness(t)
	paid := createWithReference(t, h, "pay-ok")
	unpaid := createWithReference(t, h, "pay-missing")
	h.payout.paid["pay-ok"] = true
	later(h)

	report, err := h.recovery.Run(context.Background(), JobExpiredPaid, Criteria{})
	require.NoError(t, err)
	assert.Equal(t, []string{paid.TransactionID}, report.IDs[ActionExtended])
	assert.Equal(t, []string{unpaid.TransactionID}, report.IDs[ActionDeleted])

	kept := h.get(t, paid.TransactionID)
	assert.Equal(t, models.StatusPending, kept.Status)
	assert.True(t, kept.ExpiresAt.After(time.Now().Add(2*time.Hour)))
	gone, err := h.repo.GetByTransactionID(context.Background(), unpaid.TransactionID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRecoverStuckSwapClaim(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, "")
	h.chain.Mint(sendToken, addr(tx), tenSend)
	detect(t, h, tx)
	ok, err := h.repo.Transition(context.Background(), tx.TransactionID, models.StatusTokenReceived, models.StatusSwapping, models.Patch{})
	require.NoError(t, err)
	require.True(t, ok)
	later(h)

	report, err := h.recovery.Run(context.Background(), JobStuck, Criteria{})
	require.NoError(t, err)
	assert.Equal(t, []string{tx.TransactionID}, report.IDs[ActionReleased])
	assert.Equal(t, []string{tx.TransactionID}, report.IDs[ActionAdvanced])

	got := h.get(t, tx.TransactionID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.SwapAttemptCount, "stalled claim counts as an attempt")
}

func TestRecoverStuckSwapWaitsForBroadcast(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, "")
	h.chain.Mint(sendToken, addr(tx), tenSend)
	detect(t, h, tx)
	unmined := common.HexToHash("0xdead").Hex()
	ok, err := h.repo.Transition(context.Background(), tx.TransactionID, models.StatusTokenReceived, models.StatusSwapping,
		models.Patch{SwapTxHash: models.String(unmined)})
	require.NoError(t, err)
	require.True(t, ok)
	later(h)

	report, err := h.recovery.Run(context.Background(), JobStuck, Criteria{})
	require.NoError(t, err)
	assert.Equal(t, []string{tx.TransactionID}, report.IDs[ActionWaiting])
	assert.Equal(t, models.StatusSwapping, h.get(t, tx.TransactionID).Status)

	t.Run("mined swap is released without an attempt", func(t *testing.T) {
		h.chain.Mine(common.HexToHash(unmined), true)
		_, err := h.recovery.Run(context.Background(), JobStuck, Criteria{})
		require.NoError(t, err)
		got := h.get(t, tx.TransactionID)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.Equal(t, 1, got.SwapAttemptCount)
	})
}

func TestRecoverStuckSettlementClaim(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, "")
	h.chain.Mint(usdc, addr(tx), big.NewInt(2_100_000))
	detect(t, h, tx)

	ctx := context.Background()
	steps := []struct {
		from, to models.Status
		patch    models.Patch
	}{
		{from: models.StatusTokenReceived, to: models.StatusSwapping},
		{from: models.StatusSwapping, to: models.StatusUSDCReceived, patch: models.Patch{
			StableAmountRaw: models.Decimal(decimal.NewFromInt(2_100_000)),
			StableAmount:    models.Decimal(decimal.RequireFromString("2.1")),
		}},
		{from: models.StatusUSDCReceived, to: models.StatusPaying},
	}
	for _, s := range steps {
		ok, err := h.repo.Transition(ctx, tx.TransactionID, s.from, s.to, s.patch)
		require.NoError(t, err)
		require.True(t, ok, "%s -> %s", s.from, s.to)
	}

	// a live settlement claim without a hash is left to its owner
	_, err := h.pipeline.Advance(ctx, tx.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaying, h.get(t, tx.TransactionID).Status)
	assert.Zero(t, h.chain.Balance(usdc, treasury).Sign())

	later(h)
	report, err := h.recovery.Run(ctx, JobStuck, Criteria{Statuses: []models.Status{models.StatusPaying}})
	require.NoError(t, err)
	assert.Equal(t, []string{tx.TransactionID}, report.IDs[ActionReleased])

	got := h.get(t, tx.TransactionID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.NotEmpty(t, got.SettlementTxHash)
	assert.Equal(t, int64(2_100_000), h.chain.Balance(usdc, treasury).Int64())
	assert.Len(t, h.payout.Transfers(), 1)
}

func TestRecoverStuckSettlementNeverMined(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, "")
	h.chain.Mint(usdc, addr(tx), big.NewInt(2_100_000))
	detect(t, h, tx)

	ctx := context.Background()
	unmined := common.HexToHash("0xbeef").Hex()
	steps := []struct {
		from, to models.Status
		patch    models.Patch
	}{
		{from: models.StatusTokenReceived, to: models.StatusSwapping},
		{from: models.StatusSwapping, to: models.StatusUSDCReceived, patch: models.Patch{
			StableAmountRaw: models.Decimal(decimal.NewFromInt(2_100_000)),
			StableAmount:    models.Decimal(decimal.RequireFromString("2.1")),
		}},
		{from: models.StatusUSDCReceived, to: models.StatusPaying, patch: models.Patch{SettlementTxHash: models.String(unmined)}},
	}
	for _, s := range steps {
		ok, err := h.repo.Transition(ctx, tx.TransactionID, s.from, s.to, s.patch)
		require.NoError(t, err)
		require.True(t, ok, "%s -> %s", s.from, s.to)
	}
	later(h)

	report, err := h.recovery.Run(ctx, JobStuck, Criteria{Statuses: []models.Status{models.StatusPaying}})
	require.NoError(t, err)
	assert.Equal(t, []string{tx.TransactionID}, report.IDs[ActionReleased])
	assert.Equal(t, []string{tx.TransactionID}, report.IDs[ActionAdvanced])

	got := h.get(t, tx.TransactionID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.PayoutAttemptCount)
	assert.NotEqual(t, unmined, got.SettlementTxHash)
	assert.Equal(t, 1, countTo(h.chain.Sent(), "token", treasury))
	assert.Len(t, h.payout.Transfers(), 1)
}

func TestRecoverStuckSwapExhaustsToManualReview(t *testing.T) {
	h := newHarness(t)
	h.aggregator.quoteErr = gateways.ErrNoRoute
	h.dex.quoteErr = gateways.ErrNoRoute
	tx := h.create(t, "")
	h.chain.Mint(sendToken, addr(tx), tenSend)
	detect(t, h, tx)
	later(h)

	for i := 1; i <= 3; i++ {
		report, err := h.recovery.Run(context.Background(), JobStuck, Criteria{})
		require.NoError(t, err)
		assert.Equal(t, []string{tx.TransactionID}, report.IDs[ActionAdvanced], "run %d", i)
		assert.Equal(t, i, h.get(t, tx.TransactionID).SwapAttemptCount)
	}

	got := h.get(t, tx.TransactionID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.SwapAttemptCount)
	assert.True(t, strings.HasPrefix(got.ErrorMessage, apperrors.MsgManualReview))
	assert.Zero(t, h.aggregator.Executed())
	assert.Zero(t, h.dex.Executed())
	assert.Equal(t, 0, tenSend.Cmp(h.chain.Balance(sendToken, addr(tx))))

	report, err := h.recovery.Run(context.Background(), JobStuck, Criteria{})
	require.NoError(t, err)
	assert.Zero(t, report.Scanned, "failed rows are no longer stuck")
}

func TestRecoverStuckRejectsPending(t *testing.T) {
	h := newHarness(t)
	_, err := h.recovery.Run(context.Background(), JobStuck, Criteria{Statuses: []models.Status{models.StatusPending}})
	var bad *apperrors.BadRequestError
	assert.ErrorAs(t, err, &bad)
}

func TestRecoverDuplicates(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, "user-dup")
	h.chain.Mint(sendToken, addr(first), tenSend)
	done, err := h.pipeline.Advance(context.Background(), first.TransactionID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, done.Status)

	repeat := h.create(t, "user-dup")
	require.NotEqual(t, first.TransactionID, repeat.TransactionID)

	report, err := h.recovery.Run(context.Background(), JobDuplicates, Criteria{})
	require.NoError(t, err)
	assert.Equal(t, []string{repeat.TransactionID}, report.IDs[ActionDeleted])

	gone, err := h.repo.GetByTransactionID(context.Background(), repeat.TransactionID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	t.Run("funded duplicate is kept", func(t *testing.T) {
		again := h.create(t, "user-dup")
		h.chain.Mint(sendToken, addr(again), tenSend)
		report, err := h.recovery.Run(context.Background(), JobDuplicates, Criteria{})
		require.NoError(t, err)
		assert.Equal(t, []string{again.TransactionID}, report.IDs[ActionSkipped])
		assert.Equal(t, models.StatusPending, h.get(t, again.TransactionID).Status)
	})
}
