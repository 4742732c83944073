package interactor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/repositories"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/internal/metrics"
	"github.com/esogbengastephen/sendapp-offramp/internal/usecases/dtos"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// DepositMonitor finds deposits by polling balances and by signed push notifications,
// and hands them to the pipeline.
type DepositMonitor struct {
	repo           repositories.TransactionRepository
	scanner        *DepositScanner
	pipeline       *Pipeline
	batchSize      int
	advanceTimeout time.Duration
	sem            *semaphore.Weighted
	wg             sync.WaitGroup
	base           context.Context
	cancel         context.CancelFunc
	now            func() time.Time
	metrics        *metrics.PipelineMetrics
	logger         *zerolog.Logger
}

func NewDepositMonitor(repo repositories.TransactionRepository, scanner *DepositScanner, pipeline *Pipeline, batchSize, workers int, advanceTimeout time.Duration) *DepositMonitor {
	l := log.GetLogger()
	if workers <= 0 {
		workers = 1
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if advanceTimeout <= 0 {
		advanceTimeout = 5 * time.Minute
	}
	base, cancel := context.WithCancel(context.Background())
	return &DepositMonitor{
		repo:           repo,
		scanner:        scanner,
		pipeline:       pipeline,
		batchSize:      batchSize,
		advanceTimeout: advanceTimeout,
		sem:            semaphore.NewWeighted(int64(workers)),
		base:           base,
		cancel:         cancel,
		now:            time.Now,
		metrics:        metrics.Pipeline(),
		logger:         &l,
	}
}

// Poll checks every unexpired pending row for a balance and records what it finds.
// It returns how many deposits this call detected.
func (m *DepositMonitor) Poll(ctx context.Context) (int, error) {
	rows, err := m.repo.List(ctx, repositories.ListFilter{
		Statuses: []models.Status{models.StatusPending},
		Limit:    m.batchSize,
	})
	if err != nil {
		m.logger.Error().Err(err).Msg(apperrors.ErrFailedPollDeposits)
		return 0, err
	}

	detected := 0
	now := m.now()
	for _, row := range rows {
		if ctx.Err() != nil {
			return detected, ctx.Err()
		}
		if row.IsExpired(now) {
			continue
		}
		detection, err := m.scanner.Inspect(ctx, common.HexToAddress(row.DepositAddress))
		if err != nil {
			m.logger.Warn().Err(err).Str("transaction_id", row.TransactionID).Msg("balance check failed")
			continue
		}
		if detection == nil {
			continue
		}
		won, err := m.pipeline.Detect(ctx, row.TransactionID, *detection)
		if err != nil {
			m.logger.Warn().Err(err).Str("transaction_id", row.TransactionID).Msg("failed to record deposit")
			continue
		}
		if won {
			detected++
			m.logger.Info().
				Str("transaction_id", row.TransactionID).
				Str("token", detection.Symbol).
				Str("amount", detection.Amount.String()).
				Msg("deposit detected")
			m.Trigger(row.TransactionID)
		}
	}
	return detected, nil
}

// HandleNotification resolves the pushed recipient address to its active row and schedules
// an advance. The notification itself is only a hint; balances are read from the chain.
func (m *DepositMonitor) HandleNotification(ctx context.Context, n *dtos.DepositNotificationDTO) (*models.Transaction, error) {
	address := strings.TrimSpace(n.Address)
	if !common.IsHexAddress(address) {
		m.metrics.ObserveWebhook("invalid")
		return nil, apperrors.NewBadRequestError("invalid deposit address")
	}

	tx, err := m.repo.GetActiveByDepositAddress(ctx, common.HexToAddress(address).Hex())
	if err != nil {
		m.metrics.ObserveWebhook("error")
		return nil, err
	}
	if tx == nil {
		m.metrics.ObserveWebhook("unknown_address")
		return nil, apperrors.NewNotFoundError("no active transaction for address")
	}

	if m.Trigger(tx.TransactionID) {
		m.metrics.ObserveWebhook("accepted")
	} else {
		m.metrics.ObserveWebhook("deferred")
	}
	return tx, nil
}

// Trigger runs Advance in the background with its own timeout. It returns false when all
// workers are busy; the row is then left for the periodic jobs.
func (m *DepositMonitor) Trigger(transactionID string) bool {
	if !m.sem.TryAcquire(1) {
		m.logger.Warn().Str("transaction_id", transactionID).Msg("advance workers busy, leaving row for polling")
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.sem.Release(1)

		ctx, cancel := context.WithTimeout(m.base, m.advanceTimeout)
		defer cancel()
		if _, err := m.pipeline.Advance(ctx, transactionID); err != nil {
			m.logger.Warn().Err(err).Str("transaction_id", transactionID).Msg("background advance stopped")
		}
	}()
	return true
}

// Wait blocks until every triggered advance has returned.
func (m *DepositMonitor) Wait() {
	m.wg.Wait()
}

// Close cancels in-flight advances and waits for them.
func (m *DepositMonitor) Close() {
	m.cancel()
	m.wg.Wait()
}
