package interactor

import (
	"context"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/repositories"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PollJob runs one deposit poll per Execute.
type PollJob struct {
	monitor *DepositMonitor
}

func NewPollJob(monitor *DepositMonitor) *PollJob {
	return &PollJob{monitor: monitor}
}

func (j *PollJob) Execute(ctx context.Context) error {
	_, err := j.monitor.Poll(ctx)
	return err
}

// AdvanceJob re-drives rows that are waiting on their next step.
type AdvanceJob struct {
	transactionRepository repositories.TransactionRepository
	pipeline              *Pipeline
	batchSize             int
	workers               int
	logger                *zerolog.Logger
}

func NewAdvanceJob(transactionRepository repositories.TransactionRepository, pipeline *Pipeline, batchSize, workers int) *AdvanceJob {
	l := log.GetLogger()
	if batchSize <= 0 {
		batchSize = 50
	}
	if workers <= 0 {
		workers = 1
	}
	return &AdvanceJob{
		transactionRepository: transactionRepository,
		pipeline:              pipeline,
		batchSize:             batchSize,
		workers:               workers,
		logger:                &l,
	}
}

// Execute advances one batch. Claimed rows (swapping, or paying without a hash) are skipped
// by the pipeline itself and left for recovery once they stall.
func (j *AdvanceJob) Execute(ctx context.Context) error {
	rows, err := j.transactionRepository.List(ctx, repositories.ListFilter{
		Statuses: []models.Status{models.StatusTokenReceived, models.StatusUSDCReceived, models.StatusPaying},
		Limit:    j.batchSize,
	})
	if err != nil {
		j.logger.Error().Err(err).Msg(apperrors.ErrFailedAdvanceTransaction)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.workers)
	for _, row := range rows {
		id := row.TransactionID
		g.Go(func() error {
			if _, err := j.pipeline.Advance(gctx, id); err != nil {
				j.logger.Warn().Err(err).Str("transaction_id", id).Msg("advance left row for next run")
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	j.logger.Debug().Int("rows", len(rows)).Msg("advance run finished")
	return nil
}

// RecoveryJob runs a recovery job with default criteria on every Execute.
type RecoveryJob struct {
	recovery *Recovery
	job      Job
}

func NewRecoveryJob(recovery *Recovery, job Job) *RecoveryJob {
	return &RecoveryJob{recovery: recovery, job: job}
}

func (j *RecoveryJob) Execute(ctx context.Context) error {
	_, err := j.recovery.Run(ctx, j.job, Criteria{})
	return err
}
