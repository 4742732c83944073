package interactor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/config"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/gateways"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/repositories"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/internal/metrics"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

type Job string

const (
	JobAbandoned   Job = "abandoned"
	JobExpiredPaid Job = "expired_paid"
	JobStuck       Job = "stuck"
	JobDuplicates  Job = "duplicates"
	JobAll         Job = "all"
)

// Recovery actions as they appear in reports and metrics.
const (
	ActionDeleted  = "deleted"
	ActionAdvanced = "advanced"
	ActionExtended = "extended"
	ActionReleased = "released"
	ActionWaiting  = "waiting"
	ActionSkipped  = "skipped"
	ActionFailed   = "failed"
)

func ParseJob(raw string) (Job, error) {
	switch j := Job(raw); j {
	case JobAbandoned, JobExpiredPaid, JobStuck, JobDuplicates, JobAll:
		return j, nil
	default:
		return "", apperrors.NewBadRequestError(fmt.Sprintf("unknown recovery job %q", raw))
	}
}

// Criteria narrows a recovery run. Zero values fall back to the configured defaults.
type Criteria struct {
	Statuses  []models.Status
	OlderThan time.Duration
	// HasToken keeps only rows with (true) or without (false) a detected balance.
	HasToken *bool
	Limit    int
	DryRun   bool
}

// Report is what a run did, or would have done under DryRun.
type Report struct {
	Job     Job                 `json:"job"`
	DryRun  bool                `json:"dryRun"`
	Scanned int                 `json:"scanned"`
	Actions map[string]int      `json:"actions"`
	IDs     map[string][]string `json:"ids"`
	Errors  []string            `json:"errors,omitempty"`
}

func newReport(job Job, dryRun bool) *Report {
	return &Report{Job: job, DryRun: dryRun, Actions: map[string]int{}, IDs: map[string][]string{}}
}

func (r *Report) record(action, transactionID string) {
	r.Actions[action]++
	r.IDs[action] = append(r.IDs[action], transactionID)
}

func (r *Report) fail(transactionID string, err error) {
	r.record(ActionFailed, transactionID)
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", transactionID, err))
}

// Recovery reconciles rows the live pipeline left behind.
type Recovery struct {
	repo     repositories.TransactionRepository
	chain    gateways.Chain
	scanner  *DepositScanner
	pipeline *Pipeline
	payout   gateways.PayoutProvider
	cfg      config.Recovery
	limit    int
	now      func() time.Time
	metrics  *metrics.PipelineMetrics
	logger   *zerolog.Logger
}

func NewRecovery(
	repo repositories.TransactionRepository,
	chain gateways.Chain,
	scanner *DepositScanner,
	pipeline *Pipeline,
	payout gateways.PayoutProvider,
	cfg config.Recovery,
	limit int,
) *Recovery {
	l := log.GetLogger()
	if limit <= 0 {
		limit = 100
	}
	return &Recovery{
		repo:     repo,
		chain:    chain,
		scanner:  scanner,
		pipeline: pipeline,
		payout:   payout,
		cfg:      cfg,
		limit:    limit,
		now:      time.Now,
		metrics:  metrics.Pipeline(),
		logger:   &l,
	}
}

// Run executes one job, or every job in order for JobAll.
func (r *Recovery) Run(ctx context.Context, job Job, criteria Criteria) (*Report, error) {
	if criteria.Limit <= 0 {
		criteria.Limit = r.limit
	}
	report := newReport(job, criteria.DryRun)

	jobs := []Job{job}
	if job == JobAll {
		jobs = []Job{JobDuplicates, JobExpiredPaid, JobAbandoned, JobStuck}
	}
	for _, j := range jobs {
		var err error
		switch j {
		case JobAbandoned:
			err = r.abandoned(ctx, criteria, report)
		case JobExpiredPaid:
			err = r.expiredPaid(ctx, criteria, report)
		case JobStuck:
			err = r.stuck(ctx, criteria, report)
		case JobDuplicates:
			err = r.duplicates(ctx, criteria, report)
		default:
			return nil, apperrors.NewBadRequestError(fmt.Sprintf("unknown recovery job %q", j))
		}
		if err != nil {
			r.logger.Error().Err(err).Str("job", string(j)).Msg(apperrors.ErrFailedRecovery)
			return report, err
		}
	}

	for action, n := range report.Actions {
		for k := 0; k < n; k++ {
			r.metrics.ObserveRecovery(string(job), action)
		}
	}
	r.logger.Info().
		Str("job", string(job)).
		Bool("dry_run", criteria.DryRun).
		Int("scanned", report.Scanned).
		Interface("actions", report.Actions).
		Msg("recovery run finished")
	return report, nil
}

func (r *Recovery) expiredPending(ctx context.Context, criteria Criteria) ([]*models.Transaction, error) {
	return r.repo.List(ctx, repositories.ListFilter{
		Statuses:      []models.Status{models.StatusPending},
		ExpiredBefore: r.now().Add(-criteria.OlderThan),
		Limit:         criteria.Limit,
	})
}

// abandoned deletes expired pending rows that never received anything. A late deposit is
// advanced instead.
func (r *Recovery) abandoned(ctx context.Context, criteria Criteria, report *Report) error {
	rows, err := r.expiredPending(ctx, criteria)
	if err != nil {
		return err
	}
	for _, tx := range rows {
		if tx.PaymentReference != "" {
			continue
		}
		report.Scanned++
		detection, err := r.scanner.Inspect(ctx, common.HexToAddress(tx.DepositAddress))
		if err != nil {
			report.fail(tx.TransactionID, err)
			continue
		}
		if !matchesHasToken(criteria, detection != nil) {
			report.record(ActionSkipped, tx.TransactionID)
			continue
		}
		if detection != nil {
			r.advance(ctx, tx, criteria, report)
			continue
		}
		r.delete(ctx, tx, criteria, report)
	}
	return nil
}

// expiredPaid keeps expired pending rows whose inbound payment the provider confirms.
func (r *Recovery) expiredPaid(ctx context.Context, criteria Criteria, report *Report) error {
	rows, err := r.expiredPending(ctx, criteria)
	if err != nil {
		return err
	}
	for _, tx := range rows {
		if tx.PaymentReference == "" {
			continue
		}
		report.Scanned++
		if !matchesHasToken(criteria, tx.TokenAmountRaw.IsPositive()) {
			report.record(ActionSkipped, tx.TransactionID)
			continue
		}
		payment, err := r.payout.VerifyPayment(ctx, tx.PaymentReference)
		if err != nil {
			report.fail(tx.TransactionID, err)
			continue
		}
		if !payment.Paid {
			r.delete(ctx, tx, criteria, report)
			continue
		}
		if criteria.DryRun {
			report.record(ActionExtended, tx.TransactionID)
			continue
		}
		expiry := r.now().Add(r.cfg.PendingExpiry)
		ok, err := r.repo.Update(ctx, tx.TransactionID, models.StatusPending, models.Patch{ExpiresAt: models.Time(expiry)})
		if err != nil {
			report.fail(tx.TransactionID, err)
			continue
		}
		if !ok {
			report.record(ActionSkipped, tx.TransactionID)
			continue
		}
		report.record(ActionExtended, tx.TransactionID)
		r.advance(ctx, tx, criteria, report)
	}
	return nil
}

// stuck re-drives rows that stopped moving. Stalled swap and settlement claims are released
// first; a swap whose hash is still unmined is left alone.
func (r *Recovery) stuck(ctx context.Context, criteria Criteria, report *Report) error {
	statuses := criteria.Statuses
	if len(statuses) == 0 {
		statuses = []models.Status{models.StatusTokenReceived, models.StatusSwapping, models.StatusUSDCReceived, models.StatusPaying}
	}
	for _, s := range statuses {
		if s == models.StatusPending || s.IsTerminal() {
			return apperrors.NewBadRequestError(fmt.Sprintf("status %s cannot be stuck", s))
		}
	}
	olderThan := criteria.OlderThan
	if olderThan <= 0 {
		olderThan = r.cfg.StallThreshold
	}

	rows, err := r.repo.List(ctx, repositories.ListFilter{
		Statuses:      statuses,
		UpdatedBefore: r.now().Add(-olderThan),
		Limit:         criteria.Limit,
	})
	if err != nil {
		return err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].UpdatedAt.Before(rows[j].UpdatedAt) })

	for _, tx := range rows {
		report.Scanned++
		if !matchesHasToken(criteria, tx.TokenAmountRaw.IsPositive()) {
			report.record(ActionSkipped, tx.TransactionID)
			continue
		}
		var released bool
		var err error
		switch {
		case tx.Status == models.StatusSwapping:
			released, err = r.releaseSwap(ctx, tx, criteria, report)
		case tx.Status == models.StatusPaying:
			released, err = r.releaseSettlement(ctx, tx, criteria, report)
		default:
			released = true
		}
		if err != nil {
			report.fail(tx.TransactionID, err)
			continue
		}
		if released {
			r.advance(ctx, tx, criteria, report)
		}
	}
	return nil
}

func (r *Recovery) releaseSwap(ctx context.Context, tx *models.Transaction, criteria Criteria, report *Report) (bool, error) {
	var receipt *types.Receipt
	if tx.SwapTxHash != "" {
		var err error
		receipt, err = r.chain.Receipt(ctx, common.HexToHash(tx.SwapTxHash))
		if err != nil {
			return false, err
		}
		if receipt == nil {
			report.record(ActionWaiting, tx.TransactionID)
			return false, nil
		}
	}
	// A mined swap is not held against the row; the next attempt finds nothing left to sell.
	patch := models.Patch{ErrorMessage: models.String("swap claim stalled")}
	if receipt == nil || receipt.Status != types.ReceiptStatusSuccessful {
		patch.IncSwapAttempts = true
	}
	return r.releaseClaim(ctx, tx, models.StatusTokenReceived, patch, criteria, report)
}

// releaseSettlement hands back a settlement claim that never produced a mined transfer. A
// claim without a hash signed nothing. A recorded hash the node does not know was dropped or
// never sent, and spends a payout attempt. Mined hashes are left to Advance.
func (r *Recovery) releaseSettlement(ctx context.Context, tx *models.Transaction, criteria Criteria, report *Report) (bool, error) {
	patch := models.Patch{ErrorMessage: models.String("settlement claim stalled")}
	if tx.SettlementTxHash != "" {
		receipt, err := r.chain.Receipt(ctx, common.HexToHash(tx.SettlementTxHash))
		if err != nil {
			return false, err
		}
		if receipt != nil {
			return true, nil
		}
		patch = models.Patch{
			SettlementTxHash:  models.String(""),
			IncPayoutAttempts: true,
			ErrorMessage:      models.String("settlement transfer not mined: " + tx.SettlementTxHash),
		}
	}
	return r.releaseClaim(ctx, tx, models.StatusUSDCReceived, patch, criteria, report)
}

// releaseClaim takes a stalled claim back through its release edge so Advance can retry it.
func (r *Recovery) releaseClaim(ctx context.Context, tx *models.Transaction, to models.Status, patch models.Patch, criteria Criteria, report *Report) (bool, error) {
	if criteria.DryRun {
		report.record(ActionReleased, tx.TransactionID)
		return true, nil
	}
	ok, err := r.repo.Transition(ctx, tx.TransactionID, tx.Status, to, patch)
	if err != nil {
		return false, err
	}
	if !ok {
		report.record(ActionSkipped, tx.TransactionID)
		return false, nil
	}
	r.metrics.ObserveTransition(tx.Status.String(), to.String())
	report.record(ActionReleased, tx.TransactionID)
	return true, nil
}

// duplicates deletes pending rows that repeat a request already completed.
func (r *Recovery) duplicates(ctx context.Context, criteria Criteria, report *Report) error {
	rows, err := r.repo.FindDuplicatePending(ctx, r.cfg.DuplicateWindow, criteria.Limit)
	if err != nil {
		return err
	}
	for _, tx := range rows {
		report.Scanned++
		detection, err := r.scanner.Inspect(ctx, common.HexToAddress(tx.DepositAddress))
		if err != nil {
			report.fail(tx.TransactionID, err)
			continue
		}
		// Never drop a row that holds funds.
		if detection != nil || !matchesHasToken(criteria, false) {
			report.record(ActionSkipped, tx.TransactionID)
			continue
		}
		r.delete(ctx, tx, criteria, report)
	}
	return nil
}

func (r *Recovery) delete(ctx context.Context, tx *models.Transaction, criteria Criteria, report *Report) {
	if criteria.DryRun {
		report.record(ActionDeleted, tx.TransactionID)
		return
	}
	ok, err := r.repo.Delete(ctx, tx.TransactionID, models.StatusPending)
	switch {
	case err != nil:
		report.fail(tx.TransactionID, err)
	case !ok:
		report.record(ActionSkipped, tx.TransactionID)
	default:
		report.record(ActionDeleted, tx.TransactionID)
	}
}

func (r *Recovery) advance(ctx context.Context, tx *models.Transaction, criteria Criteria, report *Report) {
	if criteria.DryRun {
		report.record(ActionAdvanced, tx.TransactionID)
		return
	}
	if _, err := r.pipeline.Advance(ctx, tx.TransactionID); err != nil {
		report.fail(tx.TransactionID, err)
		return
	}
	report.record(ActionAdvanced, tx.TransactionID)
}

func matchesHasToken(criteria Criteria, hasToken bool) bool {
	return criteria.HasToken == nil || *criteria.HasToken == hasToken
}
