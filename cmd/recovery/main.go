// Command recovery runs one recovery job, or refunds a single transaction, against the
// configured ledger and chain, then prints the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/config"
	"github.com/esogbengastephen/sendapp-offramp/internal/di"
	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	"github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/internal/usecases/dtos"
	"github.com/esogbengastephen/sendapp-offramp/internal/usecases/interactor"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

const (
	appName = "sendapp-offramp-recovery"
)

type options struct {
	job       string
	statuses  string
	olderThan time.Duration
	hasToken  string
	dryRun    bool
	limit     int
	refundID  string
	refundTo  string
}

func newCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "recovery",
		Short:         "Run a ledger recovery job or refund a transaction",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.validate(); err != nil {
				return err
			}
			return run(o)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&o.job, "job", "j", string(interactor.JobAll), "abandoned, expired_paid, stuck, duplicates or all")
	flags.StringVar(&o.statuses, "status", "", "comma separated statuses for the stuck job")
	flags.DurationVar(&o.olderThan, "older-than", 0, "only rows older than this; 0 uses the configured threshold")
	flags.StringVar(&o.hasToken, "has-token", "", "true or false to filter on a detected balance")
	flags.BoolVar(&o.dryRun, "dry-run", false, "report without changing anything")
	flags.IntVar(&o.limit, "limit", 0, "maximum rows per job")
	flags.StringVar(&o.refundID, "refund-id", "", "refund this transaction instead of running a job")
	flags.StringVar(&o.refundTo, "refund-to", "", "address that receives the refund")
	return cmd
}

// parseFlags fills options from args without running the command.
func parseFlags(args []string) (*options, error) {
	o := &options{}
	if err := newCommand(o).ParseFlags(args); err != nil {
		return nil, err
	}
	return o, o.validate()
}

func (o *options) validate() error {
	if o.refundID != "" && !common.IsHexAddress(o.refundTo) {
		return fmt.Errorf("--refund-to must be a hex address")
	}
	return nil
}

func (o *options) criteria() (interactor.Criteria, error) {
	c := interactor.Criteria{OlderThan: o.olderThan, Limit: o.limit, DryRun: o.dryRun}
	for _, raw := range strings.Split(o.statuses, ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		s, err := models.ParseStatus(raw)
		if err != nil {
			return c, err
		}
		c.Statuses = append(c.Statuses, s)
	}
	switch strings.ToLower(o.hasToken) {
	case "":
	case "true":
		v := true
		c.HasToken = &v
	case "false":
		v := false
		c.HasToken = &v
	default:
		return c, fmt.Errorf("--has-token must be true or false")
	}
	return c, nil
}

func main() {
	if err := newCommand(&options{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(o *options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	opts := []log.LoggerOption{log.WithConsoleLogger(), log.WithWriter(os.Stderr)}
	if cfg != nil {
		opts = append(opts, log.WithLevelName(cfg.Logging.Level))
	}
	log.Init(appName, opts...)
	logger := log.GetLogger()
	if err != nil {
		logger.Error().Err(err).Msg(errors.ErrorInvalidConfiguration)
		return err
	}

	infra, err := di.Connect(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg(errors.ErrorFailedToConnectToTheDatabase)
		return err
	}
	defer infra.Close()

	container, err := di.NewContainer(cfg, infra)
	if err != nil {
		logger.Error().Err(err).Msg(errors.ErrorInvalidConfiguration)
		return err
	}
	defer container.DepositMonitor.Close()

	var (
		out    interface{}
		runErr error
	)
	if o.refundID != "" {
		tx, err := container.Pipeline.Refund(ctx, o.refundID, common.HexToAddress(o.refundTo))
		if err != nil {
			logger.Error().Err(err).Str("transaction_id", o.refundID).Msg(errors.ErrFailedRefund)
			return err
		}
		out = dtos.NewOfframpDTO(tx)
	} else {
		job, err := interactor.ParseJob(o.job)
		if err != nil {
			logger.Error().Err(err).Msg(errors.ErrFailedRecovery)
			return err
		}
		criteria, err := o.criteria()
		if err != nil {
			logger.Error().Err(err).Msg(errors.ErrFailedRecovery)
			return err
		}
		// A partial report is still printed before the failure is returned.
		report, err := container.Recovery.Run(ctx, job, criteria)
		if err != nil && report == nil {
			return err
		}
		out, runErr = report, err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err = enc.Encode(out); err != nil {
		logger.Error().Err(err).Msg("failed to write report")
		return err
	}
	return runErr
}
