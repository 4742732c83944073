package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/esogbengastephen/sendapp-offramp/internal/app"
	"github.com/esogbengastephen/sendapp-offramp/internal/config"
	"github.com/esogbengastephen/sendapp-offramp/internal/di"
	"github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/api/routers"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"golang.org/x/sync/errgroup"
)

const (
	appName = "sendapp-offramp"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}

	opts := []log.LoggerOption{log.WithConsoleLogger()}
	if cfg != nil {
		opts = append(opts, log.WithLevelName(cfg.Logging.Level))
		if cfg.Logging.File != "" {
			opts = append(opts, log.WithFileLogger(cfg.Logging.File))
		}
	}
	log.Init(appName, opts...)
	logger := log.GetLogger()
	if err != nil {
		logger.Fatal().Err(err).Msg(errors.ErrorInvalidConfiguration)
	}

	infra, err := di.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg(errors.ErrorFailedToConnectToTheDatabase)
	}
	defer infra.Close()

	container, err := di.NewContainer(cfg, infra)
	if err != nil {
		logger.Fatal().Err(err).Msg(errors.ErrorInvalidConfiguration)
	}
	defer container.DepositMonitor.Close()
	logger.Info().Str("funding_address", container.GasSponsor.FundingAddress().Hex()).Msg("gas sponsor ready")

	processes := []*app.Process{
		app.NewProcess("poll_deposits", container.PollJob, cfg.Process.PollInterval, cfg.Process.PollInterval),
		app.NewProcess("advance", container.AdvanceJob, cfg.Process.AdvanceInterval, cfg.Process.AdvanceTimeout),
		app.NewProcess("recovery", container.RecoveryJob, cfg.Process.RecoveryInterval, cfg.Process.RecoveryInterval),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range processes {
		p := p
		g.Go(func() error { return p.Run(gctx) })
	}

	router := routers.NewRouter(container)
	service := app.NewService(cfg)
	g.Go(func() error { return service.Run(gctx, router) })

	if err = g.Wait(); err != nil {
		logger.Error().Err(err).Msg(errors.ErrorFailedToRunTheServer)
	}
}
