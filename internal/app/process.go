package app

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/internal/metrics"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/rs/zerolog"
)

type Handler interface {
	Execute(ctx context.Context) error
}

// Process runs a handler on a fixed interval. Runs never overlap; a slow run delays the next tick.
type Process struct {
	name     string
	handler  Handler
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.PipelineMetrics
	logger   *zerolog.Logger
}

// NewProcess creates a process. timeout <= 0 bounds each run by the interval.
func NewProcess(name string, h Handler, interval, timeout time.Duration) *Process {
	l := log.GetLogger()
	if timeout <= 0 {
		timeout = interval
	}
	return &Process{
		name:     name,
		handler:  h,
		interval: interval,
		timeout:  timeout,
		metrics:  metrics.Pipeline(),
		logger:   &l,
	}
}

func (p *Process) Name() string {
	return p.name
}

// Run executes the handler every interval until ctx is cancelled.
func (p *Process) Run(ctx context.Context) error {
	if p.interval <= 0 {
		return apperrors.NewConfigurationError(fmt.Sprintf("process %s: interval must be positive", p.name))
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info().Str("process", p.name).Dur("interval", p.interval).Msg("process started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Str("process", p.name).Msg("process stopped")
			return nil
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes the handler once under the run timeout.
func (p *Process) RunOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.handler.Execute(runCtx)
	p.metrics.ObserveProcessRun(p.name, time.Since(start))
	if err != nil && ctx.Err() == nil {
		p.logger.Error().Err(err).Str("process", p.name).Msg(apperrors.ErrFailedProcessRun)
	}
}
