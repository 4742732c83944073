package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/config"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 30 * time.Second

type Service struct {
	config *config.Config
	logger *zerolog.Logger
}

// NewService creates a new instance of the service
func NewService(cfg *config.Config) *Service {
	l := log.GetLogger()
	return &Service{config: cfg, logger: &l}
}

// Run serves handler until ctx is cancelled, then shuts down without interrupting
// active connections.
func (s *Service) Run(ctx context.Context, handler http.Handler) error {
	server := &http.Server{
		Addr:              s.config.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg(apperrors.ErrorFailedToRunTheServer)
			serveErr <- err
		}
		close(serveErr)
	}()

	s.logger.Info().Msg(fmt.Sprintf("Server is listening on %s", s.config.Server.Addr()))

	select {
	case err, ok := <-serveErr:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
		s.logger.Info().Msg("Server is shutting down...")
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		s.logger.Error().Err(err).Msg(apperrors.ErrorFailedToShutdownTheServer)
		return err
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}
