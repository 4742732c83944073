package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/rs/zerolog"
)

type HealthHandler struct {
	ping   func(ctx context.Context) error
	logger *zerolog.Logger
}

// NewHealthHandler reports healthy while ping succeeds. A nil ping always reports healthy.
func NewHealthHandler(ping func(ctx context.Context) error) *HealthHandler {
	logger := log.GetLogger()
	return &HealthHandler{ping: ping, logger: &logger}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			h.logger.Error().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
