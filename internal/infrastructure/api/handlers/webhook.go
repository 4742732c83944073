package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/internal/usecases/dtos"
	"github.com/esogbengastephen/sendapp-offramp/internal/usecases/interactor"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/rs/zerolog"
)

type DepositWebhookHandler struct {
	monitor *interactor.DepositMonitor
	logger  *zerolog.Logger
}

func NewDepositWebhookHandler(monitor *interactor.DepositMonitor) *DepositWebhookHandler {
	logger := log.GetLogger()
	return &DepositWebhookHandler{monitor: monitor, logger: &logger}
}

// HandleDeposit accepts a verified deposit notification. Processing continues in the
// background, so the response only acknowledges which row was scheduled.
func (h *DepositWebhookHandler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var dto dtos.DepositNotificationDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.logger.Error().Err(err).Msg(errors.ErrFailedDecodeRequestBody)
		errors.HandleHTTPError(w, errors.NewBadRequestError(errors.ErrInvalidRequestBody))
		return
	}

	tx, err := h.monitor.HandleNotification(r.Context(), &dto)
	if err != nil {
		h.logger.Warn().Err(err).Str("address", dto.Address).Str("tx_hash", dto.TxHash).Msg("deposit notification not accepted")
		errors.HandleHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, struct {
		TransactionID string `json:"transactionId"`
		Status        string `json:"status"`
	}{TransactionID: tx.TransactionID, Status: tx.Status.UserFacing()})
}
