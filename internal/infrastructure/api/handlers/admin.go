package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	"github.com/esogbengastephen/sendapp-offramp/internal/errors"
	http2 "github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/api/http"
	"github.com/esogbengastephen/sendapp-offramp/internal/usecases/dtos"
	"github.com/esogbengastephen/sendapp-offramp/internal/usecases/interactor"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type AdminHandler struct {
	pipeline *interactor.Pipeline
	recovery *interactor.Recovery
	logger   *zerolog.Logger
}

func NewAdminHandler(pipeline *interactor.Pipeline, recovery *interactor.Recovery) *AdminHandler {
	logger := log.GetLogger()
	return &AdminHandler{pipeline: pipeline, recovery: recovery, logger: &logger}
}

func (h *AdminHandler) Refund(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, http2.TransactionIDParam)

	var dto dtos.RefundDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.logger.Error().Err(err).Msg(errors.ErrFailedDecodeRequestBody)
		errors.HandleHTTPError(w, errors.NewBadRequestError(errors.ErrInvalidRequestBody))
		return
	}
	to := strings.TrimSpace(dto.To)
	if !common.IsHexAddress(to) {
		errors.HandleHTTPError(w, errors.NewBadRequestError("invalid refund address"))
		return
	}

	tx, err := h.pipeline.Refund(r.Context(), transactionID, common.HexToAddress(to))
	if err != nil {
		h.logger.Error().Err(err).Str("transaction_id", transactionID).Msg(errors.ErrFailedRefund)
		errors.HandleHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dtos.NewOfframpDTO(tx))
}

// RunRecovery runs one recovery job. Query parameters mirror the recovery command's flags:
// dryRun, olderThan, hasToken, limit and status (repeatable).
func (h *AdminHandler) RunRecovery(w http.ResponseWriter, r *http.Request) {
	job, err := interactor.ParseJob(chi.URLParam(r, http2.RecoveryJobParam))
	if err != nil {
		errors.HandleHTTPError(w, err)
		return
	}
	criteria, err := criteriaFromQuery(r)
	if err != nil {
		errors.HandleHTTPError(w, err)
		return
	}

	report, err := h.recovery.Run(r.Context(), job, criteria)
	if err != nil {
		h.logger.Error().Err(err).Str("job", string(job)).Msg(errors.ErrFailedRecovery)
		errors.HandleHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func criteriaFromQuery(r *http.Request) (interactor.Criteria, error) {
	q := r.URL.Query()
	var criteria interactor.Criteria

	if raw := q.Get("dryRun"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return criteria, errors.NewBadRequestError("invalid dryRun")
		}
		criteria.DryRun = v
	}
	if raw := q.Get("olderThan"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return criteria, errors.NewBadRequestError("invalid olderThan")
		}
		criteria.OlderThan = d
	}
	if raw := q.Get("hasToken"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return criteria, errors.NewBadRequestError("invalid hasToken")
		}
		criteria.HasToken = &v
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return criteria, errors.NewBadRequestError("invalid limit")
		}
		criteria.Limit = n
	}
	for _, raw := range q["status"] {
		s, err := models.ParseStatus(raw)
		if err != nil {
			return criteria, errors.NewBadRequestError(err.Error())
		}
		criteria.Statuses = append(criteria.Statuses, s)
	}
	return criteria, nil
}
