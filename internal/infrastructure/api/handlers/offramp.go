package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/esogbengastephen/sendapp-offramp/internal/errors"
	http2 "github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/api/http"
	"github.com/esogbengastephen/sendapp-offramp/internal/usecases/dtos"
	"github.com/esogbengastephen/sendapp-offramp/internal/usecases/interactor"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type OfframpHandler struct {
	interactor *interactor.OfframpInteractor
	logger     *zerolog.Logger
}

func NewOfframpHandler(interactor *interactor.OfframpInteractor) *OfframpHandler {
	logger := log.GetLogger()
	return &OfframpHandler{interactor: interactor, logger: &logger}
}

func (h *OfframpHandler) CreateOfframp(w http.ResponseWriter, r *http.Request) {
	var dto dtos.CreateOfframpDTO
	err := json.NewDecoder(r.Body).Decode(&dto)
	if err != nil {
		h.logger.Error().Err(err).Msg(errors.ErrFailedDecodeRequestBody)
		errors.HandleHTTPError(w, errors.NewBadRequestError(errors.ErrInvalidRequestBody))
		return
	}
	if dto.Amount, err = rawAmount(dto.RawAmount); err != nil {
		h.logger.Error().Err(err).Msg("failed to unmarshal raw amount")
		errors.HandleHTTPError(w, errors.NewBadRequestError("invalid amount"))
		return
	}

	offramp, err := h.interactor.CreateOfframp(r.Context(), &dto)
	if err != nil {
		h.logger.Error().Err(err).Msg(errors.ErrFailedCreateOfframp)
		errors.HandleHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, offramp)
}

func (h *OfframpHandler) GetOfframp(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, http2.TransactionIDParam)

	offramp, err := h.interactor.GetStatus(r.Context(), transactionID)
	if err != nil {
		h.logger.Error().Err(err).Str("transaction_id", transactionID).Msg("failed to get off-ramp")
		errors.HandleHTTPError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, offramp)
}

// rawAmount accepts the amount as a JSON string or number. Absent means no quote.
func rawAmount(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var amount interface{}
	if err := json.Unmarshal(raw, &amount); err != nil {
		return "", err
	}
	switch v := amount.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case float64:
		return string(raw), nil
	default:
		return "", errors.NewBadRequestError("invalid amount")
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
