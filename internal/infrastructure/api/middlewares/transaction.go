package middlewares

import (
	"net/http"
	"strings"

	"github.com/esogbengastephen/sendapp-offramp/internal/errors"
	http2 "github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/api/http"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// TransactionIDValidationMiddleware validates the transaction id path parameter.
func TransactionIDValidationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := log.GetLogger()
		transactionID := strings.TrimSpace(chi.URLParam(r, http2.TransactionIDParam))
		if transactionID == "" {
			logger.Error().Msg(errors.ErrTransactionIDRequired)
			errors.HandleHTTPError(w, errors.NewBadRequestError(errors.ErrTransactionIDRequired))
			return
		}

		if _, err := uuid.Parse(transactionID); err != nil {
			logger.Error().Str("transaction_id", transactionID).Msg(errors.ErrInvalidTransactionID)
			errors.HandleHTTPError(w, errors.NewBadRequestError(errors.ErrInvalidTransactionID))
			return
		}

		next.ServeHTTP(w, r)
	})
}
