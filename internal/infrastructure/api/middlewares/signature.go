package middlewares

import (
	"bytes"
	"io"
	"net/http"

	"github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/internal/metrics"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
	"github.com/esogbengastephen/sendapp-offramp/pkg/signature"
)

// maxWebhookBody bounds how much of a webhook body is read before verification.
const maxWebhookBody = 1 << 20

// SignatureValidationMiddleware rejects requests whose signature header does not verify
// against the raw body. The body is restored for the next handler.
func SignatureValidationMiddleware(verifier *signature.Verifier, header string) func(next http.Handler) http.Handler {
	m := metrics.Pipeline()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := log.GetLogger()

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
			if err != nil {
				logger.Error().Err(err).Msg(errors.ErrFailedDecodeRequestBody)
				m.ObserveWebhook("bad_body")
				errors.HandleHTTPError(w, errors.NewBadRequestError(errors.ErrInvalidRequestBody))
				return
			}

			if err = verifier.Verify(r.Header.Get(header), r.Header, body); err != nil {
				logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg(errors.ErrSignatureRejected)
				m.ObserveWebhook("bad_signature")
				errors.HandleHTTPError(w, errors.NewUnauthorizedError())
				return
			}
			m.ObserveWebhook("verified")

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
