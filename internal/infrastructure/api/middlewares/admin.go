package middlewares

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/esogbengastephen/sendapp-offramp/pkg/log"
)

// AdminTokenMiddleware requires "Authorization: Bearer <token>". An empty token refuses
// every request, so admin routes are closed unless explicitly configured.
func AdminTokenMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := log.GetLogger()

			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				logger.Warn().Str("path", r.URL.Path).Msg(errors.ErrUnauthorized)
				errors.HandleHTTPError(w, errors.NewUnauthorizedError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
