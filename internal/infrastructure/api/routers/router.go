package routers

import (
	"fmt"

	"github.com/esogbengastephen/sendapp-offramp/internal/di"
	http2 "github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/api/http"
	"github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/api/middlewares"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(container *di.Container) *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", container.HealthHandler.Health)
	router.Handle("/metrics", promhttp.Handler())

	// Set up v1 routes with a path prefix
	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/offramps", func(r chi.Router) {
			oh := container.OfframpHandler
			r.Post("/", oh.CreateOfframp)
			r.With(middlewares.TransactionIDValidationMiddleware).
				Get(fmt.Sprintf("/{%s}", http2.TransactionIDParam), oh.GetOfframp)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Use(middlewares.SignatureValidationMiddleware(container.Verifier, container.SignatureHeader))
			r.Post("/deposits", container.DepositWebhookHandler.HandleDeposit)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middlewares.AdminTokenMiddleware(container.AdminToken))
			ah := container.AdminHandler
			r.Route(fmt.Sprintf("/offramps/{%s}", http2.TransactionIDParam), func(r chi.Router) {
				r.Use(middlewares.TransactionIDValidationMiddleware)
				r.Post("/refund", ah.Refund)
			})
			r.Post(fmt.Sprintf("/recovery/{%s}", http2.RecoveryJobParam), ah.RunRecovery)
		})
	})

	return router
}
