package api

import (
	"customer-import/internal/api/handler"
	mw "customer-import/internal/api/middleware"
	"customer-import/internal/config"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter builds the HTTP API. runs may be nil when no run journal is
// configured. The returned func releases background resources.
func SetupRouter(runner handler.ImportRunner, runs handler.RunFinder, cfg *config.Config, logger *slog.Logger) (*chi.Mux, func()) {
	router := chi.NewRouter()

	limiter := setupMiddleware(router, cfg, logger)
	setupMetricsEndpoint(router, cfg, logger)
	setupAuthRoutes(router, cfg, logger)
	setupImportRoutes(router, cfg, runner, runs, logger)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return router, limiter.Close
}

func setupMiddleware(router *chi.Mux, cfg *config.Config, logger *slog.Logger) *mw.RateLimiterMiddleware {
	limiter := mw.NewRateLimiterMiddleware(cfg.Server.RateLimit, logger)
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(mw.StructuredLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Compress(5))
	router.Use(limiter.Middleware)
	router.Use(mw.MetricsMiddleware())
	return limiter
}

func setupMetricsEndpoint(router *chi.Mux, cfg *config.Config, logger *slog.Logger) {
	metricsPath := cfg.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	logger.Info("Setting up Prometheus metrics endpoint", "path", metricsPath)
	router.Handle(metricsPath, promhttp.Handler())
}

func setupAuthRoutes(router *chi.Mux, cfg *config.Config, logger *slog.Logger) {
	authHandler := handler.NewAuthHandler(cfg.Server.Auth, logger)
	router.Route("/auth", func(r chi.Router) {
		r.Post("/token", authHandler.GenerateBearerToken)
	})
}

func setupImportRoutes(router *chi.Mux, cfg *config.Config, runner handler.ImportRunner, runs handler.RunFinder, logger *slog.Logger) {
	h := handler.NewImportHandler(runner, runs, cfg.Server.MaxUploadMB, logger)

	router.Route("/imports", func(r chi.Router) {
		r.Use(mw.AuthMiddleware(cfg.Server.Auth, logger))
		r.Post("/", h.ImportCustomers)
		r.Get("/{runID}", h.GetImport)
	})
}
