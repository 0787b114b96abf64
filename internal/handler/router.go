package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"qkd-key-manager/config"
	"qkd-key-manager/internal/middleware"
)

// RouterDeps はルーターが必要とする依存。
type RouterDeps struct {
	Keys        *KeyHandler
	Envelopes   *EnvelopeHandler
	Metrics     http.Handler
	RateLimited middleware.RateLimitObserver
}

// NewRouter はルーターを生成する。
func NewRouter(deps RouterDeps, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, deps.RateLimited))

		r.Route("/v1/keys", func(r chi.Router) {
			r.Post("/", deps.Keys.RequestKey)
			r.Get("/", deps.Keys.ListKeys)
			r.Get("/{key_id}", deps.Keys.GetKey)
			r.Post("/{key_id}/consume", deps.Keys.ConsumeKey)
			r.Get("/{key_id}/usage", deps.Keys.UsageHistory)
		})

		r.Route("/v1/envelopes", func(r chi.Router) {
			r.Post("/seal", deps.Envelopes.Seal)
			r.Post("/open", deps.Envelopes.Open)
		})
	})

	if cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName)
	}
	return r
}
