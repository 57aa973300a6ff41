package handlers

import (
	"io/fs"
	"net/http"

	"go.uber.org/zap"

	"github.com/Brownie44l1/brain-tumor-api/internal/metrics"
)

// SetupRoutes registers the page, its static assets, the health probe and
// the metrics endpoint, and wraps the mux with the middleware chain.
func SetupRoutes(h *Handler, m *metrics.Collectors, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))

	mux.HandleFunc("GET /{$}", h.Index)
	mux.HandleFunc("POST /{$}", h.Classify)
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", m.Handler())

	return pageChain(h, m, log)(mux)
}

// pageChain logs and counts every request, including ones that panic.
func pageChain(h *Handler, m *metrics.Collectors, log *zap.Logger) Middleware {
	return Chain(
		LoggerMiddleware(log),
		MetricsMiddleware(m),
		RecoveryMiddleware(log, h.Panicked),
	)
}
