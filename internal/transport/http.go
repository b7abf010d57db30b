package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig wires the HTTP surface.
type ServerConfig struct {
	// WebSocket serves /ws.
	WebSocket http.Handler
	// MCP serves /mcp and authenticates its own requests; nil disables
	// the admin endpoint.
	MCP http.Handler
	// Auth guards /ws; nil disables authentication.
	Auth func(http.Handler) http.Handler
}

// NewServer creates an HTTP server router with middleware.
func NewServer(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth != nil {
			r.Use(cfg.Auth)
		}
		r.With(DeviceMiddleware).Get("/ws", cfg.WebSocket.ServeHTTP)
	})

	if cfg.MCP != nil {
		r.Handle("/mcp", cfg.MCP)
		r.Handle("/mcp/*", cfg.MCP)
	}

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
