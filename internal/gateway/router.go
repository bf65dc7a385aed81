package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpmiddleware "github.com/zapclinic/platform/internal/http/middleware"
	"github.com/zapclinic/platform/pkg/logging"
)

// RouterConfig holds gateway router configuration.
type RouterConfig struct {
	Logger         *logging.Logger
	Handler        *Handler
	MetricsHandler http.Handler
}

// NewRouter creates the gateway's Chi router with all routes configured.
func NewRouter(cfg *RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", cfg.Handler.HealthCheck)
	r.Get("/status", cfg.Handler.Status)
	r.Get("/qrcode", cfg.Handler.QRCode)
	r.Post("/send", cfg.Handler.Send)
	r.Post("/disconnect", cfg.Handler.Disconnect)
	r.Post("/reset", cfg.Handler.Reset)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	return r
}
