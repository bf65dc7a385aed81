package coordinator

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpmiddleware "github.com/zapclinic/platform/internal/http/middleware"
	"github.com/zapclinic/platform/pkg/logging"
)

// RouterConfig holds coordinator router configuration.
type RouterConfig struct {
	Logger         *logging.Logger
	Handler        *Handler
	MetricsHandler http.Handler
}

// NewRouter creates the coordinator's Chi router with all routes configured.
func NewRouter(cfg *RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1/wa/sessions/{session}", func(r chi.Router) {
		r.Get("/", cfg.Handler.Status)
		r.Get("/qr", cfg.Handler.PairingQR)
		r.Post("/messages", cfg.Handler.SendMessage)
		r.Post("/disconnect", cfg.Handler.Disconnect)
		r.Post("/reset", cfg.Handler.Reset)
	})

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	return r
}
