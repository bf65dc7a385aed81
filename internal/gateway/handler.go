package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/zapclinic/platform/internal/wasession"
	"github.com/zapclinic/platform/pkg/logging"
)

// Handler exposes the gateway's HTTP surface to the coordinator.
type Handler struct {
	registry    *Registry
	logger      *logging.Logger
	qrWait      time.Duration
	healthCheck func(ctx context.Context) error
}

// HandlerOption is a functional option for configuring the Handler.
type HandlerOption func(*Handler)

// WithQRWait bounds how long /qrcode holds a request for the asynchronous QR
// event before answering 408.
func WithQRWait(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.qrWait = d
		}
	}
}

// WithHealthCheck wires the sidecar reachability probe into /health.
func WithHealthCheck(fn func(ctx context.Context) error) HandlerOption {
	return func(h *Handler) { h.healthCheck = fn }
}

func NewHandler(registry *Registry, logger *logging.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{
		registry: registry,
		logger:   logger,
		qrWait:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// StatusResponse answers GET /status.
type StatusResponse struct {
	Connected   bool    `json:"connected"`
	PhoneNumber *string `json:"phoneNumber"`
}

// QRCodeResponse answers GET /qrcode.
type QRCodeResponse struct {
	QRCode    string `json:"qrCode,omitempty"`
	Connected bool   `json:"connected,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SendRequest is the body of POST /send.
type SendRequest struct {
	Session string `json:"session"`
	Number  string `json:"number"`
	Message string `json:"message"`
}

// SuccessResponse is the generic mutation answer.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.healthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.healthCheck(ctx); err != nil {
			h.logger.Warn("sidecar health probe failed", "error", err)
			status = "degraded"
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

// Status handles GET /status?session=<name>.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")
	if err := wasession.ValidateName(session); err != nil {
		h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid-session"})
		return
	}

	state := h.registry.Status(session)
	resp := StatusResponse{Connected: state.Connected}
	if state.PhoneNumber != "" {
		resp.PhoneNumber = &state.PhoneNumber
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// QRCode handles GET /qrcode?sessionName=<name>. It starts pairing when
// needed and holds the request for a bounded window while the transport
// produces the code.
func (h *Handler) QRCode(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("sessionName")
	if err := wasession.ValidateName(session); err != nil {
		h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid-session"})
		return
	}

	result, err := h.registry.StartPairing(r.Context(), session)
	if err != nil {
		h.logger.Error("start pairing failed", "session", session, "error", err)
		h.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "pairing-failed"})
		return
	}

	switch {
	case result.Status == wasession.StatusConnected:
		// The session already holds a live pairing; there is no artifact to
		// serve and the caller is expected to reconcile.
		h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "already-connected"})
		return
	case result.QRCode != "":
		h.respondJSON(w, http.StatusOK, QRCodeResponse{QRCode: result.QRCode})
		return
	}

	waited, err := h.registry.WaitForPairing(r.Context(), session, h.qrWait)
	switch {
	case err == nil && waited.Status == wasession.StatusConnected:
		h.respondJSON(w, http.StatusOK, QRCodeResponse{Connected: true, Message: "session connected"})
	case err == nil:
		h.respondJSON(w, http.StatusOK, QRCodeResponse{QRCode: waited.QRCode})
	case errors.Is(err, wasession.ErrQRTimeout):
		h.respondJSON(w, http.StatusRequestTimeout, errorResponse{Error: "qr-timeout"})
	case errors.Is(err, wasession.ErrNotConnected):
		// The handle vanished mid-wait: another caller tore it down or the
		// dial attempt is being replaced.
		h.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "connecting"})
	case errors.Is(err, context.Canceled):
		// Caller went away; nothing useful to write.
	default:
		h.logger.Error("qr wait failed", "session", session, "error", err)
		h.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "pairing-failed"})
	}
}

// Send handles POST /send.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondJSON(w, http.StatusBadRequest, SuccessResponse{Success: false, Error: "invalid-body"})
		return
	}
	if req.Number == "" || req.Message == "" {
		h.respondJSON(w, http.StatusBadRequest, SuccessResponse{Success: false, Error: "number and message are required"})
		return
	}

	err := h.registry.Send(r.Context(), req.Session, req.Number, req.Message)
	switch {
	case err == nil:
		h.respondJSON(w, http.StatusOK, SuccessResponse{Success: true})
	case errors.Is(err, wasession.ErrInvalidSessionName):
		h.respondJSON(w, http.StatusBadRequest, SuccessResponse{Success: false, Error: "invalid-session"})
	case errors.Is(err, wasession.ErrNotConnected):
		h.respondJSON(w, http.StatusBadRequest, SuccessResponse{Success: false, Error: "not-connected"})
	default:
		h.logger.Error("send failed", "session", req.Session, "error", err)
		h.respondJSON(w, http.StatusInternalServerError, SuccessResponse{Success: false, Error: "send-failed"})
	}
}

// Disconnect handles POST /disconnect?session=<name>.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")
	if err := wasession.ValidateName(session); err != nil {
		h.respondJSON(w, http.StatusBadRequest, SuccessResponse{Success: false, Error: "invalid-session"})
		return
	}
	if err := h.registry.Disconnect(r.Context(), session); err != nil {
		h.logger.Error("disconnect failed", "session", session, "error", err)
		h.respondJSON(w, http.StatusInternalServerError, SuccessResponse{Success: false, Error: "disconnect-failed"})
		return
	}
	h.respondJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// Reset handles POST /reset?session=<name>. Unlike Disconnect, it purges
// credential material and clears the stored phone number.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")
	if err := wasession.ValidateName(session); err != nil {
		h.respondJSON(w, http.StatusBadRequest, SuccessResponse{Success: false, Error: "invalid-session"})
		return
	}
	if err := h.registry.Reset(r.Context(), session); err != nil {
		h.logger.Error("reset failed", "session", session, "error", err)
		h.respondJSON(w, http.StatusInternalServerError, SuccessResponse{Success: false, Error: "reset-failed"})
		return
	}
	h.respondJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}
