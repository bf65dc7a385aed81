package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zapclinic/platform/internal/wasession"
	"github.com/zapclinic/platform/pkg/logging"
)

// Handler exposes the coordinator's session endpoints to clinic callers.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// PairingResponse answers GET /wa/sessions/{session}/qr.
type PairingResponse struct {
	Connected   bool   `json:"connected"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	QRCode      string `json:"qrCode,omitempty"`
}

// StatusResponse answers GET /wa/sessions/{session}.
type StatusResponse struct {
	Connected   bool   `json:"connected"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Status      string `json:"status"`
}

// SendMessageRequest is the body of POST /wa/sessions/{session}/messages.
type SendMessageRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

// ErrorResponse carries the failure class to the caller: retryable failures
// (timeouts, transient disconnects) should be retried with backoff; the rest
// need operator action such as a new pairing.
type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// PairingQR handles GET /wa/sessions/{session}/qr. The request may be held
// for up to the poll ceiling while the pairing code is generated.
func (h *Handler) PairingQR(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")

	result, err := h.service.GetPairingQR(r.Context(), session)
	if err != nil {
		h.respondError(w, r, session, "get pairing qr", err)
		return
	}
	h.respondJSON(w, http.StatusOK, PairingResponse{
		Connected:   result.Connected,
		PhoneNumber: result.PhoneNumber,
		QRCode:      result.QRCode,
	})
}

// Status handles GET /wa/sessions/{session}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")

	status, err := h.service.Status(r.Context(), session)
	if err != nil {
		h.respondError(w, r, session, "status", err)
		return
	}
	h.respondJSON(w, http.StatusOK, StatusResponse{
		Connected:   status.Connected,
		PhoneNumber: status.PhoneNumber,
		Status:      string(status.Status),
	})
}

// SendMessage handles POST /wa/sessions/{session}/messages.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := h.service.Send(r.Context(), session, req.Number, req.Message); err != nil {
		h.respondError(w, r, session, "send message", err)
		return
	}
	h.respondJSON(w, http.StatusOK, successResponse{Success: true})
}

// Disconnect handles POST /wa/sessions/{session}/disconnect.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	if err := h.service.Disconnect(r.Context(), session); err != nil {
		h.respondError(w, r, session, "disconnect", err)
		return
	}
	h.respondJSON(w, http.StatusOK, successResponse{Success: true})
}

// Reset handles POST /wa/sessions/{session}/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	if err := h.service.Reset(r.Context(), session); err != nil {
		h.respondError(w, r, session, "reset", err)
		return
	}
	h.respondJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, session, op string, err error) {
	retryable := wasession.Retryable(err)
	switch {
	case errors.Is(err, wasession.ErrInvalidSessionName):
		h.respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid session name"})
	case errors.Is(err, wasession.ErrQRTimeout):
		h.respondJSON(w, http.StatusGatewayTimeout, ErrorResponse{Error: "pairing timed out", Retryable: true})
	case errors.Is(err, wasession.ErrNotConnected):
		h.respondJSON(w, http.StatusConflict, ErrorResponse{Error: "session not connected", Retryable: retryable})
	case errors.Is(err, wasession.ErrLoggedOut):
		h.respondJSON(w, http.StatusConflict, ErrorResponse{Error: "session logged out, new pairing required"})
	case errors.Is(err, context.Canceled):
		// Caller went away mid-wait; nothing useful to write.
	default:
		h.logger.Error(op+" failed", "session", session, "error", err)
		h.respondJSON(w, http.StatusBadGateway, ErrorResponse{Error: "gateway unavailable", Retryable: true})
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}
