// Package handler is the thin HTTP layer over the subscription service. It
// delegates to the service without embedding business logic so transport
// concerns stay isolated.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"optin/internal/platform/metrics"
	"optin/internal/platform/middleware"
	"optin/pkg/domainerrors"
)

const maxBodyBytes = 4 << 10

// Service is the subscription lifecycle surface the handler needs.
type Service interface {
	Subscribe(ctx context.Context, email, siteID string) error
	Confirm(ctx context.Context, email, subscriberID, siteID, token string) error
	SiteCounts(ctx context.Context, siteID string) (confirmed, pending int64, err error)
}

type Handler struct {
	logger  *slog.Logger
	service Service
	metrics *metrics.Metrics
}

func New(service Service, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{logger: logger, service: service, metrics: m}
}

// Router wires all public endpoints.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(h.logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(h.logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.CORS)

	r.Put("/subscribe", h.timed("/subscribe", h.handleSubscribe))
	r.Post("/confirm", h.timed("/confirm", h.handleConfirm))
	r.Get("/subscribers/count", h.timed("/subscribers/count", h.handleCount))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (h *Handler) timed(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		h.metrics.ObserveRequest(route, time.Since(start).Seconds())
	}
}

type subscribeRequest struct {
	Email string `json:"email"`
	Site  string `json:"siteId"`
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.service.Subscribe(r.Context(), req.Email, req.Site); err != nil {
		h.writeError(w, r, err)
		return
	}
	// Accepted covers both a brand-new signup and a refresh of a pending
	// one; the caller cannot tell which, on purpose.
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending confirmation"})
}

type confirmRequest struct {
	Email        string `json:"email,omitempty"`
	SubscriberID string `json:"subscriberId,omitempty"`
	Site         string `json:"siteId"`
	Token        string `json:"token"`
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.service.Confirm(r.Context(), req.Email, req.SubscriberID, req.Site, req.Token); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	confirmed, pending, err := h.service.SiteCounts(r.Context(), r.URL.Query().Get("site"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"confirmed": confirmed,
		"pending":   pending,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   string(domainerrors.CodeValidation),
			"message": "invalid request body",
		})
		return false
	}
	return true
}

// writeError translates domain error codes to HTTP responses in one place so
// every route reports failures with the same envelope.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domainerrors.CodeOf(err)
	if code == domainerrors.CodeInternal || code == domainerrors.CodeUnavailable {
		h.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetRequestID(r.Context()),
			"error", err,
		)
	}
	message := "request failed"
	var de *domainerrors.Error
	if errors.As(err, &de) {
		message = de.Message
	}
	writeJSON(w, domainerrors.ToHTTPStatus(code), map[string]string{
		"error":   string(code),
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
