// Package http exposes the order service over a chi router with JSON:API
// style bodies.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-orders/health"
	"github.com/glimte/mmate-orders/internal/order/application"
	"github.com/glimte/mmate-orders/internal/order/domain"
	"github.com/glimte/mmate-orders/internal/order/store"
	"github.com/glimte/mmate-orders/internal/rabbitmq"
	"github.com/glimte/mmate-orders/observability/metrics"
)

// DefaultSendMessage is published by POST /send when the body is empty
const DefaultSendMessage = "Achat de 5 bananes"

const maxBodyBytes = 1 << 20

type Handler struct {
	log        *slog.Logger
	service    *application.Service
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	recorder   metrics.Recorder
	health     *health.Registry
}

// Option configures the handler
type Option func(*Handler)

// WithRecorder sets the metrics sink
func WithRecorder(recorder metrics.Recorder) Option {
	return func(h *Handler) { h.recorder = recorder }
}

// WithHealth mounts the registry at /healthcheck
func WithHealth(registry *health.Registry) Option {
	return func(h *Handler) { h.health = registry }
}

// WithTracerProvider sets the provider used for server spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Handler) { h.tracer = tp.Tracer("order-http") }
}

func NewHandler(log *slog.Logger, service *application.Service, opts ...Option) *Handler {
	h := &Handler{
		log:        log,
		service:    service,
		tracer:     otel.Tracer("order-http"),
		propagator: otel.GetTextMapPropagator(),
		recorder:   metrics.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "OK")
	})
	if h.health != nil {
		r.Method(http.MethodGet, "/healthcheck", health.NewHandler(h.health, 5*time.Second))
	}
	r.Post("/send", h.send)

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", h.listOrders)
		r.Get("/complete", h.listCompleted)
		r.Get("/{id}", h.getOrder)
		r.Post("/", h.createOrder)
		r.Put("/{id}", h.updateOrder)
		r.Delete("/{id}", h.deleteOrder)
	})
	return r
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	h.log.Info("ask for all orders")
	orders, err := h.service.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewCollection(orders))
}

func (h *Handler) listCompleted(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListCompleted(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewCollection(orders))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewDocument(domain.FromOrder(o)))
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	dto, ok := h.decode(w, r)
	if !ok {
		return
	}
	o, err := h.service.Create(r.Context(), dto)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	created := domain.FromOrder(o)
	w.Header().Set("Location", "/orders/"+created.ID)
	writeJSON(w, http.StatusCreated, domain.NewDocument(created))
}

func (h *Handler) updateOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := domain.ParseID(id); err != nil {
		h.fail(w, r, err)
		return
	}
	dto, ok := h.decode(w, r)
	if !ok {
		return
	}
	o, err := h.service.Update(r.Context(), id, dto)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewDocument(domain.FromOrder(o)))
}

func (h *Handler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	message := strings.TrimSpace(string(raw))
	if message == "" {
		message = DefaultSendMessage
	}

	if err := h.service.Send(r.Context(), message); err != nil {
		if errors.Is(err, application.ErrNoSender) || rabbitmq.KindOf(err) == rabbitmq.KindConnectivity {
			h.log.Error("failed to reach the broker", "error", err)
			writeError(w, http.StatusServiceUnavailable, "broker unavailable")
			return
		}
		h.log.Error("send message failed", "error", err)
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "message sent: " + message})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (domain.OrderDTO, bool) {
	var dto domain.OrderDTO
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return dto, false
	}
	return dto, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "Invalid ObjectId format.")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	default:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorObject struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string][]errorObject{
		"errors": {{Status: strconv.Itoa(status), Detail: detail}},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
