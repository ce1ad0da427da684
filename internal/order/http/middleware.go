package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-orders/observability/metrics"
)

// instrument wraps every request in a server span and records the request,
// response and latency instruments. The endpoint tag is the route pattern,
// e.g. "get/orders/{id}".
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := h.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := h.tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		endpoint := strings.ToLower(r.Method) + pattern

		span.SetName(r.Method + " " + pattern)
		span.SetAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("http.route", pattern),
			attribute.Int("http.response.status_code", status),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		h.recorder.Count(ctx, metrics.HTTPRequestTotal, attribute.String("endpoint", endpoint))
		h.recorder.Count(ctx, metrics.HTTPResponseTotal, attribute.String("status", strconv.Itoa(status)))
		h.recorder.Observe(ctx, metrics.ResponseTimeMs, float64(time.Since(start).Microseconds())/1000.0,
			attribute.String("endpoint", endpoint))
	})
}
