package observability

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records request count, duration, and in-flight
// gauge for every request passing through next, and opens a span per
// request when a tracer is given. Nil metrics and nil tracer return
// next unwrapped.
func HTTPMetricsMiddleware(m *HTTPMetrics, tracer trace.Tracer, next http.Handler) http.Handler {
	if m == nil && tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if tracer != nil {
			var span trace.Span
			ctx, span = tracer.Start(ctx, "http.request",
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.path", r.URL.Path),
				))
			defer span.End()
			r = r.WithContext(ctx)
		}

		start := time.Now()
		if m != nil {
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if tracer != nil {
			trace.SpanFromContext(ctx).SetAttributes(
				attribute.Int("http.status_code", rec.status),
			)
		}
		if m != nil {
			m.RequestsTotal.WithLabelValues(
				r.Method,
				r.URL.Path,
				strconv.Itoa(rec.status),
			).Inc()
			m.RequestDuration.WithLabelValues(
				r.Method,
				r.URL.Path,
			).Observe(time.Since(start).Seconds())
		}
	})
}
