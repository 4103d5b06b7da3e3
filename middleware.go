package oauth

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/giantswarm/oauth-provider/security"
)

// Endpoint names used in metrics, spans and rate limit events
const (
	endpointToken         = "token"
	endpointAuthorization = "authorization"
	endpointError         = "error"
	endpointDiscovery     = "discovery"
	endpointJWKS          = "jwks"
)

// statusRecorder wraps http.ResponseWriter to capture the response status
type statusRecorder struct {
	http.ResponseWriter
	status        int
	headerWritten bool
}

func (rw *statusRecorder) WriteHeader(status int) {
	if rw.headerWritten {
		return
	}
	rw.headerWritten = true
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *statusRecorder) Write(data []byte) (int, error) {
	if !rw.headerWritten {
		rw.headerWritten = true
		rw.status = http.StatusOK
	}
	return rw.ResponseWriter.Write(data)
}

// instrument records request count and duration for endpoint
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		h.recordHTTPMetrics(r, endpoint, rec.status, start)
	})
}

// wrap applies the standard middleware chain: request ID, otel HTTP spans, metrics
func (h *Handler) wrap(endpoint string, next http.HandlerFunc) http.Handler {
	handler := otelhttp.NewHandler(h.instrument(endpoint, next), "oauth.http."+endpoint,
		otelhttp.WithTracerProvider(h.server.Instrumentation.TracerProvider()),
		otelhttp.WithMeterProvider(h.server.Instrumentation.MeterProvider()),
	)
	return security.RequestIDMiddleware(handler)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint string, status int, startTime time.Time) {
	duration := float64(time.Since(startTime).Microseconds()) / 1000
	h.server.Instrumentation.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status, duration)
}
