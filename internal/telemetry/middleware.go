package telemetry

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ApiTelemetry provides telemetry for the engine's HTTP surface
type ApiTelemetry struct {
	meter metric.Meter

	requestCounter    metric.Int64Counter
	errorCounter      metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// NewApiTelemetry creates a new instance of ApiTelemetry
func NewApiTelemetry() *ApiTelemetry {
	return &ApiTelemetry{}
}

// InitializeTelemetry sets up the HTTP telemetry instruments
func (t *ApiTelemetry) InitializeTelemetry() error {
	t.meter = otel.Meter("inventory-ops-engine-api")

	var err error

	t.requestCounter, err = t.meter.Int64Counter(
		"inventory_api_requests_total",
		metric.WithDescription("Total number of API requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create request counter: %w", err)
	}

	t.errorCounter, err = t.meter.Int64Counter(
		"inventory_api_errors_total",
		metric.WithDescription("Total number of API errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create error counter: %w", err)
	}

	t.durationHistogram, err = t.meter.Float64Histogram(
		"inventory_api_request_duration_seconds",
		metric.WithDescription("Duration of API requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return nil
}

// responseWriterWrapper captures the status code written by the handler
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for load balancers/proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware returns the HTTP middleware that records request telemetry
func (t *ApiTelemetry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriterWrapper{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)

		if t.requestCounter == nil {
			return
		}

		// Low-cardinality attributes only to prevent metric explosion
		attrs := []attribute.KeyValue{
			attribute.String("method", r.Method),
			attribute.String("endpoint", normalizeEndpoint(r.URL.Path)),
			attribute.Int("status_code", wrapper.statusCode),
		}

		ctx := r.Context()
		t.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		t.durationHistogram.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

		if wrapper.statusCode >= 400 {
			t.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
			slog.Debug("Recorded API request error",
				"method", r.Method,
				"endpoint", r.URL.Path,
				"status_code", wrapper.statusCode,
				"client_ip", getClientIP(r),
				"duration_ms", duration.Milliseconds())
		}
	})
}

// normalizeEndpoint collapses path parameters so endpoint cardinality stays bounded
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		// UUIDs and other identifiers become placeholders
		if len(part) >= 16 {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}
