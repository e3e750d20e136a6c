// Package telemetry unifies OpenTelemetry tracing (Google Cloud) and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/JakeFAU/sukta/internal/config"
)

var (
	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sukta_sessions_total",
			Help: "Session lifecycle events, labeled by status reached.",
		},
		[]string{"status"},
	)

	questionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sukta_questions_total",
			Help: "Question lifecycle events, labeled by status reached.",
		},
		[]string{"status"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sukta_jobs_total",
			Help: "Jobs handled by workers, labeled by kind and settlement.",
		},
		[]string{"kind", "result"},
	)

	activeWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sukta_active_workers",
			Help: "Number of workers currently processing a job.",
		},
		[]string{"kind"},
	)

	externalCallSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sukta_external_call_duration_seconds",
			Help:    "Latency of calls to external services, labeled by call and result.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"call", "result"},
	)

	pagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sukta_pages_fetched_total",
			Help: "Pages fetched for sessions, labeled by site and renderer.",
		},
		[]string{"site", "renderer"},
	)

	queueOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sukta_queue_operations_total",
			Help: "Queue operations, labeled by queue, operation, and result.",
		},
		[]string{"queue", "op", "result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	meterProv *metric.MeterProvider
	initErr   error
)

// InitTelemetry sets up tracing (Google Cloud Trace when a project is set) and
// bridges OpenTelemetry metrics onto the default Prometheus registry.
func InitTelemetry(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, *metric.MeterProvider, error) {
	initOnce.Do(func() {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.Telemetry.ServiceName),
				semconv.ServiceVersion(cfg.Telemetry.Version),
			),
		)
		if err != nil {
			initErr = fmt.Errorf("create resource: %w", err)
			return
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.Telemetry.SampleRatio)),
		}
		if cfg.Telemetry.ProjectID != "" {
			exporter, err := texporter.New(texporter.WithProjectID(cfg.Telemetry.ProjectID))
			if err != nil {
				initErr = fmt.Errorf("create google trace exporter: %w", err)
				return
			}
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}

		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)

		promExporter, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
		if err != nil {
			initErr = fmt.Errorf("create prometheus exporter: %w", err)
			return
		}
		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(promExporter),
		)
		otel.SetMeterProvider(mp)
		traceProv = tp
		meterProv = mp
	})
	return traceProv, meterProv, initErr
}

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeSite extracts the hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveSession records a session reaching status.
func ObserveSession(status string) {
	sessionsTotal.WithLabelValues(status).Inc()
}

// ObserveQuestion records a question reaching status.
func ObserveQuestion(status string) {
	questionsTotal.WithLabelValues(status).Inc()
}

// ObserveJob records how a worker settled a job.
func ObserveJob(kind, result string) {
	jobsTotal.WithLabelValues(kind, result).Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers(kind string) {
	activeWorkers.WithLabelValues(kind).Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers(kind string) {
	activeWorkers.WithLabelValues(kind).Dec()
}

// ObserveExternalCall records the latency of a fetch or generation call.
func ObserveExternalCall(call string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	externalCallSeconds.WithLabelValues(call, result).Observe(duration.Seconds())
}

// ObservePage records a fetched page.
func ObservePage(site string, headless bool) {
	renderer := "http"
	if headless {
		renderer = "headless"
	}
	pagesTotal.WithLabelValues(SanitizeSite(site), renderer).Inc()
}

// ObserveQueueOp records a queue operation.
func ObserveQueueOp(queue, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	queueOpsTotal.WithLabelValues(queue, op, result).Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
