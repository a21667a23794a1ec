package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/rajbos/copilot-usage-sync/internal/config"
)

// Provider owns the tracing and metrics pipelines for the daemon. All record
// methods are nil-safe so tests can run without observability wired.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promExporter   *prometheus.Exporter
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	syncCycles        *promreg.CounterVec
	syncRowsUploaded  promreg.Counter
	syncCycleDuration promreg.Histogram
	rollupCache       *promreg.CounterVec
	queryCache        *promreg.CounterVec
	httpRequests      *promreg.CounterVec
	httpLatency       *promreg.HistogramVec
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("copilot-usage-sync"),
		),
	)
	if err != nil {
		return nil, err
	}

	if cfg.EnableOTLP {
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{}
		switch {
		case strings.HasPrefix(endpoint, "http://"):
			endpoint = strings.TrimPrefix(endpoint, "http://")
			opts = append(opts, otlptracegrpc.WithInsecure())
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = strings.TrimPrefix(endpoint, "https://")
		default:
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))

		client := otlptracegrpc.NewClient(opts...)
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
		provider.promExporter = promExporter
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
		provider.shutdownFuncs = append(provider.shutdownFuncs, mp.Shutdown)

		syncCycles := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "copilot_usage_sync",
				Name:      "cycles_total",
				Help:      "Sync cycles by outcome.",
			},
			[]string{"result"},
		)
		rowsUploaded := promreg.NewCounter(
			promreg.CounterOpts{
				Namespace: "copilot_usage_sync",
				Name:      "rows_uploaded_total",
				Help:      "Aggregate rows upserted to the remote table.",
			},
		)
		cycleDuration := promreg.NewHistogram(
			promreg.HistogramOpts{
				Namespace: "copilot_usage_sync",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of full sync cycles.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)
		rollupCache := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "copilot_usage_sync",
				Name:      "session_cache_lookups_total",
				Help:      "Session file cache lookups during rollup computation.",
			},
			[]string{"outcome"},
		)
		queryCache := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "copilot_usage_sync",
				Name:      "query_cache_lookups_total",
				Help:      "Aggregate query cache lookups.",
			},
			[]string{"outcome"},
		)
		httpRequests := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "copilot_usage_sync",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed.",
			},
			[]string{"method", "route", "status"},
		)
		httpLatency := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "copilot_usage_sync",
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route", "status"},
		)
		for _, collector := range []promreg.Collector{syncCycles, rowsUploaded, cycleDuration, rollupCache, queryCache, httpRequests, httpLatency} {
			if err := registry.Register(collector); err != nil {
				return nil, err
			}
		}
		provider.syncCycles = syncCycles
		provider.syncRowsUploaded = rowsUploaded
		provider.syncCycleDuration = cycleDuration
		provider.rollupCache = rollupCache
		provider.queryCache = queryCache
		provider.httpRequests = httpRequests
		provider.httpLatency = httpLatency
	}

	return provider, nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

// RecordSyncCycle counts one finished cycle with its outcome and duration.
func (p *Provider) RecordSyncCycle(result string, duration time.Duration, rows int) {
	if p == nil {
		return
	}
	if p.syncCycles != nil {
		p.syncCycles.WithLabelValues(result).Inc()
	}
	if p.syncCycleDuration != nil {
		p.syncCycleDuration.Observe(duration.Seconds())
	}
	if p.syncRowsUploaded != nil && rows > 0 {
		p.syncRowsUploaded.Add(float64(rows))
	}
}

// RecordRollupCache counts session-cache hits and misses for one computation.
func (p *Provider) RecordRollupCache(hits, misses int) {
	if p == nil || p.rollupCache == nil {
		return
	}
	if hits > 0 {
		p.rollupCache.WithLabelValues("hit").Add(float64(hits))
	}
	if misses > 0 {
		p.rollupCache.WithLabelValues("miss").Add(float64(misses))
	}
}

// RecordQueryCache counts one aggregate-query cache lookup.
func (p *Provider) RecordQueryCache(hit bool) {
	if p == nil || p.queryCache == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	p.queryCache.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest counts one handled HTTP request.
func (p *Provider) RecordHTTPRequest(_ context.Context, method, route string, status int, duration time.Duration) {
	if p == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	if p.httpRequests != nil {
		p.httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	}
	if p.httpLatency != nil {
		p.httpLatency.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
	}
}
