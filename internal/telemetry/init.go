// Package telemetry bootstraps the engine's ambient observability stack:
// OTel tracing (OTLP export, optional), OTel metrics (always-on local
// Prometheus scrape endpoint, optional additional OTLP push), and
// trace-aware structured logging via slog.
//
// Grounded on codefang's pkg/observability/init.go and
// internal/observability/prometheus.go; see DESIGN.md.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	tracerName = "nebulastream.engine"
	meterName  = "nebulastream.engine"
)

// Providers holds everything a running engine instance needs to observe
// itself.
type Providers struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger *slog.Logger

	// PromHandler serves the local Prometheus registry in the /metrics
	// scrape format; mounting it on an HTTP server is left to the caller
	// (cmd/nes does not serve it).
	PromHandler http.Handler

	// Shutdown flushes pending telemetry and releases exporter resources.
	// Must be called before process exit.
	Shutdown func(ctx context.Context) error
}

// Init wires tracing, metrics and logging from cfg. The local Prometheus
// exporter is always active; OTLP export of both signals is additionally
// enabled when cfg.OTLPEndpoint is set.
func Init(cfg Config) (Providers, error) {
	cfg = cfg.withDefaults()
	ctx := context.Background()

	res, err := buildResource(cfg)
	if err != nil {
		return Providers{}, err
	}

	tp, tpShutdown, err := buildTracerProvider(ctx, cfg, res)
	if err != nil {
		return Providers{}, fmt.Errorf("build tracer provider: %w", err)
	}

	mp, promHandler, mpShutdown, err := buildMeterProvider(ctx, cfg, res)
	if err != nil {
		return Providers{}, errors.Join(fmt.Errorf("build meter provider: %w", err), tpShutdown(ctx))
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger := buildLogger(cfg)

	shutdown := func(shutdownCtx context.Context) error {
		deadlineCtx, cancel := context.WithTimeout(shutdownCtx, time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
		defer cancel()

		return errors.Join(tpShutdown(deadlineCtx), mpShutdown(deadlineCtx))
	}

	return Providers{
		Tracer:      tp.Tracer(tracerName),
		Meter:       mp.Meter(meterName),
		Logger:      logger,
		PromHandler: promHandler,
		Shutdown:    shutdown,
	}, nil
}

func buildResource(cfg Config) (*resource.Resource, error) {
	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}

	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.ServiceVersion)))
	}

	if cfg.Environment != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.DeploymentEnvironment(cfg.Environment)))
	}

	res, err := resource.New(context.Background(), attrs...)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	return res, nil
}

type shutdownFunc func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

func buildTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (trace.TracerProvider, shutdownFunc, error) {
	if cfg.OTLPEndpoint == "" {
		return nooptrace.NewTracerProvider(), noopShutdown, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	if len(cfg.OTLPHeaders) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.OTLPHeaders))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.AlwaysSample())
	if cfg.SampleRatio > 0 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	return tp, tp.Shutdown, nil
}

// buildMeterProvider always attaches a local Prometheus exporter (spec.md
// ambient stack: scrape-based metrics need no external collector to inspect
// a single running engine) and additionally pushes via OTLP when an
// endpoint is configured.
func buildMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) (metric.MeterProvider, http.Handler, shutdownFunc, error) {
	registry := prometheus.NewRegistry()

	promReader, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return noopmetric.NewMeterProvider(), nil, noopShutdown, fmt.Errorf("create prometheus exporter: %w", err)
	}

	readers := []sdkmetric.Option{sdkmetric.WithReader(promReader), sdkmetric.WithResource(res)}

	shutdowns := []shutdownFunc{func(context.Context) error { return nil }}

	if cfg.OTLPEndpoint != "" {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}

		if len(cfg.OTLPHeaders) > 0 {
			opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.OTLPHeaders))
		}

		otlpExporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return noopmetric.NewMeterProvider(), nil, noopShutdown, fmt.Errorf("create otlp metric exporter: %w", err)
		}

		periodic := sdkmetric.NewPeriodicReader(otlpExporter)
		readers = append(readers, sdkmetric.WithReader(periodic))
		shutdowns = append(shutdowns, periodic.Shutdown)
	}

	mp := sdkmetric.NewMeterProvider(readers...)

	shutdown := func(shutdownCtx context.Context) error {
		var errs []error
		for _, s := range shutdowns {
			errs = append(errs, s(shutdownCtx))
		}

		errs = append(errs, mp.Shutdown(shutdownCtx))

		return errors.Join(errs...)
	}

	return mp, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), shutdown, nil
}

func buildLogger(cfg Config) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var inner slog.Handler
	if cfg.LogJSON {
		inner = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	return slog.New(NewTracingHandler(inner, cfg.ServiceName, cfg.Environment))
}
