// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires the OpenTelemetry SDK and serves run status.
//
// Init installs global tracer and meter providers so the spans and
// instruments created by the search, orchestrator and environment packages
// reach an exporter. Every span and metric carries the identity of the
// prover run that produced it: mode, search strategy, devices, oracle
// model and proof project. Prometheus collectors registered with promauto
// are scraped from the same /metrics endpoint the status server exposes.
//
// Exporters are chosen by configuration or by the standard variables:
//
//   - OTEL_TRACES_EXPORTER: otlp, stdout or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout or none (default: prometheus)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP gRPC endpoint (default: localhost:4317)
//   - PROVER_ENV: deployment environment name (default: development)
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	// ErrNilContext is returned by Init when ctx is nil.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnknownExporter is returned for an unrecognized exporter name.
	ErrUnknownExporter = errors.New("unknown exporter")
)

// Exporter names shared by traces and metrics.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// Config controls which exporters Init installs.
type Config struct {
	ServiceName    string `json:"service_name" yaml:"service_name"`
	ServiceVersion string `json:"service_version" yaml:"service_version"`
	Environment    string `json:"environment" yaml:"environment"`

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=otlp stdout none"`

	// MetricExporter is "prometheus", "stdout" or "none".
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`

	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure bool   `json:"otlp_insecure" yaml:"otlp_insecure"`

	// SearchSampleRatio is the fraction of declaration searches traced. A
	// long batch opens one span per declaration and one per environment
	// round-trip, so full sampling is only sensible for short runs.
	SearchSampleRatio float64 `json:"search_sample_ratio" yaml:"search_sample_ratio" validate:"gte=0,lte=1"`

	// StdoutInterval is how often the stdout metric exporter prints.
	StdoutInterval time.Duration `json:"stdout_interval" yaml:"stdout_interval"`
}

// DefaultConfig returns the settings for a local run. Tracing is off
// unless OTEL_TRACES_EXPORTER asks for it; a batch run on a GPU box
// rarely has a collector next to it.
func DefaultConfig() Config {
	return Config{
		ServiceName:       "aleutian-prover",
		ServiceVersion:    "1.0.0",
		Environment:       envOr("PROVER_ENV", "development"),
		TraceExporter:     envOr("OTEL_TRACES_EXPORTER", ExporterNone),
		MetricExporter:    envOr("OTEL_METRICS_EXPORTER", ExporterPrometheus),
		OTLPEndpoint:      envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:      true,
		SearchSampleRatio: 1,
		StdoutInterval:    time.Minute,
	}
}

// Run identifies the prover run whose telemetry is exported.
type Run struct {
	// Mode is the run mode: batch, pipeline or single.
	Mode string

	// Strategy is the configured search strategy.
	Strategy string

	// Devices lists the compute slot of every worker.
	Devices []string

	// Model is the oracle's model name.
	Model string

	// Project is the proof project root the environment runs in.
	Project string

	// Toolchain is the project's pinned prover toolchain, if known.
	Toolchain string
}

// Attributes returns the resource attributes describing r. Empty fields
// are left out.
func (r Run) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	add("prover.run.mode", r.Mode)
	add("prover.search.strategy", r.Strategy)
	add("prover.oracle.model", r.Model)
	add("prover.project.root", r.Project)
	add("prover.project.toolchain", r.Toolchain)
	if len(r.Devices) > 0 {
		attrs = append(attrs,
			attribute.StringSlice("prover.run.devices", r.Devices),
			attribute.Int("prover.run.workers", len(r.Devices)),
		)
	}
	return attrs
}

// Resource builds the resource every provider reports: the service
// identity, the host and process, and the run.
func Resource(cfg Config, run Run) *resource.Resource {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.Int("process.pid", os.Getpid()),
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, attribute.String("host.name", host))
	}
	attrs = append(attrs, run.Attributes()...)
	return resource.NewWithAttributes("", attrs...)
}

// Init installs the global tracer and meter providers.
//
// Description:
//
//	Builds the run's resource, then a TracerProvider and a MeterProvider
//	for the selected exporters. Either may be "none", in which case the
//	otel no-op provider stays in place. Traces are sampled per root span
//	at SearchSampleRatio; child spans follow their parent's decision so a
//	sampled declaration is exported whole.
//
// Inputs:
//
//	ctx - Used for exporter connections.
//	cfg - Exporter selection. Use DefaultConfig() for local runs.
//	run - Identity of this prover run.
//
// Outputs:
//
//	shutdown - Flushes and stops every installed provider. Must be called.
//	error - Non-nil if an exporter could not be created.
//
// Thread Safety: Call once at startup.
func Init(ctx context.Context, cfg Config, run Run) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	res := Resource(cfg, run)

	var stops []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for i := len(stops) - 1; i >= 0; i-- {
			errs = append(errs, stops[i](ctx))
		}
		return errors.Join(errs...)
	}

	if cfg.TraceExporter != ExporterNone {
		exporter, err := newSpanExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		tp := trace.NewTracerProvider(
			trace.WithBatcher(exporter),
			trace.WithResource(res),
			trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.SearchSampleRatio))),
		)
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}

	if cfg.MetricExporter != ExporterNone {
		reader, err := newMetricReader(cfg)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader))
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}

	return shutdown, nil
}

// newSpanExporter creates the exporter named by cfg.TraceExporter.
func newSpanExporter(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
	switch cfg.TraceExporter {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return nil, fmt.Errorf("%w: trace exporter %q (want one of %v)", ErrUnknownExporter, cfg.TraceExporter, traceExporters)
}

// newMetricReader creates the reader for cfg.MetricExporter. The
// prometheus reader feeds the default registry that MetricsHandler
// serves; the stdout reader prints every StdoutInterval.
func newMetricReader(cfg Config) (metric.Reader, error) {
	switch cfg.MetricExporter {
	case ExporterPrometheus:
		reader, err := promexporter.New()
		if err != nil {
			return nil, err
		}
		metricsHandlerMu.Lock()
		metricsHandler = promhttp.Handler()
		metricsHandlerMu.Unlock()
		return reader, nil
	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		interval := cfg.StdoutInterval
		if interval <= 0 {
			interval = time.Minute
		}
		return metric.NewPeriodicReader(exporter, metric.WithInterval(interval)), nil
	}
	return nil, fmt.Errorf("%w: metric exporter %q (want one of %v)", ErrUnknownExporter, cfg.MetricExporter, metricExporters)
}

var (
	traceExporters  = sorted(ExporterNone, ExporterOTLP, ExporterStdout)
	metricExporters = sorted(ExporterNone, ExporterPrometheus, ExporterStdout)
)

func sorted(names ...string) []string {
	sort.Strings(names)
	return names
}

var (
	metricsHandler   http.Handler
	metricsHandlerMu sync.RWMutex
)

// MetricsHandler returns the /metrics handler. It serves the default
// Prometheus registry, which holds the promauto collectors of the search,
// environment and orchestrator packages and, once the prometheus exporter
// is installed, the otel instruments too.
//
// Thread Safety: Safe for concurrent use.
func MetricsHandler() http.Handler {
	metricsHandlerMu.RLock()
	defer metricsHandlerMu.RUnlock()
	if metricsHandler == nil {
		return promhttp.Handler()
	}
	return metricsHandler
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
