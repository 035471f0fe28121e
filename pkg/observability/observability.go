// Package observability instruments the kernel pipeline with OpenTelemetry:
// spans around Capability Gate evaluation, Serial Execution Engine dispatch,
// and ledger append/verify, a counter per gate verdict and ledger operation,
// and structured slog lines at the same call sites. A nil *Provider is a
// valid, inert value everywhere this package is consulted, so a caller that
// never constructs one pays nothing and the rest of the kernel never has to
// guard against a missing provider itself.
package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

// Config configures the OpenTelemetry providers backing a Provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // how long to wait before sending batched spans
	Enabled        bool
	Insecure       bool   // use a plaintext gRPC connection (dev only)
	CertFile       string // client certificate for mTLS to the collector
	KeyFile        string // client key for mTLS to the collector
	CAFile         string // CA bundle to verify the collector's certificate
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "agent-kernel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider owns the trace/metric pipelines plus the kernel-specific counters
// the gate, engine, and ledger record against. Every exported method on a
// nil *Provider is a safe no-op, so components hold a *Provider field and
// call straight into it without an extra "if configured" branch of their
// own.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	gateVerdictCounter  metric.Int64Counter
	dispatchCounter     metric.Int64Counter
	dispatchDurationMs  metric.Float64Histogram
	ledgerAppendCounter metric.Int64Counter
	ledgerVerifyCounter metric.Int64Counter
}

// New builds a Provider from config. A nil config uses DefaultConfig.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	creds, err := p.dialCredentials()
	if err != nil {
		return nil, fmt.Errorf("build collector credentials: %w", err)
	}

	if err := p.initTraceProvider(ctx, res, creds); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res, creds); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("agentkernel.kernel", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("agentkernel.kernel", metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initKernelMetrics(); err != nil {
		return nil, fmt.Errorf("init kernel metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
	)
	return p, nil
}

// dialCredentials builds the gRPC transport credentials for the OTLP
// exporters. Insecure uses plaintext; otherwise a client certificate/key
// pair and CA bundle are loaded from disk when configured, falling back to
// the host's trust store when only a CertFile/KeyFile pair is given.
func (p *Provider) dialCredentials() (credentials.TransportCredentials, error) {
	if p.config.Insecure {
		return nil, nil
	}
	if p.config.CertFile == "" && p.config.KeyFile == "" && p.config.CAFile == "" {
		return credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}), nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if p.config.CertFile != "" || p.config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.CertFile, p.config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if p.config.CAFile != "" {
		caBytes, err := os.ReadFile(p.config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("no certificates parsed from %s", p.config.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return credentials.NewTLS(tlsConfig), nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource, creds credentials.TransportCredentials) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if creds == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource, creds credentials.TransportCredentials) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if creds == nil {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	} else {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// initKernelMetrics instantiates the counters the gate, engine, and ledger
// record against. Unlike the donor's generic RED trio, each metric here
// names the kernel operation it counts rather than a generic request/error
// pair, since "request" has no meaning for a gate verdict or a ledger line.
func (p *Provider) initKernelMetrics() error {
	var err error
	if p.gateVerdictCounter, err = p.meter.Int64Counter("kernel.gate.verdicts",
		metric.WithDescription("Capability Gate verdicts by tool and outcome"),
		metric.WithUnit("{verdict}"),
	); err != nil {
		return err
	}
	if p.dispatchCounter, err = p.meter.Int64Counter("kernel.engine.dispatches",
		metric.WithDescription("Serial Execution Engine dispatches by tool and outcome"),
		metric.WithUnit("{dispatch}"),
	); err != nil {
		return err
	}
	if p.dispatchDurationMs, err = p.meter.Float64Histogram("kernel.engine.dispatch_duration",
		metric.WithDescription("Serial Execution Engine dispatch duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	); err != nil {
		return err
	}
	if p.ledgerAppendCounter, err = p.meter.Int64Counter("kernel.ledger.appends",
		metric.WithDescription("Ledger append calls by outcome"),
		metric.WithUnit("{append}"),
	); err != nil {
		return err
	}
	if p.ledgerVerifyCounter, err = p.meter.Int64Counter("kernel.ledger.verifies",
		metric.WithDescription("Ledger verify calls by outcome"),
		metric.WithUnit("{verify}"),
	); err != nil {
		return err
	}
	return nil
}

// Shutdown drains and closes the trace/metric providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the kernel tracer, falling back to the global tracer for a
// disabled or zero-value Provider.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("agentkernel.kernel")
	}
	return p.tracer
}

// RecordGateVerdict logs, traces, and counts one Capability Gate decision.
// Called from Gate.Evaluate after the verdict is final.
func (p *Provider) RecordGateVerdict(ctx context.Context, tool, verdict, reason, riskLevel string) {
	if p == nil {
		return
	}
	attrs := GateOperation(tool, verdict, reason, riskLevel)
	if p.gateVerdictCounter != nil {
		p.gateVerdictCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	level := slog.LevelInfo
	if verdict != "allow" {
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "gate verdict",
		"tool_name", tool, "verdict", verdict, "reason_code", reason, "risk", riskLevel)

	span := trace.SpanFromContext(ctx)
	span.AddEvent("gate.verdict", trace.WithAttributes(attrs...))
}

// StartDispatch opens a span around one Engine.Dispatch call and returns a
// finish func that records the outcome counter, the duration histogram, and
// a structured log line. Called once at the top of Dispatch with a deferred
// call to the returned func.
func (p *Provider) StartDispatch(ctx context.Context, tool, actor string) (context.Context, func(outcome, receiptHash string, err error)) {
	if p == nil {
		return ctx, func(string, string, error) {}
	}
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, "engine.dispatch", trace.WithAttributes(
		AttrToolName.String(tool), AttrActor.String(actor),
	))
	return ctx, func(outcome, receiptHash string, err error) {
		attrs := DispatchOperation(tool, actor, outcome, receiptHash)
		if p.dispatchCounter != nil {
			p.dispatchCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		if p.dispatchDurationMs != nil {
			p.dispatchDurationMs.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
		}

		level := slog.LevelInfo
		if err != nil || outcome == "failure" || outcome == "denied" {
			level = slog.LevelWarn
		}
		p.logger.Log(ctx, level, "dispatch",
			"tool_name", tool, "actor", actor, "outcome", outcome, "receipt_hash", receiptHash)

		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(attrs...)
		span.End()
	}
}

// RecordLedgerAppend traces and counts one Ledger.Append call, identified by
// the ledger's path and its sequence number within this process.
func (p *Provider) RecordLedgerAppend(ctx context.Context, path string, seq int, err error) {
	if p == nil {
		return
	}
	attrs := LedgerOperation(path, seq)
	if p.ledgerAppendCounter != nil {
		p.ledgerAppendCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	p.logger.Log(ctx, level, "ledger append", "path", path, "line", seq, "error", errString(err))

	_, span := p.Tracer().Start(ctx, "ledger.append", trace.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordLedgerVerify traces and counts one Ledger.Verify call.
func (p *Provider) RecordLedgerVerify(ctx context.Context, path string, err error) {
	if p == nil {
		return
	}
	if p.ledgerVerifyCounter != nil {
		p.ledgerVerifyCounter.Add(ctx, 1, metric.WithAttributes(AttrLedgerPath.String(path)))
	}

	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	p.logger.Log(ctx, level, "ledger verify", "path", path, "error", errString(err))

	_, span := p.Tracer().Start(ctx, "ledger.verify", trace.WithAttributes(AttrLedgerPath.String(path)))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
