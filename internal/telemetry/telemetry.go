package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/BaSui01/schemaflow/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// =============================================================================
// 📡 OTel SDK
// =============================================================================

// Providers 持有 SDK 的 TracerProvider 与 MeterProvider。
// 遥测关闭时两者都为 nil，Tracer 退回全局 noop 实现。
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

type Option func(*settings)

type settings struct {
	version      string
	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
}

// WithServiceVersion 覆盖 service.version，默认取构建信息中的模块版本
func WithServiceVersion(v string) Option {
	return func(s *settings) { s.version = v }
}

// WithSpanExporter 替换 OTLP trace 导出器，span 同步导出
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(s *settings) { s.spanExporter = exp }
}

// WithMetricReader 替换 OTLP 周期导出
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(s *settings) { s.metricReader = r }
}

// Init cfg.Enabled 为 false 时不建立任何外部连接
func Init(ctx context.Context, cfg config.TelemetryConfig, logger *zap.Logger, opts ...Option) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Providers{}, nil
	}

	s := settings{version: buildVersion()}
	for _, opt := range opts {
		opt(&s)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(s.version),
	))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	spans, err := spanProcessor(ctx, cfg, s)
	if err != nil {
		return nil, err
	}
	reader, err := metricReader(ctx, cfg, s)
	if err != nil {
		return nil, err
	}

	p := &Providers{
		// 根 span 按比例采样，子 span 跟随上游决策
		tp: sdktrace.NewTracerProvider(
			spans,
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		),
		mp: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)),
	}

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_version", s.version),
		zap.Float64("sample_rate", cfg.SampleRate),
	)
	return p, nil
}

func spanProcessor(ctx context.Context, cfg config.TelemetryConfig, s settings) (sdktrace.TracerProviderOption, error) {
	if s.spanExporter != nil {
		return sdktrace.WithSyncer(s.spanExporter), nil
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	return sdktrace.WithBatcher(exp), nil
}

func metricReader(ctx context.Context, cfg config.TelemetryConfig, s settings) (sdkmetric.Reader, error) {
	if s.metricReader != nil {
		return s.metricReader, nil
	}
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return sdkmetric.NewPeriodicReader(exp), nil
}

// Tracer nil 接收者同样可用
func (p *Providers) Tracer(name string) trace.Tracer {
	if p == nil || p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown 刷新未导出的数据，noop Providers 直接返回
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		errs = append(errs, wrap("tracer provider", p.tp.Shutdown(ctx)))
	}
	if p.mp != nil {
		errs = append(errs, wrap("meter provider", p.mp.Shutdown(ctx)))
	}
	return errors.Join(errs...)
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("shutdown %s: %w", what, err)
}

// buildVersion go test 与 go run 得到 "(devel)"，统一记为 dev
func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
