package infra

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"qkd-key-manager/config"
)

// ServiceVersion はトレースのリソース属性に載せるバージョン。ビルド時に上書きする。
var ServiceVersion = "dev"

const tracerName = "qkd-key-manager/internal/infra"

// InitTracer はトレーサープロバイダーを初期化し、グローバルに登録する。
// OTEL_ENABLED=false の場合は nil を返す（トレーシング無効）。
func InitTracer(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if !cfg.OtelEnabled {
		return nil, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OtelEndpoint),
	)
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(ctx, exporter, cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	// W3C TraceContext伝搬を設定
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// newTracerProvider は exporter に送るプロバイダーを組み立てる。
func newTracerProvider(ctx context.Context, exporter sdktrace.SpanExporter, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.OtelServiceName),
			semconv.ServiceVersion(ServiceVersion),
			semconv.DBSystemKey.String(cfg.DatabaseDriver),
			attribute.String("qkd.envelope.algorithm", cfg.EnvelopeAlgorithm),
			attribute.Bool("qkd.kms", cfg.KMSKeyName != ""),
		),
	)
	if err != nil {
		return nil, err
	}

	// 親スパンのサンプリング判定を優先し、ルートのみ比率で間引く
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.OtelSamplingRate))

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	), nil
}

// tracedKeyWrapper は鍵素材のラップ・アンラップをスパンで囲む。
// スパンには鍵素材のサイズのみを載せる。
type tracedKeyWrapper struct {
	KeyWrapper
	tracer  trace.Tracer
	backend string
}

func withTracing(w KeyWrapper, tp trace.TracerProvider, backend string) KeyWrapper {
	return &tracedKeyWrapper{KeyWrapper: w, tracer: tp.Tracer(tracerName), backend: backend}
}

func (w *tracedKeyWrapper) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	ctx, span := w.tracer.Start(ctx, "KeyWrapper.Encrypt", trace.WithAttributes(
		attribute.String("qkd.wrapper", w.backend),
		attribute.Int("qkd.material_bytes", len(plaintext)),
	))
	defer span.End()

	out, err := w.KeyWrapper.Encrypt(ctx, plaintext)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "wrap failed")
	}
	return out, err
}

func (w *tracedKeyWrapper) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	ctx, span := w.tracer.Start(ctx, "KeyWrapper.Decrypt", trace.WithAttributes(
		attribute.String("qkd.wrapper", w.backend),
	))
	defer span.End()

	out, err := w.KeyWrapper.Decrypt(ctx, ciphertext)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unwrap failed")
	}
	return out, err
}
