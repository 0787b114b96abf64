package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"qkd-key-manager/config"
	"qkd-key-manager/internal/domain"
)

func testMasterKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestLocalKeyWrapper_RoundTrip(t *testing.T) {
	ctx := context.Background()
	w, err := NewLocalKeyWrapper(testMasterKey())
	require.NoError(t, err)

	for _, size := range []int{1, 32, 8192} {
		material := bytes.Repeat([]byte{0xA5}, size)
		wrapped, err := w.Encrypt(ctx, material)
		require.NoError(t, err)
		assert.Len(t, wrapped, 12+size+16)

		got, err := w.Decrypt(ctx, wrapped)
		require.NoError(t, err)
		assert.Equal(t, material, got)
	}
}

func TestLocalKeyWrapper_Tampered(t *testing.T) {
	ctx := context.Background()
	w, err := NewLocalKeyWrapper(testMasterKey())
	require.NoError(t, err)

	wrapped, err := w.Encrypt(ctx, []byte("secret key material"))
	require.NoError(t, err)
	wrapped[15] ^= 0x01

	_, err = w.Decrypt(ctx, wrapped)
	assert.Error(t, err)

	_, err = w.Decrypt(ctx, []byte("short"))
	assert.Error(t, err)
}

func TestLocalKeyWrapper_WrongMasterKey(t *testing.T) {
	ctx := context.Background()
	w1, err := NewLocalKeyWrapper(testMasterKey())
	require.NoError(t, err)
	w2, err := NewLocalKeyWrapper(bytes.Repeat([]byte{0x24}, 32))
	require.NoError(t, err)

	wrapped, err := w1.Encrypt(ctx, []byte("secret"))
	require.NoError(t, err)
	_, err = w2.Decrypt(ctx, wrapped)
	assert.Error(t, err)
}

func TestNewLocalKeyWrapper_InvalidKeySize(t *testing.T) {
	_, err := NewLocalKeyWrapper([]byte("too short"))
	assert.Error(t, err)
}

func TestNewKeyWrapper_Selection(t *testing.T) {
	ctx := context.Background()

	w, err := NewKeyWrapper(ctx, &config.Config{LocalMasterKey: testMasterKey()})
	require.NoError(t, err)
	assert.IsType(t, &LocalKeyWrapper{}, w)

	_, err = NewKeyWrapper(ctx, &config.Config{})
	assert.Error(t, err)
}

func TestMetrics_UsageLabelIsBounded(t *testing.T) {
	m := NewMetrics()

	m.KeyRequested(domain.KeyUsageMessageAES)
	m.KeyRequested(domain.KeyUsageMessageOTP)
	for i := 0; i < 100; i++ {
		m.KeyRequested(fmt.Sprintf("custom-%d", i))
	}

	assert.Equal(t, 3, testutil.CollectAndCount(m.keysRequested))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keysRequested.WithLabelValues(domain.KeyUsageMessageAES)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keysRequested.WithLabelValues(domain.KeyUsageMessageOTP)))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.keysRequested.WithLabelValues(usageOther)))
}

func TestNewDB_SQLite(t *testing.T) {
	db, err := NewDB(&config.Config{DatabaseDriver: "sqlite", DatabaseURL: ":memory:"})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)

	_, err = NewDB(&config.Config{DatabaseDriver: "postgres", DatabaseURL: "x"})
	assert.Error(t, err)

	_, err = NewDB(&config.Config{DatabaseDriver: "sqlite"})
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.KeyRequested(domain.KeyUsageMessageAES)
	m.KeyRequested(domain.KeyUsageMessageAES)
	m.KeyTransitioned(domain.KeyStatusExpired, 3)
	m.UsageLogFailed()
	m.EnvelopeOperation("seal", "ok")
	m.RateLimited()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.keysRequested.WithLabelValues(domain.KeyUsageMessageAES)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.keyTransitions.WithLabelValues("expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.usageLogFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.envelopeOps.WithLabelValues("seal", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLogLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel("bogus"))
}

func TestTraceHandler_AddsTraceAttributes(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{OtelEnabled: true, GoogleCloudProject: "proj"}
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil), cfg))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	logger.InfoContext(ctx, "hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, traceID.String(), record["trace"])
	assert.Equal(t, spanID.String(), record["spanId"])
	assert.Equal(t, true, record["traceSampled"])
	assert.Equal(t, "projects/proj/traces/"+traceID.String(), record["logging.googleapis.com/trace"])
}

func TestTraceHandler_Disabled(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil), &config.Config{}))

	logger.InfoContext(context.Background(), "hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.NotContains(t, record, "trace")
}

func TestTracedKeyWrapper_RecordsSpans(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	local, err := NewLocalKeyWrapper(testMasterKey())
	require.NoError(t, err)
	w := withTracing(local, tp, "local")

	wrapped, err := w.Encrypt(ctx, []byte("material"))
	require.NoError(t, err)
	_, err = w.Decrypt(ctx, wrapped[:len(wrapped)-1])
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "KeyWrapper.Encrypt", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("qkd.wrapper", "local"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("qkd.material_bytes", 8))
	assert.Equal(t, "KeyWrapper.Decrypt", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)

	require.NoError(t, w.Close())
}

func TestNewTracerProvider_Resource(t *testing.T) {
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()
	tp, err := newTracerProvider(ctx, exporter, &config.Config{
		OtelServiceName:   "qkd-test",
		OtelSamplingRate:  1.0,
		DatabaseDriver:    "sqlite",
		EnvelopeAlgorithm: "AES-256-GCM",
	})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(ctx, "op")
	span.End()
	require.NoError(t, tp.ForceFlush(ctx))
	require.NoError(t, tp.Shutdown(ctx))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	attrs := spans[0].Resource.Set()
	name, ok := attrs.Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "qkd-test", name.AsString())
	alg, ok := attrs.Value("qkd.envelope.algorithm")
	require.True(t, ok)
	assert.Equal(t, "AES-256-GCM", alg.AsString())
}
