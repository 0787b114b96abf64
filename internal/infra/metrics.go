package infra

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qkd-key-manager/internal/domain"
)

const metricsNamespace = "qkd"

// Metrics はPrometheusのメトリクスを保持する。
type Metrics struct {
	registry         *prometheus.Registry
	keysRequested    *prometheus.CounterVec
	keyTransitions   *prometheus.CounterVec
	usageLogFailures prometheus.Counter
	envelopeOps      *prometheus.CounterVec
	rateLimited      prometheus.Counter
}

// NewMetrics は専用のレジストリにメトリクスを登録して返す。
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		keysRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "keys_requested_total",
			Help:      "Number of keys issued, by usage.",
		}, []string{"usage"}),
		keyTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "key_transitions_total",
			Help:      "Number of key status transitions, by target status.",
		}, []string{"status"}),
		usageLogFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "usage_log_failures_total",
			Help:      "Number of usage log entries that could not be written.",
		}),
		envelopeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "envelope_operations_total",
			Help:      "Number of envelope seal/open operations, by result.",
		}, []string{"operation", "result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_rate_limited_total",
			Help:      "Number of requests rejected by the rate limiter.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.keysRequested,
		m.keyTransitions,
		m.usageLogFailures,
		m.envelopeOps,
		m.rateLimited,
	)
	return m
}

// usageOther は既知以外の用途タグをまとめるラベル値。
const usageOther = "other"

// usageLabel は用途タグをラベル値に変換する。用途は呼び出し元が自由に指定できるため、
// 既知のタグ以外は usageOther にまとめて系列数を固定する。
func usageLabel(usage string) string {
	switch usage {
	case domain.KeyUsageMessageAES, domain.KeyUsageMessageOTP:
		return usage
	}
	return usageOther
}

// KeyRequested は鍵の発行を記録する。
func (m *Metrics) KeyRequested(usage string) {
	m.keysRequested.WithLabelValues(usageLabel(usage)).Inc()
}

// KeyTransitioned は鍵の状態遷移を記録する。
func (m *Metrics) KeyTransitioned(status domain.KeyStatus, n int) {
	m.keyTransitions.WithLabelValues(string(status)).Add(float64(n))
}

// UsageLogFailed は利用ログの書き込み失敗を記録する。
func (m *Metrics) UsageLogFailed() {
	m.usageLogFailures.Inc()
}

// EnvelopeOperation はエンベロープ操作の結果を記録する。
func (m *Metrics) EnvelopeOperation(operation, result string) {
	m.envelopeOps.WithLabelValues(operation, result).Inc()
}

// RateLimited はレート制限による拒否を記録する。
func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}

// Registry はメトリクスのレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /metrics 用のハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
