// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証、トークン検証、リレー、リコンシリエーションの各層から利用する。
type MetricsCollector interface {
	RecordLogin(provider, outcome string)
	RecordTokenValidation(result string)
	RecordRelayRequest(op string, statusCode int, duration time.Duration)
	RecordReconciliation(kind, outcome string)
	SetReady(ready bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins           *prometheus.CounterVec
	tokenValidations *prometheus.CounterVec
	relayRequests    *prometheus.CounterVec
	relayLatency     prometheus.Histogram
	reconciliations  *prometheus.CounterVec
	ready            prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefsync_logins_total",
			Help: "SSOログイン試行の合計数",
		}, []string{"provider", "outcome"}),
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefsync_token_validations_total",
			Help: "ログイントークン検証の合計数",
		}, []string{"result"}),
		relayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefsync_relay_requests_total",
			Help: "PDSへのリレーリクエスト数",
		}, []string{"op", "status"}),
		relayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prefsync_relay_latency_seconds",
			Help:    "PDSへのリレーのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefsync_reconciliations_total",
			Help: "プリファレンスのリコンシリエーション数",
		}, []string{"kind", "outcome"}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prefsync_ready",
			Help: "直近のレディネスチェック結果（1=ready）",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.tokenValidations,
		c.relayRequests,
		c.relayLatency,
		c.reconciliations,
		c.ready,
	)

	return c
}

// RecordLogin はSSOログインの結果を記録する。
func (c *Collector) RecordLogin(provider, outcome string) {
	c.logins.WithLabelValues(provider, outcome).Inc()
}

// RecordTokenValidation はトークン検証結果を記録する。
func (c *Collector) RecordTokenValidation(result string) {
	c.tokenValidations.WithLabelValues(result).Inc()
}

// RecordRelayRequest はリレーのステータスとレイテンシを記録する。
// 通信エラーでレスポンスがない場合、statusCodeは0。
func (c *Collector) RecordRelayRequest(op string, statusCode int, duration time.Duration) {
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	c.relayRequests.WithLabelValues(op, status).Inc()
	c.relayLatency.Observe(duration.Seconds())
}

// RecordReconciliation はリコンシリエーションの結果を記録する。
func (c *Collector) RecordReconciliation(kind, outcome string) {
	c.reconciliations.WithLabelValues(kind, outcome).Inc()
}

// SetReady はレディネスゲージを更新する。
func (c *Collector) SetReady(ready bool) {
	if ready {
		c.ready.Set(1)
		return
	}
	c.ready.Set(0)
}

// ReadyGauge はレディネスゲージを返す。
func (c *Collector) ReadyGauge() prometheus.Gauge {
	return c.ready
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordLogin(string, string) {}
func (Nop) RecordTokenValidation(string) {}
func (Nop) RecordRelayRequest(string, int, time.Duration) {}
func (Nop) RecordReconciliation(string, string) {}
func (Nop) SetReady(bool) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
