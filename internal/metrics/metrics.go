// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// bridge・auth・middleware・site・cleanupの各レコーダーインターフェースを満たす。
type Collector struct {
	tokensIssued     prometheus.Counter
	tokenVerify      *prometheus.CounterVec
	logins           *prometheus.CounterVec
	untrustedOrigin  prometheus.Counter
	exchangeAttempts *prometheus.CounterVec
	callbacks        *prometheus.CounterVec
	sweepDeleted     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authbridge_tokens_issued_total",
			Help: "発行したブリッジトークンの合計数",
		}),
		tokenVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbridge_token_verify_total",
			Help: "ブリッジトークン検証の結果別件数",
		}, []string{"result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbridge_logins_total",
			Help: "プロバイダー・結果別のログイン試行数",
		}, []string{"provider", "result"}),
		untrustedOrigin: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authbridge_untrusted_origin_total",
			Help: "許可リスト外のOriginからのリクエスト数",
		}),
		exchangeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbridge_site_exchange_attempts_total",
			Help: "公開サイトからのトークン交換試行の結果別件数",
		}, []string{"outcome"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbridge_site_callbacks_total",
			Help: "コールバック処理の最終状態別件数",
		}, []string{"result"}),
		sweepDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authbridge_sweep_deleted_total",
			Help: "クリーンアップで削除した行数",
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.tokensIssued,
		c.tokenVerify,
		c.logins,
		c.untrustedOrigin,
		c.exchangeAttempts,
		c.callbacks,
		c.sweepDeleted,
	)

	return c
}

// RecordTokenIssued はトークン発行を記録する。
func (c *Collector) RecordTokenIssued() {
	c.tokensIssued.Inc()
}

// RecordTokenVerify はトークン検証の結果を記録する。
func (c *Collector) RecordTokenVerify(result string) {
	c.tokenVerify.WithLabelValues(result).Inc()
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(provider, result string) {
	c.logins.WithLabelValues(provider, result).Inc()
}

// RecordUntrustedOrigin は許可されていないOriginを記録する。
func (c *Collector) RecordUntrustedOrigin() {
	c.untrustedOrigin.Inc()
}

// RecordExchangeAttempt はトークン交換1回分の結果を記録する。
func (c *Collector) RecordExchangeAttempt(outcome string) {
	c.exchangeAttempts.WithLabelValues(outcome).Inc()
}

// RecordCallback はコールバック処理の最終状態を記録する。
func (c *Collector) RecordCallback(result string) {
	c.callbacks.WithLabelValues(result).Inc()
}

// RecordSweep はクリーンアップで削除した件数を記録する。
func (c *Collector) RecordSweep(target string, deleted int64) {
	if deleted <= 0 {
		return
	}
	c.sweepDeleted.WithLabelValues(target).Add(float64(deleted))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
