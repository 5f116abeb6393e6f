// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/jitauth/internal/model"
)

const namespace = "jitauth"

// Collector はPrometheusメトリクスを収集する実装。
// auth.Recorderを満たす。
type Collector struct {
	attempts       *prometheus.CounterVec
	failures       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	provisioned    *prometheus.CounterVec
	budgetExceeded *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "認証試行の合計数（結果別）",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "認証失敗の合計数（エラー分類別）",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_duration_seconds",
			Help:      "認証成功までの所要時間（秒）",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"path"}),
		provisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "users_provisioned_total",
			Help:      "初回ログインで作成されたユーザー数",
		}, []string{"provider"}),
		budgetExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_budget_exceeded_total",
			Help:      "時間予算を超過した認証の数",
		}, []string{"path"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_responses_total",
			Help:      "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.attempts,
		c.failures,
		c.duration,
		c.provisioned,
		c.budgetExceeded,
		c.httpStatus,
	)

	return c
}

// ObserveAttempt は認証試行を結果別に記録する。
func (c *Collector) ObserveAttempt(outcome string) {
	c.attempts.WithLabelValues(outcome).Inc()
}

// ObserveFailure は認証失敗をエラー分類別に記録する。
func (c *Collector) ObserveFailure(kind model.ErrorKind) {
	c.failures.WithLabelValues(string(kind)).Inc()
}

// ObserveDuration は認証の所要時間を記録する。
func (c *Collector) ObserveDuration(path string, d time.Duration) {
	c.duration.WithLabelValues(path).Observe(d.Seconds())
}

// UserProvisioned はユーザー作成を記録する。
func (c *Collector) UserProvisioned(provider model.Provider) {
	c.provisioned.WithLabelValues(provider.String()).Inc()
}

// BudgetExceeded は時間予算の超過を記録する。
func (c *Collector) BudgetExceeded(path string) {
	c.budgetExceeded.WithLabelValues(path).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
