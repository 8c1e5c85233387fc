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
// 認証サービス・電話番号確認・ジョブポーラー・HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordAuthAttempt(method, outcome string)
	RecordAccountProvisioned(provider string)
	RecordProviderFetch(provider string, duration time.Duration)
	RecordPhoneVerification(result string)
	RecordScheduledJob(jobType, result string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts        *prometheus.CounterVec
	accountsProvisioned *prometheus.CounterVec
	providerFetch       *prometheus.HistogramVec
	phoneVerifications  *prometheus.CounterVec
	scheduledJobs       *prometheus.CounterVec
	httpStatus          *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storeauth_auth_attempts_total",
			Help: "認証試行の合計数（方式・結果別）",
		}, []string{"method", "outcome"}),
		accountsProvisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storeauth_accounts_provisioned_total",
			Help: "作成されたアカウントの合計数（プロバイダ別）",
		}, []string{"provider"}),
		providerFetch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storeauth_provider_fetch_seconds",
			Help:    "外部IdPプロフィール取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		phoneVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storeauth_phone_verifications_total",
			Help: "電話番号確認操作の合計数（結果別）",
		}, []string{"result"}),
		scheduledJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storeauth_scheduled_jobs_total",
			Help: "遅延ジョブの実行数（種別・結果別）",
		}, []string{"type", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storeauth_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.accountsProvisioned,
		c.providerFetch,
		c.phoneVerifications,
		c.scheduledJobs,
		c.httpStatus,
	)

	return c
}

// RecordAuthAttempt は認証試行を記録する。
func (c *Collector) RecordAuthAttempt(method, outcome string) {
	c.authAttempts.WithLabelValues(method, outcome).Inc()
}

// RecordAccountProvisioned はアカウント作成を記録する。
func (c *Collector) RecordAccountProvisioned(provider string) {
	c.accountsProvisioned.WithLabelValues(provider).Inc()
}

// RecordProviderFetch は外部IdP呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderFetch(provider string, duration time.Duration) {
	c.providerFetch.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordPhoneVerification は電話番号確認の結果を記録する。
func (c *Collector) RecordPhoneVerification(result string) {
	c.phoneVerifications.WithLabelValues(result).Inc()
}

// RecordScheduledJob は遅延ジョブの実行結果を記録する。
func (c *Collector) RecordScheduledJob(jobType, result string) {
	c.scheduledJobs.WithLabelValues(jobType, result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
