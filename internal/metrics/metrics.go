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
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordFetchSuccess(sourceID string)
	RecordFetchFailure(sourceID string, reason string)
	RecordNormalizeFailure(sourceID string, reason string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordItemsNew(count int)
	RecordItemsDuplicate(count int)
	RecordDigestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess   prometheus.Counter
	fetchFail      prometheus.Counter
	normalizeFail  *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	fetchLatency   prometheus.Histogram
	itemsNew       prometheus.Counter
	itemsDuplicate prometheus.Counter
	digestLatency  prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attnsync_fetch_success_total",
			Help: "取得元フェッチ成功の合計数",
		}),
		fetchFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attnsync_fetch_fail_total",
			Help: "取得元フェッチ失敗の合計数",
		}),
		normalizeFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attnsync_normalize_fail_total",
			Help: "理由コード別の正規化失敗の合計数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attnsync_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attnsync_fetch_latency_seconds",
			Help:    "取得元フェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		itemsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attnsync_items_new_total",
			Help: "新規に取り込まれた正準記事の合計数",
		}),
		itemsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attnsync_items_duplicate_total",
			Help: "重複と判定された記事の合計数",
		}),
		digestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attnsync_digest_latency_seconds",
			Help:    "ダイジェスト生成のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.normalizeFail,
		c.httpStatus,
		c.fetchLatency,
		c.itemsNew,
		c.itemsDuplicate,
		c.digestLatency,
	)

	return c
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(sourceID string) {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフェッチ失敗を記録する。
func (c *Collector) RecordFetchFailure(sourceID string, reason string) {
	c.fetchFail.Inc()
}

// RecordNormalizeFailure は正規化失敗を理由コード付きで記録する。
func (c *Collector) RecordNormalizeFailure(sourceID string, reason string) {
	c.normalizeFail.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordItemsNew は新規取り込み記事数を記録する。
func (c *Collector) RecordItemsNew(count int) {
	c.itemsNew.Add(float64(count))
}

// RecordItemsDuplicate は重複判定された記事数を記録する。
func (c *Collector) RecordItemsDuplicate(count int) {
	c.itemsDuplicate.Add(float64(count))
}

// RecordDigestLatency はダイジェスト生成のレイテンシを記録する。
func (c *Collector) RecordDigestLatency(duration time.Duration) {
	c.digestLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
