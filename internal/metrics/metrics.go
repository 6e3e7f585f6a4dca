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
// コーディネーターやキャッシュ層から利用する。
type MetricsCollector interface {
	RecordFetchSuccess(feedID string)
	RecordFetchFailure(feedID string, code string)
	RecordParseFailure(feedID string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordEpisodesMerged(count int)
	RecordCacheHit(stale bool)
	RecordCacheMiss()
	RecordEviction(tier string, count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess   prometheus.Counter
	fetchFail      *prometheus.CounterVec
	parseFail      prometheus.Counter
	httpStatus     *prometheus.CounterVec
	fetchLatency   prometheus.Histogram
	episodesMerged prometheus.Counter
	cacheHits      *prometheus.CounterVec
	cacheMisses    prometheus.Counter
	evictions      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podsync_fetch_success_total",
			Help: "フィードフェッチ成功の合計数",
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "podsync_fetch_fail_total",
			Help: "フィードフェッチ失敗の合計数（エラーコード別）",
		}, []string{"code"}),
		parseFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podsync_parse_fail_total",
			Help: "フィードパース失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "podsync_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "podsync_fetch_latency_seconds",
			Help:    "フィードフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		episodesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podsync_episodes_merged_total",
			Help: "ストアにマージされたエピソードの合計数",
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "podsync_cache_hits_total",
			Help: "キャッシュヒットの合計数（freshness別）",
		}, []string{"freshness"}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podsync_cache_misses_total",
			Help: "キャッシュミスの合計数",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "podsync_evictions_total",
			Help: "追い出されたエントリの合計数（tier別）",
		}, []string{"tier"}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.parseFail,
		c.httpStatus,
		c.fetchLatency,
		c.episodesMerged,
		c.cacheHits,
		c.cacheMisses,
		c.evictions,
	)

	return c
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(feedID string) {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフェッチ失敗をエラーコード別に記録する。
func (c *Collector) RecordFetchFailure(feedID string, code string) {
	if code == "" {
		code = "UNKNOWN"
	}
	c.fetchFail.WithLabelValues(code).Inc()
}

// RecordParseFailure はパース失敗を記録する。
func (c *Collector) RecordParseFailure(feedID string) {
	c.parseFail.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordEpisodesMerged はマージされたエピソード数を記録する。
func (c *Collector) RecordEpisodesMerged(count int) {
	c.episodesMerged.Add(float64(count))
}

// RecordCacheHit はキャッシュヒットを記録する。staleヒットは区別される。
func (c *Collector) RecordCacheHit(stale bool) {
	freshness := "fresh"
	if stale {
		freshness = "stale"
	}
	c.cacheHits.WithLabelValues(freshness).Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss() {
	c.cacheMisses.Inc()
}

// RecordEviction は追い出されたエントリ数をtier別に記録する。
// tierは "memory"、"disk"、"store" のいずれか。
func (c *Collector) RecordEviction(tier string, count int) {
	c.evictions.WithLabelValues(tier).Add(float64(count))
}

// Nop はメトリクスを記録しないMetricsCollector実装。
// テストおよびメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordFetchSuccess(string)         {}
func (Nop) RecordFetchFailure(string, string) {}
func (Nop) RecordParseFailure(string)         {}
func (Nop) RecordHTTPStatus(int)              {}
func (Nop) RecordFetchLatency(time.Duration)  {}
func (Nop) RecordEpisodesMerged(int)          {}
func (Nop) RecordCacheHit(bool)               {}
func (Nop) RecordCacheMiss()                  {}
func (Nop) RecordEviction(string, int)        {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
