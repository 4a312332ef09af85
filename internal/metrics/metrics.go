// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/socialpulse/internal/model"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証情報マネージャー、上流クライアント、集計キャッシュから利用する。
type MetricsCollector interface {
	RecordRefresh(stats model.RefreshStats, err error)
	RecordCredentialRenewal(success bool)
	RecordUpstreamRequest(operation string, statusCode int, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	refreshTotal          *prometheus.CounterVec
	refreshDuration       prometheus.Histogram
	userPostFetchFailures prometheus.Counter
	commentFetchFailures  prometheus.Counter
	postsAggregated       prometheus.Gauge
	usersAggregated       prometheus.Gauge
	lastRefreshTimestamp  prometheus.Gauge
	renewalTotal          *prometheus.CounterVec
	upstreamRequests      *prometheus.CounterVec
	upstreamLatency       *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialpulse_refresh_total",
			Help: "集計キャッシュのリフレッシュ回数（結果別）",
		}, []string{"result"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "socialpulse_refresh_duration_seconds",
			Help:    "リフレッシュサイクルの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		userPostFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socialpulse_user_post_fetch_failures_total",
			Help: "ユーザー単位の投稿取得失敗の合計数",
		}),
		commentFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socialpulse_comment_fetch_failures_total",
			Help: "投稿単位のコメント取得失敗の合計数",
		}),
		postsAggregated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "socialpulse_snapshot_posts",
			Help: "直近のスナップショットに含まれる投稿数",
		}),
		usersAggregated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "socialpulse_snapshot_users",
			Help: "直近のスナップショットに含まれるユーザー数",
		}),
		lastRefreshTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "socialpulse_last_refresh_timestamp_seconds",
			Help: "直近に成功したリフレッシュの完了時刻（UNIX秒）",
		}),
		renewalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialpulse_credential_renewal_total",
			Help: "認証情報の更新試行回数（結果別）",
		}, []string{"result"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialpulse_upstream_requests_total",
			Help: "上流サービスへのリクエスト数（操作・ステータスコード別）",
		}, []string{"operation", "status_code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "socialpulse_upstream_latency_seconds",
			Help:    "上流サービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(
		c.refreshTotal,
		c.refreshDuration,
		c.userPostFetchFailures,
		c.commentFetchFailures,
		c.postsAggregated,
		c.usersAggregated,
		c.lastRefreshTimestamp,
		c.renewalTotal,
		c.upstreamRequests,
		c.upstreamLatency,
	)

	return c
}

// RecordRefresh はリフレッシュサイクルの結果を記録する。
// errが非nilの場合は失敗として計上し、件数系のメトリクスは更新しない。
func (c *Collector) RecordRefresh(stats model.RefreshStats, err error) {
	if err != nil {
		c.refreshTotal.WithLabelValues("failure").Inc()
		return
	}
	c.refreshTotal.WithLabelValues("success").Inc()
	c.refreshDuration.Observe(stats.Duration().Seconds())
	c.userPostFetchFailures.Add(float64(stats.UserPostFetchFailures))
	c.commentFetchFailures.Add(float64(stats.CommentFetchFailures))
	c.postsAggregated.Set(float64(stats.PostsAggregated))
	c.usersAggregated.Set(float64(stats.UsersTotal))
	c.lastRefreshTimestamp.Set(float64(stats.CompletedAt.Unix()))
}

// RecordCredentialRenewal は認証情報の更新結果を記録する。
func (c *Collector) RecordCredentialRenewal(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.renewalTotal.WithLabelValues(result).Inc()
}

// RecordUpstreamRequest は上流サービスへのリクエスト結果を記録する。
// 通信エラーでレスポンスが得られなかった場合、statusCodeには0を渡す。
func (c *Collector) RecordUpstreamRequest(operation string, statusCode int, duration time.Duration) {
	c.upstreamRequests.WithLabelValues(operation, strconv.Itoa(statusCode)).Inc()
	c.upstreamLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// NopCollector は何も記録しないMetricsCollector実装。
// メトリクスを必要としないテストやツールで使用する。
type NopCollector struct{}

func (NopCollector) RecordRefresh(model.RefreshStats, error) {}
func (NopCollector) RecordCredentialRenewal(bool) {}
func (NopCollector) RecordUpstreamRequest(string, int, time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
