// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ジョブの結果ラベル。
const (
	OutcomeDone  = "done"
	OutcomeError = "error"
	OutcomeReuse = "reuse"
)

// Recorder はメトリクス収集のインターフェース。ポーラーから利用する。
type Recorder interface {
	RecordClaim(action string)
	RecordJobOutcome(action, outcome string)
	RecordRecordsFetched(kind string, count int)
	RecordVolumetryMerge(buckets int)
	RecordProxyRemoved()
	SetBotScoreBatchSize(size int)
	RecordFetchLatency(action string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	claims            *prometheus.CounterVec
	jobOutcomes       *prometheus.CounterVec
	recordsFetched    *prometheus.CounterVec
	volumetryBuckets  prometheus.Counter
	proxyRemovals     prometheus.Counter
	botScoreBatchSize prometheus.Gauge
	fetchLatency      *prometheus.HistogramVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchwatch_queue_claims_total",
			Help: "キューアイテムのクレーム数",
		}, []string{"action"}),
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchwatch_job_outcomes_total",
			Help: "ジョブの結果別の件数",
		}, []string{"action", "outcome"}),
		recordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchwatch_records_fetched_total",
			Help: "収集したレコード数",
		}, []string{"kind"}),
		volumetryBuckets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchwatch_volumetry_buckets_merged_total",
			Help: "加算したボリューム集計バケット数",
		}),
		proxyRemovals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchwatch_proxy_removed_total",
			Help: "プールから除外したプロキシ数",
		}),
		botScoreBatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchwatch_botscore_batch_size",
			Help: "現在のボット判定バッチサイズ",
		}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "searchwatch_fetch_latency_seconds",
			Help:    "収集処理のレイテンシ（秒）",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"action"}),
	}

	reg.MustRegister(
		c.claims,
		c.jobOutcomes,
		c.recordsFetched,
		c.volumetryBuckets,
		c.proxyRemovals,
		c.botScoreBatchSize,
		c.fetchLatency,
	)

	return c
}

// RecordClaim はクレーム成功を記録する。
func (c *Collector) RecordClaim(action string) {
	c.claims.WithLabelValues(action).Inc()
}

// RecordJobOutcome はジョブの結果を記録する。
func (c *Collector) RecordJobOutcome(action, outcome string) {
	c.jobOutcomes.WithLabelValues(action, outcome).Inc()
}

// RecordRecordsFetched は収集したレコード数を種類別に記録する。
func (c *Collector) RecordRecordsFetched(kind string, count int) {
	c.recordsFetched.WithLabelValues(kind).Add(float64(count))
}

func (c *Collector) RecordVolumetryMerge(buckets int) {
	c.volumetryBuckets.Add(float64(buckets))
}

func (c *Collector) RecordProxyRemoved() {
	c.proxyRemovals.Inc()
}

func (c *Collector) SetBotScoreBatchSize(size int) {
	c.botScoreBatchSize.Set(float64(size))
}

// RecordFetchLatency は収集処理のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(action string, duration time.Duration) {
	c.fetchLatency.WithLabelValues(action).Observe(duration.Seconds())
}

// Nop は何も記録しないRecorder。メトリクスを使わないテストやコマンドで使う。
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) RecordClaim(string) {}
func (Nop) RecordJobOutcome(string, string) {}
func (Nop) RecordRecordsFetched(string, int) {}
func (Nop) RecordVolumetryMerge(int) {}
func (Nop) RecordProxyRemoved() {}
func (Nop) SetBotScoreBatchSize(int) {}
func (Nop) RecordFetchLatency(string, time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
