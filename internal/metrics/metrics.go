// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// アドミッション制御、チャットセッション、アカウント発行、ワーカーから利用する。
type MetricsCollector interface {
	RecordAdmission(result string)
	RecordCounterStoreFailure(policy string)
	RecordTurn(provider, outcome string)
	RecordAnonymousProvision(result string)
	RecordActiveSessions(count int)
	RecordEvictedSessions(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	admissions      *prometheus.CounterVec
	storeFailures   *prometheus.CounterVec
	turns           *prometheus.CounterVec
	provisions      *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	evictedSessions prometheus.Counter
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchchat_admissions_total",
			Help: "アドミッション判定の結果別の合計数",
		}, []string{"result"}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchchat_counter_store_failures_total",
			Help: "カウンタストア障害の合計数（適用したポリシー別）",
		}, []string{"policy"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchchat_turns_total",
			Help: "ストリーミングの終了状態別の合計数",
		}, []string{"provider", "outcome"}),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchchat_anonymous_provisions_total",
			Help: "匿名アカウント発行の結果別の合計数",
		}, []string{"result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchchat_active_sessions",
			Help: "メモリ上に保持しているチャットセッション数",
		}),
		evictedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchchat_evicted_sessions_total",
			Help: "アイドルのため破棄したチャットセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.admissions,
		c.storeFailures,
		c.turns,
		c.provisions,
		c.activeSessions,
		c.evictedSessions,
	)

	return c
}

// RecordAdmission はアドミッション判定の結果を記録する。
func (c *Collector) RecordAdmission(result string) {
	c.admissions.WithLabelValues(result).Inc()
}

// RecordCounterStoreFailure はカウンタストア障害を記録する。
func (c *Collector) RecordCounterStoreFailure(policy string) {
	c.storeFailures.WithLabelValues(policy).Inc()
}

// RecordTurn はストリーミングの終了状態を記録する。
func (c *Collector) RecordTurn(provider, outcome string) {
	c.turns.WithLabelValues(provider, outcome).Inc()
}

// RecordAnonymousProvision は匿名アカウント発行の結果を記録する。
func (c *Collector) RecordAnonymousProvision(result string) {
	c.provisions.WithLabelValues(result).Inc()
}

// RecordActiveSessions はメモリ上のセッション数を記録する。
func (c *Collector) RecordActiveSessions(count int) {
	c.activeSessions.Set(float64(count))
}

// RecordEvictedSessions は破棄したセッション数を加算する。
func (c *Collector) RecordEvictedSessions(count int) {
	c.evictedSessions.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
