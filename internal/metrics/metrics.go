// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// リレー結果のラベル値。
const (
	RelayDelivered = "delivered"
	RelayOffline   = "offline"
	RelayFailed    = "failed"
)

// ログイン結果のラベル値。
const (
	LoginSucceeded = "success"
	LoginRejected  = "rejected"
	LoginErrored   = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// チャットルーター、認証ハンドラー、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordMessagePersisted(latency time.Duration)
	RecordRelay(result string)
	RecordEventDropped(reason string)
	RecordHandshakeRejected(reason string)
	ConnectionOpened()
	ConnectionClosed()
	RecordLogin(result string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	messagesPersisted  prometheus.Counter
	persistLatency     prometheus.Histogram
	relays             *prometheus.CounterVec
	eventsDropped      *prometheus.CounterVec
	handshakesRejected *prometheus.CounterVec
	openConnections    prometheus.Gauge
	logins             *prometheus.CounterVec
	httpStatus         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gamestore_chat_messages_persisted_total",
			Help: "保存されたチャットメッセージの合計数",
		}),
		persistLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gamestore_chat_persist_latency_seconds",
			Help:    "チャットメッセージ保存のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamestore_chat_relays_total",
			Help: "受信者へのリレー結果別の件数",
		}, []string{"result"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamestore_chat_events_dropped_total",
			Help: "破棄された受信イベントの理由別件数",
		}, []string{"reason"}),
		handshakesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamestore_chat_handshakes_rejected_total",
			Help: "拒否されたハンドシェイクの理由別件数",
		}, []string{"reason"}),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gamestore_chat_open_connections",
			Help: "現在開いているチャット接続数",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamestore_auth_logins_total",
			Help: "ログイン試行の結果別件数",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamestore_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.messagesPersisted,
		c.persistLatency,
		c.relays,
		c.eventsDropped,
		c.handshakesRejected,
		c.openConnections,
		c.logins,
		c.httpStatus,
	)

	return c
}

// RecordMessagePersisted はメッセージ保存と保存にかかった時間を記録する。
func (c *Collector) RecordMessagePersisted(latency time.Duration) {
	c.messagesPersisted.Inc()
	c.persistLatency.Observe(latency.Seconds())
}

// RecordRelay はリレー結果を記録する。
func (c *Collector) RecordRelay(result string) {
	c.relays.WithLabelValues(result).Inc()
}

// RecordEventDropped は受信イベントの破棄を記録する。
func (c *Collector) RecordEventDropped(reason string) {
	c.eventsDropped.WithLabelValues(reason).Inc()
}

// RecordHandshakeRejected はハンドシェイク拒否を記録する。
func (c *Collector) RecordHandshakeRejected(reason string) {
	c.handshakesRejected.WithLabelValues(reason).Inc()
}

// ConnectionOpened は接続数を1増やす。
func (c *Collector) ConnectionOpened() {
	c.openConnections.Inc()
}

// ConnectionClosed は接続数を1減らす。
func (c *Collector) ConnectionClosed() {
	c.openConnections.Dec()
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
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
