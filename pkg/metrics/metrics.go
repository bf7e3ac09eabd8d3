// Package metrics はPrometheus形式のメトリクスを提供する。
//
// サービスごとに専用のレジストリを持ち、/metrics で公開する。
// グローバルなデフォルトレジストリは使わないため、テストで複数の
// サーバーを同時に生成しても登録が衝突しない。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskhub"

// Metrics はサービスのメトリクス一式。
type Metrics struct {
	registry *prometheus.Registry

	// ProxyRequests はgatewayが転送したリクエスト数（route, status別）。
	ProxyRequests *prometheus.CounterVec
	// ProxyDuration はgatewayの転送にかかった時間（route別）。
	ProxyDuration *prometheus.HistogramVec
	// AuthFailures は認証に失敗したリクエスト数（kind別）。
	AuthFailures *prometheus.CounterVec
	// EventsPublished はイベントバスへの発行数（topic別）。
	EventsPublished *prometheus.CounterVec
	// EventsDelivered は購読者に届いたイベント数（topic別）。
	EventsDelivered *prometheus.CounterVec
	// EventsDropped は受信バッファが一杯で破棄したイベント数（topic別）。
	EventsDropped *prometheus.CounterVec
	// ActiveConnections は接続中のWebSocket数。
	ActiveConnections prometheus.Gauge
	// ActiveSubscriptions は実行中の購読オペレーション数。
	ActiveSubscriptions prometheus.Gauge
}

// New はサービス名をラベルに持つメトリクスを生成する。
func New(service string) *Metrics {
	labels := prometheus.Labels{"service": service}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ProxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "proxy",
			Name:        "requests_total",
			Help:        "Number of requests forwarded to backends.",
			ConstLabels: labels,
		}, []string{"route", "status"}),
		ProxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "proxy",
			Name:        "request_duration_seconds",
			Help:        "Time spent forwarding requests to backends.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"route"}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "auth",
			Name:        "failures_total",
			Help:        "Number of rejected credentials.",
			ConstLabels: labels,
		}, []string{"kind"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "eventbus",
			Name:        "published_total",
			Help:        "Number of events published.",
			ConstLabels: labels,
		}, []string{"topic"}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "eventbus",
			Name:        "delivered_total",
			Help:        "Number of events handed to subscribers.",
			ConstLabels: labels,
		}, []string{"topic"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "eventbus",
			Name:        "dropped_total",
			Help:        "Number of events dropped because a subscriber buffer was full.",
			ConstLabels: labels,
		}, []string{"topic"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "bridge",
			Name:        "connections",
			Help:        "Number of open subscriber connections.",
			ConstLabels: labels,
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "bridge",
			Name:        "subscriptions",
			Help:        "Number of running subscription operations.",
			ConstLabels: labels,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ProxyRequests,
		m.ProxyDuration,
		m.AuthFailures,
		m.EventsPublished,
		m.EventsDelivered,
		m.EventsDropped,
		m.ActiveConnections,
		m.ActiveSubscriptions,
	)
	return m
}

// Handler は /metrics 用のHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry はメトリクスのレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveProxy は1回の転送結果を記録する。
func (m *Metrics) ObserveProxy(route string, status int, elapsed time.Duration) {
	m.ProxyRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.ProxyDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObservePublish はイベントバスの配信結果を記録する。eventbus.Observer を実装する。
func (m *Metrics) ObservePublish(topic string, delivered, dropped int) {
	m.EventsPublished.WithLabelValues(topic).Inc()
	m.EventsDelivered.WithLabelValues(topic).Add(float64(delivered))
	m.EventsDropped.WithLabelValues(topic).Add(float64(dropped))
}

// ObserveDrop は購読側で破棄したイベント数を記録する。
func (m *Metrics) ObserveDrop(topic string, n int) {
	m.EventsDropped.WithLabelValues(topic).Add(float64(n))
}
