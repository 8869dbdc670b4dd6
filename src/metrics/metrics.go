package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry 本服务专用的注册表
var Registry = prometheus.NewRegistry()

var (
	// 连接
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "goster_connections_active",
			Help: "Number of open device connections",
		},
	)

	StaleClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "goster_stale_closed_total",
			Help: "Connections closed by the stale sweep",
		},
	)

	// 帧
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goster_frames_total",
			Help: "Frames received by kind",
		},
		[]string{"kind"},
	)

	DecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "goster_decode_errors_total",
			Help: "Frames dropped because they could not be decoded",
		},
	)

	UnidentifiedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "goster_unidentified_frames_total",
			Help: "Frames dropped because no registered device matched",
		},
	)

	// 过滤与事件
	PingsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "goster_pings_accepted_total",
			Help: "Pings accepted by the filter chain",
		},
	)

	PingsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goster_pings_rejected_total",
			Help: "Pings rejected by the filter chain by failed check",
		},
		[]string{"reason"},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goster_events_total",
			Help: "Events emitted by type",
		},
		[]string{"type"},
	)

	// 下游
	BroadcastDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "goster_broadcast_dropped_total",
			Help: "Messages dropped because a subscriber was not keeping up",
		},
	)

	StoreWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goster_store_writes_total",
			Help: "Store writes by kind and result",
		},
		[]string{"kind", "result"},
	)

	StoreDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "goster_store_dropped_total",
			Help: "Records dropped because the store queue was full",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	Registry.MustRegister(ConnectionsActive)
	Registry.MustRegister(StaleClosed)
	Registry.MustRegister(FramesTotal)
	Registry.MustRegister(DecodeErrors)
	Registry.MustRegister(UnidentifiedFrames)
	Registry.MustRegister(PingsAccepted)
	Registry.MustRegister(PingsRejected)
	Registry.MustRegister(EventsTotal)
	Registry.MustRegister(BroadcastDropped)
	Registry.MustRegister(StoreWrites)
	Registry.MustRegister(StoreDropped)
}

// Handler 返回 /metrics 的 HTTP 处理器
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
