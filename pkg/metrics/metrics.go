package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 实时中继的Prometheus指标：连接数、事件吞吐与延迟、错误分类、总线与限流

var (
	// 连接指标
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Current number of connections held by this process",
		},
	)

	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total number of accepted connections",
		},
	)

	ConnectionsPeak = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections_peak",
			Help: "Peak number of concurrent connections since process start",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connections_rejected_total",
			Help: "Total number of refused handshakes",
		},
		[]string{"reason"},
	)

	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_disconnects_total",
			Help: "Total number of closed connections by reason",
		},
		[]string{"reason"}, // "client", "idle", "heartbeat", "drain", "error"
	)

	// 事件指标
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Total number of inbound events by result",
		},
		[]string{"event", "result"},
	)

	EventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_event_duration_seconds",
			Help:    "Inbound event handling latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Total number of per-event errors by type",
		},
		[]string{"type"},
	)

	OutboundDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_outbound_dropped_total",
			Help: "Outbound frames dropped because the connection queue was full",
		},
	)

	// 广播总线指标
	BusMessagesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_bus_published_total",
			Help: "Total number of messages published on the broadcast bus",
		},
	)

	BusMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_bus_received_total",
			Help: "Total number of messages received from the broadcast bus",
		},
	)

	BusPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_bus_publish_errors_total",
			Help: "Total number of failed bus publishes",
		},
	)

	BusSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_bus_subscriptions",
			Help: "Number of bus channels this process is subscribed to",
		},
	)

	// 限流指标
	RateLimitRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ratelimit_rejected_total",
			Help: "Total number of events rejected by the rate limiter",
		},
		[]string{"event"},
	)

	RateLimitFailOpen = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ratelimit_fail_open_total",
			Help: "Events allowed because the counter store was unavailable",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

var (
	activeConnections atomic.Int64
	peakConnections   atomic.Int64
)

// ConnectionOpened 记录新连接并更新峰值
func ConnectionOpened() {
	ConnectionsTotal.Inc()
	n := activeConnections.Add(1)
	ConnectionsActive.Set(float64(n))
	for {
		peak := peakConnections.Load()
		if n <= peak {
			return
		}
		if peakConnections.CompareAndSwap(peak, n) {
			ConnectionsPeak.Set(float64(n))
			return
		}
	}
}

// ConnectionClosed 记录连接关闭
func ConnectionClosed(reason string) {
	n := activeConnections.Add(-1)
	ConnectionsActive.Set(float64(n))
	Disconnects.WithLabelValues(reason).Inc()
}

// PeakConnections 进程启动以来的连接峰值
func PeakConnections() int64 {
	return peakConnections.Load()
}

// RecordEvent 记录一次入站事件的结果与耗时
func RecordEvent(event, result string, duration time.Duration) {
	EventsTotal.WithLabelValues(event, result).Inc()
	EventDuration.WithLabelValues(event).Observe(duration.Seconds())
}

// RecordError 按错误类型计数
func RecordError(errType string) {
	ErrorsTotal.WithLabelValues(errType).Inc()
}
