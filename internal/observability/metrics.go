package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	chatRequestsTotal     *prometheus.CounterVec
	chatLatencySeconds    *prometheus.HistogramVec
	chatErrorsTotal       *prometheus.CounterVec
	chatConnectionsActive prometheus.Gauge
	chatConnectionsTotal  prometheus.Counter
	chatMessagesSent      *prometheus.CounterVec
	chatBroadcastDropped  prometheus.Counter
	chatStoreWriteSeconds prometheus.Histogram
	uploadLatencySeconds  prometheus.Histogram
	uploadRejectedTotal   *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors for the chat service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		chatRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Total number of chat API requests served.",
		}, []string{"method", "route", "status"})

		chatLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_latency_seconds",
			Help:    "Latency distribution for chat API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		chatErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_errors_total",
			Help: "Total number of error responses returned by chat endpoints.",
		}, []string{"method", "route", "status"})

		chatConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Number of websocket connections currently registered.",
		})

		chatConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total number of websocket connections accepted.",
		})

		chatMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Total number of chat messages persisted, by message type.",
		}, []string{"type"})

		chatBroadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_broadcast_dropped_total",
			Help: "Total number of realtime frames dropped for slow or gone clients.",
		})

		chatStoreWriteSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_store_write_seconds",
			Help:    "Latency distribution for message store writes.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		})

		uploadLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_upload_seconds",
			Help:    "Latency distribution for attachment uploads.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		})

		uploadRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_upload_rejected_total",
			Help: "Total number of attachment uploads rejected, by reason.",
		}, []string{"reason"})

		prometheus.MustRegister(
			chatRequestsTotal,
			chatLatencySeconds,
			chatErrorsTotal,
			chatConnectionsActive,
			chatConnectionsTotal,
			chatMessagesSent,
			chatBroadcastDropped,
			chatStoreWriteSeconds,
			uploadLatencySeconds,
			uploadRejectedTotal,
		)
	})
}

// ChatRequests exposes the counter for chat API requests.
func ChatRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return chatRequestsTotal
}

// ChatLatency exposes the latency histogram for chat API requests.
func ChatLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return chatLatencySeconds
}

// ChatErrors exposes the counter for chat API error responses.
func ChatErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return chatErrorsTotal
}

// ChatConnectionsActive exposes the gauge of registered connections.
func ChatConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatConnectionsActive
}

// ChatConnectionsTotal exposes the counter of accepted connections.
func ChatConnectionsTotal() prometheus.Counter {
	RegisterMetrics()
	return chatConnectionsTotal
}

// ChatMessagesSent exposes the counter of persisted messages.
func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSent
}

// ChatBroadcastDropped exposes the counter of dropped realtime frames.
func ChatBroadcastDropped() prometheus.Counter {
	RegisterMetrics()
	return chatBroadcastDropped
}

// ChatStoreWrite exposes the store write latency histogram.
func ChatStoreWrite() prometheus.Histogram {
	RegisterMetrics()
	return chatStoreWriteSeconds
}

// UploadLatency exposes the upload latency histogram.
func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatencySeconds
}

// UploadRejected exposes the counter of rejected uploads.
func UploadRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejectedTotal
}
