package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meshvmail"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	chunksSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transmitter",
			Name:      "chunks_sent_total",
			Help:      "Chunk transmissions by attempt kind.",
		},
		[]string{"attempt"},
	)
	acksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transmitter",
			Name:      "acks_total",
			Help:      "Inbound ACKs by correlation result.",
		},
		[]string{"result"},
	)
	chunksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "chunks_total",
			Help:      "Inbound chunks by validation result.",
		},
		[]string{"result"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "messages_total",
			Help:      "Terminal message outcomes.",
		},
		[]string{"direction", "state"},
	)
	transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transfer_duration_seconds",
			Help:      "Time from first chunk to terminal outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"direction", "state"},
	)
	linkDatagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "datagrams_total",
			Help:      "Link datagrams by kind and direction.",
		},
		[]string{"kind", "direction", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			chunksSent, acksReceived, chunksReceived,
			messages, transferDuration,
			linkDatagrams,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordChunkSent counts one transmission; retransmit distinguishes timer-driven resends.
func RecordChunkSent(retransmit bool) {
	RegisterMetrics()
	attempt := "initial"
	if retransmit {
		attempt = "retransmit"
	}
	chunksSent.WithLabelValues(attempt).Inc()
}

// RecordAck counts an inbound ACK as matched or stale.
func RecordAck(matched bool) {
	RegisterMetrics()
	result := "stale"
	if matched {
		result = "matched"
	}
	acksReceived.WithLabelValues(result).Inc()
}

// RecordChunkReceived counts an inbound chunk by result:
// accepted, duplicate, late, checksum, invalid.
func RecordChunkReceived(result string) {
	RegisterMetrics()
	chunksReceived.WithLabelValues(result).Inc()
}

func RecordMessage(direction, state string, duration time.Duration) {
	RegisterMetrics()
	messages.WithLabelValues(direction, state).Inc()
	if duration > 0 {
		transferDuration.WithLabelValues(direction, state).Observe(duration.Seconds())
	}
}

// RecordLinkDatagram counts link-level traffic, e.g. ("udp", "rx", "dropped").
func RecordLinkDatagram(kind, direction, result string) {
	RegisterMetrics()
	linkDatagrams.WithLabelValues(kind, direction, result).Inc()
}
