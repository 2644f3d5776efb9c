package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "canrelay"

// Session close outcomes.
const (
	OutcomeWriteFailed = "write_failed"
	OutcomePeerClosed  = "peer_closed"
	OutcomeShutdown    = "shutdown"
	OutcomeRejected    = "rejected"
)

var (
	registerOnce sync.Once

	busFramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "frames_received_total",
		Help:      "Frames received from the CAN bus.",
	})
	busReceiveTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "receive_timeouts_total",
		Help:      "Bus receive calls that returned without a frame.",
	})
	sessionFramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "frames_sent_total",
		Help:      "Frames written to relay clients.",
	})
	sessionBytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "bytes_sent_total",
		Help:      "Bytes written to relay clients.",
	})
	sessionFramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped because a client queue was full.",
	})
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Relay sessions currently connected.",
	})
	sessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Relay sessions ended, by outcome.",
	}, []string{"outcome"})
	generatorFramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "generator",
		Name:      "frames_sent_total",
		Help:      "Frames sent by the transmit generator, by result.",
	}, []string{"result"})

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
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			busFramesReceived,
			busReceiveTimeouts,
			sessionFramesSent,
			sessionBytesSent,
			sessionFramesDropped,
			sessionsActive,
			sessionsTotal,
			generatorFramesSent,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordBusFrame() {
	RegisterMetrics()
	busFramesReceived.Inc()
}

func RecordBusTimeout() {
	RegisterMetrics()
	busReceiveTimeouts.Inc()
}

func RecordFrameSent(bytes int) {
	RegisterMetrics()
	sessionFramesSent.Inc()
	sessionBytesSent.Add(float64(bytes))
}

func RecordFrameDropped() {
	RegisterMetrics()
	sessionFramesDropped.Inc()
}

func SessionOpened() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func SessionClosed(outcome string) {
	RegisterMetrics()
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(outcome).Inc()
}

func SessionRejected() {
	RegisterMetrics()
	sessionsTotal.WithLabelValues(OutcomeRejected).Inc()
}

func RecordGeneratorSend(err error) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	generatorFramesSent.WithLabelValues(result).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
