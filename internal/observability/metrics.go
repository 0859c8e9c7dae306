package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/framesrv/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "framesrv"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"server", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method", "path", "status"},
	)

	connsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "accepted_total",
			Help:      "Connections accepted and registered.",
		},
		[]string{"server"},
	)
	connsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "rejected_total",
			Help:      "Connections closed right after accept.",
		},
		[]string{"server"},
	)
	connsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "closed_total",
			Help:      "Connections closed, by reason.",
		},
		[]string{"server", "reason"},
	)
	connsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "active",
			Help:      "Currently open connections.",
		},
		[]string{"server"},
	)
	connBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "bytes_total",
			Help:      "Socket bytes transferred, by direction.",
		},
		[]string{"server", "direction"},
	)
	framesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "decoded_total",
			Help:      "Complete frames delivered to the handler.",
		},
		[]string{"server"},
	)
	frameSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "payload_bytes",
			Help:      "Decoded frame payload size.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 9),
		},
		[]string{"server"},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame",
			Name:      "protocol_errors_total",
			Help:      "Framing errors, by kind.",
		},
		[]string{"server", "kind"},
	)
	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handler",
			Name:      "duration_seconds",
			Help:      "Frame handler duration in seconds.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"server", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			connsAccepted, connsRejected, connsClosed, connsActive, connBytes,
			framesDecoded, frameSize, protocolErrors, handlerDuration,
		)
	})
}

func RecordHTTPRequest(server, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(server, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(server, method, path, statusLabel).Observe(duration.Seconds())
}

var _ server.Observer = (*LoopMetrics)(nil)

// LoopMetrics records event loop activity for one server. It satisfies
// server.Observer. Label lookups for fixed labels happen once, up front.
type LoopMetrics struct {
	server string

	accepted     prometheus.Counter
	rejected     prometheus.Counter
	active       prometheus.Gauge
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
	frames       prometheus.Counter
	frameSize    prometheus.Observer
	handlerOK    prometheus.Observer
	handlerErr   prometheus.Observer
}

func NewLoopMetrics(server string) *LoopMetrics {
	RegisterMetrics()
	return &LoopMetrics{
		server:       server,
		accepted:     connsAccepted.WithLabelValues(server),
		rejected:     connsRejected.WithLabelValues(server),
		active:       connsActive.WithLabelValues(server),
		bytesRead:    connBytes.WithLabelValues(server, "read"),
		bytesWritten: connBytes.WithLabelValues(server, "written"),
		frames:       framesDecoded.WithLabelValues(server),
		frameSize:    frameSize.WithLabelValues(server),
		handlerOK:    handlerDuration.WithLabelValues(server, "ok"),
		handlerErr:   handlerDuration.WithLabelValues(server, "error"),
	}
}

func (m *LoopMetrics) ConnOpened() {
	m.accepted.Inc()
	m.active.Inc()
}

func (m *LoopMetrics) ConnRejected() {
	m.rejected.Inc()
}

func (m *LoopMetrics) ConnClosed(reason string) {
	m.active.Dec()
	connsClosed.WithLabelValues(m.server, reason).Inc()
}

func (m *LoopMetrics) FrameDecoded(size int) {
	m.frames.Inc()
	m.frameSize.Observe(float64(size))
}

func (m *LoopMetrics) ProtocolError(kind string) {
	protocolErrors.WithLabelValues(m.server, kind).Inc()
}

func (m *LoopMetrics) BytesRead(n int) {
	m.bytesRead.Add(float64(n))
}

func (m *LoopMetrics) BytesWritten(n int) {
	m.bytesWritten.Add(float64(n))
}

func (m *LoopMetrics) HandlerDone(d time.Duration, failed bool) {
	if failed {
		m.handlerErr.Observe(d.Seconds())
		return
	}
	m.handlerOK.Observe(d.Seconds())
}
