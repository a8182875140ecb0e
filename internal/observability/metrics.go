package observability

import (
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/framewire/internal/protocol/frame"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framewire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "framewire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	codecFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framewire",
			Subsystem: "codec",
			Name:      "frames_total",
			Help:      "Frames decoded (in) or encoded (out).",
		},
		[]string{"node", "direction"},
	)
	codecBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framewire",
			Subsystem: "codec",
			Name:      "bytes_total",
			Help:      "Wire bytes decoded (in) or encoded (out), headers included.",
		},
		[]string{"node", "direction"},
	)
	codecErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framewire",
			Subsystem: "codec",
			Name:      "errors_total",
			Help:      "Codec failures by kind.",
		},
		[]string{"node", "kind"},
	)
	serverConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "framewire",
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Frame stream connections currently open.",
		},
		[]string{"node"},
	)
	forwardStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "framewire",
			Subsystem: "forward",
			Name:      "streams_active",
			Help:      "Connections currently forwarded to a local port.",
		},
		[]string{"node"},
	)
	forwardRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framewire",
			Subsystem: "forward",
			Name:      "rejected_total",
			Help:      "Forward attempts refused by the stream limit or a failed local dial.",
		},
		[]string{"node", "reason"},
	)
	handleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "framewire",
			Subsystem: "server",
			Name:      "handle_duration_seconds",
			Help:      "Handler duration per command in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "command"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			codecFrames,
			codecBytes,
			codecErrors,
			serverConnections,
			forwardStreams,
			forwardRejected,
			handleDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(node, direction string, wireBytes int) {
	RegisterMetrics()
	codecFrames.WithLabelValues(node, direction).Inc()
	codecBytes.WithLabelValues(node, direction).Add(float64(wireBytes))
}

func RecordCodecError(node string, err error) {
	RegisterMetrics()
	codecErrors.WithLabelValues(node, ErrorKind(err)).Inc()
}

func ConnectionOpened(node string) {
	RegisterMetrics()
	serverConnections.WithLabelValues(node).Inc()
}

func ConnectionClosed(node string) {
	RegisterMetrics()
	serverConnections.WithLabelValues(node).Dec()
}

func ForwardOpened(node string) {
	RegisterMetrics()
	forwardStreams.WithLabelValues(node).Inc()
}

func ForwardClosed(node string) {
	RegisterMetrics()
	forwardStreams.WithLabelValues(node).Dec()
}

func ForwardRejected(node, reason string) {
	RegisterMetrics()
	forwardRejected.WithLabelValues(node, reason).Inc()
}

func RecordHandle(node, command string, duration time.Duration) {
	RegisterMetrics()
	handleDuration.WithLabelValues(node, command).Observe(duration.Seconds())
}

// ErrorKind buckets codec errors into a small, stable label set.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, frame.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, frame.ErrUnexpectedEOF):
		return "unexpected_eof"
	case errors.Is(err, frame.ErrOversizedPayload):
		return "oversized_payload"
	case errors.Is(err, frame.ErrDecoderClosed):
		return "decoder_closed"
	case errors.Is(err, io.EOF):
		return "eof"
	default:
		return "io"
	}
}

// StreamObserver feeds frame stream activity into the codec metrics.
type StreamObserver struct {
	Node string
}

func (o StreamObserver) FrameIn(f frame.Frame, wireBytes int) {
	RecordFrame(o.Node, DirectionIn, wireBytes)
}

func (o StreamObserver) FrameOut(f frame.Frame, wireBytes int) {
	RecordFrame(o.Node, DirectionOut, wireBytes)
}

func (o StreamObserver) StreamError(err error) {
	RecordCodecError(o.Node, err)
}
