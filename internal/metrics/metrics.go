package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline counters. Fields are updated with atomics
// on the hot paths and read lazily by the Prometheus gauges.
type Metrics struct {
	// Ingest
	ConnectAttempts atomic.Uint64
	ConnectFailures atomic.Uint64
	FramesRead      atomic.Uint64
	BytesRead       atomic.Uint64
	FramingErrors   atomic.Uint64
	StreamState     atomic.Int64 // stream.State ordinal

	// Decode
	FramesDecoded atomic.Uint64
	DecodeErrors  atomic.Uint64

	// Event queues
	BytesQueueDepth atomic.Int64
	ImageQueueDepth atomic.Int64

	// Encode
	FramesSubmitted  atomic.Uint64
	FramesDropped    atomic.Uint64
	SamplesWritten   atomic.Uint64
	EncodeErrors     atomic.Uint64
	InputSlotTimeout atomic.Uint64

	// WebRTC preview
	ActiveClients     atomic.Uint64
	TotalClients      atomic.Uint64
	WebRTCSamplesSent atomic.Uint64
	WebRTCErrors      atomic.Uint64

	// Recording
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	// Monitor re-broadcast
	MonitorClients       atomic.Int64
	MonitorFramesSent    atomic.Uint64
	MonitorFramesSkipped atomic.Uint64

	// Latency in milliseconds, last observed value
	FrameLatencyMs  atomic.Uint64
	DecodeLatencyMs atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "mjpeg", Name: name, Help: help},
		fn,
	))
}

func u64(v *atomic.Uint64) func() float64 {
	return func() float64 { return float64(v.Load()) }
}

func i64(v *atomic.Int64) func() float64 {
	return func() float64 { return float64(v.Load()) }
}

func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("connect_attempts_total", "Connection attempts made to the camera", u64(&m.ConnectAttempts))
	m.gauge("connect_failures_total", "Connection attempts that failed", u64(&m.ConnectFailures))
	m.gauge("frames_read_total", "JPEG frames extracted from the multipart stream", u64(&m.FramesRead))
	m.gauge("bytes_read_total", "Bytes consumed from the multipart stream", u64(&m.BytesRead))
	m.gauge("framing_errors_total", "Malformed or truncated parts", u64(&m.FramingErrors))
	m.gauge("stream_state", "Current stream session state", i64(&m.StreamState))

	m.gauge("frames_decoded_total", "JPEG frames decoded to images", u64(&m.FramesDecoded))
	m.gauge("decode_errors_total", "JPEG frames that failed to decode", u64(&m.DecodeErrors))

	m.gauge("bytes_queue_depth", "Undelivered raw frame events", i64(&m.BytesQueueDepth))
	m.gauge("image_queue_depth", "Undelivered decoded image events", i64(&m.ImageQueueDepth))

	m.gauge("encode_frames_submitted_total", "Frames queued to the encoder", u64(&m.FramesSubmitted))
	m.gauge("encode_frames_dropped_total", "Frames dropped before encoding", u64(&m.FramesDropped))
	m.gauge("encode_samples_written_total", "Encoded samples handed to the muxer", u64(&m.SamplesWritten))
	m.gauge("encode_errors_total", "Encoder and muxer errors", u64(&m.EncodeErrors))
	m.gauge("encode_input_slot_timeouts_total", "Input slot polls that timed out", u64(&m.InputSlotTimeout))

	m.gauge("webrtc_active_clients", "Connected WebRTC preview clients", u64(&m.ActiveClients))
	m.gauge("webrtc_total_clients", "WebRTC preview clients seen", u64(&m.TotalClients))
	m.gauge("webrtc_samples_sent_total", "Samples written to WebRTC tracks", u64(&m.WebRTCSamplesSent))
	m.gauge("webrtc_errors_total", "WebRTC write errors", u64(&m.WebRTCErrors))

	m.gauge("recording_active", "Recording active (0=inactive, 1=active)", u64(&m.RecordingActive))
	m.gauge("recording_bytes", "Bytes written to the current recording", u64(&m.RecordingBytes))
	m.gauge("recording_frames", "Samples written to the current recording", u64(&m.RecordingFrames))

	m.gauge("monitor_clients", "Connected MJPEG and websocket viewers", i64(&m.MonitorClients))
	m.gauge("monitor_frames_sent_total", "Frames fanned out to viewers", u64(&m.MonitorFramesSent))
	m.gauge("monitor_frames_skipped_total", "Frames skipped for slow viewers", u64(&m.MonitorFramesSkipped))

	m.gauge("frame_latency_ms", "Time from frame arrival to encoder submission", u64(&m.FrameLatencyMs))
	m.gauge("decode_latency_ms", "Time spent decoding the last frame", u64(&m.DecodeLatencyMs))
}

// UpdateFrameLatency records the time elapsed since arrival.
func (m *Metrics) UpdateFrameLatency(arrival time.Time) {
	m.FrameLatencyMs.Store(uint64(time.Since(arrival).Milliseconds()))
}

// UpdateDecodeLatency records how long a decode took.
func (m *Metrics) UpdateDecodeLatency(d time.Duration) {
	m.DecodeLatencyMs.Store(uint64(d.Milliseconds()))
}

// ResetRecording clears the per-recording counters.
func (m *Metrics) ResetRecording() {
	m.RecordingBytes.Store(0)
	m.RecordingFrames.Store(0)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
