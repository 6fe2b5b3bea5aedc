package monitor

import (
	"github.com/dj-oyu/mjpeg-stream/internal/recorder"
	"github.com/dj-oyu/mjpeg-stream/internal/webrtc"
)

// MonitorStats describes the incoming stream as seen by the monitor.
type MonitorStats struct {
	FramesProcessed uint64  `json:"frames_processed"`
	FramesDecoded   uint64  `json:"frames_decoded"`
	BytesReceived   uint64  `json:"bytes_received"`
	CurrentFPS      float64 `json:"current_fps"`
	TargetFPS       int     `json:"target_fps"`
	LastSeq         uint64  `json:"last_seq"`
	LastFrameAge    float64 `json:"last_frame_age_seconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// StreamStatus describes the source session.
type StreamStatus struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	State   string `json:"state"`
	NextSeq uint64 `json:"next_seq"`
}

// Status is the payload of /api/status.
type Status struct {
	Stream    StreamStatus              `json:"stream"`
	Monitor   MonitorStats              `json:"monitor"`
	Recording *recorder.RecordingStatus `json:"recording,omitempty"`
	WebRTC    []webrtc.ClientStats      `json:"webrtc_clients,omitempty"`
	Viewers   int                       `json:"viewers"`
	Timestamp float64                   `json:"timestamp"`
}
