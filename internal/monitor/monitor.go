package monitor

import (
	"sync"
	"time"

	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

// fpsWindow is the span over which CurrentFPS is averaged.
const fpsWindow = 2 * time.Second

// Monitor keeps the viewer-facing statistics of the incoming stream.
type Monitor struct {
	startTime time.Time
	targetFPS int
	now       func() time.Time

	mu          sync.Mutex
	frames      uint64
	bytes       uint64
	lastSeq     uint64
	lastFrame   time.Time
	width       int
	height      int
	decoded     uint64
	windowStart time.Time
	windowCount int
	fps         float64
}

// NewMonitor creates a Monitor for a stream expected to run at targetFPS.
func NewMonitor(targetFPS int) *Monitor {
	return &Monitor{
		startTime: time.Now(),
		targetFPS: targetFPS,
		now:       time.Now,
	}
}

// ObserveFrame records one extracted frame.
func (m *Monitor) ObserveFrame(frame types.Frame) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.frames++
	m.bytes += uint64(len(frame.Data))
	m.lastSeq = frame.Seq
	m.lastFrame = now

	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	m.windowCount++
	if elapsed := now.Sub(m.windowStart); elapsed >= fpsWindow {
		m.fps = float64(m.windowCount) / elapsed.Seconds()
		m.windowStart = now
		m.windowCount = 0
	}
}

// ObserveImage records the dimensions of a decoded frame. It does not
// keep img.
func (m *Monitor) ObserveImage(img *types.DecodedImage) {
	m.mu.Lock()
	m.decoded++
	m.width = img.Width()
	m.height = img.Height()
	m.mu.Unlock()
}

// Snapshot returns the current statistics.
func (m *Monitor) Snapshot() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MonitorStats{
		FramesProcessed: m.frames,
		FramesDecoded:   m.decoded,
		BytesReceived:   m.bytes,
		CurrentFPS:      m.fps,
		TargetFPS:       m.targetFPS,
		LastSeq:         m.lastSeq,
		Width:           m.width,
		Height:          m.height,
		UptimeSeconds:   m.now().Sub(m.startTime).Seconds(),
	}
	if !m.lastFrame.IsZero() {
		stats.LastFrameAge = m.now().Sub(m.lastFrame).Seconds()
	}
	return stats
}
