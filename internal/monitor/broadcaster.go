package monitor

import (
	"sync"

	"github.com/dj-oyu/mjpeg-stream/internal/logger"
	"github.com/dj-oyu/mjpeg-stream/internal/metrics"
)

// subscriberBuffer is how many frames a viewer may fall behind before
// frames are skipped for it.
const subscriberBuffer = 2

// Broadcaster fans JPEG frames out to any number of viewers. A slow viewer
// misses frames; it never stalls Publish.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	closed  bool
	m       *metrics.Metrics
	log     logger.Scoped
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(m *metrics.Metrics) *Broadcaster {
	if m == nil {
		m = metrics.New()
	}
	return &Broadcaster{
		clients: make(map[int]chan []byte),
		m:       m,
		log:     logger.For("Broadcaster"),
	}
}

// Subscribe adds a viewer. The channel is closed by Unsubscribe or Close.
func (b *Broadcaster) Subscribe() (int, <-chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan []byte, subscriberBuffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch
	b.m.MonitorClients.Add(1)
	b.log.Debug("Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a viewer. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.clients[id]
	if !ok {
		return
	}
	close(ch)
	delete(b.clients, id)
	b.m.MonitorClients.Add(-1)
	b.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	if len(b.clients) == 0 {
		b.log.Info("No viewers remaining")
	}
}

// Publish offers data to every viewer. data must not be modified
// afterwards since viewers share it.
func (b *Broadcaster) Publish(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.clients {
		select {
		case ch <- data:
			b.m.MonitorFramesSent.Add(1)
		default:
			b.m.MonitorFramesSkipped.Add(1)
		}
	}
}

// Len returns the number of viewers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects every viewer and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
		b.m.MonitorClients.Add(-1)
	}
}
