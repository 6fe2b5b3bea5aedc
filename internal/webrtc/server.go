// Package webrtc serves a live WebRTC preview of the encoded recording.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/dj-oyu/mjpeg-stream/internal/logger"
	"github.com/dj-oyu/mjpeg-stream/internal/metrics"
	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

const (
	// H.264 clock rate (90kHz for video)
	h264ClockRate = 90000

	clientBacklog = 30
)

// ErrTooManyClients is returned by HandleOffer at the client limit.
var ErrTooManyClients = errors.New("webrtc: maximum clients reached")

// Options configure a Server.
type Options struct {
	STUNServers []string
	MaxClients  int
	FrameRate   int
	Metrics     *metrics.Metrics
}

// Client represents a connected WebRTC client
type Client struct {
	id         string
	peerConn   *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample
	frameChan  chan *types.H264Frame
	closeChan  chan struct{}
	closeOnce  sync.Once

	// Samples are held back until an IDR arrives.
	synced        atomic.Bool
	lastPTS       int64
	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

// ClientStats is a snapshot of one client's counters.
type ClientStats struct {
	ID      string `json:"id"`
	Sent    uint64 `json:"frames_sent"`
	Dropped uint64 `json:"frames_dropped"`
}

// Server manages WebRTC connections
type Server struct {
	clients   map[string]*Client
	clientsMu sync.RWMutex
	config    webrtc.Configuration
	api       *webrtc.API
	opts      Options
	m         *metrics.Metrics
	log       logger.Scoped
}

// NewServer creates a new WebRTC server
func NewServer(opts Options) *Server {
	if opts.FrameRate <= 0 {
		opts.FrameRate = 25
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	iceServers := make([]webrtc.ICEServer, 0, len(opts.STUNServers))
	for _, url := range opts.STUNServers {
		if url != "" {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
		}
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	log := logger.For("WebRTC")
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		log.Error("Failed to register codecs: %v", err)
	}

	return &Server{
		clients: make(map[string]*Client),
		config:  webrtc.Configuration{ICEServers: iceServers},
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(settingsEngine),
			webrtc.WithMediaEngine(mediaEngine),
		),
		opts: opts,
		m:    opts.Metrics,
		log:  log,
	}
}

// HandleOffer answers a JSON session description. The answer carries
// all gathered ICE candidates.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if s.opts.MaxClients > 0 && s.ClientCount() >= s.opts.MaxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.opts.MaxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	client, err := s.newClient(peerConn)
	if err != nil {
		peerConn.Close()
		return nil, err
	}

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		peerConn.Close()
		return nil, errors.New("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()
	s.m.ActiveClients.Add(1)
	s.m.TotalClients.Add(1)

	go s.sendFrames(client)
	s.log.Info("Client %s connected", client.id)
	return answerJSON, nil
}

func (s *Server) newClient(peerConn *webrtc.PeerConnection) (*Client, error) {
	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: h264ClockRate},
		"video",
		"mjpeg-stream",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	rtpSender, err := peerConn.AddTrack(videoTrack)
	if err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	// RTCP must be read for interceptors to run.
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()

	client := &Client{
		id:         uuid.NewString(),
		peerConn:   peerConn,
		videoTrack: videoTrack,
		frameChan:  make(chan *types.H264Frame, clientBacklog),
		closeChan:  make(chan struct{}),
		lastPTS:    -1,
	}
	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("Client %s connection state: %s", client.id, state)
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			s.RemoveClient(client.id)
		}
	})
	return client, nil
}

// SendSample queues an encoded frame for every client without blocking.
// Clients that are still waiting for an IDR skip it.
func (s *Server) SendSample(frame *types.H264Frame) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		client.offer(frame)
	}
}

func (c *Client) offer(frame *types.H264Frame) bool {
	if !c.synced.Load() {
		if !frame.IsIDR {
			return false
		}
		c.synced.Store(true)
	}
	select {
	case <-c.closeChan:
		return false
	case c.frameChan <- frame:
		return true
	default:
		c.framesDropped.Add(1)
		// Dropped references break the chain; wait for the next IDR.
		c.synced.Store(false)
		return false
	}
}

func (s *Server) sendFrames(client *Client) {
	defer s.RemoveClient(client.id)

	frameDuration := time.Second / time.Duration(s.opts.FrameRate)
	for {
		select {
		case <-client.closeChan:
			return
		case frame := <-client.frameChan:
			duration := frameDuration
			if client.lastPTS >= 0 && frame.PTS > client.lastPTS {
				duration = time.Duration(frame.PTS-client.lastPTS) * time.Microsecond
			}
			client.lastPTS = frame.PTS

			if err := client.videoTrack.WriteSample(media.Sample{
				Data:     frame.Data,
				Duration: duration,
			}); err != nil {
				if !errors.Is(err, io.ErrClosedPipe) {
					s.m.WebRTCErrors.Add(1)
					s.log.Warn("Error writing sample for client %s: %v", client.id, err)
				}
				return
			}
			client.framesSent.Add(1)
			s.m.WebRTCSamplesSent.Add(1)

			if frame.FrameNum%uint64(s.opts.FrameRate) == 0 {
				s.log.Debug("Sent frame #%d to client %s", frame.FrameNum, client.id)
			}
		}
	}
}

// RemoveClient disconnects a client. Unknown ids are ignored.
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	s.m.ActiveClients.Add(^uint64(0))
	client.close()
	s.log.Info("Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.framesSent.Load(), client.framesDropped.Load())
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.peerConn.Close()
	})
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Stats returns per-client counters.
func (s *Server) Stats() []ClientStats {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make([]ClientStats, 0, len(s.clients))
	for id, client := range s.clients {
		stats = append(stats, ClientStats{
			ID:      id,
			Sent:    client.framesSent.Load(),
			Dropped: client.framesDropped.Load(),
		})
	}
	return stats
}

// Close disconnects every client.
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
