// Package monitor is the operator HTTP surface: it re-broadcasts the
// incoming MJPEG stream, reports status and drives pause, resume,
// recording and WebRTC preview.
package monitor

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dj-oyu/mjpeg-stream/internal/config"
	"github.com/dj-oyu/mjpeg-stream/internal/logger"
	"github.com/dj-oyu/mjpeg-stream/internal/metrics"
	"github.com/dj-oyu/mjpeg-stream/internal/recorder"
	"github.com/dj-oyu/mjpeg-stream/internal/stream"
	"github.com/dj-oyu/mjpeg-stream/internal/webrtc"
	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

// Source is the stream session the monitor observes.
type Source interface {
	ID() string
	URL() string
	State() stream.State
	NextSeq() uint64
	LatestBytes() (types.Frame, bool)
	Pause() error
	Resume() error
}

// Recorder controls recordings.
type Recorder interface {
	Start(path string) error
	Stop(timeout time.Duration) (recorder.RecordingStatus, error)
	Status() recorder.RecordingStatus
	Delete() error
}

// Preview answers WebRTC offers.
type Preview interface {
	HandleOffer(offer []byte) ([]byte, error)
	Stats() []webrtc.ClientStats
}

// Deps are the components behind the endpoints. Recorder and Preview may
// be nil, in which case their endpoints answer 503.
type Deps struct {
	Source   Source
	Recorder Recorder
	Preview  Preview
	Metrics  *metrics.Metrics
}

var (
	errNoRecorder = errors.New("recording is not configured")
	errNoPreview  = errors.New("webrtc preview is not configured")
)

// Server serves the monitor endpoints.
type Server struct {
	cfg         Config
	src         Source
	rec         Recorder
	preview     Preview
	monitor     *Monitor
	broadcaster *Broadcaster
	blank       []byte
	log         logger.Scoped
}

// NewServer returns a configured monitor server.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Source == nil {
		return nil, errors.New("monitor: source is required")
	}
	cfg = cfg.withDefaults()
	blank, err := blankJPEG(cfg.BlankWidth, cfg.BlankHeight)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:         cfg,
		src:         deps.Source,
		rec:         deps.Recorder,
		preview:     deps.Preview,
		monitor:     NewMonitor(cfg.TargetFPS),
		broadcaster: NewBroadcaster(deps.Metrics),
		blank:       blank,
		log:         logger.For("Monitor"),
	}, nil
}

// Publish hands one extracted frame to the viewers. frame.Data is shared
// with them and must not be modified afterwards.
func (s *Server) Publish(frame types.Frame) {
	s.monitor.ObserveFrame(frame)
	s.broadcaster.Publish(frame.Data)
}

// ObserveImage records a decoded frame. The caller keeps its reference.
func (s *Server) ObserveImage(img *types.DecodedImage) {
	s.monitor.ObserveImage(img)
}

// Close disconnects every viewer.
func (s *Server) Close() {
	s.broadcaster.Close()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/frame.jpg", s.handleFrame)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/pause", s.handlePause)
	mux.HandleFunc("/api/resume", s.handleResume)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/api/recording/delete", s.handleRecordingDelete)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, indexHTML)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	s.streamMJPEG(w, r, frameCh)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	id, frameCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	s.log.Debug("WebSocket viewer #%d connected from %s", id, r.RemoteAddr)
	s.pumpWebSocket(conn, frameCh)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	frame, ok := s.src.LatestBytes()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("no frame received yet"))
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	_, _ = w.Write(frame.Data)
}

// Status assembles the current status payload.
func (s *Server) Status() Status {
	st := Status{
		Stream: StreamStatus{
			ID:      s.src.ID(),
			URL:     s.src.URL(),
			State:   s.src.State().String(),
			NextSeq: s.src.NextSeq(),
		},
		Monitor:   s.monitor.Snapshot(),
		Viewers:   s.broadcaster.Len(),
		Timestamp: float64(time.Now().UnixMilli()) / 1e3,
	}
	if s.rec != nil {
		rs := s.rec.Status()
		st.Recording = &rs
	}
	if s.preview != nil {
		st.WebRTC = s.preview.Stats()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeNegotiated(w, r, s.Status())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.Status()); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.src.Pause(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.log.Info("Paused by %s", r.RemoteAddr)
	writeJSON(w, map[string]any{"state": s.src.State().String()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.src.Resume(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.log.Info("Resumed by %s", r.RemoteAddr)
	writeJSON(w, map[string]any{"state": s.src.State().String()})
}

type recordingRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.rec == nil {
		writeError(w, http.StatusServiceUnavailable, errNoRecorder)
		return
	}

	var req recordingRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONWithStatus(w, map[string]any{"error": "Invalid request body"}, http.StatusBadRequest)
			return
		}
	}
	if req.Path == "" {
		req.Path = s.cfg.RecordPath
	}

	if err := s.rec.Start(req.Path); err != nil {
		writeError(w, recordingErrorStatus(err), err)
		return
	}
	writeJSON(w, s.rec.Status())
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.rec == nil {
		writeError(w, http.StatusServiceUnavailable, errNoRecorder)
		return
	}

	status, err := s.rec.Stop(s.cfg.StopTimeout)
	if errors.Is(err, recorder.ErrNotRecording) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		// The file may still be usable; report both.
		writeJSONWithStatus(w, map[string]any{"error": err.Error(), "recording": status}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, status)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.rec == nil {
		writeError(w, http.StatusServiceUnavailable, errNoRecorder)
		return
	}
	writeNegotiated(w, r, s.rec.Status())
}

func (s *Server) handleRecordingDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.rec == nil {
		writeError(w, http.StatusServiceUnavailable, errNoRecorder)
		return
	}
	if err := s.rec.Delete(); err != nil {
		writeError(w, recordingErrorStatus(err), err)
		return
	}
	writeJSON(w, map[string]any{"deleted": true})
}

func recordingErrorStatus(err error) int {
	var cfgErr *config.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, recorder.ErrAlreadyRecording),
		errors.Is(err, recorder.ErrNotRecording),
		errors.Is(err, recorder.ErrRecordingActive):
		return http.StatusConflict
	case errors.Is(err, recorder.ErrNoRecording):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.preview == nil {
		writeError(w, http.StatusServiceUnavailable, errNoPreview)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	var offer struct {
		SDP  string `json:"sdp"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &offer); err != nil || offer.SDP == "" || offer.Type == "" {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.preview.HandleOffer(body)
	if errors.Is(err, webrtc.ErrTooManyClients) {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if err != nil {
		s.log.Warn("WebRTC offer from %s: %v", r.RemoteAddr, err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", contentJSON)
	_, _ = w.Write(answer)
}
