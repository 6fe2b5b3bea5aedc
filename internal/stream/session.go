// Package stream owns the connection to an MJPEG-over-HTTP source: the
// reconnect state machine, pause and resume, and the read loop that
// hands frames to consumers.
package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/mjpeg-stream/internal/decode"
	"github.com/dj-oyu/mjpeg-stream/internal/dispatch"
	"github.com/dj-oyu/mjpeg-stream/internal/logger"
	"github.com/dj-oyu/mjpeg-stream/internal/metrics"
	"github.com/dj-oyu/mjpeg-stream/internal/mjpeg"
	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

// State is the lifecycle state of a Session.
type State int32

const (
	Idle State = iota
	Connecting
	Streaming
	Paused
	Retrying
	Cancelled
)

var stateNames = [...]string{"idle", "connecting", "streaming", "paused", "retrying", "cancelled"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

const (
	// DefaultReconnectDelay applies after every failed attempt.
	DefaultReconnectDelay = 3 * time.Second

	// Consecutive malformed parts tolerated on one connection.
	maxFramingErrors = 3
)

// Options configures a Session. Callbacks run on their own dispatch
// goroutines, in frame order, and must not call Cancel.
type Options struct {
	URL            string
	ReconnectDelay time.Duration
	Window         int
	MaxFrameSize   int
	// FrameRate sets the cadence of the debug fps trace.
	FrameRate int
	HighWater int

	Client  *http.Client
	Decoder decode.Decoder
	Metrics *metrics.Metrics

	// OnBytes receives every extracted frame before it is decoded.
	OnBytes func(types.Frame)
	// OnImage receives one reference to every decoded frame and must
	// Release it.
	OnImage func(*types.DecodedImage)
	OnState func(State)
}

// Session is one logical playback of a source. It is not restartable
// after Cancel.
type Session struct {
	id     string
	opts   Options
	log    logger.Scoped
	client *http.Client
	m      *metrics.Metrics
	sched  scheduler

	root     context.Context
	stopRoot context.CancelFunc

	mu        sync.Mutex
	state     State
	gen       uint64
	worker    chan struct{}
	abort     context.CancelFunc
	body      io.Closer
	resume    chan struct{}
	latest    *types.DecodedImage
	latestRaw types.Frame
	hasRaw    bool

	nextSeq atomic.Uint64

	bytesCh *dispatch.Channel[types.Frame]
	imageCh *dispatch.Channel[*types.DecodedImage]
	stateCh *dispatch.Channel[State]
}

// New creates an idle session. Nothing happens until Start. A zero
// ReconnectDelay means DefaultReconnectDelay.
func New(opts Options) *Session {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	s := &Session{
		id:     uuid.NewString(),
		opts:   opts,
		client: opts.Client,
		m:      opts.Metrics,
	}
	s.log = logger.For("Stream").With(s.id[:8])
	if s.client == nil {
		s.client = defaultClient()
	}
	if s.m == nil {
		s.m = metrics.New()
	}
	s.root, s.stopRoot = context.WithCancel(context.Background())

	var dopts []dispatch.Option
	if opts.HighWater > 0 {
		dopts = append(dopts, dispatch.WithHighWater(opts.HighWater))
	}
	if opts.OnBytes != nil {
		s.bytesCh = dispatch.New("bytes", opts.OnBytes, append(dopts,
			dispatch.WithDepthHook(func(d int) { s.m.BytesQueueDepth.Store(int64(d)) }))...)
	}
	if opts.OnImage != nil {
		s.imageCh = dispatch.New("image", opts.OnImage, append(dopts,
			dispatch.WithDepthHook(func(d int) { s.m.ImageQueueDepth.Store(int64(d)) }))...)
	}
	if opts.OnState != nil {
		s.stateCh = dispatch.New("state", opts.OnState)
	}
	return s
}

func defaultClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = 10 * time.Second
	return &http.Client{Transport: tr}
}

// ID identifies the session in logs and status output.
func (s *Session) ID() string { return s.id }

// URL returns the source location.
func (s *Session) URL() string { return s.opts.URL }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start schedules a connection attempt after delay. Any pending or
// running attempt is superseded first and a pending pause is lifted.
func (s *Session) Start(delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Cancelled {
		return ErrCancelled
	}
	if s.resume != nil {
		close(s.resume)
		s.resume = nil
	}
	s.gen++
	gen := s.gen
	s.abortLocked()
	s.sched.schedule(delay, func() { s.attempt(gen) })
	return nil
}

// Pause suspends frame delivery. The connection stays open and the read
// loop blocks until Resume.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Cancelled {
		return ErrCancelled
	}
	if s.resume == nil {
		s.resume = make(chan struct{})
	}
	if s.state == Streaming {
		s.setStateLocked(Paused)
	}
	return nil
}

// Resume continues delivery after Pause.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Cancelled {
		return ErrCancelled
	}
	if s.resume != nil {
		close(s.resume)
		s.resume = nil
	}
	if s.state == Paused {
		s.setStateLocked(Streaming)
	}
	return nil
}

// Cancel stops the session for good: the pending timer is dropped, the
// connection is closed, queued events are delivered and the last decoded
// image is released. It blocks until the read loop has exited.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state == Cancelled {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.setStateLocked(Cancelled)
	s.sched.stop()
	s.abortLocked()
	if s.resume != nil {
		close(s.resume)
		s.resume = nil
	}
	worker := s.worker
	s.mu.Unlock()

	s.stopRoot()
	if worker != nil {
		<-worker
	}

	if s.bytesCh != nil {
		s.bytesCh.Close()
	}
	if s.imageCh != nil {
		s.imageCh.Close()
	}
	if s.stateCh != nil {
		s.stateCh.Close()
	}

	s.mu.Lock()
	latest := s.latest
	s.latest = nil
	s.mu.Unlock()
	if latest != nil {
		latest.Release()
	}
	s.log.Info("Cancelled")
}

// GetLatestFrame returns a private copy of the most recent decoded
// image, or nil if nothing has been decoded yet.
func (s *Session) GetLatestFrame() *types.DecodedImage {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil {
		return nil
	}
	return s.latest.Clone()
}

// LatestBytes returns the most recent coded frame.
func (s *Session) LatestBytes() (types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestRaw, s.hasRaw
}

// NextSeq returns the sequence index the next extracted frame will carry.
func (s *Session) NextSeq() uint64 { return s.nextSeq.Load() }

func (s *Session) attempt(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state == Cancelled {
		s.mu.Unlock()
		return
	}
	prev := s.worker
	done := make(chan struct{})
	s.worker = done
	ctx, abort := context.WithCancel(s.root)
	s.abort = abort
	s.mu.Unlock()

	defer close(done)
	defer abort()

	if prev != nil {
		<-prev
	}
	s.request(ctx, gen)
}

func (s *Session) request(ctx context.Context, gen uint64) {
	u, err := url.Parse(s.opts.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		s.log.Debug("No transport for %q", s.opts.URL)
		return
	}
	if !s.transition(gen, Connecting) {
		return
	}

	s.m.ConnectAttempts.Add(1)
	s.log.Debug("Connecting to %s", s.opts.URL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		s.fail(gen, &ConnectError{URL: s.opts.URL, Err: err})
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.fail(gen, &ConnectError{URL: s.opts.URL, Err: err})
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		s.fail(gen, &HTTPStatusError{URL: s.opts.URL, StatusCode: resp.StatusCode, Status: resp.Status})
		return
	}
	if !s.attach(gen, resp.Body) {
		resp.Body.Close()
		return
	}
	s.log.Info("Streaming from %s", s.opts.URL)

	err = s.readLoop(ctx, resp.Body)
	s.detach(gen)
	if ctx.Err() != nil {
		return
	}
	s.fail(gen, err)
}

func (s *Session) readLoop(ctx context.Context, body io.Reader) error {
	d := mjpeg.NewDemuxer(body,
		mjpeg.WithWindow(s.opts.Window),
		mjpeg.WithMaxFrameSize(s.opts.MaxFrameSize),
		mjpeg.WithStartSeq(s.nextSeq.Load()),
	)

	var (
		framing    int
		consumed   int64
		traceCount int
		traceStart = time.Now()
	)
	for {
		if err := s.waitWhilePaused(ctx); err != nil {
			return err
		}

		frame, err := d.NextFrame()
		s.m.BytesRead.Add(uint64(d.BytesRead() - consumed))
		consumed = d.BytesRead()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var fe *mjpeg.FramingError
			if errors.As(err, &fe) {
				s.m.FramingErrors.Add(1)
				framing++
				if framing < maxFramingErrors {
					s.log.Warn("Skipping part: %v", err)
					continue
				}
			}
			return err
		}
		framing = 0
		s.nextSeq.Store(d.NextSeq())
		s.deliver(frame)

		if s.opts.FrameRate > 0 {
			traceCount++
			if traceCount == s.opts.FrameRate {
				s.log.Debug("frame %d, %d frames in %v", frame.Seq, traceCount, time.Since(traceStart).Round(time.Millisecond))
				traceCount = 0
				traceStart = time.Now()
			}
		}
	}
}

func (s *Session) waitWhilePaused(ctx context.Context) error {
	s.mu.Lock()
	ch := s.resume
	s.mu.Unlock()

	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) deliver(frame types.Frame) {
	s.m.FramesRead.Add(1)

	s.mu.Lock()
	s.latestRaw = frame
	s.hasRaw = true
	s.mu.Unlock()

	if s.bytesCh != nil {
		s.bytesCh.Push(frame)
	}
	if s.opts.Decoder == nil {
		return
	}

	start := time.Now()
	img, err := s.opts.Decoder.Decode(frame)
	if err != nil {
		s.m.DecodeErrors.Add(1)
		s.log.Warn("%v", err)
		return
	}
	s.m.FramesDecoded.Add(1)
	s.m.UpdateDecodeLatency(time.Since(start))

	if s.imageCh != nil && !s.imageCh.Push(img.Retain()) {
		img.Release()
	}

	s.mu.Lock()
	if s.state == Cancelled {
		s.mu.Unlock()
		img.Release()
		return
	}
	old := s.latest
	s.latest = img
	s.mu.Unlock()

	if old != nil {
		old.Release()
	}
}

func (s *Session) transition(gen uint64, st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.state == Cancelled {
		return false
	}
	s.setStateLocked(st)
	return true
}

func (s *Session) attach(gen uint64, body io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.state == Cancelled {
		return false
	}
	s.body = body
	if s.resume != nil {
		s.setStateLocked(Paused)
	} else {
		s.setStateLocked(Streaming)
	}
	return true
}

func (s *Session) detach(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen == s.gen && s.body != nil {
		s.body.Close()
		s.body = nil
	}
}

func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.state == Cancelled {
		return
	}

	var ce *ConnectError
	var he *HTTPStatusError
	if errors.As(err, &ce) || errors.As(err, &he) {
		s.m.ConnectFailures.Add(1)
	}
	if errors.Is(err, io.EOF) {
		s.log.Warn("Source closed the stream; retrying in %v", s.opts.ReconnectDelay)
	} else {
		s.log.Warn("%v; retrying in %v", err, s.opts.ReconnectDelay)
	}
	s.setStateLocked(Retrying)
	s.sched.schedule(s.opts.ReconnectDelay, func() { s.attempt(gen) })
}

func (s *Session) abortLocked() {
	if s.abort != nil {
		s.abort()
		s.abort = nil
	}
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("%s -> %s", s.state, st)
	s.state = st
	s.m.StreamState.Store(int64(st))
	if s.stateCh != nil {
		s.stateCh.Push(st)
	}
}
