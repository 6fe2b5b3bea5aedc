// Package encoder drives a video encoder service across a sequence of
// JPEG frames: decode, convert to 4:2:0, timestamp, submit, and route the
// encoded output into a muxer until end of stream.
package encoder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/mjpeg-stream/internal/decode"
	"github.com/dj-oyu/mjpeg-stream/internal/logger"
	"github.com/dj-oyu/mjpeg-stream/internal/metrics"
	"github.com/dj-oyu/mjpeg-stream/internal/yuv"
	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

// State is the lifecycle state of a Session.
type State int32

const (
	Idle State = iota
	Encoding
	EndRequested
	Drained
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Encoding:
		return "encoding"
	case EndRequested:
		return "end-requested"
	case Drained:
		return "drained"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// DefaultPollTimeout bounds every wait on the encoder.
const DefaultPollTimeout = 30 * time.Millisecond

// errDrained ends the worker loop after the end-of-stream unit.
var errDrained = errors.New("drained")

// Config holds the encode parameters.
type Config struct {
	Width     int
	Height    int
	FrameRate int
	BitRate   int
	// KeyFrameInterval is in seconds. Zero makes every frame a key frame.
	KeyFrameInterval int
	PollTimeout      time.Duration
}

// GOPSize returns the key-frame distance in frames.
func (c Config) GOPSize() int {
	if c.KeyFrameInterval <= 0 {
		return 1
	}
	return c.KeyFrameInterval * c.FrameRate
}

// PTS returns the presentation timestamp of frame i in microseconds.
func (c Config) PTS(i uint64) int64 {
	return int64(i) * 1_000_000 / int64(c.FrameRate)
}

func (c Config) validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("invalid size %dx%d", c.Width, c.Height)
	case c.Width%2 != 0 || c.Height%2 != 0:
		return fmt.Errorf("size %dx%d is not even", c.Width, c.Height)
	case c.FrameRate <= 0:
		return fmt.Errorf("invalid frame rate %d", c.FrameRate)
	case c.BitRate <= 0:
		return fmt.Errorf("invalid bit rate %d", c.BitRate)
	}
	return nil
}

// Result is reported once when a session stops.
type Result struct {
	Frames  uint64
	Dropped uint64
	Samples uint64
	// Duration is the media time covered by the submitted frames.
	Duration time.Duration
	Err      error
}

// Deps are the services a session drives.
type Deps struct {
	NewEncoder Factory
	Muxer      Muxer
	// Decoder defaults to a JPEG decoder resizing to the encode size.
	Decoder decode.Decoder
	Metrics *metrics.Metrics
	// OnEnd is called exactly once, from the worker goroutine.
	OnEnd func(Result)
}

// Session owns one encoder and one muxer for its whole life. It cannot
// be resumed once stopped.
type Session struct {
	cfg    Config
	enc    Encoder
	layout yuv.Layout
	mux    Muxer
	dec    decode.Decoder
	m      *metrics.Metrics
	log    logger.Scoped
	onEnd  func(Result)

	mu          sync.Mutex
	state       State
	queue       []types.Frame
	inputClosed bool
	err         error

	wake  chan struct{}
	abort chan struct{}
	once  sync.Once
	done  chan struct{}

	// owned by the worker
	index   uint64
	dropped uint64
	samples uint64
	track   int
	started bool
}

// New builds the encoder and starts the worker. Any failure here is a
// *FatalError.
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if err := cfg.validate(); err != nil {
		return nil, &FatalError{Op: "configure", Err: err}
	}
	if deps.Muxer == nil {
		return nil, &FatalError{Op: "create muxer", Err: errors.New("no muxer")}
	}
	if deps.NewEncoder == nil {
		return nil, &FatalError{Op: "create encoder", Err: errors.New("no encoder factory")}
	}
	enc, err := deps.NewEncoder(cfg)
	if err != nil {
		return nil, &FatalError{Op: "create encoder", Err: err}
	}

	s := &Session{
		cfg:    cfg,
		enc:    enc,
		layout: enc.Layout(),
		mux:    deps.Muxer,
		dec:    deps.Decoder,
		m:      deps.Metrics,
		log:    logger.For("Encoder"),
		onEnd:  deps.OnEnd,
		state:  Encoding,
		wake:   make(chan struct{}, 1),
		abort:  make(chan struct{}),
		done:   make(chan struct{}),
		track:  -1,
	}
	if s.dec == nil {
		s.dec = decode.NewJPEGDecoder(decode.WithResize(cfg.Width, cfg.Height))
	}
	if s.m == nil {
		s.m = metrics.New()
	}

	s.log.Info("Encoding %dx%d@%d %d bps, GOP %d, %s input",
		cfg.Width, cfg.Height, cfg.FrameRate, cfg.BitRate, cfg.GOPSize(), s.layout)
	go s.run()
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Encode queues one JPEG frame. Frames are accepted until the worker
// has queued end of stream to the encoder.
func (s *Session) Encode(frame types.Frame) error {
	s.mu.Lock()
	if s.inputClosed {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.queue = append(s.queue, frame)
	s.mu.Unlock()

	s.signal()
	return nil
}

// End requests a graceful stop: queued frames are encoded, then end of
// stream is signalled and the muxer finalized.
func (s *Session) End() {
	s.mu.Lock()
	if s.state == Encoding {
		s.state = EndRequested
		s.log.Info("End requested, %d frames queued", len(s.queue))
	}
	s.mu.Unlock()

	s.signal()
}

// Close tears the session down without draining and waits for the
// worker. Safe to call after the session stopped on its own.
func (s *Session) Close() {
	s.once.Do(func() { close(s.abort) })
	<-s.done
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error the session stopped with, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) aborted() bool {
	select {
	case <-s.abort:
		return true
	default:
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)

	err := s.loop()
	if errors.Is(err, errDrained) {
		err = nil
	}
	s.finish(err)
}

func (s *Session) loop() error {
	eosSent := false
	for {
		if s.aborted() {
			return ErrAborted
		}

		progressed := false
		if !eosSent {
			frame, ok, ending := s.popInput()
			switch {
			case ok:
				if err := s.submit(frame); err != nil {
					return err
				}
				progressed = true
			case ending:
				if err := s.submitEOS(); err != nil {
					return err
				}
				eosSent = true
				progressed = true
			}
		}

		timeout := s.cfg.PollTimeout
		if progressed {
			timeout = 0
		}
		if err := s.drainOutput(timeout); err != nil {
			return err
		}
		if !progressed && !eosSent {
			// Idle: wait for input, bounded so late output is still drained.
			select {
			case <-s.wake:
			case <-s.abort:
			case <-time.After(s.cfg.PollTimeout):
			}
		}
	}
}

// popInput takes the next queued frame. ending reports that the queue is
// empty with an end requested; input is closed in the same step.
func (s *Session) popInput() (frame types.Frame, ok, ending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) > 0 {
		frame = s.queue[0]
		s.queue[0] = types.Frame{}
		s.queue = s.queue[1:]
		return frame, true, false
	}
	if s.state == EndRequested {
		s.inputClosed = true
		return frame, false, true
	}
	return frame, false, false
}

func (s *Session) submit(frame types.Frame) error {
	img, err := s.dec.Decode(frame)
	if err != nil {
		s.drop(frame, err)
		return nil
	}
	defer img.Release()

	if img.Width() != s.cfg.Width || img.Height() != s.cfg.Height {
		s.drop(frame, fmt.Errorf("decoded %dx%d, encoder wants %dx%d",
			img.Width(), img.Height(), s.cfg.Width, s.cfg.Height))
		return nil
	}

	slot, err := s.acquire()
	if err != nil {
		return err
	}
	data := yuv.ConvertInto(slot.Buf, s.layout, img.Image)
	pts := s.cfg.PTS(s.index)
	if err := s.enc.Submit(slot, data, pts, false); err != nil {
		s.m.EncodeErrors.Add(1)
		return &FatalError{Op: "submit", Err: err}
	}
	s.index++
	s.m.FramesSubmitted.Add(1)
	if !frame.Timestamp.IsZero() {
		s.m.UpdateFrameLatency(frame.Timestamp)
	}
	return nil
}

func (s *Session) submitEOS() error {
	slot, err := s.acquire()
	if err != nil {
		return err
	}
	if err := s.enc.Submit(slot, nil, s.cfg.PTS(s.index), true); err != nil {
		s.m.EncodeErrors.Add(1)
		return &FatalError{Op: "submit end of stream", Err: err}
	}
	s.log.Debug("End of stream queued after %d frames", s.index)
	return nil
}

// acquire waits for an input slot, draining output between attempts so
// the encoder can free one.
func (s *Session) acquire() (Slot, error) {
	for {
		if s.aborted() {
			return Slot{}, ErrAborted
		}
		slot, ok, err := s.enc.AcquireInput(s.cfg.PollTimeout)
		if err != nil {
			s.m.EncodeErrors.Add(1)
			return Slot{}, &FatalError{Op: "acquire input", Err: err}
		}
		if ok {
			return slot, nil
		}
		s.m.InputSlotTimeout.Add(1)
		if err := s.drainOutput(0); err != nil {
			return Slot{}, err
		}
	}
}

func (s *Session) drop(frame types.Frame, err error) {
	s.dropped++
	s.m.FramesDropped.Add(1)
	s.log.Warn("Dropping frame %d: %v", frame.Seq, err)
}

func (s *Session) drainOutput(timeout time.Duration) error {
	for {
		unit, ok, err := s.enc.PollOutput(timeout)
		if err != nil {
			s.m.EncodeErrors.Add(1)
			return &FatalError{Op: "poll output", Err: err}
		}
		if !ok {
			return nil
		}
		timeout = 0
		if err := s.route(unit); err != nil {
			return err
		}
	}
}

func (s *Session) route(unit OutputUnit) error {
	switch {
	case unit.Format != nil:
		if s.started {
			s.log.Warn("Ignoring repeated format change")
			break
		}
		track, err := s.mux.AddTrack(*unit.Format)
		if err != nil {
			return &FatalError{Op: "add track", Err: err}
		}
		if err := s.mux.Start(); err != nil {
			return &FatalError{Op: "start muxer", Err: err}
		}
		s.track, s.started = track, true
		s.log.Info("Muxer started: %s %dx%d", unit.Format.MIME, unit.Format.Width, unit.Format.Height)

	case unit.Config:
		s.log.Debug("Discarding %d bytes of codec config", len(unit.Data))

	case len(unit.Data) > 0:
		if !s.started {
			s.log.Warn("Sample at %dus before format change, dropping", unit.PTS)
			break
		}
		info := SampleInfo{PTS: unit.PTS, KeyFrame: unit.KeyFrame, Size: len(unit.Data)}
		if err := s.mux.WriteSample(s.track, unit.Data, info); err != nil {
			s.m.EncodeErrors.Add(1)
			return &FatalError{Op: "write sample", Err: err}
		}
		s.samples++
		s.m.SamplesWritten.Add(1)
	}

	if unit.EOS {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == EndRequested {
			s.state = Drained
			return errDrained
		}
		s.log.Warn("End-of-stream flag in state %s, ignored", s.state)
	}
	return nil
}

func (s *Session) finish(err error) {
	if s.started {
		if ferr := s.mux.Finalize(); ferr != nil {
			s.log.Error("Finalize muxer: %v", ferr)
			if err == nil {
				err = &FatalError{Op: "finalize muxer", Err: ferr}
			}
		}
	}
	if cerr := s.enc.Close(); cerr != nil {
		s.log.Warn("Close encoder: %v", cerr)
	}

	s.mu.Lock()
	s.state = Stopped
	s.inputClosed = true
	s.err = err
	s.dropped += uint64(len(s.queue))
	s.queue = nil
	s.mu.Unlock()

	res := Result{
		Frames:   s.index,
		Dropped:  s.dropped,
		Samples:  s.samples,
		Duration: time.Duration(s.cfg.PTS(s.index)) * time.Microsecond,
		Err:      err,
	}
	if err != nil {
		s.log.Warn("Stopped after %d frames: %v", res.Frames, err)
	} else {
		s.log.Info("Stopped: %d frames, %d samples, %v", res.Frames, res.Samples, res.Duration)
	}
	if s.onEnd != nil {
		s.onEnd(res)
	}
}
