package encoder

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dj-oyu/mjpeg-stream/internal/decode"
	"github.com/dj-oyu/mjpeg-stream/internal/metrics"
	"github.com/dj-oyu/mjpeg-stream/internal/yuv"
	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

type submission struct {
	size int
	pts  int64
	eos  bool
}

type fakeEncoder struct {
	mu         sync.Mutex
	layout     yuv.Layout
	denySlots  int
	formats    int
	earlyEOS   bool
	afterEOS   bool
	pending    []OutputUnit
	submitted  []submission
	closed     bool
	frameBytes int
}

func (f *fakeEncoder) Layout() yuv.Layout { return f.layout }

func (f *fakeEncoder) AcquireInput(timeout time.Duration) (Slot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denySlots > 0 {
		f.denySlots--
		return Slot{}, false, nil
	}
	return Slot{Index: len(f.submitted), Buf: make([]byte, 0, f.frameBytes)}, true, nil
}

func (f *fakeEncoder) Submit(slot Slot, data []byte, pts int64, eos bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	first := len(f.submitted) == 0
	f.submitted = append(f.submitted, submission{size: len(data), pts: pts, eos: eos})
	if first {
		for i := 0; i < f.formats; i++ {
			f.pending = append(f.pending, OutputUnit{Format: &Format{MIME: MIMEAVC, Width: 16, Height: 16}})
		}
		f.pending = append(f.pending, OutputUnit{Config: true, Data: []byte{0, 0, 0, 1, 0x67}})
	}
	if eos {
		f.pending = append(f.pending, OutputUnit{EOS: true})
		if f.afterEOS {
			f.pending = append(f.pending, OutputUnit{Data: []byte{0, 0, 0, 1, 0x41}, PTS: pts})
		}
		return nil
	}
	f.pending = append(f.pending, OutputUnit{
		Data:     []byte{0, 0, 0, 1, 0x65},
		PTS:      pts,
		KeyFrame: first,
		EOS:      first && f.earlyEOS,
	})
	return nil
}

func (f *fakeEncoder) PollOutput(timeout time.Duration) (OutputUnit, bool, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		u := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return u, true, nil
	}
	f.mu.Unlock()
	time.Sleep(timeout)
	return OutputUnit{}, false, nil
}

func (f *fakeEncoder) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEncoder) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submitted...)
}

type fakeMuxer struct {
	mu            sync.Mutex
	tracks        int
	started       bool
	samples       []SampleInfo
	finalized     bool
	afterFinalize int
	failAddTrack  error
}

func (m *fakeMuxer) AddTrack(Format) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAddTrack != nil {
		return -1, m.failAddTrack
	}
	m.tracks++
	return m.tracks - 1, nil
}

func (m *fakeMuxer) Start() error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMuxer) WriteSample(track int, data []byte, info SampleInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		m.afterFinalize++
	}
	m.samples = append(m.samples, info)
	return nil
}

func (m *fakeMuxer) Finalize() error {
	m.mu.Lock()
	m.finalized = true
	m.mu.Unlock()
	return nil
}

func jpegFrame(t *testing.T, seq uint64, w, h int) types.Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return types.Frame{Seq: seq, Data: buf.Bytes(), Timestamp: time.Now()}
}

type harness struct {
	enc     *fakeEncoder
	mux     *fakeMuxer
	m       *metrics.Metrics
	ends    atomic.Int32
	results chan Result
}

func newHarness() *harness {
	return &harness{
		enc:     &fakeEncoder{formats: 1, frameBytes: yuv.FrameSize(16, 16)},
		mux:     &fakeMuxer{},
		m:       metrics.New(),
		results: make(chan Result, 4),
	}
}

func (h *harness) start(t *testing.T) *Session {
	t.Helper()
	s, err := New(Config{
		Width: 16, Height: 16, FrameRate: 25, BitRate: 500_000,
		KeyFrameInterval: 1, PollTimeout: 5 * time.Millisecond,
	}, Deps{
		NewEncoder: func(Config) (Encoder, error) { return h.enc, nil },
		Muxer:      h.mux,
		Metrics:    h.m,
		OnEnd: func(r Result) {
			h.ends.Add(1)
			h.results <- r
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func (h *harness) wait(t *testing.T, s *Session) Result {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not stop; state %s", s.State())
	}
	return <-h.results
}

func TestEncodeTimestampsAndMuxing(t *testing.T) {
	h := newHarness()
	s := h.start(t)

	for i := 0; i < 5; i++ {
		if err := s.Encode(jpegFrame(t, uint64(i), 16, 16)); err != nil {
			t.Fatalf("Encode %d: %v", i, err)
		}
	}
	s.End()
	res := h.wait(t, s)

	if res.Err != nil {
		t.Fatalf("Result.Err = %v", res.Err)
	}
	subs := h.enc.submissions()
	if len(subs) != 6 {
		t.Fatalf("%d submissions, want 5 frames + EOS", len(subs))
	}
	for i, sub := range subs[:5] {
		if want := int64(i) * 40_000; sub.pts != want {
			t.Errorf("frame %d pts = %d, want %d", i, sub.pts, want)
		}
		if sub.size != yuv.FrameSize(16, 16) || sub.eos {
			t.Errorf("frame %d submission %+v", i, sub)
		}
	}
	if !subs[5].eos || subs[5].pts != 200_000 {
		t.Errorf("last submission %+v, want EOS at 200000", subs[5])
	}

	if h.mux.tracks != 1 || !h.mux.started || !h.mux.finalized {
		t.Errorf("muxer tracks=%d started=%v finalized=%v", h.mux.tracks, h.mux.started, h.mux.finalized)
	}
	if len(h.mux.samples) != 5 {
		t.Errorf("%d samples written, want 5 (config discarded)", len(h.mux.samples))
	}
	if !h.mux.samples[0].KeyFrame {
		t.Error("first sample not marked key frame")
	}
	if res.Frames != 5 || res.Samples != 5 || res.Duration != 200*time.Millisecond {
		t.Errorf("Result = %+v", res)
	}
	if s.State() != Stopped {
		t.Errorf("State = %s", s.State())
	}
	if h.ends.Load() != 1 {
		t.Errorf("OnEnd called %d times", h.ends.Load())
	}
	if !h.enc.closed {
		t.Error("encoder not closed")
	}
}

func TestRepeatedFormatChangeRegistersOnce(t *testing.T) {
	h := newHarness()
	h.enc.formats = 2
	s := h.start(t)

	s.Encode(jpegFrame(t, 0, 16, 16))
	s.End()
	h.wait(t, s)

	if h.mux.tracks != 1 {
		t.Errorf("AddTrack called %d times", h.mux.tracks)
	}
}

func TestNothingWrittenAfterEOS(t *testing.T) {
	h := newHarness()
	h.enc.afterEOS = true
	s := h.start(t)

	for i := 0; i < 3; i++ {
		s.Encode(jpegFrame(t, uint64(i), 16, 16))
	}
	s.End()
	res := h.wait(t, s)

	if len(h.mux.samples) != 3 || res.Samples != 3 {
		t.Errorf("samples = %d, want 3", len(h.mux.samples))
	}
	if h.mux.afterFinalize != 0 {
		t.Errorf("%d writes after finalize", h.mux.afterFinalize)
	}
	if h.ends.Load() != 1 {
		t.Errorf("OnEnd called %d times", h.ends.Load())
	}
}

func TestEOSOutsideEndIsIgnored(t *testing.T) {
	h := newHarness()
	h.enc.earlyEOS = true
	s := h.start(t)

	s.Encode(jpegFrame(t, 0, 16, 16))
	time.Sleep(50 * time.Millisecond)
	if st := s.State(); st != Encoding {
		t.Fatalf("State = %s after stray EOS, want encoding", st)
	}
	s.Encode(jpegFrame(t, 1, 16, 16))
	s.End()
	res := h.wait(t, s)

	if res.Samples != 2 || res.Err != nil {
		t.Errorf("Result = %+v", res)
	}
}

func TestBadFrameIsDropped(t *testing.T) {
	h := newHarness()
	s := h.start(t)

	s.Encode(jpegFrame(t, 0, 16, 16))
	s.Encode(types.Frame{Seq: 1, Data: []byte{0xff, 0xd8, 0x00, 0x01}})
	s.Encode(jpegFrame(t, 2, 16, 16))
	s.End()
	res := h.wait(t, s)

	if res.Frames != 2 || res.Dropped != 1 {
		t.Errorf("Result = %+v", res)
	}
	subs := h.enc.submissions()
	if subs[0].pts != 0 || subs[1].pts != 40_000 {
		t.Errorf("pts after drop = %d, %d", subs[0].pts, subs[1].pts)
	}
	if h.m.FramesDropped.Load() != 1 {
		t.Errorf("FramesDropped = %d", h.m.FramesDropped.Load())
	}
}

func TestSizeMismatchIsDropped(t *testing.T) {
	h := newHarness()
	s, err := New(Config{Width: 16, Height: 16, FrameRate: 25, BitRate: 1, PollTimeout: 5 * time.Millisecond}, Deps{
		NewEncoder: func(Config) (Encoder, error) { return h.enc, nil },
		Muxer:      h.mux,
		Decoder:    decode.NewJPEGDecoder(),
		OnEnd:      func(r Result) { h.results <- r },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Encode(jpegFrame(t, 0, 32, 32))
	s.End()
	res := h.wait(t, s)
	if res.Dropped != 1 || res.Frames != 0 {
		t.Errorf("Result = %+v", res)
	}
}

func TestEncodeAfterStop(t *testing.T) {
	h := newHarness()
	s := h.start(t)
	s.End()
	h.wait(t, s)

	if err := s.Encode(jpegFrame(t, 0, 16, 16)); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("Encode after stop = %v", err)
	}
	s.End()
	s.Close()
}

func TestInputSlotBackpressure(t *testing.T) {
	h := newHarness()
	h.enc.denySlots = 3
	s := h.start(t)

	s.Encode(jpegFrame(t, 0, 16, 16))
	s.End()
	res := h.wait(t, s)

	if res.Frames != 1 {
		t.Errorf("Frames = %d", res.Frames)
	}
	if got := h.m.InputSlotTimeout.Load(); got != 3 {
		t.Errorf("InputSlotTimeout = %d, want 3", got)
	}
}

func TestCloseAborts(t *testing.T) {
	h := newHarness()
	s := h.start(t)
	s.Encode(jpegFrame(t, 0, 16, 16))

	start := time.Now()
	s.Close()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Close took %v", elapsed)
	}
	res := <-h.results
	if !errors.Is(res.Err, ErrAborted) {
		t.Errorf("Result.Err = %v", res.Err)
	}
	if h.ends.Load() != 1 {
		t.Errorf("OnEnd called %d times", h.ends.Load())
	}
}

func TestConstructionFailures(t *testing.T) {
	boom := errors.New("no hardware encoder")
	tests := []struct {
		name string
		cfg  Config
		deps Deps
		op   string
	}{
		{
			name: "factory",
			cfg:  Config{Width: 16, Height: 16, FrameRate: 25, BitRate: 1},
			deps: Deps{Muxer: &fakeMuxer{}, NewEncoder: func(Config) (Encoder, error) { return nil, boom }},
			op:   "create encoder",
		},
		{
			name: "odd size",
			cfg:  Config{Width: 15, Height: 16, FrameRate: 25, BitRate: 1},
			deps: Deps{Muxer: &fakeMuxer{}, NewEncoder: func(Config) (Encoder, error) { return &fakeEncoder{}, nil }},
			op:   "configure",
		},
		{
			name: "no muxer",
			cfg:  Config{Width: 16, Height: 16, FrameRate: 25, BitRate: 1},
			deps: Deps{NewEncoder: func(Config) (Encoder, error) { return &fakeEncoder{}, nil }},
			op:   "create muxer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.deps)
			var fe *FatalError
			if !errors.As(err, &fe) {
				t.Fatalf("New = %v, want *FatalError", err)
			}
			if fe.Op != tt.op {
				t.Errorf("Op = %q, want %q", fe.Op, tt.op)
			}
		})
	}
}

func TestMuxerFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.mux.failAddTrack = errors.New("disk full")
	s := h.start(t)

	s.Encode(jpegFrame(t, 0, 16, 16))
	res := h.wait(t, s)

	var fe *FatalError
	if !errors.As(res.Err, &fe) || fe.Op != "add track" {
		t.Errorf("Result.Err = %v", res.Err)
	}
	if !errors.Is(s.Err(), res.Err) {
		t.Errorf("Err() = %v", s.Err())
	}
}

func TestGOPSize(t *testing.T) {
	if got := (Config{FrameRate: 25, KeyFrameInterval: 2}).GOPSize(); got != 50 {
		t.Errorf("GOPSize = %d, want 50", got)
	}
	if got := (Config{FrameRate: 25}).GOPSize(); got != 1 {
		t.Errorf("GOPSize = %d, want 1", got)
	}
}
