package recorder

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/mjpeg-stream/internal/config"
	"github.com/dj-oyu/mjpeg-stream/internal/encoder"
	"github.com/dj-oyu/mjpeg-stream/internal/ffmpeg"
	"github.com/dj-oyu/mjpeg-stream/internal/yuv"
	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1e}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
	idrAU   = []byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x21}
	sliceAU = []byte{0, 0, 0, 1, 0x41, 0x9a, 0x02}
)

// stubEncoder turns every submitted frame into one sample, the first an IDR.
type stubEncoder struct {
	mu      sync.Mutex
	pending []encoder.OutputUnit
	count   int
}

func (e *stubEncoder) Layout() yuv.Layout { return yuv.I420 }

func (e *stubEncoder) AcquireInput(time.Duration) (encoder.Slot, bool, error) {
	return encoder.Slot{}, true, nil
}

func (e *stubEncoder) Submit(_ encoder.Slot, _ []byte, pts int64, eos bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if eos {
		e.pending = append(e.pending, encoder.OutputUnit{EOS: true})
		return nil
	}
	if e.count == 0 {
		e.pending = append(e.pending, encoder.OutputUnit{Format: &encoder.Format{
			MIME: encoder.MIMEAVC, Width: 16, Height: 16, FrameRate: 10, SPS: testSPS, PPS: testPPS,
		}})
	}
	au, key := sliceAU, false
	if e.count == 0 {
		au, key = idrAU, true
	}
	e.pending = append(e.pending, encoder.OutputUnit{Data: au, PTS: pts, KeyFrame: key})
	e.count++
	return nil
}

func (e *stubEncoder) PollOutput(timeout time.Duration) (encoder.OutputUnit, bool, error) {
	e.mu.Lock()
	if len(e.pending) > 0 {
		u := e.pending[0]
		e.pending = e.pending[1:]
		e.mu.Unlock()
		return u, true, nil
	}
	e.mu.Unlock()
	time.Sleep(timeout)
	return encoder.OutputUnit{}, false, nil
}

func (e *stubEncoder) Close() error { return nil }

func stubFactory(encoder.Config) (encoder.Encoder, error) { return &stubEncoder{}, nil }

func testFrame(t *testing.T, seq uint64) types.Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 16)), nil); err != nil {
		t.Fatal(err)
	}
	return types.Frame{Seq: seq, Data: buf.Bytes()}
}

func TestAnnexBMuxerPrependsHeaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.h264")
	m := NewAnnexBMuxer(path)
	if _, err := m.AddTrack(encoder.Format{SPS: testSPS, PPS: testPPS}); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	// A slice before the first IDR cannot be decoded and is skipped.
	m.WriteSample(0, sliceAU, encoder.SampleInfo{})
	m.WriteSample(0, idrAU, encoder.SampleInfo{KeyFrame: true})
	m.WriteSample(0, sliceAU, encoder.SampleInfo{PTS: 100_000})
	if err := m.Finalize(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := bytes.Join([][]byte{withStartCode(testSPS), withStartCode(testPPS), idrAU, sliceAU}, nil)
	if !bytes.Equal(got, want) {
		t.Errorf("file = %x\nwant  %x", got, want)
	}
	if frames, _ := m.Stats(); frames != 2 {
		t.Errorf("frames = %d, want 2", frames)
	}
}

func TestTeeSkipsSamplesBeforeKeyFrame(t *testing.T) {
	mux := NewAnnexBMuxer(filepath.Join(t.TempDir(), "out.h264"))
	var sunk []*types.H264Frame
	tee := NewTee(mux, func(f *types.H264Frame) { sunk = append(sunk, f) }, nil)
	if _, err := tee.AddTrack(encoder.Format{Width: 16, Height: 16, SPS: testSPS, PPS: testPPS}); err != nil {
		t.Fatal(err)
	}
	if err := tee.Start(); err != nil {
		t.Fatal(err)
	}
	defer tee.Finalize()

	for _, s := range []struct {
		data []byte
		info encoder.SampleInfo
	}{
		{sliceAU, encoder.SampleInfo{}},
		{sliceAU, encoder.SampleInfo{PTS: 100_000}},
		{idrAU, encoder.SampleInfo{PTS: 200_000}},
		{sliceAU, encoder.SampleInfo{PTS: 300_000}},
	} {
		if err := tee.WriteSample(0, s.data, s.info); err != nil {
			t.Fatal(err)
		}
	}

	frames, size := tee.Stats()
	if frames != 2 || size != uint64(len(idrAU)+len(sliceAU)) {
		t.Errorf("tee stats = %d frames, %d bytes; want 2, %d", frames, size, len(idrAU)+len(sliceAU))
	}
	if muxFrames, _ := mux.Stats(); muxFrames != frames {
		t.Errorf("muxer wrote %d frames, tee counted %d", muxFrames, frames)
	}
	if len(sunk) != 2 || !sunk[0].IsIDR || sunk[0].FrameNum != 0 {
		t.Fatalf("sink frames = %+v", sunk)
	}
	if !bytes.HasPrefix(sunk[0].Data, withStartCode(testSPS)) {
		t.Errorf("first sink frame lacks SPS: %x", sunk[0].Data)
	}
	if got := tee.Position(); got != 300*time.Millisecond {
		t.Errorf("position = %v", got)
	}
}

func TestNewMuxerByExtension(t *testing.T) {
	if m, err := NewMuxer("a.h264", ""); err != nil {
		t.Error(err)
	} else if _, ok := m.(*AnnexBMuxer); !ok {
		t.Errorf(".h264 gave %T", m)
	}
	if m, err := NewMuxer("a.MP4", ""); err != nil {
		t.Error(err)
	} else if _, ok := m.(*ffmpeg.Muxer); !ok {
		t.Errorf(".mp4 gave %T", m)
	}
	if _, err := NewMuxer("a.avi", ""); err == nil {
		t.Error(".avi accepted")
	}
}

func TestStartWithoutPathFailsFast(t *testing.T) {
	c := NewController(Options{NewEncoder: stubFactory})
	err := c.Start("")
	var ce *config.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("Start(\"\") = %v, want *config.ConfigError", err)
	}
	if c.Status().Recording {
		t.Error("recording after failed start")
	}
}

func TestControllerLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clips", "run.h264")

	var (
		mu      sync.Mutex
		preview []*types.H264Frame
		ends    []RecordingStatus
	)
	c := NewController(Options{
		Encode:     encoder.Config{Width: 16, Height: 16, FrameRate: 10, BitRate: 100_000, PollTimeout: 5 * time.Millisecond},
		NewEncoder: stubFactory,
		Preview: func(f *types.H264Frame) {
			mu.Lock()
			preview = append(preview, f)
			mu.Unlock()
		},
		OnEnd: func(s RecordingStatus) {
			mu.Lock()
			ends = append(ends, s)
			mu.Unlock()
		},
	})
	defer c.Close()

	if err := c.End(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("End while idle = %v", err)
	}
	if err := c.Start(path); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(path); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second Start = %v", err)
	}
	if err := c.Delete(); !errors.Is(err, ErrRecordingActive) {
		t.Errorf("Delete while recording = %v", err)
	}

	for i := 0; i < 4; i++ {
		c.Encode(testFrame(t, uint64(i)))
	}
	status, err := c.Stop(3 * time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if status.Recording || status.FrameCount != 4 || status.Path != path {
		t.Errorf("status = %+v", status)
	}
	if status.Duration != 400*time.Millisecond {
		t.Errorf("Duration = %v, want 400ms", status.Duration)
	}

	mu.Lock()
	if len(ends) != 1 {
		t.Errorf("OnEnd called %d times", len(ends))
	}
	if len(preview) != 4 {
		t.Errorf("preview frames = %d, want 4", len(preview))
	} else if !preview[0].IsIDR || !bytes.HasPrefix(preview[0].Data, withStartCode(testSPS)) {
		t.Errorf("first preview frame lacks parameter sets: %x", preview[0].Data)
	}
	mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("recording missing: %v", err)
	}
	if err := c.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file still present: %v", err)
	}
	if err := c.Delete(); !errors.Is(err, ErrNoRecording) {
		t.Errorf("second Delete = %v", err)
	}

	// A new recording gets a fresh session.
	if err := c.Start(path); err != nil {
		t.Fatalf("restart: %v", err)
	}
	c.Encode(testFrame(t, 10))
	if _, err := c.Stop(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	if st := c.Status(); st.FrameCount != 1 {
		t.Errorf("second recording FrameCount = %d", st.FrameCount)
	}
}

func TestUnsupportedExtensionIsConfigError(t *testing.T) {
	c := NewController(Options{NewEncoder: stubFactory})
	err := c.Start(filepath.Join(t.TempDir(), "x.avi"))
	var ce *config.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	if got := resolvePath(dir, now); got != filepath.Join(dir, "recording_20240501_123000.mp4") {
		t.Errorf("dir -> %s", got)
	}
	if got := resolvePath("out/", now); !strings.HasSuffix(got, "recording_20240501_123000.mp4") {
		t.Errorf("trailing slash -> %s", got)
	}
	file := filepath.Join(dir, "a.mp4")
	if got := resolvePath(file, now); got != file {
		t.Errorf("file -> %s", got)
	}
}
