// Package ffmpeg binds the encoder and muxer service contracts to an
// ffmpeg subprocess: raw 4:2:0 frames go in on stdin, H.264 Annex-B
// comes back on stdout.
package ffmpeg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/dj-oyu/mjpeg-stream/internal/encoder"
	"github.com/dj-oyu/mjpeg-stream/internal/h264"
	"github.com/dj-oyu/mjpeg-stream/internal/logger"
	"github.com/dj-oyu/mjpeg-stream/internal/yuv"
	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

const (
	// DefaultPath is looked up in $PATH.
	DefaultPath = "ffmpeg"

	defaultSlots   = 4
	readChunkSize  = 32 * 1024
	outputBacklog  = 64
	closeGraceTime = 2 * time.Second
)

// ErrClosed is returned after the encoder process has gone away.
var ErrClosed = errors.New("ffmpeg: encoder closed")

// Options tune the subprocess.
type Options struct {
	Path   string
	Layout yuv.Layout
	Preset string
	Slots  int
}

// NewFactory returns an encoder.Factory that starts one ffmpeg process
// per session.
func NewFactory(opts Options) encoder.Factory {
	return func(cfg encoder.Config) (encoder.Encoder, error) {
		return Start(cfg, opts)
	}
}

// EncodeArgs returns the ffmpeg command line for cfg.
func EncodeArgs(cfg encoder.Config, opts Options) []string {
	pixFmt := "yuv420p"
	if opts.Layout == yuv.NV12 {
		pixFmt = "nv12"
	}
	preset := opts.Preset
	if preset == "" {
		preset = "veryfast"
	}
	gop := strconv.Itoa(cfg.GOPSize())
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", pixFmt,
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-framerate", strconv.Itoa(cfg.FrameRate),
		"-i", "pipe:0",

		"-an",
		"-c:v", "libx264",
		"-preset", preset,
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-bf", "0",
		"-b:v", strconv.Itoa(cfg.BitRate),
		"-maxrate", strconv.Itoa(cfg.BitRate),
		"-bufsize", strconv.Itoa(cfg.BitRate * 2),
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
		"-pix_fmt", "yuv420p",

		"-f", "h264",
		"pipe:1",
	}
}

type input struct {
	slot encoder.Slot
	data []byte
	eos  bool
}

// Encoder is an encoder.Encoder backed by an ffmpeg libx264 process.
type Encoder struct {
	cfg    encoder.Config
	layout yuv.Layout
	log    logger.Scoped

	cmd   *exec.Cmd
	stdin io.WriteCloser

	slots   chan encoder.Slot
	inputs  chan input
	outputs chan encoder.OutputUnit

	ptsMu sync.Mutex
	pts   []int64

	errMu sync.Mutex
	err   error

	quit      chan struct{}
	writerEnd chan struct{}
	readerEnd chan struct{}
	stderrEnd chan struct{}
	closeOnce sync.Once
}

// Start launches ffmpeg for cfg.
func Start(cfg encoder.Config, opts Options) (*Encoder, error) {
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	nslots := opts.Slots
	if nslots <= 0 {
		nslots = defaultSlots
	}

	cmd := exec.Command(path, EncodeArgs(cfg, opts)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	e := &Encoder{
		cfg:       cfg,
		layout:    opts.Layout,
		log:       logger.For("FFmpeg").With(strconv.Itoa(cmd.Process.Pid)),
		cmd:       cmd,
		stdin:     stdin,
		slots:     make(chan encoder.Slot, nslots),
		inputs:    make(chan input, nslots+1),
		outputs:   make(chan encoder.OutputUnit, outputBacklog),
		quit:      make(chan struct{}),
		writerEnd: make(chan struct{}),
		readerEnd: make(chan struct{}),
		stderrEnd: make(chan struct{}),
	}
	size := yuv.FrameSize(cfg.Width, cfg.Height)
	for i := 0; i < nslots; i++ {
		e.slots <- encoder.Slot{Index: i, Buf: make([]byte, 0, size)}
	}

	go e.logStderr(stderr)
	go e.writeLoop()
	go e.readLoop(stdout)

	e.log.Debug("Started: %s %v", path, cmd.Args[1:])
	return e, nil
}

// Layout returns the raw input layout ffmpeg was started with.
func (e *Encoder) Layout() yuv.Layout { return e.layout }

// AcquireInput waits up to timeout for a free input buffer.
func (e *Encoder) AcquireInput(timeout time.Duration) (encoder.Slot, bool, error) {
	if err := e.failure(); err != nil {
		return encoder.Slot{}, false, err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case slot := <-e.slots:
		return slot, true, nil
	case <-t.C:
		return encoder.Slot{}, false, nil
	case <-e.readerEnd:
		return encoder.Slot{}, false, e.terminal()
	}
}

// Submit queues a filled slot. With eos set, stdin is closed once every
// earlier frame has been written.
func (e *Encoder) Submit(slot encoder.Slot, data []byte, ptsMicros int64, eos bool) error {
	if err := e.failure(); err != nil {
		return err
	}
	if !eos {
		e.ptsMu.Lock()
		e.pts = append(e.pts, ptsMicros)
		e.ptsMu.Unlock()
	}
	select {
	case e.inputs <- input{slot: slot, data: data, eos: eos}:
		return nil
	case <-e.quit:
		return ErrClosed
	}
}

// PollOutput waits up to timeout for the next output unit.
func (e *Encoder) PollOutput(timeout time.Duration) (encoder.OutputUnit, bool, error) {
	select {
	case u, ok := <-e.outputs:
		if ok {
			return u, true, nil
		}
		return encoder.OutputUnit{}, false, e.terminal()
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case u, ok := <-e.outputs:
		if ok {
			return u, true, nil
		}
		return encoder.OutputUnit{}, false, e.terminal()
	case <-t.C:
		return encoder.OutputUnit{}, false, nil
	}
}

// Close stops the process, killing it if it does not exit promptly.
func (e *Encoder) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.quit)
		<-e.writerEnd

		select {
		case <-e.readerEnd:
		case <-time.After(closeGraceTime):
			e.log.Warn("Did not exit, killing")
			e.cmd.Process.Kill()
			<-e.readerEnd
		}
		err = e.failure()
	})
	return err
}

func (e *Encoder) writeLoop() {
	defer close(e.writerEnd)
	defer e.stdin.Close()

	for {
		select {
		case in := <-e.inputs:
			if in.eos {
				e.log.Debug("End of input")
				return
			}
			if _, err := e.stdin.Write(in.data); err != nil {
				e.fail(fmt.Errorf("write frame: %w", err))
				return
			}
			in.slot.Buf = in.data[:0]
			e.slots <- in.slot
		case <-e.quit:
			return
		}
	}
}

func (e *Encoder) readLoop(stdout io.Reader) {
	defer close(e.readerEnd)
	defer close(e.outputs)

	var (
		split     h264.Splitter
		asm       h264.Assembler
		params    = h264.NewProcessor()
		announced bool
	)
	emitAU := func(au h264.AccessUnit) {
		var body []byte
		for _, nal := range au.NALs {
			if params.Observe(nal) {
				continue
			}
			body = append(body, nal.Data...)
		}
		if !announced && params.HasHeaders() {
			announced = true
			e.emit(encoder.OutputUnit{Format: &encoder.Format{
				MIME:      encoder.MIMEAVC,
				Width:     e.cfg.Width,
				Height:    e.cfg.Height,
				FrameRate: e.cfg.FrameRate,
				SPS:       append([]byte(nil), h264.StripStartCode(params.SPS())...),
				PPS:       append([]byte(nil), h264.StripStartCode(params.PPS())...),
			}})
			cfgData := append(append([]byte(nil), params.SPS()...), params.PPS()...)
			e.emit(encoder.OutputUnit{Config: true, Data: cfgData})
		}
		if au.HasPicture() {
			e.emit(encoder.OutputUnit{Data: body, PTS: e.nextPTS(), KeyFrame: au.IsIDR})
		}
	}
	push := func(nal types.NALUnit) {
		if au, ok := asm.Push(nal); ok {
			emitAU(au)
		}
	}

	buf := make([]byte, readChunkSize)
	r := bufio.NewReaderSize(stdout, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			split.Write(buf[:n])
			for {
				nal, ok := split.Next()
				if !ok {
					break
				}
				push(nal)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.fail(fmt.Errorf("read output: %w", err))
			}
			break
		}
	}
	if nal, ok := split.Flush(); ok {
		push(nal)
	}
	if au, ok := asm.Flush(); ok {
		emitAU(au)
	}

	<-e.stderrEnd
	if err := e.cmd.Wait(); err != nil {
		select {
		case <-e.quit:
		default:
			e.fail(fmt.Errorf("ffmpeg exited: %w", err))
		}
	}
	if e.failure() == nil {
		e.emit(encoder.OutputUnit{EOS: true})
	}
}

func (e *Encoder) emit(u encoder.OutputUnit) {
	select {
	case e.outputs <- u:
	case <-e.quit:
	}
}

func (e *Encoder) nextPTS() int64 {
	e.ptsMu.Lock()
	defer e.ptsMu.Unlock()
	if len(e.pts) == 0 {
		return 0
	}
	p := e.pts[0]
	e.pts = e.pts[1:]
	return p
}

func (e *Encoder) logStderr(r io.Reader) {
	defer close(e.stderrEnd)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		e.log.Warn("%s", scanner.Text())
	}
}

func (e *Encoder) fail(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if e.err == nil {
		e.err = err
		e.log.Error("%v", err)
	}
}

func (e *Encoder) failure() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

func (e *Encoder) terminal() error {
	if err := e.failure(); err != nil {
		return err
	}
	return ErrClosed
}
