package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/mjpeg-stream/internal/config"
	"github.com/dj-oyu/mjpeg-stream/internal/decode"
	"github.com/dj-oyu/mjpeg-stream/internal/encoder"
	"github.com/dj-oyu/mjpeg-stream/internal/ffmpeg"
	"github.com/dj-oyu/mjpeg-stream/internal/logger"
	"github.com/dj-oyu/mjpeg-stream/internal/metrics"
	"github.com/dj-oyu/mjpeg-stream/internal/mjpeg"
	"github.com/dj-oyu/mjpeg-stream/internal/monitor"
	"github.com/dj-oyu/mjpeg-stream/internal/recorder"
	"github.com/dj-oyu/mjpeg-stream/internal/stream"
	"github.com/dj-oyu/mjpeg-stream/internal/webrtc"
	"github.com/dj-oyu/mjpeg-stream/internal/yuv"
	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

const (
	shutdownTimeout   = 5 * time.Second
	recordStopTimeout = 10 * time.Second
	decodePoolSize    = 4
)

var (
	// Command-line flags. Flags that are set override the config file.
	configPath  = flag.String("config", "", "YAML config file")
	sourceURL   = flag.String("url", "", "MJPEG source URL")
	width       = flag.Int("width", 0, "Decode and encode width")
	height      = flag.Int("height", 0, "Decode and encode height")
	frameRate   = flag.Int("fps", 0, "Frame rate")
	bitRate     = flag.Int("bitrate", 0, "Encoder bit rate (bits/s)")
	keyInterval = flag.Int("keyint", 0, "Key-frame interval in seconds (0 = every frame)")
	reconnectMs = flag.Int("reconnect-ms", 0, "Reconnect delay in milliseconds")
	record      = flag.Bool("record", false, "Start recording on launch")
	recordPath  = flag.String("record-path", "", "Recording output file or directory")
	ffmpegPath  = flag.String("ffmpeg", "", "ffmpeg binary")
	layout      = flag.String("layout", "", "Encoder input layout (i420, nv12)")
	httpAddr    = flag.String("http", "", "Monitor HTTP server address")
	metricsAddr = flag.String("metrics", "", "Metrics server address")
	stunServers = flag.String("stun", "", "STUN server URLs (comma-separated)")
	maxClients  = flag.Int("max-clients", 0, "Maximum WebRTC clients")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
	debug       = flag.Bool("debug", false, "Verbose logging")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger.Init(cfg.LogLevel(), os.Stderr, cfg.Log.Color)

	logger.Info("Main", "MJPEG stream daemon starting...")
	logger.Info("Main", "Log level: %s", cfg.LogLevel())

	d, err := newDaemon(cfg)
	if err != nil {
		log.Fatalf("Failed to create daemon: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.run(ctx); err != nil {
		log.Fatalf("Daemon stopped: %v", err)
	}
	logger.Info("Main", "Stopped")
}

// loadConfig reads the config file, applies the flags that were set and
// validates the result.
func loadConfig() (config.Config, error) {
	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "url":
			cfg.Source.URL = *sourceURL
		case "width":
			cfg.Source.Width, cfg.Encode.Width = *width, *width
		case "height":
			cfg.Source.Height, cfg.Encode.Height = *height, *height
		case "fps":
			cfg.Encode.FrameRate = *frameRate
		case "bitrate":
			cfg.Encode.BitRate = *bitRate
		case "keyint":
			cfg.Encode.KeyFrameInterval = *keyInterval
		case "reconnect-ms":
			cfg.Source.ReconnectDelayMs = *reconnectMs
		case "record":
			cfg.Record.Enabled = *record
		case "record-path":
			cfg.Record.Path = *recordPath
		case "ffmpeg":
			cfg.Encode.FFmpegPath = *ffmpegPath
		case "layout":
			cfg.Encode.Layout = *layout
		case "http":
			cfg.Server.HTTPAddr = *httpAddr
		case "metrics":
			cfg.Server.MetricsAddr = *metricsAddr
		case "stun":
			cfg.Server.STUNServers = splitList(*stunServers)
		case "max-clients":
			cfg.Server.MaxWebRTCClients = *maxClients
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-color":
			cfg.Log.Color = *logColor
		case "debug":
			cfg.Log.Debug = *debug
		}
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// daemon wires the stream session to the monitor, the recorder and the
// WebRTC preview.
type daemon struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	session  *stream.Session
	recorder *recorder.Controller
	webrtc   *webrtc.Server
	monitor  *monitor.Server

	httpServer    *http.Server
	metricsServer *http.Server
	log           logger.Scoped
}

func newDaemon(cfg config.Config) (*daemon, error) {
	m := metrics.New()
	d := &daemon{cfg: cfg, metrics: m, log: logger.For("Main")}

	inputLayout, err := yuv.ParseLayout(cfg.Encode.Layout)
	if err != nil {
		return nil, err
	}

	var decOpts []decode.Option
	if cfg.Source.Width > 0 && cfg.Source.Height > 0 {
		decOpts = append(decOpts, decode.WithResize(cfg.Source.Width, cfg.Source.Height))
	}
	if cfg.Source.ReuseBuffers {
		decOpts = append(decOpts, decode.WithPool(decode.NewPool(decodePoolSize)))
	}

	d.webrtc = webrtc.NewServer(webrtc.Options{
		STUNServers: cfg.Server.STUNServers,
		MaxClients:  cfg.Server.MaxWebRTCClients,
		FrameRate:   cfg.Encode.FrameRate,
		Metrics:     m,
	})

	d.recorder = recorder.NewController(recorder.Options{
		Encode: encoder.Config{
			Width:            cfg.Encode.Width,
			Height:           cfg.Encode.Height,
			FrameRate:        cfg.Encode.FrameRate,
			BitRate:          cfg.Encode.BitRate,
			KeyFrameInterval: cfg.Encode.KeyFrameInterval,
		},
		NewEncoder: ffmpeg.NewFactory(ffmpeg.Options{Path: cfg.Encode.FFmpegPath, Layout: inputLayout}),
		FFmpegPath: cfg.Encode.FFmpegPath,
		Metrics:    m,
		Preview:    d.webrtc.SendSample,
		OnEnd:      d.recordingEnded,
	})

	winW, winH := cfg.Source.Width, cfg.Source.Height
	if winW == 0 || winH == 0 {
		winW, winH = cfg.Encode.Width, cfg.Encode.Height
	}
	d.session = stream.New(stream.Options{
		URL:            cfg.Source.URL,
		ReconnectDelay: cfg.Source.ReconnectDelay(),
		Window:         mjpeg.WindowFor(winW, winH, cfg.Encode.FrameRate, cfg.Source.HeaderLength),
		MaxFrameSize:   cfg.Source.MaxFrameSize,
		FrameRate:      cfg.Encode.FrameRate,
		Decoder:        decode.NewJPEGDecoder(decOpts...),
		Metrics:        m,
		OnBytes:        d.onBytes,
		OnImage:        d.onImage,
		OnState:        func(st stream.State) { d.log.Info("Stream %s", st) },
	})

	d.monitor, err = monitor.NewServer(monitor.Config{
		TargetFPS:   cfg.Encode.FrameRate,
		RecordPath:  cfg.Record.Path,
		StopTimeout: recordStopTimeout,
		BlankWidth:  cfg.Encode.Width,
		BlankHeight: cfg.Encode.Height,
	}, monitor.Deps{
		Source:   d.session,
		Recorder: d.recorder,
		Preview:  d.webrtc,
		Metrics:  m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor: %w", err)
	}

	d.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           d.monitor.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	d.metricsServer = m.NewServer(cfg.Server.MetricsAddr)
	return d, nil
}

func (d *daemon) onBytes(frame types.Frame) {
	d.monitor.Publish(frame)
	d.recorder.Encode(frame)
}

func (d *daemon) onImage(img *types.DecodedImage) {
	d.monitor.ObserveImage(img)
	img.Release()
}

func (d *daemon) recordingEnded(st recorder.RecordingStatus) {
	if st.Error != "" {
		d.log.Warn("Recording %s ended with error: %s", st.Path, st.Error)
		return
	}
	d.log.Info("Recording saved: %s (%d frames, %d bytes)", st.Path, st.FrameCount, st.BytesWritten)
}

// run serves until ctx is cancelled or a listener fails, then shuts every
// component down.
func (d *daemon) run(ctx context.Context) error {
	d.log.Info("Starting...")
	d.log.Info("  Source: %s", d.cfg.Source.URL)
	d.log.Info("  Monitor server: %s", d.cfg.Server.HTTPAddr)
	d.log.Info("  Metrics server: %s", d.cfg.Server.MetricsAddr)
	d.log.Info("  Encoder: %dx%d@%d %s", d.cfg.Encode.Width, d.cfg.Encode.Height, d.cfg.Encode.FrameRate, d.cfg.Encode.Layout)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return serve(d.httpServer) })
	g.Go(func() error { return serve(d.metricsServer) })

	if err := d.session.Start(0); err != nil {
		return err
	}
	if d.cfg.Record.Enabled {
		if err := d.recorder.Start(d.cfg.Record.Path); err != nil {
			d.log.Error("Failed to start recording: %v", err)
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		d.log.Info("Shutting down...")
		return d.shutdown()
	})
	return g.Wait()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", srv.Addr, err)
	}
	return nil
}

func (d *daemon) shutdown() error {
	// Stop the source first so no frame reaches a closed recorder.
	d.session.Cancel()

	if _, err := d.recorder.Stop(recordStopTimeout); err != nil && !errors.Is(err, recorder.ErrNotRecording) {
		d.log.Warn("Recording stop: %v", err)
	}
	d.recorder.Close()
	d.monitor.Close()
	_ = d.webrtc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(d.httpServer.Shutdown(ctx), d.metricsServer.Shutdown(ctx))
}
