package recorder

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dj-oyu/mjpeg-stream/internal/encoder"
	"github.com/dj-oyu/mjpeg-stream/internal/ffmpeg"
)

// NewMuxer picks a muxer from the file extension: raw Annex-B for .h264
// and .264, an ffmpeg remux for container formats.
func NewMuxer(path, ffmpegPath string) (encoder.Muxer, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".h264", ".264":
		return NewAnnexBMuxer(path), nil
	case ".mp4", ".mov", ".m4v", ".mkv":
		return ffmpeg.NewMuxer(path, ffmpegPath), nil
	default:
		return nil, fmt.Errorf("unsupported recording format %q", filepath.Ext(path))
	}
}
