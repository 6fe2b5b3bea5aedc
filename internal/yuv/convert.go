// Package yuv converts decoded RGBA images into the 4:2:0 layouts that
// video encoders accept.
//
// Conversion uses the integer BT.601 studio-swing coefficients. Chroma is
// taken from the top-left pixel of every 2x2 block; for odd dimensions the
// chroma grid is truncated to floor(w/2) x floor(h/2).
package yuv

import (
	"fmt"
	"image"
	"strings"
)

// Layout selects how the chroma samples are stored.
type Layout int

const (
	// I420 stores a full Cb plane followed by a full Cr plane.
	I420 Layout = iota
	// NV12 stores one plane of interleaved Cb,Cr pairs.
	NV12
)

func (l Layout) String() string {
	switch l {
	case I420:
		return "I420"
	case NV12:
		return "NV12"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// ParseLayout accepts "i420" or "nv12" in any case.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(s) {
	case "i420", "yuv420p":
		return I420, nil
	case "nv12":
		return NV12, nil
	default:
		return 0, fmt.Errorf("unknown layout %q", s)
	}
}

// FrameSize is the buffer length for a w x h frame in either layout.
func FrameSize(w, h int) int {
	return w * h * 3 / 2
}

// ChromaSize returns the dimensions of one chroma plane.
func ChromaSize(w, h int) (cw, ch int) {
	return w / 2, h / 2
}

// Planar converts img into a newly allocated I420 buffer.
func Planar(img *image.RGBA) []byte {
	return ConvertInto(nil, I420, img)
}

// SemiPlanar converts img into a newly allocated NV12 buffer.
func SemiPlanar(img *image.RGBA) []byte {
	return ConvertInto(nil, NV12, img)
}

// ConvertInto writes img into dst using layout and returns the filled
// slice. dst is reused when its capacity allows, otherwise a new buffer is
// allocated. The result is always FrameSize(w, h) bytes; bytes past the
// chroma planes (odd dimensions only) are zero.
func ConvertInto(dst []byte, layout Layout, img *image.RGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	size := FrameSize(w, h)
	if cap(dst) < size {
		dst = make([]byte, size)
	}
	dst = dst[:size]

	cw, ch := ChromaSize(w, h)
	lumaPlane := dst[:w*h]
	chroma := dst[w*h:]
	crOffset := cw * ch

	for y := 0; y < h; y++ {
		row := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):]
		out := lumaPlane[y*w : (y+1)*w]
		sampleRow := y&1 == 0 && y/2 < ch

		for x := 0; x < w; x++ {
			r, g, b := int(row[4*x]), int(row[4*x+1]), int(row[4*x+2])
			out[x] = luma(r, g, b)

			if !sampleRow || x&1 != 0 || x/2 >= cw {
				continue
			}
			cb, cr := chromaOf(r, g, b)
			i := (y/2)*cw + x/2
			if layout == NV12 {
				chroma[2*i] = cb
				chroma[2*i+1] = cr
			} else {
				chroma[i] = cb
				chroma[crOffset+i] = cr
			}
		}
	}

	clear(chroma[2*cw*ch:])
	return dst
}

func luma(r, g, b int) byte {
	return clamp(((66*r + 129*g + 25*b + 128) >> 8) + 16)
}

func chromaOf(r, g, b int) (cb, cr byte) {
	cb = clamp(((-38*r - 74*g + 112*b + 128) >> 8) + 128)
	cr = clamp(((112*r - 94*g - 18*b + 128) >> 8) + 128)
	return cb, cr
}

func clamp(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
