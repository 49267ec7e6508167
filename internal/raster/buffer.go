// Package raster holds the decoded pixel grid shared by the codecs and the
// transform engine.
package raster

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"
)

// PixelFormat describes the channel layout of a Buffer.
type PixelFormat uint8

const (
	RGB8 PixelFormat = iota + 1
	RGBA8
)

var (
	ErrInvalidDimensions = errors.New("invalid raster dimensions")
	ErrUnknownFormat     = errors.New("unknown pixel format")
	ErrInvalidColor      = errors.New("invalid color")
)

// Channels returns the number of bytes per pixel, or 0 for an unknown format.
func (f PixelFormat) Channels() int {
	switch f {
	case RGB8:
		return 3
	case RGBA8:
		return 4
	default:
		return 0
	}
}

func (f PixelFormat) String() string {
	switch f {
	case RGB8:
		return "rgb8"
	case RGBA8:
		return "rgba8"
	default:
		return "unknown"
	}
}

// Pixel is a non-premultiplied 8-bit colour.
type Pixel struct {
	R, G, B, A uint8
}

var (
	Transparent = Pixel{}
	White       = Pixel{R: 255, G: 255, B: 255, A: 255}
	Black       = Pixel{A: 255}
)

// Opaque reports whether the pixel has full alpha.
func (p Pixel) Opaque() bool {
	return p.A == 0xff
}

// ParseColor accepts #rgb, #rrggbb and #rrggbbaa.
func ParseColor(s string) (Pixel, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(s) {
	case 3:
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]}) + "ff"
	case 6:
		s += "ff"
	case 8:
	default:
		return Pixel{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}

	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return Pixel{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	return Pixel{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

// Buffer is a row-major pixel grid. len(Pix) is always Width*Height*Format.Channels().
type Buffer struct {
	Width  int
	Height int
	Format PixelFormat
	Pix    []byte
}

// New allocates a zeroed buffer.
func New(width, height int, format PixelFormat) (*Buffer, error) {
	if width < 0 || height < 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	ch := format.Channels()
	if ch == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, format)
	}
	return &Buffer{
		Width:  width,
		Height: height,
		Format: format,
		Pix:    make([]byte, width*height*ch),
	}, nil
}

// Empty reports whether either dimension is zero.
func (b *Buffer) Empty() bool {
	return b == nil || b.Width == 0 || b.Height == 0
}

// Stride is the length of one row in bytes.
func (b *Buffer) Stride() int {
	return b.Width * b.Format.Channels()
}

// Validate checks the length invariant.
func (b *Buffer) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidDimensions)
	}
	ch := b.Format.Channels()
	if ch == 0 {
		return fmt.Errorf("%w: %d", ErrUnknownFormat, b.Format)
	}
	if b.Width < 0 || b.Height < 0 || len(b.Pix) != b.Width*b.Height*ch {
		return fmt.Errorf("%w: %dx%d %s with %d bytes", ErrInvalidDimensions, b.Width, b.Height, b.Format, len(b.Pix))
	}
	return nil
}

func (b *Buffer) offset(x, y int) int {
	return y*b.Stride() + x*b.Format.Channels()
}

// At returns the pixel at (x, y). RGB8 pixels report full alpha.
func (b *Buffer) At(x, y int) Pixel {
	i := b.offset(x, y)
	if b.Format == RGBA8 {
		return Pixel{R: b.Pix[i], G: b.Pix[i+1], B: b.Pix[i+2], A: b.Pix[i+3]}
	}
	return Pixel{R: b.Pix[i], G: b.Pix[i+1], B: b.Pix[i+2], A: 0xff}
}

// Set stores p at (x, y); alpha is dropped for RGB8.
func (b *Buffer) Set(x, y int, p Pixel) {
	i := b.offset(x, y)
	b.Pix[i] = p.R
	b.Pix[i+1] = p.G
	b.Pix[i+2] = p.B
	if b.Format == RGBA8 {
		b.Pix[i+3] = p.A
	}
}

// Fill sets every pixel to p.
func (b *Buffer) Fill(p Pixel) {
	ch := b.Format.Channels()
	px := [4]byte{p.R, p.G, p.B, p.A}
	for i := 0; i+ch <= len(b.Pix); i += ch {
		copy(b.Pix[i:i+ch], px[:ch])
	}
}

// Clone returns a deep copy.
func (b *Buffer) Clone() *Buffer {
	pix := make([]byte, len(b.Pix))
	copy(pix, b.Pix)
	return &Buffer{Width: b.Width, Height: b.Height, Format: b.Format, Pix: pix}
}

// Equal reports whether both buffers have the same shape and bytes.
func (b *Buffer) Equal(o *Buffer) bool {
	if b == nil || o == nil {
		return b == o
	}
	if b.Width != o.Width || b.Height != o.Height || b.Format != o.Format || len(b.Pix) != len(o.Pix) {
		return false
	}
	for i := range b.Pix {
		if b.Pix[i] != o.Pix[i] {
			return false
		}
	}
	return true
}

// Opaque reports whether every pixel has full alpha. RGB8 buffers are always opaque.
func (b *Buffer) Opaque() bool {
	if b.Format != RGBA8 {
		return true
	}
	for i := 3; i < len(b.Pix); i += 4 {
		if b.Pix[i] != 0xff {
			return false
		}
	}
	return true
}

// ToRGB8 composites an RGBA8 buffer over bg. RGB8 input is cloned.
func (b *Buffer) ToRGB8(bg Pixel) *Buffer {
	if b.Format == RGB8 {
		return b.Clone()
	}
	out := &Buffer{Width: b.Width, Height: b.Height, Format: RGB8, Pix: make([]byte, b.Width*b.Height*3)}
	for i, j := 0, 0; i < len(b.Pix); i, j = i+4, j+3 {
		a := uint32(b.Pix[i+3])
		out.Pix[j] = blend(b.Pix[i], bg.R, a)
		out.Pix[j+1] = blend(b.Pix[i+1], bg.G, a)
		out.Pix[j+2] = blend(b.Pix[i+2], bg.B, a)
	}
	return out
}

// ToRGBA8 widens an RGB8 buffer with full alpha. RGBA8 input is cloned.
func (b *Buffer) ToRGBA8() *Buffer {
	if b.Format == RGBA8 {
		return b.Clone()
	}
	out := &Buffer{Width: b.Width, Height: b.Height, Format: RGBA8, Pix: make([]byte, b.Width*b.Height*4)}
	for i, j := 0, 0; i < len(b.Pix); i, j = i+3, j+4 {
		out.Pix[j] = b.Pix[i]
		out.Pix[j+1] = b.Pix[i+1]
		out.Pix[j+2] = b.Pix[i+2]
		out.Pix[j+3] = 0xff
	}
	return out
}

func blend(fg, bg uint8, a uint32) uint8 {
	return uint8((uint32(fg)*a + uint32(bg)*(255-a) + 127) / 255)
}

// FromImage copies any image.Image into a buffer. The result is RGBA8 when
// the source has any non-opaque pixel, RGB8 otherwise.
func FromImage(img image.Image) *Buffer {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	rgba := &Buffer{Width: w, Height: h, Format: RGBA8, Pix: make([]byte, w*h*4)}

	switch src := img.(type) {
	case *image.YCbCr:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				px, py := bounds.Min.X+x, bounds.Min.Y+y
				yi := src.YOffset(px, py)
				ci := src.COffset(px, py)
				r, g, b := color.YCbCrToRGB(src.Y[yi], src.Cb[ci], src.Cr[ci])
				i := (y*w + x) * 4
				rgba.Pix[i] = r
				rgba.Pix[i+1] = g
				rgba.Pix[i+2] = b
				rgba.Pix[i+3] = 0xff
			}
		}
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			off := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			copy(rgba.Pix[y*w*4:(y+1)*w*4], src.Pix[off:off+w*4])
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
				i := (y*w + x) * 4
				rgba.Pix[i] = c.R
				rgba.Pix[i+1] = c.G
				rgba.Pix[i+2] = c.B
				rgba.Pix[i+3] = c.A
			}
		}
	}

	if rgba.Opaque() {
		return rgba.ToRGB8(Black)
	}
	return rgba
}

// Image returns an image.Image with the same pixels. RGBA8 maps to NRGBA so
// alpha is not premultiplied; RGB8 maps to an opaque NRGBA copy.
func (b *Buffer) Image() *image.NRGBA {
	src := b.ToRGBA8()
	return &image.NRGBA{
		Pix:    src.Pix,
		Stride: src.Width * 4,
		Rect:   image.Rect(0, 0, src.Width, src.Height),
	}
}
