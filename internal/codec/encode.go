package codec

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"github.com/dunamismax/rasterflow/internal/raster"
)

const DefaultJPEGQuality = 92

// CompressionLevel selects the PNG deflate level. The zero value means best
// compression.
type CompressionLevel int

const (
	CompressionBest CompressionLevel = iota
	CompressionDefault
	CompressionSpeed
	CompressionNone
)

func ParseCompression(name string) (CompressionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "best", "max":
		return CompressionBest, nil
	case "default":
		return CompressionDefault, nil
	case "speed", "fast":
		return CompressionSpeed, nil
	case "none":
		return CompressionNone, nil
	default:
		return 0, fmt.Errorf("%w: compression %q", ErrInvalidOption, name)
	}
}

func (l CompressionLevel) png() png.CompressionLevel {
	switch l {
	case CompressionDefault:
		return png.DefaultCompression
	case CompressionSpeed:
		return png.BestSpeed
	case CompressionNone:
		return png.NoCompression
	default:
		return png.BestCompression
	}
}

// Options carries format specific encode settings. Quality 0 selects the
// format default.
type Options struct {
	Quality     int
	Compression CompressionLevel
}

// Validate rejects out of range values without touching any pixels.
func (o Options) Validate() error {
	if o.Quality < 0 || o.Quality > 100 {
		return fmt.Errorf("%w: quality %d not in 0..100", ErrInvalidOption, o.Quality)
	}
	if o.Compression < CompressionBest || o.Compression > CompressionNone {
		return fmt.Errorf("%w: compression level %d", ErrInvalidOption, o.Compression)
	}
	return nil
}

type pngEncoder struct{}

// Encode writes RGB8 as truecolour and RGBA8 as truecolour with alpha unless
// every pixel is opaque.
func (pngEncoder) Encode(w io.Writer, buf *raster.Buffer, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	var img image.Image
	switch buf.Format {
	case raster.RGB8:
		img = opaqueImage(buf)
	case raster.RGBA8:
		img = buf.Image()
	default:
		return fmt.Errorf("%w: png: %s", ErrUnsupportedPixelFormat, buf.Format)
	}

	enc := png.Encoder{CompressionLevel: opts.Compression.png()}
	if err := enc.Encode(w, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

type jpegEncoder struct{}

// Encode composites RGBA8 input onto opaque white before encoding.
func (jpegEncoder) Encode(w io.Writer, buf *raster.Buffer, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	quality := opts.Quality
	if quality == 0 {
		quality = DefaultJPEGQuality
	}

	switch buf.Format {
	case raster.RGB8:
	case raster.RGBA8:
		buf = buf.ToRGB8(raster.White)
	default:
		return fmt.Errorf("%w: jpeg: %s", ErrUnsupportedPixelFormat, buf.Format)
	}

	if err := jpeg.Encode(w, opaqueImage(buf), &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	return nil
}

// opaqueImage widens an RGB8 buffer into an *image.RGBA, which the stdlib
// encoders have fast paths for.
func opaqueImage(buf *raster.Buffer) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, buf.Width, buf.Height))
	for i, j := 0, 0; i < len(buf.Pix); i, j = i+3, j+4 {
		img.Pix[j] = buf.Pix[i]
		img.Pix[j+1] = buf.Pix[i+1]
		img.Pix[j+2] = buf.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
