package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/dunamismax/rasterflow/internal/raster"
	"golang.org/x/image/webp"
)

type pngDecoder struct{}

func (pngDecoder) DecodeConfig(r io.Reader) (image.Config, error) {
	cfg, err := png.DecodeConfig(r)
	if err != nil {
		return image.Config{}, classifyDecodeError(PNG, err)
	}
	return cfg, nil
}

// Decode expands paletted and grey images to RGB8; the result is RGBA8 only
// when some pixel is not fully opaque.
func (pngDecoder) Decode(r io.Reader) (*raster.Buffer, error) {
	img, err := png.Decode(r)
	if err != nil {
		return nil, classifyDecodeError(PNG, err)
	}
	return raster.FromImage(img), nil
}

type jpegDecoder struct{}

func (jpegDecoder) DecodeConfig(r io.Reader) (image.Config, error) {
	cfg, err := jpeg.DecodeConfig(r)
	if err != nil {
		return image.Config{}, classifyDecodeError(JPEG, err)
	}
	if cfg.ColorModel == color.CMYKModel {
		return image.Config{}, fmt.Errorf("%w: jpeg: cmyk colour space", ErrUnsupportedSubformat)
	}
	return cfg, nil
}

func (jpegDecoder) Decode(r io.Reader) (*raster.Buffer, error) {
	img, err := jpeg.Decode(r)
	if err != nil {
		return nil, classifyDecodeError(JPEG, err)
	}
	if _, ok := img.(*image.CMYK); ok {
		return nil, fmt.Errorf("%w: jpeg: cmyk colour space", ErrUnsupportedSubformat)
	}
	return raster.FromImage(img), nil
}

// gifDecoder returns the first frame drawn onto the logical screen. Later
// frames and animation metadata are ignored.
type gifDecoder struct{}

func (gifDecoder) DecodeConfig(r io.Reader) (image.Config, error) {
	cfg, err := gif.DecodeConfig(r)
	if err != nil {
		return image.Config{}, classifyDecodeError(GIF, err)
	}
	return cfg, nil
}

func (gifDecoder) Decode(r io.Reader) (*raster.Buffer, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: gif: %v", ErrCorruptStream, err)
	}

	cfg, err := gif.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, classifyDecodeError(GIF, err)
	}
	frame, err := gif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, classifyDecodeError(GIF, err)
	}
	paletted, ok := frame.(*image.Paletted)
	if !ok {
		return nil, fmt.Errorf("%w: gif: unexpected frame type %T", ErrUnsupportedSubformat, frame)
	}

	canvas, err := raster.New(cfg.Width, cfg.Height, raster.RGBA8)
	if err != nil {
		return nil, fmt.Errorf("%w: gif: %v", ErrCorruptStream, err)
	}
	canvas.Fill(gifBackground(data, cfg, paletted))

	bounds := paletted.Bounds().Intersect(image.Rect(0, 0, cfg.Width, cfg.Height))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(paletted.At(x, y)).(color.NRGBA)
			canvas.Set(x, y, raster.Pixel{R: c.R, G: c.G, B: c.B, A: c.A})
		}
	}

	if canvas.Opaque() {
		return canvas.ToRGB8(raster.Black), nil
	}
	return canvas, nil
}

// gifBackground reads the background colour index from the logical screen
// descriptor. It resolves to transparent when the screen has no global colour
// table or the index is the frame's transparent entry.
func gifBackground(data []byte, cfg image.Config, frame *image.Paletted) raster.Pixel {
	const bgIndexOffset = 11
	if len(data) <= bgIndexOffset {
		return raster.Transparent
	}
	global, ok := cfg.ColorModel.(color.Palette)
	if !ok || data[10]&0x80 == 0 {
		return raster.Transparent
	}

	idx := int(data[bgIndexOffset])
	if idx >= len(global) {
		return raster.Transparent
	}
	if idx < len(frame.Palette) {
		if _, _, _, a := frame.Palette[idx].RGBA(); a == 0 {
			return raster.Transparent
		}
	}
	c := color.NRGBAModel.Convert(global[idx]).(color.NRGBA)
	return raster.Pixel{R: c.R, G: c.G, B: c.B, A: c.A}
}

type webpDecoder struct{}

func (webpDecoder) DecodeConfig(r io.Reader) (image.Config, error) {
	cfg, err := webp.DecodeConfig(r)
	if err != nil {
		return image.Config{}, classifyDecodeError(WebP, err)
	}
	return cfg, nil
}

func (webpDecoder) Decode(r io.Reader) (*raster.Buffer, error) {
	img, err := webp.Decode(r)
	if err != nil {
		return nil, classifyDecodeError(WebP, err)
	}
	return raster.FromImage(img), nil
}

func classifyDecodeError(f Format, err error) error {
	var (
		pngUnsupported  png.UnsupportedError
		jpegUnsupported jpeg.UnsupportedError
	)
	if errors.As(err, &pngUnsupported) || errors.As(err, &jpegUnsupported) {
		return fmt.Errorf("%w: %s: %v", ErrUnsupportedSubformat, f, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrCorruptStream, f, err)
}
