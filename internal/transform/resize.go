package transform

import (
	"image"
	"math"

	"github.com/dunamismax/rasterflow/internal/raster"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// ResizeLongest scales buf so that max(width, height) == longest. Upscaling
// is performed too.
func ResizeLongest(buf *raster.Buffer, longest uint, filter Filter) (*raster.Buffer, error) {
	if err := checkInput(buf); err != nil {
		return nil, err
	}
	if err := (Resize{LongestSide: longest, Filter: filter}).Validate(); err != nil {
		return nil, err
	}

	w, h := scaledSize(buf.Width, buf.Height, int(longest))
	return resample(buf, w, h, filter)
}

// ResizeToWidth scales buf to width, deriving the height from the aspect ratio.
func ResizeToWidth(buf *raster.Buffer, width uint, filter Filter) (*raster.Buffer, error) {
	if err := checkInput(buf); err != nil {
		return nil, err
	}
	if err := (ResizeWidth{Width: width, Filter: filter}).Validate(); err != nil {
		return nil, err
	}

	return resample(buf, int(width), widthHeight(buf.Width, buf.Height, int(width)), filter)
}

// scaledSize pins the longest side to target and rounds the other one.
func scaledSize(w, h, target int) (int, int) {
	if w >= h {
		return target, max(1, int(math.Round(float64(h)*float64(target)/float64(w))))
	}
	return max(1, int(math.Round(float64(w)*float64(target)/float64(h)))), target
}

func widthHeight(w, h, width int) int {
	return max(1, int(math.Round(float64(h)*float64(width)/float64(w))))
}

func resample(buf *raster.Buffer, w, h int, filter Filter) (*raster.Buffer, error) {
	if err := CheckSize(w, h); err != nil {
		return nil, err
	}

	src := buf.Image()
	if filter == Lanczos3 {
		out := resize.Resize(uint(w), uint(h), src, resize.Lanczos3)
		return matchFormat(raster.FromImage(out), buf.Format), nil
	}

	var scaler draw.Scaler = draw.BiLinear
	if filter == CatmullRom {
		scaler = draw.CatmullRom
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return matchFormat(raster.FromImage(dst), buf.Format), nil
}

// matchFormat keeps the caller's pixel format when a library round trip
// produced the other one.
func matchFormat(b *raster.Buffer, f raster.PixelFormat) *raster.Buffer {
	switch {
	case b.Format == f:
		return b
	case f == raster.RGB8:
		return b.ToRGB8(raster.Black)
	default:
		return b.ToRGBA8()
	}
}
