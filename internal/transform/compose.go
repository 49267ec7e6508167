package transform

import (
	"fmt"
	"image"

	"github.com/disintegration/gift"
	"github.com/dunamismax/rasterflow/internal/raster"
)

// CropRect returns the part of buf inside rect, clipped to the image bounds.
func CropRect(buf *raster.Buffer, rect image.Rectangle) (*raster.Buffer, error) {
	if err := checkInput(buf); err != nil {
		return nil, err
	}
	if err := (Crop{Rect: rect}).Validate(); err != nil {
		return nil, err
	}

	src := buf.Image()
	clip := rect.Canon().Intersect(src.Bounds())
	if clip.Empty() {
		return nil, fmt.Errorf("%w: crop %v is outside %dx%d", ErrInvalidParameter, rect, buf.Width, buf.Height)
	}

	g := gift.New(gift.Crop(clip))
	dst := image.NewNRGBA(g.Bounds(src.Bounds()))
	g.Draw(dst, src)
	return matchFormat(raster.FromImage(dst), buf.Format), nil
}

// DrawOver composites overlay onto a copy of buf with its top-left corner at
// (x, y), blending by the overlay's alpha. The result keeps buf's size and
// pixel format.
func DrawOver(buf, overlay *raster.Buffer, x, y int) (*raster.Buffer, error) {
	if err := checkInput(buf); err != nil {
		return nil, err
	}
	if err := (Draw{Src: overlay, X: x, Y: y}).Validate(); err != nil {
		return nil, err
	}

	dst := buf.Image()
	gift.New().DrawAt(dst, overlay.Image(), image.Pt(x, y), gift.OverOperator)
	return matchFormat(raster.FromImage(dst), buf.Format), nil
}
