package transform

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/gift"
	"github.com/dunamismax/rasterflow/internal/raster"
	"golang.org/x/image/draw"
)

// canvasEpsilon absorbs floating point noise so that e.g. 90° gives exact
// dimensions instead of one extra row.
const canvasEpsilon = 1e-9

// RotatedSize returns the canvas that bounds a w×h rectangle turned by degrees.
func RotatedSize(w, h int, degrees float64) (int, int) {
	theta := degrees * math.Pi / 180
	cos, sin := math.Abs(math.Cos(theta)), math.Abs(math.Sin(theta))
	nw := math.Ceil(float64(w)*cos + float64(h)*sin - canvasEpsilon)
	nh := math.Ceil(float64(w)*sin + float64(h)*cos - canvasEpsilon)
	return max(1, int(nw)), max(1, int(nh))
}

// normalize maps degrees into [0, 360).
func normalize(degrees float64) float64 {
	norm := math.Mod(degrees, 360)
	if norm < 0 {
		norm += 360
	}
	return norm
}

// RotateDegrees turns buf clockwise about its centre and expands the canvas to
// fit. Uncovered canvas is filled with bg; the result is RGBA8 when bg is not
// opaque.
func RotateDegrees(buf *raster.Buffer, degrees float64, bg raster.Pixel) (*raster.Buffer, error) {
	if err := checkInput(buf); err != nil {
		return nil, err
	}
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		return nil, fmt.Errorf("%w: degrees must be finite", ErrInvalidParameter)
	}

	norm := normalize(degrees)
	switch norm {
	case 0:
		return buf.Clone(), nil
	case 90, 180, 270:
		return quarterTurn(buf, int(norm)/90), nil
	}

	nw, nh := RotatedSize(buf.Width, buf.Height, norm)
	if err := CheckSize(nw, nh); err != nil {
		return nil, err
	}

	fill := color.NRGBA{R: bg.R, G: bg.G, B: bg.B, A: bg.A}
	// gift turns counter-clockwise.
	g := gift.New(gift.Rotate(float32(-norm), fill, gift.LinearInterpolation))
	src := buf.Image()
	turned := image.NewNRGBA(g.Bounds(src.Bounds()))
	g.Draw(turned, src)

	// gift pads its canvas by up to two pixels; centre its output on ours.
	canvas := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(fill), image.Point{}, draw.Src)
	off := image.Pt((nw-turned.Rect.Dx())/2, (nh-turned.Rect.Dy())/2)
	draw.Draw(canvas, turned.Rect.Add(off), turned, image.Point{}, draw.Src)

	format := buf.Format
	if !bg.Opaque() {
		format = raster.RGBA8
	}
	return matchFormat(raster.FromImage(canvas), format), nil
}

// quarterTurn rotates clockwise by n×90° with an exact pixel permutation.
func quarterTurn(buf *raster.Buffer, n int) *raster.Buffer {
	w, h := buf.Width, buf.Height
	if n%2 == 1 {
		w, h = h, w
	}
	out := &raster.Buffer{Width: w, Height: h, Format: buf.Format, Pix: make([]byte, len(buf.Pix))}
	ch := buf.Format.Channels()

	// Each source row scatters into a distinct destination column or row.
	parallelRows(buf.Height, func(y int) {
		for x := 0; x < buf.Width; x++ {
			var dx, dy int
			switch n {
			case 1:
				dx, dy = buf.Height-1-y, x
			case 2:
				dx, dy = buf.Width-1-x, buf.Height-1-y
			default:
				dx, dy = y, buf.Width-1-x
			}
			si := (y*buf.Width + x) * ch
			di := (dy*w + dx) * ch
			copy(out.Pix[di:di+ch], buf.Pix[si:si+ch])
		}
	})
	return out
}
