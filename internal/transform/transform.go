// Package transform implements the geometric operations of a pipeline. Every
// operation is pure: the input buffer is never written and a new buffer is
// returned.
package transform

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/dunamismax/rasterflow/internal/raster"
)

var (
	ErrEmptyImage       = errors.New("empty image")
	ErrInvalidParameter = errors.New("invalid transform parameter")
	ErrTooLarge         = errors.New("transform output too large")
)

const (
	// MaxDimension bounds every requested side length and offset.
	MaxDimension = math.MaxInt32
	// MaxPixels bounds the area of any buffer a transform allocates.
	MaxPixels = 1 << 28
)

// Filter selects the resampling kernel used by resize operations.
type Filter int

const (
	Bilinear Filter = iota
	CatmullRom
	Lanczos3
)

func ParseFilter(name string) (Filter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bilinear", "linear":
		return Bilinear, nil
	case "catmullrom", "bicubic":
		return CatmullRom, nil
	case "lanczos", "lanczos3":
		return Lanczos3, nil
	default:
		return 0, fmt.Errorf("%w: filter %q", ErrInvalidParameter, name)
	}
}

func (f Filter) String() string {
	switch f {
	case CatmullRom:
		return "catmullrom"
	case Lanczos3:
		return "lanczos3"
	default:
		return "bilinear"
	}
}

// Spec is one step of a pipeline. The set of implementations is closed.
type Spec interface {
	Validate() error
	Apply(buf *raster.Buffer) (*raster.Buffer, error)
	// OutputSize reports the dimensions Apply produces for a w×h input
	// without touching pixels.
	OutputSize(w, h int) (int, int)
	String() string
	sealed()
}

// Resize scales so the longest side equals LongestSide.
type Resize struct {
	LongestSide uint
	Filter      Filter
}

// ResizeWidth scales to Width, keeping the aspect ratio.
type ResizeWidth struct {
	Width  uint
	Filter Filter
}

// Rotate turns the image clockwise by Degrees about its centre.
type Rotate struct {
	Degrees    float64
	Background raster.Pixel
}

// Crop keeps the part of the image inside Rect. Rect is clipped to the image
// bounds; a rectangle entirely outside the image fails.
type Crop struct {
	Rect image.Rectangle
}

// Draw composites Src over the image with its top-left corner at (X, Y).
// The canvas keeps its size and parts of Src outside it are dropped.
type Draw struct {
	Src  *raster.Buffer
	X, Y int
}

func (Resize) sealed()      {}
func (ResizeWidth) sealed() {}
func (Rotate) sealed()      {}
func (Crop) sealed()        {}
func (Draw) sealed()        {}

func (s Resize) Validate() error {
	if s.LongestSide == 0 {
		return fmt.Errorf("%w: resize longest side must be > 0", ErrInvalidParameter)
	}
	if s.LongestSide > MaxDimension {
		return fmt.Errorf("%w: resize longest side %d exceeds %d", ErrInvalidParameter, s.LongestSide, MaxDimension)
	}
	return validFilter(s.Filter)
}

func (s ResizeWidth) Validate() error {
	if s.Width == 0 {
		return fmt.Errorf("%w: size width must be > 0", ErrInvalidParameter)
	}
	if s.Width > MaxDimension {
		return fmt.Errorf("%w: size width %d exceeds %d", ErrInvalidParameter, s.Width, MaxDimension)
	}
	return validFilter(s.Filter)
}

func (s Crop) Validate() error {
	r := s.Rect.Canon()
	if r.Empty() {
		return fmt.Errorf("%w: crop rectangle %v is empty", ErrInvalidParameter, s.Rect)
	}
	if r.Min.X < 0 || r.Min.Y < 0 {
		return fmt.Errorf("%w: crop origin %v is negative", ErrInvalidParameter, r.Min)
	}
	if r.Max.X > MaxDimension || r.Max.Y > MaxDimension {
		return fmt.Errorf("%w: crop rectangle %v exceeds %d", ErrInvalidParameter, r, MaxDimension)
	}
	return nil
}

func (s Draw) Validate() error {
	if s.Src.Empty() {
		return fmt.Errorf("%w: draw source is empty", ErrInvalidParameter)
	}
	if err := s.Src.Validate(); err != nil {
		return fmt.Errorf("%w: draw source: %v", ErrInvalidParameter, err)
	}
	if abs(s.X) > MaxDimension || abs(s.Y) > MaxDimension {
		return fmt.Errorf("%w: draw offset (%d,%d) exceeds %d", ErrInvalidParameter, s.X, s.Y, MaxDimension)
	}
	return nil
}

func (s Rotate) Validate() error {
	if math.IsNaN(s.Degrees) || math.IsInf(s.Degrees, 0) {
		return fmt.Errorf("%w: rotate degrees must be finite", ErrInvalidParameter)
	}
	return nil
}

func (s Resize) Apply(buf *raster.Buffer) (*raster.Buffer, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return ResizeLongest(buf, s.LongestSide, s.Filter)
}

func (s ResizeWidth) Apply(buf *raster.Buffer) (*raster.Buffer, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return ResizeToWidth(buf, s.Width, s.Filter)
}

func (s Rotate) Apply(buf *raster.Buffer) (*raster.Buffer, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return RotateDegrees(buf, s.Degrees, s.Background)
}

func (s Crop) Apply(buf *raster.Buffer) (*raster.Buffer, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return CropRect(buf, s.Rect)
}

func (s Draw) Apply(buf *raster.Buffer) (*raster.Buffer, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return DrawOver(buf, s.Src, s.X, s.Y)
}

func (s Resize) OutputSize(w, h int) (int, int) {
	return scaledSize(w, h, int(s.LongestSide))
}

func (s ResizeWidth) OutputSize(w, h int) (int, int) {
	return int(s.Width), widthHeight(w, h, int(s.Width))
}

func (s Rotate) OutputSize(w, h int) (int, int) {
	return RotatedSize(w, h, normalize(s.Degrees))
}

func (s Crop) OutputSize(w, h int) (int, int) {
	r := s.Rect.Canon().Intersect(image.Rect(0, 0, w, h))
	return r.Dx(), r.Dy()
}

func (s Draw) OutputSize(w, h int) (int, int) {
	return w, h
}

func (s Resize) String() string      { return fmt.Sprintf("resize(%d,%s)", s.LongestSide, s.Filter) }
func (s ResizeWidth) String() string { return fmt.Sprintf("size(%d,%s)", s.Width, s.Filter) }
func (s Rotate) String() string      { return fmt.Sprintf("rotate(%g)", s.Degrees) }
func (s Crop) String() string        { return fmt.Sprintf("crop(%v)", s.Rect) }
func (s Draw) String() string {
	if s.Src == nil {
		return fmt.Sprintf("draw(nil@%d,%d)", s.X, s.Y)
	}
	return fmt.Sprintf("draw(%dx%d@%d,%d)", s.Src.Width, s.Src.Height, s.X, s.Y)
}

func validFilter(f Filter) error {
	if f < Bilinear || f > Lanczos3 {
		return fmt.Errorf("%w: filter %d", ErrInvalidParameter, f)
	}
	return nil
}

func checkInput(buf *raster.Buffer) error {
	if buf.Empty() {
		return ErrEmptyImage
	}
	return buf.Validate()
}

// CheckSize rejects dimensions whose area exceeds MaxPixels.
func CheckSize(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidParameter, w, h)
	}
	if w > MaxDimension || h > MaxDimension || h > MaxPixels/w {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, w, h, MaxPixels)
	}
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Apply runs a single spec.
func Apply(buf *raster.Buffer, spec Spec) (*raster.Buffer, error) {
	if err := checkInput(buf); err != nil {
		return nil, err
	}
	return spec.Apply(buf)
}

// ApplyAll runs specs in order, feeding each result into the next step.
func ApplyAll(buf *raster.Buffer, specs []Spec) (*raster.Buffer, error) {
	cur := buf
	for i, spec := range specs {
		next, err := Apply(cur, spec)
		if err != nil {
			return nil, fmt.Errorf("step %d %s: %w", i, spec, err)
		}
		cur = next
	}
	return cur, nil
}
