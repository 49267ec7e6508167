package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dunamismax/rasterflow/internal/codec"
	"github.com/dunamismax/rasterflow/internal/raster"
	"github.com/dunamismax/rasterflow/internal/transform"
)

var (
	ErrPipelineAlreadyExecuted = errors.New("pipeline already executed")
	ErrIO                      = errors.New("i/o failure")
	ErrNoSource                = errors.New("pipeline source is empty")

	ErrUnsupportedFormat      = codec.ErrUnsupportedFormat
	ErrCorruptStream          = codec.ErrCorruptStream
	ErrUnsupportedPixelFormat = codec.ErrUnsupportedPixelFormat
	ErrEmptyImage             = transform.ErrEmptyImage
	ErrInvalidParameter       = transform.ErrInvalidParameter
)

const (
	StageBuild     = "build"
	StageOpen      = "open"
	StageDecode    = "decode"
	StageTransform = "transform"
	StageEncode    = "encode"
	StageWrite     = "write"
)

// PipelineError records the stage a pipeline failed in.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, err error) error {
	return &PipelineError{Stage: stage, Err: err}
}

// Source is an image file path or an in-memory stream. The format is resolved
// lazily unless set with WithFormat.
type Source struct {
	path   string
	data   []byte
	reader io.Reader
	format codec.Format
}

func FileSource(path string) Source {
	return Source{path: path}
}

func BytesSource(data []byte) Source {
	return Source{data: data}
}

// ReaderSource drains r when the pipeline executes.
func ReaderSource(r io.Reader) Source {
	return Source{reader: r}
}

// WithFormat pins the source format and skips extension and signature lookup.
func (s Source) WithFormat(f codec.Format) Source {
	s.format = f
	return s
}

func (s Source) Path() string {
	return s.path
}

func (s Source) read() ([]byte, error) {
	switch {
	case s.data != nil:
		return s.data, nil
	case s.reader != nil:
		data, err := io.ReadAll(s.reader)
		if err != nil {
			return nil, fmt.Errorf("%w: read source stream: %v", ErrIO, err)
		}
		return data, nil
	case s.path != "":
		f, err := os.Open(s.path)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrIO, s.path, err)
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrIO, s.path, err)
		}
		return data, nil
	default:
		return nil, ErrNoSource
	}
}

type step struct {
	spec transform.Spec
	// autoFill marks rotations whose background follows the output format.
	autoFill bool
}

// Rendered is the encoded output of a pipeline.
type Rendered struct {
	Data   []byte
	Format codec.Format
	Width  int
	Height int
}

// ObserveFunc receives the duration of each decode, transform and encode
// stage. format is the source format for decode and the output format
// otherwise.
type ObserveFunc func(stage string, format codec.Format, elapsed time.Duration)

// Pipeline collects transforms and defers all decoding and encoding to a
// terminal call (Save, SaveTo or Render). Chained calls after a terminal fail
// with ErrPipelineAlreadyExecuted. A Pipeline is not safe for concurrent use.
type Pipeline struct {
	registry *codec.Registry
	src      Source
	input    *codec.Codec
	steps    []step
	filter   transform.Filter
	output   codec.Format
	opts     codec.Options
	limits   codec.Limits
	observe  ObserveFunc
	executed bool
	err      error
}

// Open starts a pipeline on the default codec registry.
func Open(src Source) *Pipeline {
	return OpenWith(codec.Default(), src)
}

func OpenFile(path string) *Pipeline {
	return Open(FileSource(path))
}

func OpenBytes(data []byte) *Pipeline {
	return Open(BytesSource(data))
}

// OpenWith resolves the source format from its pinned format or extension
// without reading any bytes. Sources without either are sniffed at execution.
func OpenWith(reg *codec.Registry, src Source) *Pipeline {
	p := &Pipeline{registry: reg, src: src}

	switch {
	case src.format != "":
		c, err := reg.Lookup(src.format)
		if err != nil {
			p.err = stageErr(StageOpen, err)
			return p
		}
		p.input = &c
	case src.path != "":
		c, ok, err := reg.ForExtension(src.path)
		if err != nil {
			p.err = stageErr(StageOpen, err)
			return p
		}
		if ok {
			p.input = &c
		}
	case src.data == nil && src.reader == nil:
		p.err = stageErr(StageOpen, ErrNoSource)
	}
	return p
}

// Err returns the first error recorded while building, if any.
func (p *Pipeline) Err() error {
	return p.err
}

func (p *Pipeline) record(fn func() error) *Pipeline {
	if p.executed {
		p.err = stageErr(StageBuild, ErrPipelineAlreadyExecuted)
		return p
	}
	if p.err != nil {
		return p
	}
	if err := fn(); err != nil {
		p.err = stageErr(StageBuild, err)
	}
	return p
}

func (p *Pipeline) add(spec transform.Spec, autoFill bool) *Pipeline {
	return p.record(func() error {
		if err := spec.Validate(); err != nil {
			return err
		}
		p.steps = append(p.steps, step{spec: spec, autoFill: autoFill})
		return nil
	})
}

// Resize scales the image so its longest side equals longest.
func (p *Pipeline) Resize(longest uint) *Pipeline {
	return p.add(transform.Resize{LongestSide: longest, Filter: p.filter}, false)
}

// Size scales the image to width, keeping the aspect ratio.
func (p *Pipeline) Size(width uint) *Pipeline {
	return p.add(transform.ResizeWidth{Width: width, Filter: p.filter}, false)
}

// Rotate turns the image clockwise. Uncovered canvas is transparent, or
// white when the output format has no alpha channel.
func (p *Pipeline) Rotate(degrees float64) *Pipeline {
	return p.add(transform.Rotate{Degrees: degrees}, true)
}

// RotateFill turns the image clockwise and fills uncovered canvas with bg.
func (p *Pipeline) RotateFill(degrees float64, bg raster.Pixel) *Pipeline {
	return p.add(transform.Rotate{Degrees: degrees, Background: bg}, false)
}

// Crop keeps the width×height region whose top-left corner is (x, y). The
// region is clipped to the image at execution.
func (p *Pipeline) Crop(x, y, width, height int) *Pipeline {
	if width <= 0 || height <= 0 {
		return p.record(func() error {
			return fmt.Errorf("%w: crop %dx%d must be positive", ErrInvalidParameter, width, height)
		})
	}
	return p.add(transform.Crop{Rect: image.Rect(x, y, x+width, y+height)}, false)
}

// Draw composites overlay onto the image with its top-left corner at (x, y).
func (p *Pipeline) Draw(overlay *raster.Buffer, x, y int) *Pipeline {
	return p.add(transform.Draw{Src: overlay, X: x, Y: y}, false)
}

// Filter sets the resampling kernel for resize calls chained after it.
func (p *Pipeline) Filter(f transform.Filter) *Pipeline {
	return p.record(func() error {
		if f < transform.Bilinear || f > transform.Lanczos3 {
			return fmt.Errorf("%w: filter %d", ErrInvalidParameter, f)
		}
		p.filter = f
		return nil
	})
}

// Format overrides the output format inferred from the destination.
func (p *Pipeline) Format(f codec.Format) *Pipeline {
	return p.record(func() error {
		if _, err := p.registry.EncoderFor(f); err != nil {
			return err
		}
		p.output = f
		return nil
	})
}

// Quality sets the JPEG (and WebP) quality, 1..100.
func (p *Pipeline) Quality(q int) *Pipeline {
	return p.record(func() error {
		opts := p.opts
		opts.Quality = q
		if err := opts.Validate(); err != nil {
			return err
		}
		p.opts = opts
		return nil
	})
}

// Compression sets the PNG compression level.
func (p *Pipeline) Compression(level codec.CompressionLevel) *Pipeline {
	return p.record(func() error {
		opts := p.opts
		opts.Compression = level
		if err := opts.Validate(); err != nil {
			return err
		}
		p.opts = opts
		return nil
	})
}

// Limits rejects sources larger than lim at decode time, and any step whose
// output would be larger than lim before it runs.
func (p *Pipeline) Limits(lim codec.Limits) *Pipeline {
	return p.record(func() error {
		if lim.MaxWidth < 0 || lim.MaxHeight < 0 {
			return fmt.Errorf("%w: negative limits", ErrInvalidParameter)
		}
		p.limits = lim
		return nil
	})
}

// Observe registers fn to time the stages of the terminal call.
func (p *Pipeline) Observe(fn ObserveFunc) *Pipeline {
	return p.record(func() error {
		p.observe = fn
		return nil
	})
}

// Steps returns the transforms queued so far.
func (p *Pipeline) Steps() []transform.Spec {
	out := make([]transform.Spec, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.spec
	}
	return out
}

// Save executes the pipeline and atomically writes the result to path. The
// output format follows the extension of path unless Format was called; a
// path without an extension keeps the source format, or PNG when the source
// format cannot be encoded.
func (p *Pipeline) Save(path string) error {
	if err := p.begin(); err != nil {
		return err
	}

	format := p.output
	if format == "" {
		c, ok, err := p.registry.ForExtension(path)
		if err != nil {
			return stageErr(StageOpen, err)
		}
		if ok {
			format = c.Format
		}
	}

	out, err := p.run(format)
	if err != nil {
		return err
	}
	if err := writeAtomic(path, out.Data); err != nil {
		return stageErr(StageWrite, err)
	}
	return nil
}

// SaveTo executes the pipeline and writes the encoded image to w.
func (p *Pipeline) SaveTo(w io.Writer) error {
	out, err := p.Render()
	if err != nil {
		return err
	}
	if _, err := w.Write(out.Data); err != nil {
		return stageErr(StageWrite, fmt.Errorf("%w: %v", ErrIO, err))
	}
	return nil
}

// Render executes the pipeline and returns the encoded bytes.
func (p *Pipeline) Render() (Rendered, error) {
	if err := p.begin(); err != nil {
		return Rendered{}, err
	}
	return p.run(p.output)
}

// begin moves the pipeline into its executed state.
func (p *Pipeline) begin() error {
	if p.executed {
		return stageErr(StageBuild, ErrPipelineAlreadyExecuted)
	}
	p.executed = true
	return p.err
}

// fallbackFormat is written when the output format is left to the source and
// the source format has no encoder (GIF).
const fallbackFormat = codec.PNG

// run decodes, transforms and encodes. An empty format means "same as source".
func (p *Pipeline) run(format codec.Format) (Rendered, error) {
	if format != "" {
		if _, err := p.registry.EncoderFor(format); err != nil {
			return Rendered{}, stageErr(StageEncode, err)
		}
	}

	data, err := p.src.read()
	if err != nil {
		return Rendered{}, stageErr(StageOpen, err)
	}

	input := p.input
	if input == nil {
		head := data[:min(len(data), codec.SniffLen)]
		c, err := p.registry.Sniff(head)
		if err != nil {
			return Rendered{}, stageErr(StageOpen, err)
		}
		input = &c
	}
	if format == "" {
		format = p.defaultOutput(input.Format)
		if _, err := p.registry.EncoderFor(format); err != nil {
			return Rendered{}, stageErr(StageEncode, err)
		}
	}

	start := time.Now()
	buf, err := input.Decode(data, p.limits)
	if err != nil {
		return Rendered{}, stageErr(StageDecode, err)
	}
	p.timed(StageDecode, input.Format, start)

	specs := p.resolveSteps(format)
	if err := p.checkSizes(buf.Width, buf.Height, specs); err != nil {
		return Rendered{}, stageErr(StageTransform, err)
	}

	start = time.Now()
	buf, err = transform.ApplyAll(buf, specs)
	if err != nil {
		return Rendered{}, stageErr(StageTransform, err)
	}
	p.timed(StageTransform, format, start)

	start = time.Now()
	var out bytes.Buffer
	if err := p.registry.Encode(&out, format, buf, p.opts); err != nil {
		return Rendered{}, stageErr(StageEncode, err)
	}
	p.timed(StageEncode, format, start)

	return Rendered{Data: out.Bytes(), Format: format, Width: buf.Width, Height: buf.Height}, nil
}

// defaultOutput keeps the source format when it can be encoded.
func (p *Pipeline) defaultOutput(source codec.Format) codec.Format {
	if _, err := p.registry.EncoderFor(source); err != nil {
		return fallbackFormat
	}
	return source
}

// checkSizes walks the steps without touching pixels and rejects any
// intermediate image over the pipeline limits or the transform ceiling.
func (p *Pipeline) checkSizes(w, h int, specs []transform.Spec) error {
	for i, spec := range specs {
		w, h = spec.OutputSize(w, h)
		if w <= 0 || h <= 0 {
			return fmt.Errorf("%w: step %d %s leaves an empty image", ErrInvalidParameter, i, spec)
		}
		if err := transform.CheckSize(w, h); err != nil {
			return fmt.Errorf("%w: step %d %s: %v", codec.ErrImageTooLarge, i, spec, err)
		}
		if (p.limits.MaxWidth > 0 && w > p.limits.MaxWidth) || (p.limits.MaxHeight > 0 && h > p.limits.MaxHeight) {
			return fmt.Errorf("%w: step %d %s gives %dx%d > %dx%d",
				codec.ErrImageTooLarge, i, spec, w, h, p.limits.MaxWidth, p.limits.MaxHeight)
		}
	}
	return nil
}

func (p *Pipeline) timed(stage string, format codec.Format, start time.Time) {
	if p.observe != nil {
		p.observe(stage, format, time.Since(start))
	}
}

// resolveSteps fills in default rotation backgrounds for the output format.
func (p *Pipeline) resolveSteps(format codec.Format) []transform.Spec {
	fill := raster.Transparent
	if !hasAlpha(format) {
		fill = raster.White
	}

	specs := make([]transform.Spec, len(p.steps))
	for i, s := range p.steps {
		if r, ok := s.spec.(transform.Rotate); ok && s.autoFill {
			r.Background = fill
			specs[i] = r
			continue
		}
		specs[i] = s.spec
	}
	return specs
}

func hasAlpha(f codec.Format) bool {
	return f != codec.JPEG
}

// writeAtomic writes data next to path and renames it into place, so a
// failure never leaves a partial file behind.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrIO, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrIO, tmp.Name(), err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrIO, tmp.Name(), err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("%w: chmod %s: %v", ErrIO, tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIO, tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: rename into %s: %v", ErrIO, path, err)
	}
	return nil
}
