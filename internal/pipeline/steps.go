package pipeline

import (
	"fmt"
	"strings"

	"github.com/dunamismax/rasterflow/internal/codec"
	"github.com/dunamismax/rasterflow/internal/domain"
	"github.com/dunamismax/rasterflow/internal/raster"
	"github.com/dunamismax/rasterflow/internal/transform"
)

// Apply chains the transforms and encode settings of a job step.
func (p *Pipeline) Apply(step domain.PipelineStep) *Pipeline {
	for i, tr := range step.Transforms {
		p = p.applyTransform(i, tr)
	}

	if f := strings.TrimSpace(step.Format); f != "" {
		format, err := codec.ParseFormat(f)
		if err != nil {
			return p.record(func() error { return err })
		}
		p = p.Format(format)
	}
	if step.Quality != 0 {
		p = p.Quality(step.Quality)
	}
	if c := strings.TrimSpace(step.Compression); c != "" {
		level, err := codec.ParseCompression(c)
		if err != nil {
			return p.record(func() error { return err })
		}
		p = p.Compression(level)
	}
	return p
}

func (p *Pipeline) applyTransform(i int, tr domain.Transform) *Pipeline {
	if tr.Filter != "" {
		f, err := transform.ParseFilter(tr.Filter)
		if err != nil {
			return p.record(func() error { return fmt.Errorf("transforms[%d]: %w", i, err) })
		}
		p = p.Filter(f)
	}

	switch strings.ToLower(strings.TrimSpace(tr.Op)) {
	case domain.OpResize:
		return p.Resize(tr.Size)
	case domain.OpSize:
		return p.Size(tr.Size)
	case domain.OpRotate:
		if tr.Background == "" {
			return p.Rotate(tr.Degrees)
		}
		bg, err := raster.ParseColor(tr.Background)
		if err != nil {
			return p.record(func() error {
				return fmt.Errorf("transforms[%d]: %w: %v", i, ErrInvalidParameter, err)
			})
		}
		return p.RotateFill(tr.Degrees, bg)
	case domain.OpCrop:
		for _, v := range []uint{tr.X, tr.Y, tr.Width, tr.Height} {
			if v > transform.MaxDimension {
				return p.record(func() error {
					return fmt.Errorf("transforms[%d]: %w: crop value %d exceeds %d", i, ErrInvalidParameter, v, transform.MaxDimension)
				})
			}
		}
		return p.Crop(int(tr.X), int(tr.Y), int(tr.Width), int(tr.Height))
	default:
		return p.record(func() error {
			return fmt.Errorf("transforms[%d]: %w: %q", i, ErrInvalidStepAction, tr.Op)
		})
	}
}

// ValidateStep checks a step against the builder without touching any image
// data.
func ValidateStep(step domain.PipelineStep) error {
	p := &Pipeline{registry: codec.Default()}
	return p.Apply(step).Err()
}
