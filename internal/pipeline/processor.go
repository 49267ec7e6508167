package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/rasterflow/internal/codec"
	"github.com/dunamismax/rasterflow/internal/domain"
	"github.com/dunamismax/rasterflow/internal/transform"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrInvalidStepAction     = errors.New("invalid pipeline action")
)

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	Pipeline   []domain.PipelineStep
}

type Output struct {
	StepID     string `json:"step_id"`
	Format     string `json:"format"`
	Path       string `json:"path"`
	Bytes      int    `json:"bytes"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Transforms int    `json:"transforms"`
	Success    bool   `json:"success"`
}

type Result struct {
	SourceBytes int
	Outputs     []Output
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, step domain.PipelineStep, out Rendered) (Output, error)
}

// Defaults apply to every step before the step's own settings.
type Defaults struct {
	Quality     int
	Compression codec.CompressionLevel
	Filter      transform.Filter
	Limits      codec.Limits
}

type Option func(*Processor)

func WithDefaults(d Defaults) Option {
	return func(p *Processor) { p.defaults = d }
}

func WithObserver(fn ObserveFunc) Option {
	return func(p *Processor) { p.observe = fn }
}

func WithRegistry(reg *codec.Registry) Option {
	return func(p *Processor) { p.registry = reg }
}

// Processor runs every step of a job against a single fetched source image.
type Processor struct {
	fetcher  Fetcher
	emitter  Emitter
	registry *codec.Registry
	defaults Defaults
	observe  ObserveFunc
	tracer   trace.Tracer
}

func NewProcessor(fetcher Fetcher, emitter Emitter, opts ...Option) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}

	p := &Processor{
		fetcher:  fetcher,
		emitter:  emitter,
		registry: codec.Default(),
		tracer:   otel.Tracer("rasterflow/pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func NewLocalProcessor(outputDir string, opts ...Option) (*Processor, error) {
	if strings.TrimSpace(outputDir) == "" {
		return nil, errors.New("output directory is required")
	}
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir}, opts...)
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if len(req.Pipeline) == 0 {
		return Result{}, errors.New("pipeline must contain at least one step")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	src := BytesSource(sourceBytes)
	if c, ok, err := p.registry.ForExtension(req.ObjectKey); err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	} else if ok {
		src = src.WithFormat(c.Format)
	}

	out := Result{SourceBytes: len(sourceBytes), Outputs: make([]Output, 0, len(req.Pipeline))}
	for _, step := range req.Pipeline {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		written, err := p.runStep(ctx, req, src, step)
		if err != nil {
			return Result{}, err
		}
		out.Outputs = append(out.Outputs, written)
	}

	return out, nil
}

func (p *Processor) runStep(ctx context.Context, req Request, src Source, step domain.PipelineStep) (Output, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.step")
	span.SetAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("step.id", step.ID),
		attribute.Int("step.transforms", len(step.Transforms)),
	)
	defer span.End()

	rendered, err := p.open(src).Apply(step).Observe(p.observe).Render()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transform failed")
		return Output{}, fmt.Errorf("transform stage step=%s: %w", step.ID, err)
	}
	span.SetAttributes(
		attribute.String("image.format", rendered.Format.String()),
		attribute.Int("image.width", rendered.Width),
		attribute.Int("image.height", rendered.Height),
	)

	written, err := p.emitter.Emit(ctx, req, step, rendered)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "emit failed")
		return Output{}, fmt.Errorf("emit stage step=%s: %w", step.ID, err)
	}
	return written, nil
}

// open starts a pipeline carrying the processor defaults.
func (p *Processor) open(src Source) *Pipeline {
	pl := OpenWith(p.registry, src).Limits(p.defaults.Limits)
	if p.defaults.Filter != transform.Bilinear {
		pl = pl.Filter(p.defaults.Filter)
	}
	if p.defaults.Quality != 0 {
		pl = pl.Quality(p.defaults.Quality)
	}
	if p.defaults.Compression != codec.CompressionBest {
		pl = pl.Compression(p.defaults.Compression)
	}
	return pl
}

// IsPermanent reports whether err will recur on every retry of the same job.
func IsPermanent(err error) bool {
	for _, target := range []error{
		ErrUnsupportedSourceType,
		ErrInvalidStepAction,
		ErrUnsupportedFormat,
		ErrCorruptStream,
		ErrUnsupportedPixelFormat,
		ErrEmptyImage,
		ErrInvalidParameter,
		codec.ErrUnsupportedSubformat,
		codec.ErrImageTooLarge,
		codec.ErrInvalidOption,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := FileSource(req.ObjectKey).read()
	if err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, step domain.PipelineStep, out Rendered) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if strings.TrimSpace(step.ID) == "" {
		return Output{}, errors.New("pipeline step id is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, outputName(step, out.Format))
	if err := writeAtomic(fullPath, out.Data); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return newOutput(step, out, fullPath), nil
}

func outputName(step domain.PipelineStep, format codec.Format) string {
	return fmt.Sprintf("%s.%s", sanitizePathToken(step.ID), format.Extension())
}

func newOutput(step domain.PipelineStep, out Rendered, path string) Output {
	return Output{
		StepID:     step.ID,
		Format:     out.Format.String(),
		Path:       path,
		Bytes:      len(out.Data),
		Width:      out.Width,
		Height:     out.Height,
		Transforms: len(step.Transforms),
		Success:    true,
	}
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
