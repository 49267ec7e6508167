// Command rasterflow applies a resize/rotate/crop pipeline to local image files.
//
//	rasterflow -t resize:800 -t rotate:90 in.png out.jpg
//	rasterflow -t size:320 --format jpeg --out-dir thumbs a.png b.gif c.jpg
//	rasterflow -t crop:0:0:640:480 --overlay logo.png --overlay-at 600,440 in.jpg out.jpg
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/rasterflow/internal/codec"
	"github.com/dunamismax/rasterflow/internal/domain"
	"github.com/dunamismax/rasterflow/internal/logging"
	"github.com/dunamismax/rasterflow/internal/pipeline"
	"github.com/dunamismax/rasterflow/internal/raster"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "rasterflow:", err)
		}
		os.Exit(1)
	}
}

type options struct {
	transforms  []string
	filter      string
	format      string
	quality     int
	compression string
	outDir      string
	workers     int
	overlay     string
	overlayAt   string
	verbose     bool
}

func run(args []string, stderr io.Writer) error {
	var opts options
	fs := pflag.NewFlagSet("rasterflow", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringArrayVarP(&opts.transforms, "transform", "t", nil, "transform to apply in order: resize:N, size:N, rotate:DEG[:#rrggbb[aa]], crop:X:Y:W:H")
	fs.StringVar(&opts.filter, "filter", "", "resampling filter: bilinear, catmullrom or lanczos3")
	fs.StringVarP(&opts.format, "format", "f", "", "output format; defaults to the output extension")
	fs.IntVarP(&opts.quality, "quality", "q", 0, "JPEG quality 1-100")
	fs.StringVar(&opts.compression, "compression", "", "PNG compression: best, default, speed or none")
	fs.StringVarP(&opts.outDir, "out-dir", "o", "", "write every input into this directory instead of INPUT OUTPUT")
	fs.IntVarP(&opts.workers, "jobs", "j", 0, "parallel files with --out-dir; 0 uses every CPU")
	fs.StringVar(&opts.overlay, "overlay", "", "image composited over the result after the transforms")
	fs.StringVar(&opts.overlayAt, "overlay-at", "0,0", "top-left corner X,Y of --overlay")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "log stage timings")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: rasterflow [flags] INPUT OUTPUT")
		fmt.Fprintln(stderr, "       rasterflow [flags] --out-dir DIR INPUT...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := "info"
	if opts.verbose {
		level = "debug"
	}
	logger := logging.NewWithWriter(stderr, level, "console", "")

	step, err := opts.step()
	if err != nil {
		return err
	}
	if err := pipeline.ValidateStep(step); err != nil {
		return err
	}

	overlay, ox, oy, err := opts.loadOverlay()
	if err != nil {
		return err
	}

	items, err := opts.items(fs.Args())
	if err != nil {
		return err
	}
	for i := range items {
		dest := items[i].Dest
		items[i].Build = func(p *pipeline.Pipeline) *pipeline.Pipeline {
			p = p.Apply(step)
			if overlay != nil {
				p = p.Draw(overlay, ox, oy)
			}
			return p.Observe(func(stage string, format codec.Format, elapsed time.Duration) {
				logger.Debug().Str("file", dest).Str("stage", stage).Stringer("format", format).Dur("elapsed", elapsed).Msg("stage")
			})
		}
	}

	started := time.Now()
	var failed int
	for i, err := range pipeline.Batch(items, opts.workers) {
		if err != nil {
			failed++
			logger.Error().Err(err).Str("input", items[i].Source.Path()).Msg("failed")
			continue
		}
		logger.Info().Str("input", items[i].Source.Path()).Str("output", items[i].Dest).Msg("wrote")
	}
	logger.Debug().Int("files", len(items)).Dur("elapsed", time.Since(started)).Msg("done")

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(items))
	}
	return nil
}

// step turns the flags into a job step so the CLI and the worker share one
// code path.
func (o options) step() (domain.PipelineStep, error) {
	step := domain.PipelineStep{
		ID:          "cli",
		Format:      o.format,
		Quality:     o.quality,
		Compression: o.compression,
	}
	for _, raw := range o.transforms {
		tr, err := parseTransform(raw)
		if err != nil {
			return domain.PipelineStep{}, err
		}
		step.Transforms = append(step.Transforms, tr)
	}
	if o.filter != "" {
		if len(step.Transforms) == 0 {
			return domain.PipelineStep{}, errors.New("--filter needs at least one transform")
		}
		step.Transforms[0].Filter = o.filter
	}
	return step, nil
}

func parseTransform(raw string) (domain.Transform, error) {
	parts := strings.Split(raw, ":")
	op := strings.ToLower(strings.TrimSpace(parts[0]))
	if len(parts) < 2 {
		return domain.Transform{}, fmt.Errorf("transform %q: missing value", raw)
	}

	switch op {
	case domain.OpResize, domain.OpSize:
		if len(parts) != 2 {
			return domain.Transform{}, fmt.Errorf("transform %q: want %s:N", raw, op)
		}
		n, err := parseSide(parts[1])
		if err != nil {
			return domain.Transform{}, fmt.Errorf("transform %q: %w", raw, err)
		}
		return domain.Transform{Op: op, Size: n}, nil
	case domain.OpRotate:
		if len(parts) > 3 {
			return domain.Transform{}, fmt.Errorf("transform %q: want rotate:DEG[:COLOR]", raw)
		}
		deg, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return domain.Transform{}, fmt.Errorf("transform %q: %w", raw, err)
		}
		tr := domain.Transform{Op: op, Degrees: deg}
		if len(parts) == 3 {
			tr.Background = parts[2]
		}
		return tr, nil
	case domain.OpCrop:
		if len(parts) != 5 {
			return domain.Transform{}, fmt.Errorf("transform %q: want crop:X:Y:W:H", raw)
		}
		var v [4]uint
		for i, s := range parts[1:] {
			n, err := parseSide(s)
			if err != nil {
				return domain.Transform{}, fmt.Errorf("transform %q: %w", raw, err)
			}
			v[i] = n
		}
		return domain.Transform{Op: op, X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
	default:
		return domain.Transform{}, fmt.Errorf("transform %q: unknown operation %q", raw, op)
	}
}

// parseSide reads a pixel count no larger than domain.MaxSide.
func parseSide(s string) (uint, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, err
	}
	if n > domain.MaxSide {
		return 0, fmt.Errorf("%d exceeds %d", n, domain.MaxSide)
	}
	return uint(n), nil
}

// loadOverlay decodes --overlay once so every input shares the buffer.
func (o options) loadOverlay() (*raster.Buffer, int, int, error) {
	if o.overlay == "" {
		return nil, 0, 0, nil
	}

	xs, ys, ok := strings.Cut(o.overlayAt, ",")
	if !ok {
		return nil, 0, 0, fmt.Errorf("--overlay-at %q: want X,Y", o.overlayAt)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("--overlay-at %q: %w", o.overlayAt, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("--overlay-at %q: %w", o.overlayAt, err)
	}
	if x < -domain.MaxSide || x > domain.MaxSide || y < -domain.MaxSide || y > domain.MaxSide {
		return nil, 0, 0, fmt.Errorf("--overlay-at %q: offset exceeds %d", o.overlayAt, domain.MaxSide)
	}

	data, err := os.ReadFile(o.overlay)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("--overlay: %w", err)
	}
	reg := codec.Default()
	c, err := reg.Sniff(data[:min(len(data), codec.SniffLen)])
	if err != nil {
		return nil, 0, 0, fmt.Errorf("--overlay %s: %w", o.overlay, err)
	}
	buf, err := c.Decode(data, codec.Limits{MaxWidth: domain.MaxSide, MaxHeight: domain.MaxSide})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("--overlay %s: %w", o.overlay, err)
	}
	return buf, x, y, nil
}

func (o options) items(args []string) ([]pipeline.BatchItem, error) {
	if o.outDir == "" {
		if len(args) != 2 {
			return nil, errors.New("want INPUT OUTPUT, or --out-dir DIR INPUT...")
		}
		return []pipeline.BatchItem{{Source: pipeline.FileSource(args[0]), Dest: args[1]}}, nil
	}

	if len(args) == 0 {
		return nil, errors.New("no input files")
	}
	if err := os.MkdirAll(o.outDir, 0o755); err != nil {
		return nil, err
	}

	ext := ""
	if o.format != "" {
		f, err := codec.ParseFormat(o.format)
		if err != nil {
			return nil, err
		}
		ext = "." + f.Extension()
	}

	items := make([]pipeline.BatchItem, 0, len(args))
	for _, in := range args {
		base := filepath.Base(in)
		if ext != "" {
			base = strings.TrimSuffix(base, filepath.Ext(base)) + ext
		}
		items = append(items, pipeline.BatchItem{
			Source: pipeline.FileSource(in),
			Dest:   filepath.Join(o.outDir, base),
		})
	}
	return items, nil
}
