//go:build govips && cgo

package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/rasterflow/internal/raster"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

// Startup initialises libvips. It is safe to call more than once.
func Startup() error {
	startupOnce.Do(func() {
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   128 * 1024 * 1024,
			MaxCacheSize:  100,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

// webpEncoder hands a lossless PNG of the buffer to libvips and exports WebP.
func webpEncoder() Encoder {
	return govipsWebPEncoder{}
}

type govipsWebPEncoder struct{}

func (govipsWebPEncoder) Encode(w io.Writer, buf *raster.Buffer, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if err := Startup(); err != nil {
		return err
	}

	var staged bytes.Buffer
	if err := (pngEncoder{}).Encode(&staged, buf, Options{Compression: CompressionSpeed}); err != nil {
		return err
	}

	img, err := vips.NewImageFromBuffer(staged.Bytes())
	if err != nil {
		return fmt.Errorf("load staged image: %w", err)
	}
	defer img.Close()

	params := vips.NewWebpExportParams()
	if opts.Quality > 0 {
		params.Quality = opts.Quality
	}
	data, _, err := img.ExportWebp(params)
	if err != nil {
		return fmt.Errorf("encode webp: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write webp: %w", err)
	}
	return nil
}
