// Package codec maps image formats to decoders and encoders. The default
// registry is populated once at init and only read afterwards, so lookups
// need no locking.
package codec

import (
	"bytes"
	"fmt"
	"image"
	"io"

	"github.com/dunamismax/rasterflow/internal/raster"
)

// SniffLen is the number of leading bytes Sniff looks at.
const SniffLen = 12

type Decoder interface {
	DecodeConfig(r io.Reader) (image.Config, error)
	Decode(r io.Reader) (*raster.Buffer, error)
}

type Encoder interface {
	Encode(w io.Writer, buf *raster.Buffer, opts Options) error
}

// Codec describes one format. Encoder is nil for decode-only formats.
type Codec struct {
	Format     Format
	Extensions []string
	Match      func(head []byte) bool
	Decoder    Decoder
	Encoder    Encoder
}

// Limits bounds the dimensions accepted at decode time. Zero means unlimited.
type Limits struct {
	MaxWidth  int
	MaxHeight int
}

// Decode checks the header against lim and then decodes the full image.
func (c Codec) Decode(data []byte, lim Limits) (*raster.Buffer, error) {
	if c.Decoder == nil {
		return nil, fmt.Errorf("%w: %s has no decoder", ErrUnsupportedFormat, c.Format)
	}

	cfg, err := c.Decoder.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if (lim.MaxWidth > 0 && cfg.Width > lim.MaxWidth) || (lim.MaxHeight > 0 && cfg.Height > lim.MaxHeight) {
		return nil, fmt.Errorf("%w: %dx%d > %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height, lim.MaxWidth, lim.MaxHeight)
	}

	return c.Decoder.Decode(bytes.NewReader(data))
}

type Registry struct {
	codecs map[Format]Codec
	byExt  map[string]Format
	order  []Format
}

// NewRegistry builds a registry. Registering a format or extension twice is an error.
func NewRegistry(codecs ...Codec) (*Registry, error) {
	r := &Registry{
		codecs: make(map[Format]Codec, len(codecs)),
		byExt:  make(map[string]Format),
	}
	for _, c := range codecs {
		if _, ok := r.codecs[c.Format]; ok {
			return nil, fmt.Errorf("codec %s registered twice", c.Format)
		}
		for _, ext := range c.Extensions {
			if prev, ok := r.byExt[ext]; ok {
				return nil, fmt.Errorf("extension %q claimed by %s and %s", ext, prev, c.Format)
			}
			r.byExt[ext] = c.Format
		}
		r.codecs[c.Format] = c
		r.order = append(r.order, c.Format)
	}
	return r, nil
}

var defaultRegistry *Registry

func init() {
	r, err := NewRegistry(builtinCodecs()...)
	if err != nil {
		panic(err)
	}
	defaultRegistry = r
}

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

func (r *Registry) Lookup(f Format) (Codec, error) {
	c, ok := r.codecs[f]
	if !ok {
		return Codec{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
	return c, nil
}

// ForExtension resolves a path by its extension only. ok is false when the
// path has no extension; a present but unknown extension is an error.
func (r *Registry) ForExtension(path string) (c Codec, ok bool, err error) {
	ext := extensionOf(path)
	if ext == "" {
		return Codec{}, false, nil
	}
	f, found := r.byExt[ext]
	if !found {
		return Codec{}, true, fmt.Errorf("%w: .%s", ErrUnsupportedFormat, ext)
	}
	return r.codecs[f], true, nil
}

// Sniff identifies a codec from the leading bytes of a stream.
func (r *Registry) Sniff(head []byte) (Codec, error) {
	for _, f := range r.order {
		c := r.codecs[f]
		if c.Match != nil && c.Match(head) {
			return c, nil
		}
	}
	return Codec{}, fmt.Errorf("%w: unrecognised signature", ErrUnsupportedFormat)
}

// Resolve picks a decoder for path, falling back to head when the path has
// no extension.
func (r *Registry) Resolve(path string, head []byte) (Codec, error) {
	c, ok, err := r.ForExtension(path)
	if err != nil {
		return Codec{}, err
	}
	if ok {
		return c, nil
	}
	return r.Sniff(head)
}

// EncoderFor returns the encoder for f, or ErrUnsupportedFormat for
// decode-only formats.
func (r *Registry) EncoderFor(f Format) (Encoder, error) {
	c, err := r.Lookup(f)
	if err != nil {
		return nil, err
	}
	if c.Encoder == nil {
		return nil, fmt.Errorf("%w: %s encoding is not available", ErrUnsupportedFormat, f)
	}
	return c.Encoder, nil
}

// Encode looks up the encoder for f and writes buf to w.
func (r *Registry) Encode(w io.Writer, f Format, buf *raster.Buffer, opts Options) error {
	enc, err := r.EncoderFor(f)
	if err != nil {
		return err
	}
	if err := buf.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedPixelFormat, err)
	}
	return enc.Encode(w, buf, opts)
}

func builtinCodecs() []Codec {
	return []Codec{
		{
			Format:     PNG,
			Extensions: []string{"png"},
			Match:      hasPrefix([]byte{0x89, 'P', 'N', 'G'}),
			Decoder:    pngDecoder{},
			Encoder:    pngEncoder{},
		},
		{
			Format:     JPEG,
			Extensions: []string{"jpg", "jpeg", "jpe"},
			Match:      hasPrefix([]byte{0xff, 0xd8}),
			Decoder:    jpegDecoder{},
			Encoder:    jpegEncoder{},
		},
		{
			Format:     GIF,
			Extensions: []string{"gif"},
			Match:      hasPrefix([]byte("GIF")),
			Decoder:    gifDecoder{},
		},
		{
			Format:     WebP,
			Extensions: []string{"webp"},
			Match:      isWebP,
			Decoder:    webpDecoder{},
			Encoder:    webpEncoder(),
		},
	}
}

func hasPrefix(magic []byte) func([]byte) bool {
	return func(head []byte) bool {
		return bytes.HasPrefix(head, magic)
	}
}

func isWebP(head []byte) bool {
	return len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WEBP"))
}
