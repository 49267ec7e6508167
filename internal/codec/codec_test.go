package codec

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/dunamismax/rasterflow/internal/raster"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveByExtensionThenSignature(t *testing.T) {
	reg := Default()

	tests := []struct {
		name    string
		path    string
		head    []byte
		want    Format
		wantErr error
	}{
		{name: "png extension", path: "in/input.PNG", want: PNG},
		{name: "jpg extension", path: "photo.jpg", want: JPEG},
		{name: "jpeg extension", path: "photo.jpeg", want: JPEG},
		{name: "gif extension", path: "anim.gif", want: GIF},
		{name: "extension wins over bytes", path: "x.png", head: []byte{0xff, 0xd8, 0xff}, want: PNG},
		{name: "png signature", path: "blob", head: []byte{0x89, 'P', 'N', 'G', '\r', '\n'}, want: PNG},
		{name: "jpeg signature", path: "", head: []byte{0xff, 0xd8, 0xff, 0xe0}, want: JPEG},
		{name: "gif signature", path: "", head: []byte("GIF89a"), want: GIF},
		{name: "webp signature", path: "", head: []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), want: WebP},
		{name: "bmp extension", path: "input.bmp", head: []byte("BM"), wantErr: ErrUnsupportedFormat},
		{name: "unknown signature", path: "", head: []byte("BM"), wantErr: ErrUnsupportedFormat},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := reg.Resolve(tc.path, tc.head)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, c.Format)
		})
	}
}

func TestEncoderFor(t *testing.T) {
	reg := Default()

	_, err := reg.EncoderFor(PNG)
	require.NoError(t, err)
	_, err = reg.EncoderFor(JPEG)
	require.NoError(t, err)

	_, err = reg.EncoderFor(GIF)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = reg.EncoderFor(Format("bmp"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(Codec{Format: PNG}, Codec{Format: PNG})
	assert.Error(t, err)

	_, err = NewRegistry(
		Codec{Format: PNG, Extensions: []string{"img"}},
		Codec{Format: JPEG, Extensions: []string{"img"}},
	)
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(".JPG")
	require.NoError(t, err)
	assert.Equal(t, JPEG, f)
	assert.Equal(t, "jpg", f.Extension())
	assert.Equal(t, "image/jpeg", f.ContentType())

	_, err = ParseFormat("tiff")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestPNGRoundTripIsExact(t *testing.T) {
	for _, format := range []raster.PixelFormat{raster.RGB8, raster.RGBA8} {
		t.Run(format.String(), func(t *testing.T) {
			buf := gradient(t, 17, 9, format)
			reg := Default()

			var out bytes.Buffer
			require.NoError(t, reg.Encode(&out, PNG, buf, Options{}))

			c, err := reg.Lookup(PNG)
			require.NoError(t, err)
			got, err := c.Decode(out.Bytes(), Limits{})
			require.NoError(t, err)

			if diff := cmp.Diff(buf, got); diff != "" {
				t.Fatalf("png round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPNGEncodingIsDeterministic(t *testing.T) {
	buf := gradient(t, 32, 16, raster.RGBA8)

	var a, b bytes.Buffer
	require.NoError(t, Default().Encode(&a, PNG, buf, Options{Compression: CompressionDefault}))
	require.NoError(t, Default().Encode(&b, PNG, buf, Options{Compression: CompressionDefault}))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestJPEGEncodeCompositesAlphaOntoWhite(t *testing.T) {
	buf, err := raster.New(16, 16, raster.RGBA8)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Default().Encode(&out, JPEG, buf, Options{Quality: 95}))

	img, err := jpeg.Decode(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	r, g, b, _ := img.At(8, 8).RGBA()
	assert.Greater(t, r>>8, uint32(245))
	assert.Greater(t, g>>8, uint32(245))
	assert.Greater(t, b>>8, uint32(245))
}

func TestEncodeRejectsBadOptions(t *testing.T) {
	buf := gradient(t, 4, 4, raster.RGB8)

	err := Default().Encode(&bytes.Buffer{}, JPEG, buf, Options{Quality: 101})
	assert.ErrorIs(t, err, ErrInvalidOption)

	_, err = ParseCompression("ultra")
	assert.ErrorIs(t, err, ErrInvalidOption)
}

func TestEncodeRejectsBrokenBuffer(t *testing.T) {
	buf := &raster.Buffer{Width: 2, Height: 2, Format: raster.RGB8, Pix: make([]byte, 3)}
	err := Default().Encode(&bytes.Buffer{}, PNG, buf, Options{})
	assert.ErrorIs(t, err, ErrUnsupportedPixelFormat)
}

func TestJPEGDecodeResolvesToRGB8(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			src.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var enc bytes.Buffer
	require.NoError(t, jpeg.Encode(&enc, src, &jpeg.Options{Quality: 90}))

	c, err := Default().Lookup(JPEG)
	require.NoError(t, err)
	buf, err := c.Decode(enc.Bytes(), Limits{})
	require.NoError(t, err)

	assert.Equal(t, raster.RGB8, buf.Format)
	assert.Equal(t, 40, buf.Width)
	assert.Equal(t, 30, buf.Height)
	assert.InDelta(t, 200, int(buf.At(20, 15).R), 6)
}

func TestGIFDecodeUsesFirstFrameOnScreen(t *testing.T) {
	palette := color.Palette{
		color.RGBA{R: 255, A: 255},
		color.RGBA{G: 255, A: 255},
		color.RGBA{B: 255, A: 255},
		color.RGBA{R: 9, G: 9, B: 9, A: 255},
	}

	first := image.NewPaletted(image.Rect(1, 1, 3, 3), palette)
	second := image.NewPaletted(image.Rect(0, 0, 4, 4), palette)
	for i := range second.Pix {
		second.Pix[i] = 1
	}

	var enc bytes.Buffer
	require.NoError(t, gif.EncodeAll(&enc, &gif.GIF{
		Image:           []*image.Paletted{first, second},
		Delay:           []int{10, 10},
		BackgroundIndex: 2,
		Config:          image.Config{ColorModel: palette, Width: 4, Height: 4},
	}))

	c, err := Default().Lookup(GIF)
	require.NoError(t, err)
	buf, err := c.Decode(enc.Bytes(), Limits{})
	require.NoError(t, err)

	assert.Equal(t, raster.RGB8, buf.Format)
	assert.Equal(t, 4, buf.Width)
	assert.Equal(t, 4, buf.Height)
	assert.Equal(t, raster.Pixel{B: 255, A: 255}, buf.At(0, 0), "background from global table")
	assert.Equal(t, raster.Pixel{R: 255, A: 255}, buf.At(1, 1), "first frame, not the second")
	assert.Equal(t, raster.Pixel{R: 255, A: 255}, buf.At(2, 2))
	assert.Equal(t, raster.Pixel{B: 255, A: 255}, buf.At(3, 3))
}

func TestGIFDecodeKeepsTransparency(t *testing.T) {
	palette := color.Palette{
		color.RGBA{R: 255, A: 255},
		color.RGBA{},
	}
	frame := image.NewPaletted(image.Rect(0, 0, 2, 1), palette)
	frame.Pix[0] = 1

	var enc bytes.Buffer
	require.NoError(t, gif.Encode(&enc, frame, nil))

	c, err := Default().Lookup(GIF)
	require.NoError(t, err)
	buf, err := c.Decode(enc.Bytes(), Limits{})
	require.NoError(t, err)

	assert.Equal(t, raster.RGBA8, buf.Format)
	assert.Equal(t, uint8(0), buf.At(0, 0).A)
	assert.Equal(t, raster.Pixel{R: 255, A: 255}, buf.At(1, 0))
}

func TestDecodeErrors(t *testing.T) {
	for _, f := range []Format{PNG, JPEG, GIF, WebP} {
		t.Run(f.String(), func(t *testing.T) {
			c, err := Default().Lookup(f)
			require.NoError(t, err)
			_, err = c.Decode([]byte("definitely not an image"), Limits{})
			assert.ErrorIs(t, err, ErrCorruptStream)
		})
	}
}

func TestDecodeHonoursLimits(t *testing.T) {
	var enc bytes.Buffer
	require.NoError(t, png.Encode(&enc, image.NewRGBA(image.Rect(0, 0, 64, 8))))

	c, err := Default().Lookup(PNG)
	require.NoError(t, err)

	_, err = c.Decode(enc.Bytes(), Limits{MaxWidth: 32})
	assert.ErrorIs(t, err, ErrImageTooLarge)

	buf, err := c.Decode(enc.Bytes(), Limits{MaxWidth: 64, MaxHeight: 8})
	require.NoError(t, err)
	assert.Equal(t, 64, buf.Width)
}

func gradient(t *testing.T, w, h int, format raster.PixelFormat) *raster.Buffer {
	t.Helper()

	buf, err := raster.New(w, h, format)
	require.NoError(t, err)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			buf.Set(x, y, raster.Pixel{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: 140,
				A: uint8(64 + (x+y)%128),
			})
		}
	}
	return buf
}
