package pipeline

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/rasterflow/internal/codec"
	"github.com/dunamismax/rasterflow/internal/raster"
	"github.com/dunamismax/rasterflow/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenResizeSavePNG(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "photo.png", buildTestPNG(t, 400, 300))
	out := filepath.Join(dir, "thumb.png")

	require.NoError(t, OpenFile(in).Resize(200).Save(out))

	cfg := decodeConfig(t, out)
	assert.Equal(t, 200, cfg.Width)
	assert.Equal(t, 150, cfg.Height)
}

func TestRotateJPEGFillsCornersWhite(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "photo.jpg", buildTestJPEG(t, 400, 300))
	out := filepath.Join(dir, "rotated.jpg")

	require.NoError(t, OpenFile(in).Rotate(45).Save(out))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)

	assert.InDelta(t, 495, img.Bounds().Dx(), 1)
	assert.InDelta(t, 495, img.Bounds().Dy(), 1)

	r, g, b, _ := img.At(0, 0).RGBA()
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestGIFToJPEGUsesFirstFrame(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "anim.gif", buildTestGIF(t, 32, 24))
	out := filepath.Join(dir, "still.jpg")

	require.NoError(t, OpenFile(in).Save(out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}), "expected a JPEG stream")

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 24, img.Bounds().Dy())

	r, _, b, _ := img.At(16, 12).RGBA()
	assert.Greater(t, r>>8, uint32(200), "first frame is red")
	assert.Less(t, b>>8, uint32(60))
}

func TestGIFResizeToJPEG(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "anim.gif", buildTestGIF(t, 32, 24))
	out := filepath.Join(dir, "big.jpg")

	require.NoError(t, OpenFile(in).Resize(200).Save(out))

	cfg := decodeConfig(t, out)
	assert.Equal(t, 200, cfg.Width)
	assert.Equal(t, 150, cfg.Height)
}

func TestGIFWithoutOutputFormatWritesPNG(t *testing.T) {
	out, err := OpenBytes(buildTestGIF(t, 12, 8)).Render()
	require.NoError(t, err)
	assert.Equal(t, codec.PNG, out.Format)
	assert.True(t, bytes.HasPrefix(out.Data, []byte("\x89PNG")))

	dir := t.TempDir()
	in := writeFile(t, dir, "anim.gif", buildTestGIF(t, 12, 8))
	dst := filepath.Join(dir, "still")
	require.NoError(t, OpenFile(in).Rotate(90).Save(dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 12, img.Bounds().Dy())
}

func TestOversizedStepsFailBeforeAllocating(t *testing.T) {
	tests := []struct {
		name  string
		build func(*Pipeline) *Pipeline
		want  error
	}{
		{name: "resize max uint", build: func(p *Pipeline) *Pipeline { return p.Resize(math.MaxUint) }, want: ErrInvalidParameter},
		{name: "size over int32", build: func(p *Pipeline) *Pipeline { return p.Size(math.MaxInt32 + 1) }, want: ErrInvalidParameter},
		{name: "resize over pixel ceiling", build: func(p *Pipeline) *Pipeline { return p.Resize(1 << 20) }, want: codec.ErrImageTooLarge},
		{name: "size over pixel ceiling", build: func(p *Pipeline) *Pipeline { return p.Size(1 << 18) }, want: codec.ErrImageTooLarge},
		{
			name: "resize over limits",
			build: func(p *Pipeline) *Pipeline {
				return p.Limits(codec.Limits{MaxWidth: 100, MaxHeight: 100}).Resize(200)
			},
			want: codec.ErrImageTooLarge,
		},
		{
			name: "rotate over limits",
			build: func(p *Pipeline) *Pipeline {
				return p.Limits(codec.Limits{MaxWidth: 8, MaxHeight: 8}).Rotate(45)
			},
			want: codec.ErrImageTooLarge,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NotPanics(t, func() {
				_, err := tc.build(OpenBytes(buildTestPNG(t, 8, 8))).Render()
				assert.ErrorIs(t, err, tc.want)
			})
		})
	}
}

func TestOversizedStepReportsTransformStage(t *testing.T) {
	_, err := OpenBytes(buildTestPNG(t, 8, 8)).Resize(1 << 20).Render()
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageTransform, perr.Stage)
}

func TestCropAndDraw(t *testing.T) {
	overlay, err := raster.New(4, 4, raster.RGBA8)
	require.NoError(t, err)
	overlay.Fill(raster.Pixel{R: 255, A: 255})

	out, err := OpenBytes(buildTestPNG(t, 40, 30)).Crop(10, 5, 20, 10).Draw(overlay, 18, 8).Render()
	require.NoError(t, err)
	assert.Equal(t, 20, out.Width)
	assert.Equal(t, 10, out.Height)

	img, err := png.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	r, g, b, _ := img.At(19, 9).RGBA()
	assert.Equal(t, [3]uint32{255, 0, 0}, [3]uint32{r >> 8, g >> 8, b >> 8})
	_, _, b, _ = img.At(0, 0).RGBA()
	assert.Equal(t, uint32(140), b>>8, "outside the overlay keeps the source")

	_, err = OpenBytes(buildTestPNG(t, 40, 30)).Crop(50, 50, 5, 5).Render()
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestUnsupportedSourceExtensionFailsWithoutIO(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.png")

	// The source does not exist; the error must come from the extension alone.
	p := OpenFile(filepath.Join(dir, "missing.bmp"))
	require.ErrorIs(t, p.Err(), ErrUnsupportedFormat)

	err := p.Resize(10).Save(out)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.NotErrorIs(t, err, ErrIO)
	assert.NoFileExists(t, out)
}

func TestUnsupportedDestinationExtension(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "photo.png", buildTestPNG(t, 10, 10))
	out := filepath.Join(dir, "out.bmp")

	err := OpenFile(in).Save(out)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.NoFileExists(t, out)
}

func TestChainAfterSaveFails(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "photo.png", buildTestPNG(t, 40, 30))

	p := OpenFile(in).Resize(20)
	require.NoError(t, p.Save(filepath.Join(dir, "a.png")))

	p.Resize(10)
	assert.ErrorIs(t, p.Err(), ErrPipelineAlreadyExecuted)
	assert.ErrorIs(t, p.Save(filepath.Join(dir, "b.png")), ErrPipelineAlreadyExecuted)
	_, err := p.Render()
	assert.ErrorIs(t, err, ErrPipelineAlreadyExecuted)
	assert.NoFileExists(t, filepath.Join(dir, "b.png"))
}

func TestFailedSaveLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "broken.png", []byte("\x89PNG\r\n\x1a\nnot really a png"))
	out := filepath.Join(dir, "out.png")

	err := OpenFile(in).Resize(10).Save(out)
	require.ErrorIs(t, err, ErrCorruptStream)

	var perr *PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, StageDecode, perr.Stage)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the source file should remain")
}

func TestMissingSourceIsIOError(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "nope.png")).Render()
	require.ErrorIs(t, err, ErrIO)

	var perr *PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, StageOpen, perr.Stage)
}

func TestRenderPNGRoundTripIsExact(t *testing.T) {
	src, err := raster.New(17, 11, raster.RGBA8)
	require.NoError(t, err)
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			src.Set(x, y, raster.Pixel{R: uint8(x * 15), G: uint8(y * 23), B: 77, A: uint8(64 + (x+y)*5)})
		}
	}

	var enc bytes.Buffer
	require.NoError(t, codec.Default().Encode(&enc, codec.PNG, src, codec.Options{}))

	out, err := OpenBytes(enc.Bytes()).Render()
	require.NoError(t, err)
	assert.Equal(t, codec.PNG, out.Format)
	assert.Equal(t, 17, out.Width)
	assert.Equal(t, 11, out.Height)

	c, err := codec.Default().Lookup(codec.PNG)
	require.NoError(t, err)
	got, err := c.Decode(out.Data, codec.Limits{})
	require.NoError(t, err)
	assert.True(t, src.Equal(got))
}

func TestDefaultRotateBackgroundFollowsOutputFormat(t *testing.T) {
	data := buildTestPNG(t, 40, 20)

	out, err := OpenBytes(data).Rotate(30).Render()
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	_, _, _, a := img.At(0, 0).RGBA()
	assert.Zero(t, a, "png keeps uncovered corners transparent")

	out, err = OpenBytes(data).Rotate(30).Format(codec.JPEG).Render()
	require.NoError(t, err)
	assert.Equal(t, codec.JPEG, out.Format)
	img, err = jpeg.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	r, g, b, _ := img.At(0, 0).RGBA()
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestRotateFillUsesExplicitBackground(t *testing.T) {
	red := raster.Pixel{R: 255, A: 255}
	out, err := OpenBytes(buildTestPNG(t, 40, 20)).RotateFill(30, red).Render()
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	r, g, b, a := img.At(0, 0).RGBA()
	assert.Equal(t, [4]uint32{255, 0, 0, 255}, [4]uint32{r >> 8, g >> 8, b >> 8, a >> 8})
}

func TestInvalidParametersAreRecorded(t *testing.T) {
	tests := []struct {
		name  string
		build func(*Pipeline) *Pipeline
		want  error
	}{
		{name: "resize zero", build: func(p *Pipeline) *Pipeline { return p.Resize(0) }, want: ErrInvalidParameter},
		{name: "size zero", build: func(p *Pipeline) *Pipeline { return p.Size(0) }, want: ErrInvalidParameter},
		{name: "crop zero", build: func(p *Pipeline) *Pipeline { return p.Crop(0, 0, 0, 4) }, want: ErrInvalidParameter},
		{name: "crop negative", build: func(p *Pipeline) *Pipeline { return p.Crop(-1, 0, 4, 4) }, want: ErrInvalidParameter},
		{name: "draw nil", build: func(p *Pipeline) *Pipeline { return p.Draw(nil, 0, 0) }, want: ErrInvalidParameter},
		{name: "filter", build: func(p *Pipeline) *Pipeline { return p.Filter(transform.Filter(9)) }, want: ErrInvalidParameter},
		{name: "quality", build: func(p *Pipeline) *Pipeline { return p.Quality(101) }, want: codec.ErrInvalidOption},
		{name: "gif output", build: func(p *Pipeline) *Pipeline { return p.Format(codec.GIF) }, want: ErrUnsupportedFormat},
		{name: "first error sticks", build: func(p *Pipeline) *Pipeline { return p.Resize(0).Quality(500) }, want: ErrInvalidParameter},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.build(OpenBytes(buildTestPNG(t, 8, 8)))
			assert.ErrorIs(t, p.Err(), tc.want)
			_, err := p.Render()
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSizeAndFilterChain(t *testing.T) {
	p := OpenBytes(buildTestPNG(t, 300, 400)).Filter(transform.Lanczos3).Size(200)
	require.NoError(t, p.Err())
	require.Equal(t, []transform.Spec{transform.ResizeWidth{Width: 200, Filter: transform.Lanczos3}}, p.Steps())

	out, err := p.Render()
	require.NoError(t, err)
	assert.Equal(t, 200, out.Width)
	assert.Equal(t, 267, out.Height)
}

func TestLimitsRejectLargeSources(t *testing.T) {
	_, err := OpenBytes(buildTestPNG(t, 64, 64)).Limits(codec.Limits{MaxWidth: 32, MaxHeight: 32}).Render()
	assert.ErrorIs(t, err, codec.ErrImageTooLarge)
}

func TestSaveToWritesSourceFormat(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Open(BytesSource(buildTestJPEG(t, 20, 10))).Resize(10).SaveTo(&out))

	cfg, format, err := image.DecodeConfig(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 10, cfg.Width)
	assert.Equal(t, 5, cfg.Height)
}

func TestOpenBytesUnknownSignature(t *testing.T) {
	_, err := OpenBytes([]byte("BM this is a bitmap")).Render()
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestBatch(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.png", buildTestPNG(t, 100, 50))

	items := []BatchItem{
		{Source: FileSource(good), Dest: filepath.Join(dir, "a.jpg"), Build: func(p *Pipeline) *Pipeline { return p.Resize(50) }},
		{Source: FileSource(good), Dest: filepath.Join(dir, "b.png")},
		{Source: FileSource(filepath.Join(dir, "bad.bmp")), Dest: filepath.Join(dir, "c.png")},
	}

	errs := Batch(items, 2)
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.ErrorIs(t, errs[2], ErrUnsupportedFormat)

	cfg := decodeConfig(t, filepath.Join(dir, "a.jpg"))
	assert.Equal(t, 50, cfg.Width)
	assert.Equal(t, 25, cfg.Height)
	assert.FileExists(t, filepath.Join(dir, "b.png"))
	assert.NoFileExists(t, filepath.Join(dir, "c.png"))
}

func writeFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func decodeConfig(t *testing.T, path string) image.Config {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	require.NoError(t, err)
	return cfg
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}
	return img
}

func buildTestPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gradient(w, h)))
	return buf.Bytes()
}

func buildTestJPEG(t testing.TB, w, h int) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, gradient(w, h), &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// buildTestGIF encodes two frames: solid red, then solid blue.
func buildTestGIF(t testing.TB, w, h int) []byte {
	t.Helper()

	palette := color.Palette{color.RGBA{R: 255, A: 255}, color.RGBA{B: 255, A: 255}}
	frame := func(idx uint8) *image.Paletted {
		img := image.NewPaletted(image.Rect(0, 0, w, h), palette)
		for i := range img.Pix {
			img.Pix[i] = idx
		}
		return img
	}

	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, &gif.GIF{
		Image: []*image.Paletted{frame(0), frame(1)},
		Delay: []int{10, 10},
	}))
	return buf.Bytes()
}
