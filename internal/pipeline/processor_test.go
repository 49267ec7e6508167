package pipeline

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/rasterflow/internal/codec"
	"github.com/dunamismax/rasterflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProcessor_FileInTransformFileOut(t *testing.T) {
	tmp := t.TempDir()
	inputPath := writeFile(t, tmp, "input.png", buildTestPNG(t, 240, 120))
	outputDir := filepath.Join(tmp, "out")

	var (
		mu     sync.Mutex
		stages []string
	)
	processor, err := NewLocalProcessor(outputDir, WithObserver(func(stage string, _ codec.Format, _ time.Duration) {
		mu.Lock()
		stages = append(stages, stage)
		mu.Unlock()
	}))
	require.NoError(t, err)

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-local-1",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Pipeline: []domain.PipelineStep{
			{
				ID:         "thumb_small",
				Transforms: []domain.Transform{{Op: domain.OpSize, Size: 80}},
				Format:     "jpeg",
				Quality:    75,
			},
			{
				ID:         "tilted",
				Transforms: []domain.Transform{{Op: domain.OpRotate, Degrees: 90}},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Outputs, 2)
	assert.Greater(t, result.SourceBytes, 0)

	thumb := result.Outputs[0]
	assert.Equal(t, "jpeg", thumb.Format)
	assert.Equal(t, filepath.Join(outputDir, "job-local-1", "thumb_small.jpg"), thumb.Path)
	cfg := decodeConfig(t, thumb.Path)
	assert.Equal(t, 80, cfg.Width)
	assert.Equal(t, 40, cfg.Height)

	tilted := result.Outputs[1]
	assert.Equal(t, "png", tilted.Format, "format defaults to the source")
	assert.Equal(t, 120, tilted.Width)
	assert.Equal(t, 240, tilted.Height)

	assert.Equal(t, []string{
		StageDecode, StageTransform, StageEncode,
		StageDecode, StageTransform, StageEncode,
	}, stages)
}

func TestLocalProcessor_GIFSourceCropsToPNG(t *testing.T) {
	tmp := t.TempDir()
	inputPath := writeFile(t, tmp, "anim.gif", buildTestGIF(t, 40, 30))
	outputDir := filepath.Join(tmp, "out")

	processor, err := NewLocalProcessor(outputDir)
	require.NoError(t, err)

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-gif",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Pipeline: []domain.PipelineStep{{
			ID:         "still",
			Transforms: []domain.Transform{{Op: domain.OpCrop, X: 5, Y: 5, Width: 20, Height: 10}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)

	still := result.Outputs[0]
	assert.Equal(t, "png", still.Format, "gif sources without a format are written as png")
	assert.Equal(t, filepath.Join(outputDir, "job-gif", "still.png"), still.Path)
	cfg := decodeConfig(t, still.Path)
	assert.Equal(t, 20, cfg.Width)
	assert.Equal(t, 10, cfg.Height)
}

func TestLocalProcessor_UnsupportedSourceType(t *testing.T) {
	processor, err := NewLocalProcessor(t.TempDir())
	require.NoError(t, err)

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-unsupported",
		SourceType: SourceTypeS3Presigned,
		ObjectKey:  "uploads/job/source",
		Pipeline:   []domain.PipelineStep{{ID: "thumb_small"}},
	})
	require.ErrorIs(t, err, ErrUnsupportedSourceType)
	assert.True(t, IsPermanent(err))
}

func TestProcessorDefaultsAndPermanentErrors(t *testing.T) {
	processor, err := NewProcessor(
		staticFetcher{data: buildTestPNG(t, 64, 64)},
		discardEmitter{},
		WithDefaults(Defaults{Quality: 60, Limits: codec.Limits{MaxWidth: 32, MaxHeight: 32}}),
	)
	require.NoError(t, err)

	_, err = processor.Process(context.Background(), Request{
		JobID:    "too-large",
		Pipeline: []domain.PipelineStep{{ID: "a", Format: "jpeg"}},
	})
	require.ErrorIs(t, err, codec.ErrImageTooLarge)
	assert.True(t, IsPermanent(err))

	assert.False(t, IsPermanent(errors.New("connection reset")))
	assert.False(t, IsPermanent(context.DeadlineExceeded))
}

func TestObjectStoreProcessor(t *testing.T) {
	objects := newMemoryObjects()
	objects.data["uploads/job-7/source"] = buildTestJPEG(t, 100, 50)

	processor, err := NewObjectStoreProcessor(
		ObjectStoreFetcher{Storage: objects},
		ObjectStoreEmitter{Storage: objects},
	)
	require.NoError(t, err)

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-7",
		SourceType: SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-7/source",
		Pipeline: []domain.PipelineStep{{
			ID:         "card",
			Transforms: []domain.Transform{{Op: domain.OpResize, Size: 40}},
			Format:     "png",
		}},
	})
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)

	out := result.Outputs[0]
	assert.Equal(t, "outputs/job-7/card.png", out.Path)
	assert.Equal(t, "image/png", objects.types[out.Path])
	assert.Equal(t, 40, out.Width)
	assert.Equal(t, 20, out.Height)
	assert.Len(t, objects.data[out.Path], out.Bytes)
}

func TestProcessorHonoursCancellation(t *testing.T) {
	processor, err := NewProcessor(staticFetcher{data: buildTestPNG(t, 8, 8)}, discardEmitter{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = processor.Process(ctx, Request{JobID: "c", Pipeline: []domain.PipelineStep{{ID: "a"}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidateStep(t *testing.T) {
	assert.NoError(t, ValidateStep(domain.PipelineStep{
		ID:          "ok",
		Transforms:  []domain.Transform{{Op: domain.OpRotate, Degrees: 10, Background: "#00ff0080"}},
		Format:      "png",
		Compression: "speed",
	}))

	err := ValidateStep(domain.PipelineStep{ID: "gif", Format: "gif"})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	err = ValidateStep(domain.PipelineStep{ID: "bg", Transforms: []domain.Transform{{Op: domain.OpRotate, Background: "red"}}})
	assert.ErrorIs(t, err, ErrInvalidParameter)

	err = ValidateStep(domain.PipelineStep{ID: "op", Transforms: []domain.Transform{{Op: "blur"}}})
	assert.ErrorIs(t, err, ErrInvalidStepAction)

	assert.NoError(t, ValidateStep(domain.PipelineStep{
		ID:         "crop",
		Transforms: []domain.Transform{{Op: domain.OpCrop, X: 1, Y: 2, Width: 3, Height: 4}},
	}))

	err = ValidateStep(domain.PipelineStep{ID: "crop", Transforms: []domain.Transform{{Op: domain.OpCrop, Width: 3}}})
	assert.ErrorIs(t, err, ErrInvalidParameter)

	err = ValidateStep(domain.PipelineStep{ID: "huge", Transforms: []domain.Transform{{Op: domain.OpResize, Size: math.MaxUint}}})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

type staticFetcher struct {
	data []byte
}

func (f staticFetcher) Fetch(_ context.Context, _ Request) ([]byte, error) {
	return f.data, nil
}

type discardEmitter struct{}

func (discardEmitter) Emit(_ context.Context, _ Request, step domain.PipelineStep, out Rendered) (Output, error) {
	return newOutput(step, out, ""), nil
}

type memoryObjects struct {
	mu    sync.Mutex
	data  map[string][]byte
	types map[string]string
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{data: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryObjects) ReadObject(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (m *memoryObjects) WriteObject(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	m.types[key] = contentType
	return nil
}
