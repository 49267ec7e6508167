package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/dunamismax/rasterflow/internal/domain"
	"github.com/dunamismax/rasterflow/internal/transform"
)

func BenchmarkProcessorResize(b *testing.B) {
	benchmarkProcessor(b, domain.PipelineStep{
		ID:         "resize_640_jpeg",
		Transforms: []domain.Transform{{Op: domain.OpResize, Size: 640}},
		Format:     "jpeg",
		Quality:    82,
	})
}

func BenchmarkProcessorResizeLanczos(b *testing.B) {
	benchmarkProcessor(b, domain.PipelineStep{
		ID:         "resize_640_lanczos",
		Transforms: []domain.Transform{{Op: domain.OpResize, Size: 640, Filter: transform.Lanczos3.String()}},
		Format:     "jpeg",
	})
}

func BenchmarkProcessorRotate(b *testing.B) {
	benchmarkProcessor(b, domain.PipelineStep{
		ID:         "rotate_15_png",
		Transforms: []domain.Transform{{Op: domain.OpRotate, Degrees: 15}},
		Format:     "png",
	})
}

func benchmarkProcessor(b *testing.B, step domain.PipelineStep) {
	processor, err := NewProcessor(staticFetcher{data: buildTestPNG(b, 1920, 1080)}, discardEmitter{})
	if err != nil {
		b.Fatalf("new processor: %v", err)
	}

	req := Request{JobID: "bench", Pipeline: []domain.PipelineStep{step}}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req.JobID = fmt.Sprintf("bench-%s-%d", step.ID, i)
		if _, err := processor.Process(context.Background(), req); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}
