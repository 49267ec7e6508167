package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/rasterflow/internal/codec"
	"github.com/dunamismax/rasterflow/internal/domain"
	"github.com/dunamismax/rasterflow/internal/storage"
)

const (
	SourceTypeS3Presigned = domain.SourceTypeS3Presigned

	DefaultOutputPrefix = "outputs"
)

// ObjectStore is the part of the storage client the object stages need.
type ObjectStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

var _ ObjectStore = (*storage.Client)(nil)

func NewObjectStoreProcessor(fetcher ObjectStoreFetcher, emitter ObjectStoreEmitter, opts ...Option) (*Processor, error) {
	if fetcher.Storage == nil || emitter.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	return NewProcessor(fetcher, emitter, opts...)
}

type ObjectStoreFetcher struct {
	Storage ObjectStore
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectStore
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, step domain.PipelineStep, out Rendered) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}
	if strings.TrimSpace(step.ID) == "" {
		return Output{}, errors.New("pipeline step id is required")
	}

	objectKey := OutputKey(e.OutputPrefix, req.JobID, step, out.Format)
	if err := e.Storage.WriteObject(ctx, objectKey, out.Data, out.Format.ContentType()); err != nil {
		return Output{}, err
	}
	return newOutput(step, out, objectKey), nil
}

// OutputKey is the object key of a step's output: prefix/job/step.ext.
func OutputKey(prefix, jobID string, step domain.PipelineStep, format codec.Format) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultOutputPrefix
	}
	return path.Join(prefix, sanitizePathToken(jobID), outputName(step, format))
}
