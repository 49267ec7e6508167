package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/rasterflow/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
	UsageForUser(ctx context.Context, userID string, since time.Time) (UsageSummary, error)
}

// UsageSummary aggregates usage rows for one user.
type UsageSummary struct {
	UserID          string
	Jobs            int64
	PixelsProcessed int64
	BytesSaved      int64
	ComputeTimeMS   int64
}

func (s *UsageSummary) add(u domain.UsageLog) {
	s.Jobs++
	s.PixelsProcessed += u.PixelsProcessed
	s.BytesSaved += u.BytesSaved()
	s.ComputeTimeMS += u.ComputeTimeMS
}

// Store is a job store that also records usage.
type Store interface {
	JobStore
	UsageStore
	Close() error
}

// Open returns the store named by kind: "memory" or "postgres".
func Open(ctx context.Context, kind, dsn string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryJobStore(), nil
	case "postgres":
		return NewPostgresJobStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown job store %q", kind)
	}
}
