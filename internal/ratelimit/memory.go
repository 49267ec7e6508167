package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// MemoryTokenBucket is the single-process counterpart of RedisTokenBucket.
type MemoryTokenBucket struct {
	mu          sync.Mutex
	capacity    int64
	refillPerMS float64
	buckets     map[string]*bucket
	now         func() time.Time
}

type bucket struct {
	tokens float64
	at     time.Time
}

func NewMemoryTokenBucket(capacity int, window time.Duration) (*MemoryTokenBucket, error) {
	refill, err := refillRate(capacity, window)
	if err != nil {
		return nil, err
	}
	return &MemoryTokenBucket{
		capacity:    int64(capacity),
		refillPerMS: refill,
		buckets:     make(map[string]*bucket),
		now:         time.Now,
	}, nil
}

func (l *MemoryTokenBucket) AllowN(ctx context.Context, subject string, cost int) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	n, err := checkCost(cost, l.capacity)
	if err != nil {
		return Decision{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := normalizeSubject(subject)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.capacity), at: now}
		l.buckets[key] = b
	}

	elapsed := float64(max(now.Sub(b.at).Milliseconds(), 0))
	b.tokens = math.Min(float64(l.capacity), b.tokens+elapsed*l.refillPerMS)
	b.at = now

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return Decision{Allowed: true, Remaining: int64(b.tokens)}, nil
	}

	wait := math.Ceil((float64(n) - b.tokens) / l.refillPerMS)
	return Decision{
		Remaining:  int64(b.tokens),
		RetryAfter: time.Duration(wait) * time.Millisecond,
	}, nil
}
