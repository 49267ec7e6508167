package domain

import "time"

// UsageLog is one billing row per finished job.
type UsageLog struct {
	UserID          string
	JobID           string
	Steps           int
	PixelsProcessed int64
	BytesIn         int64
	BytesOut        int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}

// BytesSaved is negative when the outputs are larger than the source.
func (u UsageLog) BytesSaved() int64 {
	return u.BytesIn*int64(max(u.Steps, 1)) - u.BytesOut
}
