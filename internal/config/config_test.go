package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/rasterflow/internal/codec"
	"github.com/dunamismax/rasterflow/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigFile, "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, 15*time.Minute, cfg.API.PresignTTL)
	assert.Equal(t, "memory", cfg.API.JobStore)
	assert.Equal(t, "localhost:6379", cfg.Queue.RedisAddr)
	assert.Equal(t, "default", cfg.Queue.Name)
	assert.Equal(t, 5, cfg.Queue.MaxRetry)
	assert.GreaterOrEqual(t, cfg.Worker.Concurrency, 2)
	assert.Equal(t, "rasterflow-jobs", cfg.Storage.Bucket)
	assert.Equal(t, codec.DefaultJPEGQuality, cfg.Imaging.JPEGQuality)
	assert.Equal(t, "none", cfg.Telemetry.Exporter)

	d, err := cfg.Imaging.Defaults()
	require.NoError(t, err)
	assert.Equal(t, codec.CompressionBest, d.Compression)
	assert.Equal(t, transform.Bilinear, d.Filter)
	assert.Equal(t, 16384, d.Limits.MaxWidth)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("WORKER_CONCURRENCY", "7")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("IMAGING_FILTER", "lanczos3")

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "redis:6380", cfg.Queue.RedisAddr)
	assert.Equal(t, 7, cfg.Worker.Concurrency)
	assert.True(t, cfg.Storage.UseSSL)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, "redis:6380", cfg.Queue.RedisClientOpt().Addr)

	d, err := cfg.Imaging.Defaults()
	require.NoError(t, err)
	assert.Equal(t, transform.Lanczos3, d.Filter)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rasterflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[api]
addr = ":9000"

[imaging]
jpeg_quality = 70
png_compression = "speed"

[log]
level = "debug"
`), 0o644))
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.API.Addr)
	assert.Equal(t, 70, cfg.Imaging.JPEGQuality)
	assert.Equal(t, "warn", cfg.Log.Level, "environment beats the file")

	d, err := cfg.Imaging.Defaults()
	require.NoError(t, err)
	assert.Equal(t, codec.CompressionSpeed, d.Compression)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name, env, value string
	}{
		{name: "quality", env: "IMAGING_JPEG_QUALITY", value: "0"},
		{name: "filter", env: "IMAGING_FILTER", value: "nearest"},
		{name: "store", env: "API_JOB_STORE", value: "sqlite"},
		{name: "concurrency", env: "WORKER_CONCURRENCY", value: "0"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.env, tc.value)
			_, err := LoadFile("")
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
