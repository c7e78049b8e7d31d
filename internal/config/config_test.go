package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "1935", cfg.Ingest.Port)

	assert.Equal(t, 30, cfg.Capture.FrameRate)
	assert.Equal(t, 1920, cfg.Capture.Width)
	assert.Equal(t, 1080, cfg.Capture.Height)
	assert.Equal(t, time.Second, cfg.Capture.FragmentInterval)
	assert.Equal(t, 3, cfg.Capture.CountdownSeconds)
	assert.Equal(t, time.Hour, cfg.Capture.MaxDuration)
	assert.Equal(t, 30*time.Second, cfg.Capture.KeepaliveTTL)
	assert.Equal(t, "ffmpeg", cfg.Capture.FFmpegPath)

	assert.Equal(t, "data/chunks.db", cfg.Storage.ChunkDBPath)
	assert.Equal(t, 5, cfg.Upload.BatchSize)
	assert.Equal(t, 3, cfg.Upload.FallbackAttempts)
	assert.False(t, cfg.Debug)

	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9001")
	t.Setenv("INGEST_PORT", "2935")
	t.Setenv("FRAME_RATE", "60")
	t.Setenv("MAX_DURATION", "90m")
	t.Setenv("DATA_DIR", "/tmp/agent")
	t.Setenv("DEBUG", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "2935", cfg.Ingest.Port)
	assert.Equal(t, 60, cfg.Capture.FrameRate)
	assert.Equal(t, 90*time.Minute, cfg.Capture.MaxDuration)
	assert.Equal(t, "/tmp/agent/chunks.db", cfg.Storage.ChunkDBPath)
	assert.True(t, cfg.Debug)
}

func TestLoadInvalidPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"zero frame rate", func(c *Config) { c.Capture.FrameRate = 0 }},
		{"zero fragment interval", func(c *Config) { c.Capture.FragmentInterval = 0 }},
		{"zero max duration", func(c *Config) { c.Capture.MaxDuration = 0 }},
		{"missing chunk db path", func(c *Config) { c.Storage.ChunkDBPath = "" }},
		{"zero batch size", func(c *Config) { c.Upload.BatchSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
