package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Server  ServerConfig  `json:"server"`
	Ingest  IngestConfig  `json:"ingest"`
	Capture CaptureConfig `json:"capture"`
	Storage StorageConfig `json:"storage"`
	Backend BackendConfig `json:"backend"`
	Upload  UploadConfig  `json:"upload"`
	LogPath string        `json:"log_path"`
	Debug   bool          `json:"debug"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// IngestConfig configures the local RTMP listener that capture helpers
// (browser tab feeds) publish into.
type IngestConfig struct {
	Port string `json:"port"`
}

type CaptureConfig struct {
	FrameRate        int           `json:"frame_rate"`
	Width            int           `json:"width"`
	Height           int           `json:"height"`
	FragmentInterval time.Duration `json:"fragment_interval"`
	CountdownSeconds int           `json:"countdown_seconds"`
	MaxDuration      time.Duration `json:"max_duration"`
	ContextReady     time.Duration `json:"context_ready_timeout"`
	ProbeInterval    time.Duration `json:"probe_interval"`
	KeepaliveTTL     time.Duration `json:"keepalive_ttl"`
	FFmpegPath       string        `json:"ffmpeg_path"`
}

type StorageConfig struct {
	DataDir     string `json:"data_dir"`
	ChunkDBPath string `json:"chunk_db_path"`
	DownloadDir string `json:"download_dir"`
}

type BackendConfig struct {
	BaseURL    string        `json:"base_url"`
	APIKey     string        `json:"api_key"`
	AuthToken  string        `json:"auth_token"`
	RefreshURL string        `json:"refresh_url"`
	Timeout    time.Duration `json:"timeout"`
}

type UploadConfig struct {
	BatchSize        int `json:"batch_size"`
	FallbackAttempts int `json:"fallback_attempts"`
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	c := &Config{}

	port, err := strconv.Atoi(getEnv("PORT", "8090"))
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}
	c.Server = ServerConfig{
		Host:         getEnv("HOST", "127.0.0.1"),
		Port:         port,
		ReadTimeout:  getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 30*time.Second),
	}

	c.Ingest = IngestConfig{
		Port: getEnv("INGEST_PORT", "1935"),
	}

	c.Capture = CaptureConfig{
		FrameRate:        getIntEnv("FRAME_RATE", 30),
		Width:            getIntEnv("CAPTURE_WIDTH", 1920),
		Height:           getIntEnv("CAPTURE_HEIGHT", 1080),
		FragmentInterval: getDurationEnv("FRAGMENT_INTERVAL", time.Second),
		CountdownSeconds: getIntEnv("COUNTDOWN_SECONDS", 3),
		MaxDuration:      getDurationEnv("MAX_DURATION", time.Hour),
		ContextReady:     getDurationEnv("CONTEXT_READY_TIMEOUT", 5*time.Second),
		ProbeInterval:    getDurationEnv("CONTEXT_PROBE_INTERVAL", 100*time.Millisecond),
		KeepaliveTTL:     getDurationEnv("KEEPALIVE_TTL", 30*time.Second),
		FFmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
	}

	dataDir := getEnv("DATA_DIR", "data")
	c.Storage = StorageConfig{
		DataDir:     dataDir,
		ChunkDBPath: getEnv("CHUNK_DB_PATH", dataDir+"/chunks.db"),
		DownloadDir: getEnv("DOWNLOAD_DIR", "."),
	}

	c.Backend = BackendConfig{
		BaseURL:    getEnv("BACKEND_URL", ""),
		APIKey:     getEnv("BACKEND_API_KEY", ""),
		AuthToken:  getEnv("BACKEND_AUTH_TOKEN", ""),
		RefreshURL: getEnv("BACKEND_REFRESH_URL", ""),
		Timeout:    getDurationEnv("BACKEND_TIMEOUT", 30*time.Second),
	}

	c.Upload = UploadConfig{
		BatchSize:        getIntEnv("UPLOAD_BATCH_SIZE", 5),
		FallbackAttempts: getIntEnv("UPLOAD_FALLBACK_ATTEMPTS", 3),
	}

	c.LogPath = getEnv("LOG_PATH", "logs/agent.log")
	c.Debug = getEnv("DEBUG", "") != ""

	return c, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Capture.FrameRate <= 0 {
		return fmt.Errorf("frame rate must be positive, got %d", c.Capture.FrameRate)
	}
	if c.Capture.FragmentInterval <= 0 {
		return fmt.Errorf("fragment interval must be positive")
	}
	if c.Capture.MaxDuration <= 0 {
		return fmt.Errorf("max duration must be positive")
	}
	if c.Storage.ChunkDBPath == "" {
		return fmt.Errorf("chunk db path is required")
	}
	if c.Upload.BatchSize <= 0 {
		return fmt.Errorf("upload batch size must be positive, got %d", c.Upload.BatchSize)
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
