// Package config handles application configuration loading and management.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"segmentdl/internal/entity"
)

// Concurrency bounds for the chunk worker pool.
const (
	MinConcurrency = 1
	MaxConcurrency = 16
)

// Config holds the application configuration.
type Config struct {
	HTTP       HTTP
	App        App
	Engine     Engine
	Manifest   Manifest
	Dir        Dir
	Storage    Storage
	DepManager DepManager
	Proxy      Proxy
}

// App holds application-wide configuration.
type App struct {
	LogLevel  string `env:"SEGMENTDL_APP_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"SEGMENTDL_APP_LOG_FORMAT" envDefault:"json"` // json or text
}

// Engine holds download engine settings consumed from the UI/config collaborator.
type Engine struct {
	// Concurrency is the number of simultaneously outstanding chunk fetches per task.
	Concurrency int `env:"SEGMENTDL_ENGINE_CONCURRENCY" envDefault:"6"`
	// MaxRetries is the number of retries after the first attempt of a chunk.
	MaxRetries     int           `env:"SEGMENTDL_ENGINE_MAX_RETRIES"      envDefault:"3"`
	RetryBaseDelay time.Duration `env:"SEGMENTDL_ENGINE_RETRY_BASE_DELAY" envDefault:"500ms"`
	RetryMaxDelay  time.Duration `env:"SEGMENTDL_ENGINE_RETRY_MAX_DELAY"  envDefault:"10s"`
	RetryJitter    float64       `env:"SEGMENTDL_ENGINE_RETRY_JITTER"     envDefault:"0"`

	// SinkMode is one of auto, direct, stream, buffered.
	SinkMode string `env:"SEGMENTDL_ENGINE_SINK_MODE" envDefault:"auto"`
	// DefaultFormat is one of raw, remux.
	DefaultFormat string `env:"SEGMENTDL_ENGINE_DEFAULT_FORMAT" envDefault:"raw"`

	// Per-fetch timeout is ChunkTimeoutFactor * chunk duration, clamped to [floor, ceiling].
	ChunkTimeoutFactor  float64       `env:"SEGMENTDL_ENGINE_CHUNK_TIMEOUT_FACTOR"  envDefault:"3"`
	ChunkTimeoutFloor   time.Duration `env:"SEGMENTDL_ENGINE_CHUNK_TIMEOUT_FLOOR"   envDefault:"10s"`
	ChunkTimeoutCeiling time.Duration `env:"SEGMENTDL_ENGINE_CHUNK_TIMEOUT_CEILING" envDefault:"60s"`

	// RateLimit caps body reads in bytes per second across a task. Zero disables it.
	RateLimit int64  `env:"SEGMENTDL_ENGINE_RATE_LIMIT" envDefault:"0"`
	UserAgent string `env:"SEGMENTDL_ENGINE_USER_AGENT" envDefault:"segmentdl/1.0"`

	// Workers is the number of tasks that may run a scheduling pass at the same time.
	Workers   int `env:"SEGMENTDL_ENGINE_WORKERS"    envDefault:"2"`
	QueueSize int `env:"SEGMENTDL_ENGINE_QUEUE_SIZE" envDefault:"100"`
}

// Manifest holds playlist resolution settings.
type Manifest struct {
	Timeout  time.Duration `env:"SEGMENTDL_MANIFEST_TIMEOUT"   envDefault:"30s"`
	MaxDepth int           `env:"SEGMENTDL_MANIFEST_MAX_DEPTH" envDefault:"3"`
	// VariantPolicy picks the variant of a master playlist: first or highest.
	VariantPolicy string `env:"SEGMENTDL_MANIFEST_VARIANT_POLICY" envDefault:"first"`
}

// Storage holds task registry configuration.
type Storage struct {
	TTL             time.Duration `env:"SEGMENTDL_STORAGE_TTL"              envDefault:"168h"`
	CleanupInterval time.Duration `env:"SEGMENTDL_STORAGE_CLEANUP_INTERVAL" envDefault:"1h"`
}

// HTTP holds HTTP server configuration.
type HTTP struct {
	Port            string        `env:"SEGMENTDL_HTTP_PORT"             envDefault:":8080"`
	HandlerTimeout  time.Duration `env:"SEGMENTDL_HTTP_HANDLER_TIMEOUT"  envDefault:"20s"`
	ShutdownTimeout time.Duration `env:"SEGMENTDL_HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// Intercept enables the stream sink, consumed through GET /v1/tasks/{id}/stream.
	Intercept bool `env:"SEGMENTDL_HTTP_INTERCEPT" envDefault:"true"`
}

// Dir holds directory paths for artifacts and spooled chunks.
type Dir struct {
	Downloads string `env:"SEGMENTDL_DIR_DOWNLOAD" envDefault:"./data/downloads"` // artifacts stored here
	Spool     string `env:"SEGMENTDL_DIR_SPOOL"    envDefault:"./data/spool"`     // chunks parked behind a failed chunk
}

// SetAbsPaths converts all directory paths to absolute paths.
func (c *Dir) SetAbsPaths() error {
	var err error
	if c.Downloads, err = filepath.Abs(c.Downloads); err != nil {
		return fmt.Errorf("downloads: %w", err)
	}

	if c.Spool, err = filepath.Abs(c.Spool); err != nil {
		return fmt.Errorf("spool: %w", err)
	}

	return nil
}

// New loads configuration from environment variables.
func New() (*Config, error) {
	cfg := &Config{}

	err := env.Parse(cfg)
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	err = cfg.Dir.SetAbsPaths()
	if err != nil {
		return nil, fmt.Errorf("set absolute paths: %w", err)
	}

	err = cfg.DepManager.SetAbsPaths()
	if err != nil {
		return nil, fmt.Errorf("set dep manager absolute paths: %w", err)
	}

	err = cfg.Engine.Validate()
	if err != nil {
		return nil, fmt.Errorf("validate engine: %w", err)
	}

	cfg.Proxy.parseList()

	return cfg, nil
}

// Validate checks engine settings ranges.
func (e *Engine) Validate() error {
	if e.Concurrency < MinConcurrency || e.Concurrency > MaxConcurrency {
		return fmt.Errorf("concurrency %d out of range [%d,%d]", e.Concurrency, MinConcurrency, MaxConcurrency)
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative: %d", e.MaxRetries)
	}

	if e.RetryBaseDelay < 0 || e.RetryMaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}

	if e.Workers < 1 {
		return fmt.Errorf("workers must be positive: %d", e.Workers)
	}

	if e.QueueSize < 1 {
		return fmt.Errorf("queue size must be positive: %d", e.QueueSize)
	}

	return nil
}

// ChunkTimeout returns the per-fetch timeout for a chunk of the given nominal
// duration. entity.UnknownDuration gets the ceiling.
func (e *Engine) ChunkTimeout(duration time.Duration) time.Duration {
	if duration <= entity.UnknownDuration || e.ChunkTimeoutFactor <= 0 {
		return e.ChunkTimeoutCeiling
	}

	timeout := time.Duration(float64(duration) * e.ChunkTimeoutFactor)
	if timeout < e.ChunkTimeoutFloor {
		timeout = e.ChunkTimeoutFloor
	}

	if e.ChunkTimeoutCeiling > 0 && timeout > e.ChunkTimeoutCeiling {
		timeout = e.ChunkTimeoutCeiling
	}

	return timeout
}

// DepManager holds binary dependency management configuration.
type DepManager struct {
	// BinsDir is the directory where binaries are stored
	BinsDir string `env:"SEGMENTDL_DEPMANAGER_BINS_DIR" envDefault:"./bins"`
	// UseSystemBinaries looks ffmpeg up in PATH instead of downloading it.
	UseSystemBinaries bool `env:"SEGMENTDL_DEPMANAGER_USE_SYSTEM_BINARIES" envDefault:"true"`

	// ffmpeg binary URLs per platform.
	FFmpegLinuxARM64 string `env:"SEGMENTDL_DEPMANAGER_FFMPEG_LINUX_ARM64" envDefault:"https://github.com/BtbN/FFmpeg-Builds/releases/latest/download/ffmpeg-master-latest-linuxarm64-gpl.tar.xz"` //nolint:lll
	FFmpegLinuxAMD64 string `env:"SEGMENTDL_DEPMANAGER_FFMPEG_LINUX_AMD64" envDefault:"https://github.com/BtbN/FFmpeg-Builds/releases/latest/download/ffmpeg-master-latest-linux64-gpl.tar.xz"`    //nolint:lll
	// FFmpegSHA256 pins the hex SHA-256 of the downloaded archive. Empty skips verification.
	FFmpegSHA256 string `env:"SEGMENTDL_DEPMANAGER_FFMPEG_SHA256" envDefault:""`
}

// SetAbsPaths converts the BinsDir path to an absolute path.
func (d *DepManager) SetAbsPaths() error {
	var err error
	if d.BinsDir, err = filepath.Abs(d.BinsDir); err != nil {
		return fmt.Errorf("bins dir: %w", err)
	}

	return nil
}

// Proxy holds proxy configuration for manifest and chunk requests.
type Proxy struct {
	// List is a comma-separated list of proxy URLs (http, https or socks5)
	List string `env:"SEGMENTDL_PROXY_LIST" envDefault:""`
	// HealthCheckInterval is how often to check proxy health
	HealthCheckInterval time.Duration `env:"SEGMENTDL_PROXY_HEALTH_CHECK_INTERVAL" envDefault:"5m"`
	// FailureBackoff is the initial backoff duration for failed proxies
	FailureBackoff time.Duration `env:"SEGMENTDL_PROXY_FAILURE_BACKOFF" envDefault:"1m"`
	// MaxFailures is the maximum number of failures before a proxy is temporarily removed
	MaxFailures int `env:"SEGMENTDL_PROXY_MAX_FAILURES" envDefault:"3"`

	// Proxies is the parsed list of proxy URLs
	Proxies []string `env:"-"`
}

// parseList parses the comma-separated proxy list.
func (p *Proxy) parseList() {
	if p.List == "" {
		return
	}

	for proxy := range strings.SplitSeq(p.List, ",") {
		proxy = strings.TrimSpace(proxy)
		if proxy != "" {
			p.Proxies = append(p.Proxies, proxy)
		}
	}
}
