// Package depmanager locates or installs the ffmpeg binaries used by the remux step.
package depmanager

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"segmentdl/internal/config"
	"segmentdl/internal/errs"
)

// BinaryName represents the name of a binary dependency.
type BinaryName string

// Binary dependency names.
const (
	BinaryFFmpeg  BinaryName = "ffmpeg"
	BinaryFFprobe BinaryName = "ffprobe"
)

const (
	platformLinux   = "linux"
	platformWindows = "windows"
	archARM64       = "arm64"
	archAMD64       = "amd64"
)

const (
	// downloadTimeout is the HTTP client timeout for downloading binaries.
	downloadTimeout = 10 * time.Minute
	// filePermExecutable is the file permission for executable binaries.
	filePermExecutable = 0o755
)

// Platform represents the OS and architecture combination.
type Platform struct {
	OS   string
	Arch string
}

// String returns the platform string in format "os/arch".
func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

// Manager manages binary dependencies.
type Manager struct {
	log      *slog.Logger
	cfg      config.DepManager
	platform Platform
	client   *http.Client
	// retryDelay is the first backoff between download attempts.
	retryDelay time.Duration

	mu       sync.RWMutex
	binPaths map[BinaryName]string
}

// New creates a new dependency manager.
func New(log *slog.Logger, cfg config.DepManager) *Manager {
	return &Manager{
		log: log.With(slog.String("package", "depmanager")),
		cfg: cfg,
		platform: Platform{
			OS:   runtime.GOOS,
			Arch: runtime.GOARCH,
		},
		client:     &http.Client{Timeout: downloadTimeout},
		retryDelay: downloadRetryDelay,
		binPaths:   make(map[BinaryName]string),
	}
}

// Start resolves the binaries, either from PATH or by installing them into BinsDir.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.UseSystemBinaries {
		return m.SetSystemBinaries()
	}

	return m.InstallAll(ctx)
}

// SetSystemBinaries looks the binaries up in the system PATH.
func (m *Manager) SetSystemBinaries() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, binary := range []BinaryName{BinaryFFmpeg, BinaryFFprobe} {
		path, err := exec.LookPath(string(binary))
		if err != nil {
			return fmt.Errorf("%s: %w: %w", binary, errs.ErrBinaryNotFound, err)
		}

		m.binPaths[binary] = path
	}

	return nil
}

// InstallAll downloads ffmpeg, and ffprobe when the build ships it, into BinsDir
// unless ffmpeg is already there.
func (m *Manager) InstallAll(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.BinsDir, filePermExecutable); err != nil {
		return fmt.Errorf("create bins directory: %w", err)
	}

	if m.isBinaryExists(BinaryFFmpeg) {
		m.setBinaryPath(BinaryFFmpeg)

		if m.isBinaryExists(BinaryFFprobe) {
			m.setBinaryPath(BinaryFFprobe)
		}

		m.log.DebugContext(ctx, "binaries already exist", slog.String("dir", m.cfg.BinsDir))

		return nil
	}

	url := m.getBinaryURL()
	if url == "" {
		return fmt.Errorf("no ffmpeg build for %s: %w", m.platform, errs.ErrUnsupportedPlatform)
	}

	installed, err := m.install(ctx, url)
	if err != nil {
		return fmt.Errorf("install %s: %w", BinaryFFmpeg, err)
	}

	for _, name := range installed {
		m.setBinaryPath(name)
	}

	m.log.InfoContext(ctx, "binaries installed", slog.String("dir", m.cfg.BinsDir), slog.Any("binaries", installed))

	return nil
}

// GetBinaryPath returns the full path of a binary inside BinsDir.
func (m *Manager) GetBinaryPath(name BinaryName) string {
	filename := string(name)
	if m.platform.OS == platformWindows {
		filename += ".exe"
	}

	return filepath.Join(m.cfg.BinsDir, filename)
}

// GetInstalledPath returns the resolved path for a binary, or empty if not resolved.
func (m *Manager) GetInstalledPath(name BinaryName) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.binPaths[name]
}

func (m *Manager) isBinaryExists(name BinaryName) bool {
	info, err := os.Stat(m.GetBinaryPath(name))

	return err == nil && info.Size() > 0
}

func (m *Manager) setBinaryPath(name BinaryName) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.binPaths[name] = m.GetBinaryPath(name)
}

func (m *Manager) getBinaryURL() string {
	if m.platform.OS != platformLinux {
		return ""
	}

	switch m.platform.Arch {
	case archARM64:
		return m.cfg.FFmpegLinuxARM64
	case archAMD64:
		return m.cfg.FFmpegLinuxAMD64
	}

	return ""
}
