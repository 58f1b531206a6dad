package depmanager

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ulikunitz/xz"

	"segmentdl/internal/errs"
)

const (
	archiveExt = ".tar.xz"

	downloadRetries    = 3
	downloadRetryDelay = 2 * time.Second
)

// install downloads url into BinsDir. A .tar.xz archive has ffmpeg and
// ffprobe extracted from it, anything else is taken as the ffmpeg binary.
func (m *Manager) install(ctx context.Context, url string) ([]BinaryName, error) {
	m.log.InfoContext(ctx, "downloading ffmpeg", slog.String("url", url))

	download, err := m.download(ctx, url)
	if err != nil {
		return nil, err
	}
	defer os.Remove(download)

	f, err := os.Open(download)
	if err != nil {
		return nil, fmt.Errorf("open download: %w", err)
	}
	defer f.Close()

	if !strings.HasSuffix(url, archiveExt) {
		if err := m.place(BinaryFFmpeg, f); err != nil {
			return nil, err
		}

		return []BinaryName{BinaryFFmpeg}, nil
	}

	xr, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("xz reader: %w", err)
	}

	return m.extract(tar.NewReader(xr))
}

// download retries fetch on transport errors and 5xx answers.
func (m *Manager) download(ctx context.Context, url string) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retryDelay
	b.MaxElapsedTime = 0

	var file string

	err := backoff.RetryNotify(func() error {
		var err error
		file, err = m.fetch(ctx, url)

		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, downloadRetries), ctx), func(err error, d time.Duration) {
		m.log.WarnContext(ctx, "ffmpeg download failed, retrying", slog.Any("error", err), slog.Duration("backoff", d))
	})

	return file, err
}

// fetch stores the body of url in a temp file inside BinsDir and checks
// it against the pinned digest.
func (m *Manager) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download: unexpected status %s", resp.Status)
		if resp.StatusCode < http.StatusInternalServerError {
			return "", backoff.Permanent(err)
		}

		return "", err
	}

	tmp, err := os.CreateTemp(m.cfg.BinsDir, "download-*")
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("create temp file: %w", err))
	}

	digest := sha256.New()

	_, err = io.Copy(io.MultiWriter(tmp, digest), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		os.Remove(tmp.Name())

		return "", fmt.Errorf("write download: %w", err)
	}

	if want := strings.ToLower(strings.TrimSpace(m.cfg.FFmpegSHA256)); want != "" {
		if got := hex.EncodeToString(digest.Sum(nil)); got != want {
			os.Remove(tmp.Name())

			return "", backoff.Permanent(fmt.Errorf("%w: got %s, want %s", errs.ErrChecksumMismatch, got, want))
		}
	}

	return tmp.Name(), nil
}

// extract installs every wanted binary found in the archive. ffmpeg is required.
func (m *Manager) extract(tr *tar.Reader) ([]BinaryName, error) {
	var installed []BinaryName

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := BinaryName(strings.TrimSuffix(path.Base(hdr.Name), ".exe"))
		if (name != BinaryFFmpeg && name != BinaryFFprobe) || slices.Contains(installed, name) {
			continue
		}

		if err := m.place(name, tr); err != nil {
			return nil, err
		}

		installed = append(installed, name)
	}

	if !slices.Contains(installed, BinaryFFmpeg) {
		return nil, fmt.Errorf("%w: archive has no %s", errs.ErrBinaryNotFound, BinaryFFmpeg)
	}

	slices.Sort(installed)

	return installed, nil
}

// place writes src as an executable and renames it into its final path,
// so a reader never sees a half-written binary.
func (m *Manager) place(name BinaryName, src io.Reader) error {
	tmp, err := os.CreateTemp(m.cfg.BinsDir, "."+string(name)+"-*")
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}

	_, err = io.Copy(tmp, src)
	if err == nil {
		err = tmp.Chmod(filePermExecutable)
	}

	if cerr := tmp.Close(); err == nil {
		err = cerr
	}

	if err == nil {
		err = os.Rename(tmp.Name(), m.GetBinaryPath(name))
	}

	if err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("install %s: %w", name, err)
	}

	return nil
}
