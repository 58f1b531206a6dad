// Package remux rewraps a raw transport stream into an mp4 container without re-encoding.
package remux

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"segmentdl/internal/errs"
)

// Ext is the extension of remuxed artifacts.
const Ext = ".mp4"

const (
	stderrTail = 512
	// waitDelay bounds how long a cancelled run waits for orphaned children holding stderr.
	waitDelay = time.Second
)

// BinaryResolver returns the path of the ffmpeg binary.
type BinaryResolver func() string

// FFmpeg remuxes with "ffmpeg -c copy".
type FFmpeg struct {
	log     *slog.Logger
	resolve BinaryResolver
}

// New creates a remuxer. resolve is consulted on every call so a binary
// installed after startup is picked up.
func New(log *slog.Logger, resolve BinaryResolver) *FFmpeg {
	return &FFmpeg{
		log:     log.With(slog.String("package", "remux")),
		resolve: resolve,
	}
}

// Remux writes src rewrapped into an mp4 next to it and returns the new path.
// src is left untouched.
func (f *FFmpeg) Remux(ctx context.Context, src string) (string, error) {
	bin := ""
	if f.resolve != nil {
		bin = f.resolve()
	}

	if bin == "" {
		return "", fmt.Errorf("%w: %w", errs.ErrRemuxFailed, errs.ErrBinaryNotFound)
	}

	dst := strings.TrimSuffix(src, ".ts") + Ext

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "+faststart",
		dst,
	}

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	f.log.DebugContext(ctx, "remux started", slog.String("src", src), slog.String("dst", dst))

	if err := cmd.Run(); err != nil {
		_ = os.Remove(dst)

		msg := strings.TrimSpace(stderr.String())
		if len(msg) > stderrTail {
			msg = msg[len(msg)-stderrTail:]
		}

		return "", fmt.Errorf("%w: %w: %s", errs.ErrRemuxFailed, err, msg)
	}

	return dst, nil
}
