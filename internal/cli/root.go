// Package cli holds the segmentdl command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"segmentdl/internal/config"
	"segmentdl/internal/depmanager"
	"segmentdl/internal/observability"
	"segmentdl/internal/proxymgr"
	"segmentdl/internal/remux"
	"segmentdl/pkg/logger"
)

const (
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
)

// NewRootCmd builds the command tree. Configuration comes from SEGMENTDL_*
// environment variables, flags override single settings.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "segmentdl",
		Short:         "Download segmented HLS media",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String(flagLogLevel, "", "log level: debug, info, warn, error")
	root.PersistentFlags().String(flagLogFormat, "", "log format: json or text")

	root.AddCommand(newServeCmd(), newFetchCmd(), newCapabilitiesCmd())

	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCmd()
	root.SetArgs(args)

	return root.ExecuteContext(ctx)
}

// app is what every command needs before touching the engine.
type app struct {
	cfg *config.Config
	log *slog.Logger
}

func setup(cmd *cobra.Command, defaultFormat string) (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	flags := cmd.Flags()

	if flags.Changed(flagLogLevel) {
		cfg.App.LogLevel, _ = flags.GetString(flagLogLevel)
	}

	switch {
	case flags.Changed(flagLogFormat):
		cfg.App.LogFormat, _ = flags.GetString(flagLogFormat)
	case defaultFormat != "":
		cfg.App.LogFormat = defaultFormat
	}

	log, err := logger.New(&logger.Options{
		AddSource: cfg.App.LogFormat != logger.FormatText,
		Level:     cfg.App.LogLevel,
		Format:    cfg.App.LogFormat,
		Writer:    cmd.ErrOrStderr(),
	})
	if err != nil {
		log.WarnContext(cmd.Context(), "logger level invalid; defaulting to info", slog.Any("error", err))
	}

	return &app{cfg: cfg, log: log}, nil
}

// httpClient routes manifest and chunk requests through the configured proxies.
func (a *app) httpClient(ctx context.Context, metrics *observability.Metrics) *http.Client {
	if len(a.cfg.Proxy.Proxies) == 0 {
		return &http.Client{}
	}

	pool := proxymgr.New(a.log, a.cfg.Proxy, metrics)
	pool.Watch(ctx)

	a.log.InfoContext(ctx, "proxy pool ready", slog.Int("proxies", pool.Len()))

	return &http.Client{Transport: pool.Transport(nil)}
}

// remuxer resolves ffmpeg in the background. Until it is found remux
// requests fall back to the raw artifact.
func (a *app) remuxer(ctx context.Context) *remux.FFmpeg {
	deps := depmanager.New(a.log, a.cfg.DepManager)

	go func() {
		if err := deps.Start(ctx); err != nil {
			a.log.WarnContext(ctx, "ffmpeg unavailable, remux falls back to raw", slog.Any("error", err))
		}
	}()

	return remux.New(a.log, func() string { return deps.GetInstalledPath(depmanager.BinaryFFmpeg) })
}
