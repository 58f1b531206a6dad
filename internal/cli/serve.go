package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	httprouter "segmentdl/internal/infrastructure/delivery/http"
	"segmentdl/internal/intercept"
	"segmentdl/internal/observability"
	"segmentdl/internal/service"
	httpserver "segmentdl/pkg/http/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().String("port", "", "listen address, e.g. :8080")
	cmd.Flags().Bool("intercept", true, "enable the stream sink endpoint")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := setup(cmd, "")
	if err != nil {
		return err
	}

	cfg, log := a.cfg, a.log

	if cmd.Flags().Changed("port") {
		cfg.HTTP.Port, _ = cmd.Flags().GetString("port")
	}

	if cmd.Flags().Changed("intercept") {
		cfg.HTTP.Intercept, _ = cmd.Flags().GetBool("intercept")
	}

	reg := observability.NewRegistry()
	metrics := observability.New(reg)

	var registry *intercept.Registry
	if cfg.HTTP.Intercept {
		registry = intercept.NewRegistry()
	}

	svc := service.New(ctx, cfg, log, service.Deps{
		Registry: registry,
		Client:   a.httpClient(ctx, metrics),
		Remuxer:  a.remuxer(ctx),
		Metrics:  metrics,
	})

	router := httprouter.New(log, svc, httprouter.Options{
		HandlerTimeout: cfg.HTTP.HandlerTimeout,
		Registry:       registry,
		Gatherer:       reg,
		Metrics:        metrics,
	})

	httpSrv := httpserver.New(router, httpserver.Options{
		Addr:            cfg.HTTP.Port,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	})

	svc.Run(ctx)

	log.InfoContext(ctx, "segmentdl started", slog.String("port", cfg.HTTP.Port), slog.Any("capabilities", svc.Capabilities()))

	var serveErr error

	select {
	case <-ctx.Done():
	case serveErr = <-httpSrv.Notify():
		log.ErrorContext(ctx, "http server", slog.Any("error", serveErr))
	}

	if err := httpSrv.Shutdown(); err != nil {
		log.ErrorContext(ctx, "http server shutdown", slog.Any("error", err))
	}

	svc.Close()

	log.InfoContext(ctx, "segmentdl shut down gracefully")

	return serveErr
}
