package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
	"segmentdl/internal/intercept"
	"segmentdl/internal/observability"
	"segmentdl/internal/service"
	"segmentdl/pkg/logger"
	"segmentdl/pkg/urls"
)

const cancelTimeout = 10 * time.Second

type fetchFlags struct {
	start, end  int
	concurrency int
	retries     int
	sink        string
	format      string
	out         string
	title       string
	quiet       bool
}

func newFetchCmd() *cobra.Command {
	var f fetchFlags

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Download one playlist to a file, or to stdout with --sink stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args[0], &f)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&f.start, "start", 0, "first chunk index")
	flags.IntVar(&f.end, "end", 0, "last chunk index, inclusive (default last chunk)")
	flags.IntVar(&f.concurrency, "concurrency", 0, "simultaneous chunk fetches (default from config)")
	flags.IntVar(&f.retries, "retries", 0, "retries per chunk after the first attempt (default from config)")
	flags.StringVar(&f.sink, "sink", "", "sink mode: auto, direct, buffered or stream")
	flags.StringVar(&f.format, "format", "", "output format: raw or remux")
	flags.StringVarP(&f.out, "out", "o", "", "output directory (default from config)")
	flags.StringVar(&f.title, "title", "", "artifact base name (default derived from the url)")
	flags.BoolVarP(&f.quiet, "quiet", "q", false, "do not print progress")

	return cmd
}

func (f *fetchFlags) request(cmd *cobra.Command, raw string) (service.CreateRequest, error) {
	u := urls.FixURL(urls.Normalize(raw))
	if !urls.IsURLValid(u) {
		return service.CreateRequest{}, fmt.Errorf("%w: %q", errs.ErrInvalidURL, raw)
	}

	req := service.CreateRequest{
		URL:      u,
		Title:    f.title,
		Format:   entity.Format(f.format),
		SinkMode: entity.SinkMode(f.sink),
	}

	flags := cmd.Flags()

	if flags.Changed("start") {
		req.Start = &f.start
	}

	if flags.Changed("end") {
		req.End = &f.end
	}

	if flags.Changed("concurrency") {
		req.Concurrency = &f.concurrency
	}

	if flags.Changed("retries") {
		req.MaxRetries = &f.retries
	}

	return req, nil
}

func runFetch(cmd *cobra.Command, raw string, f *fetchFlags) error {
	ctx := cmd.Context()

	a, err := setup(cmd, logger.FormatText)
	if err != nil {
		return err
	}

	cfg, log := a.cfg, a.log

	if f.out != "" {
		cfg.Dir.Downloads = f.out
		if err := cfg.Dir.SetAbsPaths(); err != nil {
			return fmt.Errorf("output directory: %w", err)
		}
	}

	req, err := f.request(cmd, raw)
	if err != nil {
		return err
	}

	toStdout := req.SinkMode == entity.SinkStream

	var registry *intercept.Registry
	if toStdout {
		registry = intercept.NewRegistry()
	}

	var onProgress func(entity.ProgressEvent)
	if !f.quiet {
		onProgress = progressPrinter(cmd.ErrOrStderr())
	}

	metrics := observability.New(nil)

	deps := service.Deps{
		Registry:   registry,
		Client:     a.httpClient(ctx, metrics),
		Metrics:    metrics,
		OnProgress: onProgress,
	}

	if req.Format == entity.FormatRemux || (req.Format == "" && cfg.Engine.DefaultFormat == string(entity.FormatRemux)) {
		deps.Remuxer = a.remuxer(ctx)
	}

	svc := service.New(ctx, cfg, log, deps)
	svc.Run(ctx)
	defer svc.Close()

	snap, err := svc.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	log.InfoContext(ctx, "task created", slog.Any("task", snap))

	if err := svc.Start(ctx, snap.ID); err != nil {
		return fmt.Errorf("start task: %w", err)
	}

	id := snap.ID
	g, gctx := errgroup.WithContext(ctx)

	if toStdout {
		g.Go(func() error { return relay(gctx, registry, id, cmd.OutOrStdout()) })
	}

	g.Go(func() error {
		var werr error

		snap, werr = svc.Wait(gctx, id)

		return werr
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, intercept.ErrConsumerGone) {
			cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
			defer cancel()

			_ = svc.Cancel(cancelCtx, id)
		}

		return fmt.Errorf("fetch %s: %w", id, err)
	}

	if snap.Status != entity.TaskStatusDone {
		return fmt.Errorf("fetch %s: %s: %s", snap.ID, snap.Status, snap.Error)
	}

	if !toStdout && snap.Artifact != nil {
		fmt.Fprintln(cmd.OutOrStdout(), snap.Artifact.Path)

		if snap.Artifact.Warning != "" {
			log.WarnContext(ctx, snap.Artifact.Warning)
		}
	}

	return nil
}

// relay copies the task's interception stream to w.
func relay(ctx context.Context, registry *intercept.Registry, id string, w io.Writer) error {
	stream, err := registry.Attach(id)
	if err != nil {
		return fmt.Errorf("attach stream: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { stream.Detach(nil) })
	defer stop()

	if _, err := io.Copy(w, stream); err != nil {
		stream.Detach(err)

		return fmt.Errorf("%w: %w", intercept.ErrConsumerGone, err)
	}

	return nil
}

// progressPrinter renders chunk events as a single updating line.
func progressPrinter(w io.Writer) func(entity.ProgressEvent) {
	return func(ev entity.ProgressEvent) {
		switch ev.Kind {
		case entity.EventChunk:
			fmt.Fprintf(w, "\r%5.1f%%  %d/%d chunks  %d failed", ev.Fraction*100, ev.Completed, ev.Target, ev.Failed)
		case entity.EventStatus:
			if ev.Status == entity.TaskStatusDone || ev.Status == entity.TaskStatusError {
				fmt.Fprintf(w, "\r%5.1f%%  %d/%d chunks  %s\n", ev.Fraction*100, ev.Completed, ev.Target, ev.Status)
			}
		}
	}
}
