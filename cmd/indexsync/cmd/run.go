package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/indexsync/internal/daemon"
	"github.com/Aman-CERP/indexsync/internal/errors"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Apply outbox and transport work to the index until interrupted",
		Long: `Run polls the outbox, applies each batch of entity changes to the
configured backend and deletes the rows it applied. When transport brokers
are configured it also replays work batches received over Kafka.

Stop with Ctrl+C or SIGTERM; in-flight batches are settled first.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if err := a.startFileLogging(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, a)
		},
	}
}

// runDaemon runs the pipeline and, if configured, the metrics endpoint until
// ctx is done.
func runDaemon(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger := a.logger

	if path := daemon.PathFor(cfg.Outbox.Path); path != "" {
		pf := daemon.NewPIDFile(path)
		if err := pf.Acquire(); err != nil {
			return err
		}
		defer func() { _ = pf.Release() }()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p, err := newPipeline(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	defer p.close()

	logger.Info("daemon_started",
		slog.String("backend", cfg.Backend.Kind),
		slog.String("outbox", cfg.Outbox.Path),
		slog.Bool("transport", cfg.Transport.Enabled()),
		slog.String("metrics_addr", cfg.Metrics.Addr))
	defer logger.Info("daemon_stopped")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.run(ctx) })

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.New(errors.ErrCodeInternal, "metrics endpoint failed", err).
					WithDetail("addr", cfg.Metrics.Addr)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
