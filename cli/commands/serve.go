package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinprecision/clinops-core/app"
	"github.com/clinprecision/clinops-core/cli/config"
	"github.com/clinprecision/clinops-core/cli/styles"
	"github.com/clinprecision/clinops-core/ops"
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	var (
		addr            string
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the ops endpoints",
		Long: `Start the projection engine, coordinators, reference data refresh and
outbox relay, and serve the ops endpoints:

  GET  /healthz                       liveness
  GET  /readyz                        store reachable and engine running
  GET  /metrics                       Prometheus metrics
  GET  /diagnostics                   event store details
  GET  /projections                   every projection's status
  GET  /projections/{name}            one projection's status
  POST /projections/{name}/pause      stop applying events
  POST /projections/{name}/resume     resume a paused or faulted projection
  POST /projections/{name}/rebuild    clear and replay a projection

Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfigOrDefault()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cmd, cfg, shutdownTimeout)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: server.addr)")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "How long to wait for in-flight work on shutdown")

	return cmd
}

// serve runs until ctx ends, then shuts the HTTP server and the app down.
func serve(ctx context.Context, cmd *cobra.Command, cfg *config.Config, shutdownTimeout time.Duration) error {
	out := cmd.OutOrStdout()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           ops.New(a).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("clinops serving on %s (%s driver, %d projections)",
		cfg.Server.Addr, cfg.Database.Driver, len(a.ProjectionNames()))))
	a.Logger().Info("ops server listening", "addr", cfg.Server.Addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
	}

	fmt.Fprintln(out, styles.FormatInfo("Shutting down..."))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	httpErr := srv.Shutdown(shutdownCtx)
	appErr := a.Stop(shutdownCtx)
	return errors.Join(httpErr, appErr)
}
