package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tims/internal/adapters/httpapi"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run queued finalizations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			rt.svc.Start()

			srv := &http.Server{
				Addr:              a.cfg.HTTP.Addr,
				Handler:           httpapi.NewRouter(rt.svc, rt.metrics.Handler(), a.log.Named("http")),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.log.Info("listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
			}
			a.log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Warn("http shutdown", zap.Error(err))
			}
			if err := rt.svc.Stop(shutdownCtx); err != nil {
				a.log.Warn("runner shutdown", zap.Error(err))
			}
			return serveErr
		},
	}
	cmd.Flags().String("http-addr", "", "listen address")
	cmd.Flags().Int("workers", 0, "worker goroutines")
	return cmd
}
