package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/app"
	"github.com/ariefcatur/go-order-fulfillment/internal/httpx"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP server, payment subscribers and workflow workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return serveHTTP(ctx, a) })
				g.Go(func() error { return a.RunDispatcher(ctx) })
				if !noWorkers {
					g.Go(func() error { return a.RunWorkers(ctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not execute workflow steps in this process")
	return cmd
}

func serveHTTP(ctx context.Context, a *app.App) error {
	router := httpx.NewRouter(a.Log)
	(&httpx.AdminHandler{Queue: a.Queue, Trigger: a.Orchestrator}).Register(router)
	srv := &http.Server{Addr: a.Config.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		a.Log.Info("http listening", "addr", a.Config.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	a.Log.Info("shutting down http")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Execute queued workflow chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.RunWorkers(ctx)
			})
		},
	}
}

func subscriberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscriber",
		Short: "Listen for payment events and trigger workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.RunDispatcher(ctx)
			})
		},
	}
}
