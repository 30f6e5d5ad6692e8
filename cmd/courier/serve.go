package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"courier/internal/app"
	"courier/pkg/systemd"
)

func serveCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool, store maintenance and the ops server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.NewApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				_ = a.Stop(sctx, app.StopFatalError)
				return err
			}
			_, _ = systemd.Ready()
			_, _ = systemd.Status("serving")

			wctx, wcancel := context.WithCancel(ctx)
			defer wcancel()
			go func() {
				_ = systemd.Watchdog(wctx, func(c context.Context) error {
					_, err := a.Queue.Stats(c)
					return err
				})
			}()

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			_, _ = systemd.Stopping()

			sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			_ = a.Stop(sctx, reason)
			if reason == app.StopFatalError {
				if err := a.Err(); err != nil {
					return err
				}
				return errors.New("app stopped unexpectedly")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 20*time.Second, "upper bound for graceful shutdown")
	return cmd
}
