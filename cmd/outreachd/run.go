package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"outreach/internal/api"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the delivery daemon",
		Long: `Starts the connection monitor, the delivery tracker, the coordinator and
the ops HTTP endpoint. Queued messages are retried whenever the transport
reconnects. Press Ctrl+C to stop.`,
		RunE: runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := ""
	if cfg.HTTP.Enabled {
		addr = cfg.HTTP.Addr
	}
	a, err := buildApp(ctx, cfg, addr)
	if err != nil {
		var owned *ownerError
		if errors.As(err, &owned) {
			return fmt.Errorf("outreachd is already running: %w", err)
		}
		return err
	}
	defer a.Close()

	// Baseline probe. Entries restored from the last run are drained right
	// away when the transport is already up.
	connected := a.monitor.CheckOnce(ctx)
	a.metrics.Connected(connected)
	logger.Info("transport", "kind", a.transport.Name(), "connected", connected, "queued", a.queue.Size())
	if connected && a.queue.Size() > 0 {
		a.coordinator.RequestDrain()
	}

	a.monitor.Start(ctx, cfg.Monitor.Interval())
	a.tracker.Start(ctx, cfg.Tracker.Interval())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.coordinator.Run(gctx)
		return nil
	})
	if cfg.HTTP.Enabled {
		srv := api.New(api.Config{
			Addr:        cfg.HTTP.Addr,
			Coordinator: a.coordinator,
			Queue:       a.queue,
			History:     a.history,
			Connection:  a.monitor,
			Activity:    a.coordinator,
			Metrics:     a.metrics,
			Version:     version,
			Logger:      logger,
		})
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return fmt.Errorf("ops api: %w", err)
			}
			return nil
		})
	}

	logger.Info("outreach daemon started. Press Ctrl+C to stop.", "version", version)

	runErr := make(chan error, 1)
	go func() { runErr <- g.Wait() }()

	select {
	case err := <-runErr:
		// A component failed before any signal arrived.
		stop()
		return err
	case <-a.leaseLost:
		stop()
		<-runErr
		return errors.New("queue lease lost, another process owns the queue")
	case <-ctx.Done():
	}
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	select {
	case err := <-runErr:
		if err != nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}
