package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"modbus-saverestore/internal/discovery"
	"modbus-saverestore/internal/httpapi"
	"modbus-saverestore/internal/machinestate"
	"modbus-saverestore/internal/snapshot"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll the machine and serve the HTTP API",
		Long: "Polls the writable control points of the configured machine, serves the " +
			"JSON API and websocket feed, and optionally records live value history.",
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	ctx := shutdownContext(cmd.Context(), logger)

	store, err := openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	eng := newEngine(logger)
	defer eng.close()

	hub := httpapi.NewHub(logger)
	defer hub.Close()
	observers := machinestate.Observers{hub}
	if cfg.Storage.History {
		history := snapshot.NewHistory(store, snapshot.HistoryOptions{
			QueueSize: cfg.Storage.HistoryQueue,
			CacheTTL:  cfg.Storage.CacheTTL,
			Epsilon:   cfg.Storage.Epsilon,
			Logger:    logger,
		})
		// stop polling before the history queue closes
		defer history.Close()
		defer eng.state.Close()
		observers = append(observers, history)
	}
	eng.state.SetObserver(observers)

	if err := eng.target(ctx, cfg.Machine.Configuration); err != nil {
		return err
	}

	api := httpapi.New(eng.state, httpapi.Options{Store: store, Hub: hub, Logger: logger})
	server := httpapi.NewServer(cfg.HTTP.Listen, api.Handler())
	logger.Info("serving", "listen", cfg.HTTP.Listen, "configuration", cfg.Machine.Configuration)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpapi.RunServer(gctx, server, nil, logger) })

	if cfg.Machine.Watch {
		path, _ := discovery.ParseConfiguration(cfg.Machine.Configuration)
		w, err := discovery.NewWatcher(path, func(string) { reload(gctx, eng) }, discovery.WithWatcherLogger(logger))
		if err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		g.Go(func() error {
			w.Run()
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return w.Close()
		})
	}

	return g.Wait()
}

// reload re-resolves the current configuration after its definition changed.
// Saved values do not survive a retarget.
func reload(ctx context.Context, eng *engine) {
	configuration := eng.state.Configuration()
	if err := eng.state.SetTarget(ctx, configuration); err != nil {
		eng.logger.Warn("reload failed, keeping current records", "configuration", configuration, "error", err)
		return
	}
	eng.state.Refresh()
}
