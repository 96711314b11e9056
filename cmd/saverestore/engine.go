package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"modbus-saverestore/internal/discovery"
	"modbus-saverestore/internal/machinestate"
	"modbus-saverestore/internal/snapshot"
	"modbus-saverestore/internal/transport"
)

var errNoConfiguration = errors.New("no machine configuration: pass --configuration or set machine.configuration")

// engine is the synchronization state wired to the Modbus transport and the
// definition resolver.
type engine struct {
	state     *machinestate.State
	transport *transport.Modbus
	logger    *slog.Logger
}

func newEngine(logger *slog.Logger) *engine {
	tr := transport.New(transport.Options{
		MaxWorkers: cfg.Transport.MaxWorkers,
		QueueSize:  cfg.Transport.QueueSize,
		WriteRate:  cfg.Restore.WriteRate,
		WriteBurst: cfg.Restore.WriteBurst,
		Logger:     logger,
	})
	resolver := discovery.NewResolver(discovery.ResolverOptions{
		Logger: logger,
		OnResolve: func(_ string, bindings []discovery.Binding) {
			tr.Bind(bindings)
		},
	})
	state := machinestate.New(resolver, tr, tr, machinestate.Options{
		PollInterval:   cfg.Poll.Interval,
		RestoreTimeout: cfg.Restore.Timeout,
		Logger:         logger,
	})
	return &engine{state: state, transport: tr, logger: logger}
}

func (e *engine) close() {
	e.state.Close()
	if err := e.transport.Close(); err != nil {
		e.logger.Warn("closing transport", "error", err)
	}
}

// target points the state at configuration and starts polling.
func (e *engine) target(ctx context.Context, configuration string) error {
	if configuration == "" {
		return errNoConfiguration
	}
	if err := e.state.SetTarget(ctx, configuration); err != nil {
		return err
	}
	e.state.Start(ctx)
	return nil
}

// waitForPoll targets configuration and blocks until one poll cycle has been
// applied. Any observer set on the state is replaced.
func (e *engine) waitForPoll(ctx context.Context, configuration string, timeout time.Duration) error {
	polled := make(chan struct{})
	var once sync.Once
	e.state.SetObserver(machinestate.ObserverFunc(func(*machinestate.State) {
		once.Do(func() { close(polled) })
	}))
	defer e.state.SetObserver(nil)

	if err := e.target(ctx, configuration); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-polled:
		return nil
	case <-timer.C:
		return fmt.Errorf("no poll cycle completed within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// documentConfiguration picks the configuration to use with a saved
// document: an explicit --configuration wins, then the one the document was
// captured from, then the config file.
func documentConfiguration(explicit bool, doc snapshot.Document) string {
	if !explicit && doc.Configuration != "" {
		return doc.Configuration
	}
	return cfg.Machine.Configuration
}

// openStore opens the snapshot database, creating its directory.
func openStore(ctx context.Context, logger *slog.Logger) (*snapshot.Store, error) {
	if dir := filepath.Dir(cfg.Storage.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}
	return snapshot.Open(ctx, cfg.Storage.DBPath, logger)
}

// loadDocument reads a saved machine state from a file or, by name, from the
// newest snapshot in the store.
func loadDocument(ctx context.Context, file, snapshotName string, logger *slog.Logger) (snapshot.Document, error) {
	switch {
	case file != "" && snapshotName != "":
		return snapshot.Document{}, errors.New("pass either --file or --snapshot, not both")
	case file != "":
		doc, err := snapshot.Read(file)
		if err != nil {
			return snapshot.Document{}, fmt.Errorf("reading %s: %w", file, err)
		}
		return doc, nil
	case snapshotName != "":
		store, err := openStore(ctx, logger)
		if err != nil {
			return snapshot.Document{}, err
		}
		defer store.Close()
		snap, err := store.Latest(ctx, snapshotName)
		if err != nil {
			return snapshot.Document{}, fmt.Errorf("snapshot %q: %w", snapshotName, err)
		}
		return snap.Document, nil
	}
	return snapshot.Document{}, errors.New("no saved state: pass --file or --snapshot")
}
