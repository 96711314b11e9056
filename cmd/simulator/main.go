// Command simulator serves a machine definition over Modbus TCP so the
// save/restore tool has something to talk to.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"modbus-saverestore/internal/discovery"
	"modbus-saverestore/internal/logging"
	"modbus-saverestore/internal/simulator"
)

func main() {
	var (
		settingsPath string
		defPath      string
		logLevel     string
	)
	flag.StringVar(&settingsPath, "config", "", "path to simulator TOML settings")
	flag.StringVar(&defPath, "definition", "", "path to the machine definition YAML (overrides the settings file)")
	flag.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flag.Parse()

	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(os.Stderr, level, "auto")
	if err != nil {
		log.Fatal(err)
	}

	var settings simulator.Settings
	if settingsPath != "" {
		if settings, err = simulator.LoadSettings(settingsPath); err != nil {
			log.Fatalf("load settings %s: %v", settingsPath, err)
		}
		// a relative definition path is relative to the settings file
		if settings.Definition != "" && !filepath.IsAbs(settings.Definition) {
			settings.Definition = filepath.Join(filepath.Dir(settingsPath), settings.Definition)
		}
	}
	if defPath != "" {
		settings.Definition = defPath
	}
	if settings.Definition == "" {
		log.Fatal("no machine definition: pass -definition or set definition in -config")
	}

	def, err := discovery.Load(settings.Definition)
	if err != nil {
		log.Fatalf("load machine definition %s: %v", settings.Definition, err)
	}

	mgr := simulator.NewManager(def, settings, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("shutting down servers")
		cancel()
	}()

	if err := mgr.Run(ctx); err != nil {
		logger.Error("simulator exited with error", "error", err)
		os.Exit(1)
	}
}
