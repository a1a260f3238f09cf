package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markus-lassfolk/netlocd/pkg/logx"
	"github.com/markus-lassfolk/netlocd/pkg/pidfile"
	"github.com/markus-lassfolk/netlocd/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultPath, "Path to UCI or YAML configuration file")
	pidPath    = flag.String("pid-file", "/var/run/netlocd.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	version    = flag.Bool("version", false, "Show version information")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
)

const (
	AppName    = "netlocd"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	logger := logx.NewLogger(effectiveLogLevel(uci.DefaultLogLevel), AppName)

	pidFile := pidfile.New(*pidPath)
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", *pidPath)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	logger.SetLevel(effectiveLogLevel(cfg.LogLevel))

	logger.Info("Starting netloc daemon",
		"version", AppVersion,
		"pid", os.Getpid(),
		"config", *configPath,
		"server", cfg.Server,
		"interval_ms", cfg.IntervalMS,
		"max_update_delay_ms", cfg.MaxUpdateDelayMS,
	)

	d, err := newDaemon(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize daemon", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.start(ctx); err != nil {
		logger.Error("Failed to start daemon", "error", err)
		d.shutdown(context.Background())
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info("Received SIGHUP, reloading configuration")
			reloaded, err := uci.LoadConfig(*configPath)
			if err != nil {
				logger.Error("Configuration reload failed, keeping current settings", "error", err)
				continue
			}
			reloaded.LogLevel = effectiveLogLevel(reloaded.LogLevel)
			d.reload(ctx, reloaded)
			continue
		}

		logger.Info("Received shutdown signal", "signal", sig.String())
		break
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	d.shutdown(shutdownCtx)
	logger.Info("Shutdown complete")
}

// effectiveLogLevel applies the command line overrides
func effectiveLogLevel(configured string) string {
	if *verbose {
		return "trace"
	}
	if *logLevel != "" {
		return *logLevel
	}
	return configured
}
