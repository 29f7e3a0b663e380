package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ddllock/internal/config"
	"ddllock/internal/distlock"
	"ddllock/internal/lock"
	"ddllock/internal/scheduler"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "ddllock.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ddllock %s\n", version)
		os.Exit(0)
	}

	// Set up structured logging; the level is adjusted once config is loaded.
	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: &level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		logger.Error("invalid log level", "level", cfg.Log.Level, "error", err)
		os.Exit(1)
	}

	nodeID := cfg.Node.ID
	if nodeID == "" {
		hostname, _ := os.Hostname()
		nodeID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
		logger.Info("generated node ID", "node_id", nodeID)
	}
	sessionID := uuid.NewString()
	logger = logger.With("node_id", nodeID)

	locker, err := openLocker(cfg, lock.Options{
		SessionID:     sessionID,
		NodeID:        nodeID,
		LeaseTTL:      cfg.Lock.LeaseTTL,
		RetryInterval: cfg.Lock.RetryInterval,
	}, logger)
	if err != nil {
		logger.Error("failed to open lease store", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	renew, renews := locker.(renewer)
	if renews {
		go renew.KeepAlive(ctx, cfg.Lock.RenewInterval)
	}

	tp, shutdownTracing, err := setupTracing(cfg.Tracing)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var registry distlock.Registry
	registry.Create(distlock.New(locker,
		distlock.WithLogger(logger),
		distlock.WithSessionID(sessionID),
		distlock.WithMetrics(reg),
		distlock.WithTracerProvider(tp),
	))

	var statusServer *http.Server
	if cfg.Metrics.Address != "" {
		statusServer = newStatusServer(cfg.Metrics.Address, cfg.Metrics.Path, reg, &registry, logger)
		go func() {
			logger.Info("serving metrics and lock status", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	sched := scheduler.New(registry.Get(), cfg.Node, cfg.Lock, logger)

	for _, jobCfg := range cfg.Jobs {
		if err := sched.AddJob(jobCfg); err != nil {
			logger.Error("failed to add job", "job", jobCfg.Name, "error", err)
			os.Exit(1)
		}
	}

	sched.Start()

	notifySystemd(logger)
	stopWatchdog := startWatchdog(logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig)

	if stopWatchdog != nil {
		stopWatchdog()
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	sched.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if renews {
		if err := renew.ReleaseAll(shutdownCtx); err != nil {
			logger.Error("failed to release leases", "error", err)
		}
	}
	if err := locker.Close(); err != nil {
		logger.Error("failed to close lease store", "error", err)
	}
	if statusServer != nil {
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("failed to flush spans", "error", err)
	}

	logger.Info("shutdown complete")
}

// notifySystemd sends the ready notification to systemd if running under systemd.
func notifySystemd(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd", "error", err)
	} else if sent {
		logger.Debug("notified systemd ready")
	}
}

// startWatchdog starts the systemd watchdog if configured.
// Returns a function to stop the watchdog, or nil if not running.
func startWatchdog(logger *slog.Logger) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return nil
	}

	logger.Info("starting systemd watchdog", "interval", interval)

	ticker := time.NewTicker(interval / 2)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()

	return func() {
		close(done)
	}
}
