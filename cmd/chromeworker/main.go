// Package main provides the entry point for the Chrome session worker.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Rorqualx/chromeworker/internal/callback"
	"github.com/Rorqualx/chromeworker/internal/config"
	"github.com/Rorqualx/chromeworker/internal/dispatcher"
	"github.com/Rorqualx/chromeworker/internal/metrics"
	"github.com/Rorqualx/chromeworker/internal/netinfo"
	"github.com/Rorqualx/chromeworker/internal/ports"
	"github.com/Rorqualx/chromeworker/internal/profiles"
	"github.com/Rorqualx/chromeworker/internal/queue"
	"github.com/Rorqualx/chromeworker/internal/session"
	"github.com/Rorqualx/chromeworker/internal/status"
	"github.com/Rorqualx/chromeworker/internal/supervisor"
	"github.com/Rorqualx/chromeworker/internal/types"
	"github.com/Rorqualx/chromeworker/pkg/version"
)

// Exit codes: 0 clean shutdown, 1 fatal configuration, 2 unrecoverable
// runtime failure (queue transport cannot start, shutdown drain blew
// its deadline).
const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimeError = 2

	drainDeadline = 60 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration
	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	setupLogging(cfg.LogLevel, cfg.LogPath)

	// Validate configuration; unrecoverable settings stop the worker
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Configuration invalid")
		return exitConfigError
	}

	printBanner(cfg)

	// Discover the address advertised in DevTools URLs
	machineIP := netinfo.MachineIP()
	advertiseIP := machineIP
	if !cfg.LocalMode() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		advertiseIP = netinfo.PublicIP(ctx)
		cancel()
	}
	log.Info().Str("machine_ip", machineIP).Str("advertise_ip", advertiseIP).Msg("Network identity resolved")

	// Port registry; warn when the OS reserves part of the range.
	// Custom-launcher mode keeps host forwarding bound on the range, so
	// availability is probed by connecting instead of binding.
	ports.WarnOnExcludedRanges(context.Background(), cfg.PortStart, cfg.PortEnd)
	probe := ports.ProbeFunc(ports.BindProbe)
	if cfg.UseCustomLauncher {
		probe = ports.ConnectProbe
	}
	registry := ports.NewWithProbe(cfg.PortStart, cfg.PortEnd, probe)

	// Profile store
	store, err := profiles.NewStore(cfg.ProfileRoot, cfg.ProfileReuseEnabled)
	if err != nil {
		log.Error().Err(err).Str("root", cfg.ProfileRoot).Msg("Profile store initialization failed")
		return exitRuntimeError
	}

	// Chrome supervisor and session manager
	sup := supervisor.New(cfg, registry, store, advertiseIP)
	manager := session.NewManager(cfg, sup, registry)
	manager.Start()

	// Profile janitor; live profiles belong to running sessions
	janitor := profiles.NewJanitor(store, cfg.ProfileMaxAgeHours, cfg.ProfileCleanupInterval,
		manager.OwnsProfile, cfg.CleanupProfilesCmd)
	janitor.Start()

	// Queue transport
	q, err := buildQueue(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Queue initialization failed")
		manager.Stop()
		janitor.Stop()
		return exitRuntimeError
	}

	// Callback client, when enabled
	var cb dispatcher.Callback
	if cfg.CallbackEnabled && cfg.CallbackURL != "" {
		cb = callback.New(cfg.CallbackURL, cfg.CallbackTimeout)
		log.Info().Str("url", cfg.CallbackURL).Msg("Callback delivery enabled")
	}

	disp := dispatcher.New(cfg, q, registry, manager, sup, store, cb, advertiseIP)

	// Status reporter
	reporter := status.NewReporter(cfg, manager, registry, disp.Pending, advertiseIP)
	reporter.Start()

	// Channel to signal shutdown to background tasks
	stopCh := make(chan struct{})

	// Metrics server, when enabled
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Int("port", cfg.MetricsPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// Dispatch loop
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		disp.Run(dispatchCtx)
	}()

	log.Info().
		Int("max_sessions", cfg.MaxSessions).
		Int("port_start", cfg.PortStart).
		Int("port_end", cfg.PortEnd).
		Bool("local_mode", cfg.LocalMode()).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Worker is ready to accept requests")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	close(stopCh)

	// Stop fetching new work. Launches already admitted are detached
	// from this context and finish on their own budget; the drain
	// deadline below bounds the wait.
	cancelDispatch()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainDeadline)
	defer cancelDrain()

	code := exitOK
	select {
	case <-dispatchDone:
	case <-drainCtx.Done():
		log.Error().Msg("Dispatcher drain exceeded deadline")
		code = exitRuntimeError
	}

	// Stop background loops
	reporter.Stop()
	janitor.Stop()
	manager.Stop()

	// Terminate every remaining session within the drain budget
	manager.TerminateAll(drainCtx, types.ReasonShutdown)
	if drainCtx.Err() != nil && code == exitOK {
		log.Error().Msg("Session teardown exceeded deadline")
		code = exitRuntimeError
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
		cancel()
	}

	if err := q.Close(); err != nil {
		log.Error().Err(err).Msg("Queue close error")
	}

	log.Info().Int("exit_code", code).Msg("Shutdown complete")
	return code
}

// buildQueue selects the transport: SQS, or the filesystem queue when
// the request URL is "local".
func buildQueue(cfg *config.Config) (queue.Queue, error) {
	if cfg.LocalMode() {
		log.Info().Str("workdir", cfg.LocalWorkdir).Msg("Local filesystem queue mode")
		return queue.NewLocal(cfg.LocalWorkdir,
			time.Duration(cfg.QueueWaitTimeSec)*time.Second, cfg.QueueVisibility)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return queue.NewSQS(ctx, cfg)
}

// setupLogging configures zerolog. With LOG_PATH set the log also goes
// to a size-rotated file.
func setupLogging(level, path string) {
	console := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	if path != "" {
		rotated := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 7,
			MaxAge:     14, // days
			Compress:   true,
		}
		log.Logger = log.Output(zerolog.MultiLevelWriter(console, rotated))
	} else {
		log.Logger = log.Output(console)
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	banner := `
  ____ _                          __        __         _
 / ___| |__  _ __ ___  _ __ ___  _\ \      / /__  _ __| | _____ _ __
| |   | '_ \| '__/ _ \| '_ ' _ \/ _ \ \ /\ / / _ \| '__| |/ / _ \ '__|
| |___| | | | | | (_) | | | | | |  __/\ V  V / (_) | |  |   <  __/ |
 \____|_| |_|_|  \___/|_| |_| |_|\___| \_/\_/ \___/|_|  |_|\_\___|_|
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Str("queue", cfg.QueueRequestURL).
		Msg("Starting ChromeWorker")
}
