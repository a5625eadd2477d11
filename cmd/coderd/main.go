// Package main is the entry point for the coder daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/stavrobot/coder/internal/agent"
	"github.com/stavrobot/coder/internal/api"
	"github.com/stavrobot/coder/internal/credentials"
	"github.com/stavrobot/coder/internal/events"
	"github.com/stavrobot/coder/internal/identity"
	"github.com/stavrobot/coder/internal/journal"
	"github.com/stavrobot/coder/internal/observability"
	"github.com/stavrobot/coder/internal/ops"
	"github.com/stavrobot/coder/internal/reporter"
	"github.com/stavrobot/coder/internal/runner"
	"github.com/stavrobot/coder/pkg/types"
)

var (
	configPath  = flag.String("config", "", "Path to config file")
	listenPort  = flag.Int("port", 0, "Dispatch listener port (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level (overrides config)")
	showVersion = flag.Bool("version", false, "Show version")
)

const version = "0.1.0"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("coderd version %s\n", version)
		os.Exit(0)
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listenPort > 0 {
		config.Server.Port = *listenPort
	}
	if *logLevel != "" {
		config.Log.Level = *logLevel
	}

	if err := run(config); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*types.Config, error) {
	if path == "" {
		candidates := []string{
			"coder.yaml",
			"coder.yml",
			"/etc/coder/config.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	config := types.DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides honors the container-level environment knobs.
func applyEnvOverrides(config *types.Config) {
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			config.Server.Port = n
		}
	}
}

func run(config *types.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  config.Log.Level,
		Format: config.Log.Format,
	})
	logger.Info("starting coderd", "version", version)

	registry := prometheus.NewRegistry()
	metrics := observability.MustNewMetrics(registry)

	// The journal is optional; the service runs fine without it.
	var sink events.EventSink
	if config.Journal.Path != "" {
		jrnl, err := journal.Open(config.Journal.Path, logger)
		if err != nil {
			logger.Warn("journal disabled", "path", config.Journal.Path, "error", err)
		} else {
			defer jrnl.Close()
			jrnl.LogAbandoned()
			sink = jrnl
			logger.Info("journal opened", "path", config.Journal.Path)
		}
	}

	hub := events.NewHub(sink, logger)

	store := credentials.NewFileStore(config.Credentials.SharedPath)
	custodian := credentials.NewCustodian(store, logger)
	mapper := identity.NewMapper(logger)
	agentRunner := agent.NewRunner(config.Agent, config.Cache, logger)
	resultReporter := reporter.New(config.Reporter, logger, metrics)

	taskRunner := runner.New(config, runner.Dependencies{
		Agent:     agentRunner,
		Identity:  mapper,
		Custodian: custodian,
		Reporter:  resultReporter,
		Hub:       hub,
		Logger:    logger,
		Metrics:   metrics,
	})
	taskRunner.Start()

	apiRouter := api.NewRouter(config.Plugins.Root, taskRunner, logger)

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: apiRouter.Handler(),
	}

	go func() {
		logger.Info("dispatch listener started",
			"addr", addr,
			"plugins_root", config.Plugins.Root)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The dispatch listener is the service; without it there is
			// nothing to keep alive.
			logger.Error("dispatch listener failed", "error", err)
			os.Exit(1)
		}
	}()

	var opsServer *http.Server
	if config.Ops.Port > 0 {
		opsRouter := ops.NewRouter(hub, taskRunner, registry, logger)
		opsAddr := fmt.Sprintf("%s:%d", config.Ops.Host, config.Ops.Port)
		opsServer = &http.Server{
			Addr:    opsAddr,
			Handler: opsRouter.Handler(),
		}
		go func() {
			logger.Info("ops listener started", "addr", opsAddr)
			if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("ops listener failed", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Stop accepting first, then drain in-flight tasks, then drop the ops
	// listener so metrics stay visible during the drain.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("dispatch listener shutdown failed", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), config.Runner.DrainTimeout())
	defer drainCancel()
	if err := taskRunner.Shutdown(drainCtx); err != nil {
		logger.Warn("tasks still running at shutdown", "error", err)
	}

	if opsServer != nil {
		opsCtx, opsCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer opsCancel()
		if err := opsServer.Shutdown(opsCtx); err != nil {
			logger.Warn("ops listener shutdown failed", "error", err)
		}
	}

	logger.Info("stopped")
	return nil
}
