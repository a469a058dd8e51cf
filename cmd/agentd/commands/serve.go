package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/agentd/internal/auth"
	"github.com/opencode-ai/agentd/internal/config"
	"github.com/opencode-ai/agentd/internal/event"
	"github.com/opencode-ai/agentd/internal/logging"
	"github.com/opencode-ai/agentd/internal/runtime"
	"github.com/opencode-ai/agentd/internal/server"
	"github.com/opencode-ai/agentd/internal/session"
	"github.com/opencode-ai/agentd/internal/storage"
)

var (
	servePort     int
	serveHostname string
	serveNoAuth   bool
	serveRoots    []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentd session broker",
	Long: `Start the broker: an HTTP API for creating sessions, executing
prompts against their workers and streaming output, plus a background
worker that reclaims sessions left idle past the configured threshold.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoAuth, "no-auth", false, "Disable bearer token checks")
	serveCmd.Flags().StringSliceVar(&serveRoots, "workspace-root", nil, "Allowed workspace root (repeatable, overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	// Load configuration
	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHostname != "" {
		cfg.Server.Host = serveHostname
	}
	if serveNoAuth {
		cfg.Server.AuthDisabled = true
	}
	if len(serveRoots) > 0 {
		cfg.Session.WorkspaceRoots = serveRoots
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(level),
		Pretty: prettyLogs || cfg.Log.Pretty,
	})

	logging.Info().Str("version", Version).Str("directory", workDir).Msg("starting agentd")

	// Initialize paths
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	// Initialize storage
	store := storage.New(cfg.StorageDir)

	ctx := context.Background()

	keys, err := auth.NewStore(ctx, store)
	if err != nil {
		return err
	}
	if !cfg.Server.AuthDisabled {
		if existing, err := keys.List(ctx); err == nil && len(existing) == 0 {
			logging.Warn().Msg("no API keys issued yet; run 'agentd keys create' or start with --no-auth")
		}
	}

	bus := event.NewBus()
	defer bus.Close()

	adapter := runtime.NewDocker(runtime.DockerConfig{
		Image:        cfg.Runtime.Image,
		Model:        cfg.Runtime.Model,
		Binary:       cfg.Runtime.Binary,
		StartRetries: uint64(cfg.Runtime.StartRetries),
	})

	manager := session.NewManager(session.Config{
		WorkspaceRoots:    cfg.Session.WorkspaceRoots,
		IdleThreshold:     cfg.Session.IdleThreshold.Std(),
		SweepInterval:     cfg.Session.SweepInterval.Std(),
		StopGrace:         cfg.Session.StopGrace.Std(),
		StartTimeout:      cfg.Session.StartTimeout.Std(),
		ObserverQueueSize: cfg.Session.ObserverQueue,
	}, adapter, bus, store)

	if err := manager.RestoreSnapshot(ctx); err != nil {
		logging.Warn().Err(err).Msg("session snapshot restore failed")
	}

	// Idle reclamation
	cleanerCtx, stopCleaner := context.WithCancel(ctx)
	defer stopCleaner()
	go session.NewCleaner(manager, 0, 0).Run(cleanerCtx)

	// Configure server
	serverConfig := server.DefaultConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.AuthDisabled = cfg.Server.AuthDisabled

	srv := server.New(serverConfig, manager, bus, keys)

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("host", serverConfig.Host).Int("port", serverConfig.Port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logging.Info().Msg("shutting down")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("server shutdown error")
	}
	stopCleaner()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("manager shutdown error")
	}

	logging.Info().Msg("stopped")
	return nil
}
