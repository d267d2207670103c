package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quorumlabs/agentpipeline/internal/agentclient"
	"github.com/quorumlabs/agentpipeline/internal/config"
	"github.com/quorumlabs/agentpipeline/internal/control"
	"github.com/quorumlabs/agentpipeline/internal/engine"
	"github.com/quorumlabs/agentpipeline/internal/enhance"
	"github.com/quorumlabs/agentpipeline/internal/hardening"
	"github.com/quorumlabs/agentpipeline/internal/httpapi"
	"github.com/quorumlabs/agentpipeline/internal/lockmanager"
	"github.com/quorumlabs/agentpipeline/internal/logging"
	"github.com/quorumlabs/agentpipeline/internal/prompts"
	"github.com/quorumlabs/agentpipeline/internal/scheduler"
	"github.com/quorumlabs/agentpipeline/internal/sidecar"
)

var (
	serveAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration HTTP/SSE server",
	Long: `Start the pipelined server.

The server exposes a REST API and an SSE stream for driving hardening and
enhancement workflows over the discovered target tree.

Examples:
  # Start with defaults (:8080)
  pipelined serve

  # Start on a custom address
  pipelined serve --addr 0.0.0.0:9000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "address to bind to (default: config server.addr, falls back to :8080)")
}

func loadConfig() (*config.Config, error) {
	cfgPath := cfgFile
	if cfgPath == "" {
		if used := viper.ConfigFileUsed(); used != "" {
			cfgPath = used
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	return cfg, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      os.Stdout,
		AddSource:   cfg.Log.AddSource,
		ProjectRoot: cfg.Target.ProjectRoot,
	})

	cp := control.New()
	locks := lockmanager.New()
	defer locks.Stop()

	hardenRoot := filepath.Join(cfg.Target.ProjectRoot, cfg.Target.HardeningDir)
	enhanceRoot := filepath.Join(cfg.Target.ProjectRoot, cfg.Target.EnhanceDir)
	hardenStore := sidecar.New(cfg.Target.ProjectRoot, hardenRoot, cfg.Allowlist.Hardening, locks)
	enhanceStore := sidecar.New(cfg.Target.ProjectRoot, enhanceRoot, cfg.Allowlist.Enhance, locks)

	sched := scheduler.New(locks, func() bool { return true })
	defer sched.Stop()

	eng := engine.New(cfg, cp, locks, sched, hardenStore, enhanceStore, logger.Logger)

	renderer, err := prompts.New()
	if err != nil {
		return fmt.Errorf("loading prompt templates: %w", err)
	}

	agent := agentclient.New(agentclient.Config{
		CLIPath:           cfg.Agent.CLIPath,
		CLIPoolSize:       cfg.Agent.CLIPoolSize,
		APIPoolSize:       cfg.Agent.APIPoolSize,
		CLITimeout:        cfg.Agent.CLITimeout,
		SubprocessTimeout: cfg.Agent.SubprocessTimeout,
		APIKey:            cfg.Agent.APIKey(os.LookupEnv),
		APIBaseURL:        cfg.Agent.APIBaseURL,
		APIModel:          cfg.Agent.APIModel,
	})

	harden := hardening.New(eng, agent, hardenStore, renderer, cfg, logger.Logger)
	enh := enhance.New(eng, agent, enhanceStore, renderer, cfg, logger.Logger)

	server := httpapi.NewServer(eng, harden, enh, logger.Logger,
		httpapi.WithCORSOrigins(cfg.Server.CORSOrigins),
		httpapi.WithSSE(cfg.Server.SSEHeartbeat, 0, cfg.Server.SSEConnTimeout),
	)

	ctx := context.Background()
	if err := eng.Discover(ctx); err != nil {
		logger.Warn("initial discovery failed", slog.String("error", err.Error()))
	}

	watcher, err := eng.StartWatch()
	if err != nil {
		logger.Warn("discovery-refresh watcher failed to start", slog.String("error", err.Error()))
	} else {
		defer watcher.Stop()
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Handler(),
	}

	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", httpServer.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("server started", slog.String("addr", httpServer.Addr))
	fmt.Printf("\n  pipelined server running at: http://%s\n\n", httpServer.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	eng.Shutdown(25 * time.Second)

	logger.Info("server stopped")
	return nil
}
