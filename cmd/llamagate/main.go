// Command llamagate runs the LlamaGate HTTP gateway in front of a
// locally running Ollama backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/llamagate/internal/config"
	"github.com/HerbHall/llamagate/internal/ollama"
	"github.com/HerbHall/llamagate/internal/server"
	"github.com/HerbHall/llamagate/internal/version"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("llamagate starting",
		zap.String("version", version.Short()),
		zap.String("ollama_url", cfg.Ollama.BaseURL()),
		zap.Bool("api_key_required", cfg.Auth.APIKey != ""),
		zap.Int("allowed_ips", len(cfg.Auth.AllowedIPs)),
		zap.Bool("rate_limiting", cfg.RateLimit.Enabled),
	)

	client, err := ollama.New(cfg.Ollama.BaseURL(), cfg.Ollama.Timeout, logger.Named("ollama"))
	if err != nil {
		logger.Fatal("failed to create ollama client", zap.Error(err))
	}

	srv := server.New(cfg, client, logger.Named("server"))

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("llamagate ready", zap.String("addr", cfg.Server.Addr()))

	// Human-readable banner for users watching the console.
	fmt.Fprintf(os.Stderr, "\n  LlamaGate %s is ready!\n  Local:  http://localhost:%d\n  Health: http://localhost:%d/health\n\n",
		version.Short(), cfg.Server.Port, cfg.Server.Port)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("llamagate stopped")
}
