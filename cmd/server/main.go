// riskledger - double-entry ledger with asynchronous anomaly scoring
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/riskledger/internal/config"
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/mbd888/riskledger/internal/server"
	"github.com/mbd888/riskledger/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	// Bootstrap logger until the configured level and format are known
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return err
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting riskledger",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"timezone", cfg.LedgerTimezone,
		"in_memory", cfg.DatabaseURL == "",
	)

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, traces.Settings{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "riskledger",
		Version:     Version,
		Environment: cfg.Env,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return err
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		return err
	}
	return nil
}
