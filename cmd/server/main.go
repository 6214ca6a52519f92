// Payengine - cryptocurrency order payment and escrow engine
package main

import (
	"context"
	"os"

	"github.com/cryptonexus/payengine/internal/config"
	"github.com/cryptonexus/payengine/internal/logging"
	"github.com/cryptonexus/payengine/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting payengine",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"escrow_fee_pct", cfg.EscrowFeePct,
		"auto_release_days", cfg.AutoReleaseDays,
		"dispute_window_hours", cfg.DisputeWindowHours,
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
