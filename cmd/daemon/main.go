// SPDX-License-Identifier: MIT

// Command daemon runs the code execution orchestrator: the websocket
// session endpoint, the admin HTTP surface, and the sandbox pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Hemanthkumar2k04/coderunner/internal/config"
	"github.com/Hemanthkumar2k04/coderunner/internal/log"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox/runtime/local"
	"github.com/Hemanthkumar2k04/coderunner/internal/service"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	workDir := flag.String("workdir", "", "sandbox scratch directory (default: system temp)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("coderunner %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ring := log.NewRing(cfg.LogRingSize)
	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "coderunner",
		Ring:    ring,
	})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base := *workDir
	if base == "" {
		base = filepath.Join(os.TempDir(), "coderunner")
	}
	driver := local.New(base)

	svc, err := service.New(cfg, driver, ring)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "service.init_failed").Msg("failed to assemble service")
	}

	logger.Info().
		Str("version", version).
		Str("listen", cfg.Listen).
		Int("max_concurrent", cfg.MaxConcurrent).
		Int("max_sandboxes", cfg.MaxSandboxes).
		Msg("starting")

	if err := svc.Run(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "service.run_failed").Msg("service exited with error")
	}
}
