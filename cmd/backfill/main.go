package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transit-poll-store/internal/app"
	"transit-poll-store/internal/config"
	"transit-poll-store/internal/logging"
	"transit-poll-store/internal/replay"
	"transit-poll-store/internal/sink"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	input := flag.String("input", "-", "Session document to replay (JSON array of polls), - for stdin")
	stamp := flag.String("timestamp", "", "Commit timestamp (RFC 3339); defaults to now in the configured zone")
	flag.Parse()

	// Optional .env with credentials; a missing file is fine.
	_ = godotenv.Load()

	// Load configuration file.
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	// Prepare cancellable context that listens to OS signals (Ctrl+C).
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("interrupt received, rolling back session…")
		cancel()
	}()

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			logger.Fatalf("failed to open input: %v", err)
		}
		defer f.Close()
		r = f
	}
	polls, err := replay.Decode(r)
	if err != nil {
		logger.Fatalf("failed to read session: %v", err)
	}

	stores, err := app.Open(ctx, cfg, logger, nil)
	if err != nil {
		logger.Fatalf("failed to open %s store: %v", cfg.Storage.Type, err)
	}
	defer stores.Close()

	opts := stores.CommitOptions()
	if *stamp != "" {
		ts, err := time.Parse(time.RFC3339, *stamp)
		if err != nil {
			logger.Fatalf("invalid -timestamp: %v", err)
		}
		opts = append(opts, sink.WithTimestamp(ts))
	}

	b, err := stores.NewSession(ctx)
	if err != nil {
		logger.Fatalf("failed to open session: %v", err)
	}
	if _, err := replay.Run(ctx, b, polls, logger, opts...); err != nil {
		logger.Fatalf("backfill failed: %v", err)
	}
}
