package main

import (
	"context"
	"flag"
	"log"
	"os"

	"transit-poll-store/internal/api"
	"transit-poll-store/internal/app"
	"transit-poll-store/internal/config"
	"transit-poll-store/internal/logging"
	"transit-poll-store/internal/metrics"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	port := os.Getenv("API_PORT")
	if port == "" {
		port = "8080"
	}
	addr := cfg.API.Addr
	if addr == "" {
		addr = ":" + port
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	stores, err := app.Open(context.Background(), cfg, logger, m)
	if err != nil {
		logger.Fatalf("failed to open %s store: %v", cfg.Storage.Type, err)
	}
	defer stores.Close()

	srv := api.NewServer(stores.NewSession, logger, prometheus.DefaultGatherer, stores.CommitOptions()...)
	if err := srv.Run(addr); err != nil {
		logger.Fatalf("server stopped with error: %v", err)
	}
}
