package main

import (
	"flag"
	"log"

	"github.com/netsentry/netsentry-go/internal/config"
	"github.com/netsentry/netsentry-go/internal/repository"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := config.InitLogger(&cfg.Log)

	// InitDB runs the migrations; this binary exists to run them standalone.
	if _, err := repository.InitDB(&cfg.Database, logger); err != nil {
		logger.Fatalf("Migration failed: %v", err)
	}
	logger.Info("Migration complete")
}
