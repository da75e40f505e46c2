package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/netsentry/netsentry-go/internal/config"
	"github.com/netsentry/netsentry-go/internal/repository"
	"github.com/netsentry/netsentry-go/internal/threatintel"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to config file")
	days := flag.Int("days", 0, "lookback window in days (0 uses the stored setting)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := config.InitLogger(&cfg.Log)

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}

	dnsRepo := repository.NewDNSRepository(db, logger)
	threatRepo := repository.NewThreatRepository(db, logger)

	manager := threatintel.NewManager(threatRepo, threatintel.ManagerConfig{
		UpdateThrottle: time.Duration(cfg.Threat.UpdateThrottle) * time.Second,
		FetchTimeout:   time.Duration(cfg.Threat.FetchTimeout) * time.Second,
		PhishingLevel:  cfg.Threat.PhishingLevel,
	}, nil, logger)
	matcher := threatintel.NewMatcher(dnsRepo, threatRepo, manager.Cache(), nil, logger)

	result, err := matcher.Scan(context.Background(), *days)
	if err != nil {
		logger.Fatalf("Scan failed: %v", err)
	}

	logger.Infof("Scan %s: %d events scanned, %d alerts created in %s",
		result.RunID, result.EventsScanned, result.AlertsCreated,
		result.Duration.Round(time.Millisecond))
}
