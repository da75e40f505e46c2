package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"time"

	"github.com/netsentry/netsentry-go/internal/config"
	"github.com/netsentry/netsentry-go/internal/repository"
	"github.com/netsentry/netsentry-go/internal/threatintel"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to config file")
	feed := flag.String("feed", "", "feed to update (empty updates all remote feeds)")
	force := flag.Bool("force", false, "bypass the update throttle")
	level := flag.String("level", "", "switch the feed to this level before updating")
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

	threatRepo := repository.NewThreatRepository(db, logger)
	manager := threatintel.NewManager(threatRepo, threatintel.ManagerConfig{
		UpdateThrottle: time.Duration(cfg.Threat.UpdateThrottle) * time.Second,
		FetchTimeout:   time.Duration(cfg.Threat.FetchTimeout) * time.Second,
		PhishingLevel:  cfg.Threat.PhishingLevel,
	}, nil, logger)

	ctx := context.Background()
	if err := manager.EnsureFeeds(ctx); err != nil {
		logger.Fatalf("Failed to register threat feeds: %v", err)
	}

	if *level != "" {
		if *feed == "" {
			logger.Fatal("-level requires -feed")
		}
		result, err := manager.SetLevel(ctx, *feed, *level)
		if err != nil {
			logger.Fatalf("Failed to change level: %v", err)
		}
		logger.Infof("Feed %s now at level %s with %d indicators", *feed, *level, result.IndicatorCount)
		return
	}

	var names []string
	if *feed != "" {
		names = []string{*feed}
	} else {
		names, err = manager.RefreshableFeeds(ctx)
		if err != nil {
			logger.Fatalf("Failed to list feeds: %v", err)
		}
	}

	for _, name := range names {
		result, err := manager.Update(ctx, name, *force)
		if err != nil {
			var throttled *threatintel.ThrottledError
			if errors.As(err, &throttled) {
				logger.Warnf("Feed %s throttled, retry in %s (use -force to override)",
					name, throttled.Remaining.Round(time.Second))
				continue
			}
			logger.Errorf("Feed %s update failed: %v", name, err)
			continue
		}
		logger.Infof("Feed %s updated: %d indicators (%d domains, %d ips)",
			name, result.IndicatorCount, result.Domains, result.IPs)
	}
}
