package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netsentry/netsentry-go/internal/capture"
	"github.com/netsentry/netsentry-go/internal/config"
	"github.com/netsentry/netsentry-go/internal/metrics"
	"github.com/netsentry/netsentry-go/internal/notify"
	"github.com/netsentry/netsentry-go/internal/repository"
	"github.com/netsentry/netsentry-go/internal/scheduler"
	"github.com/netsentry/netsentry-go/internal/threatintel"
	"github.com/netsentry/netsentry-go/internal/watcher"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting NetSentry %s (built %s, commit %s)", Version, BuildTime, GitCommit)

	// InitDB runs migrations as part of opening the database.
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected")

	dnsRepo := repository.NewDNSRepository(db, logger)
	flowRepo := repository.NewFlowRepository(db, logger)
	threatRepo := repository.NewThreatRepository(db, logger)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New("netsentry")
		go metrics.Serve(cfg.Metrics.Listen, logger)
	}

	manager := threatintel.NewManager(threatRepo, threatintel.ManagerConfig{
		UpdateThrottle: time.Duration(cfg.Threat.UpdateThrottle) * time.Second,
		FetchTimeout:   time.Duration(cfg.Threat.FetchTimeout) * time.Second,
		PhishingLevel:  cfg.Threat.PhishingLevel,
	}, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.EnsureFeeds(ctx); err != nil {
		logger.Fatalf("Failed to register threat feeds: %v", err)
	}

	matcher := threatintel.NewMatcher(dnsRepo, threatRepo, manager.Cache(), m, logger)

	if cfg.Queue.Enabled {
		mq, err := notify.NewRabbitMQ(&notify.RabbitMQConfig{
			Host:     cfg.Queue.Host,
			Port:     cfg.Queue.Port,
			User:     cfg.Queue.User,
			Password: cfg.Queue.Password,
			VHost:    cfg.Queue.VHost,
		}, cfg.Queue.Queue, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer mq.Close()
		matcher.SetNotifier(notify.NewAlertPublisher(mq, logger))
	}

	if cfg.Watcher.Enabled {
		iw, err := watcher.NewIndicatorWatcher(cfg.Watcher.WatchDir, manager, logger)
		if err != nil {
			logger.Fatalf("Failed to create indicator watcher: %v", err)
		}
		defer iw.Close()
		if err := iw.Start(ctx); err != nil {
			logger.Fatalf("Failed to start indicator watcher: %v", err)
		}
	}

	source, err := capture.NewSource(&cfg.Capture, logger)
	if err != nil {
		logger.Fatalf("Failed to open capture source: %v", err)
	}
	defer source.Close()

	flows := capture.NewFlowTable(time.Duration(cfg.Flow.IdleTimeout)*time.Second, logger)
	pipeline := capture.NewPipeline(source, flows, dnsRepo, matcher, m, logger)

	sched := scheduler.New(scheduler.Config{
		FlushInterval:   time.Duration(cfg.Flow.FlushInterval) * time.Second,
		SweepInterval:   time.Duration(cfg.Flow.FlushInterval) * time.Second,
		RefreshInterval: time.Duration(cfg.Threat.RefreshInterval) * time.Second,
		ScanInterval:    time.Duration(cfg.Threat.ScanInterval) * time.Second,
	}, flows, flowRepo, dnsRepo, manager, matcher, m, logger)
	sched.Start(ctx)

	logger.WithField("interface", source.Interface()).Info("Capture started")
	pipeline.Run(ctx)

	logger.Info("Shutting down")
	sched.Stop()
	logger.Info("Shutdown complete")
	os.Exit(0)
}
