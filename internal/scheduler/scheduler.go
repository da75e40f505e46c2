package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/netsentry/netsentry-go/internal/capture"
	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/netsentry/netsentry-go/internal/metrics"
	"github.com/netsentry/netsentry-go/internal/repository"
	"github.com/netsentry/netsentry-go/internal/threatintel"
	"github.com/sirupsen/logrus"
)

// Config sets the periodic cadences. Zero values fall back to defaults.
type Config struct {
	FlushInterval   time.Duration // flow table → database
	SweepInterval   time.Duration // idle flow eviction
	RefreshInterval time.Duration // feed update attempts
	ScanInterval    time.Duration // retrospective scans
	AttributeWindow time.Duration // how far back to look when naming a flow's server IP
}

// Scheduler drives the background cadences: flow flushing, idle sweeping,
// feed refreshing, and periodic retrospective scans. Each cadence runs in
// its own goroutine; Stop flushes outstanding flows before returning.
type Scheduler struct {
	cfg      Config
	flows    *capture.FlowTable
	flowRepo repository.FlowRepository
	dnsRepo  repository.DNSRepository
	manager  *threatintel.Manager
	matcher  *threatintel.Matcher
	metrics  *metrics.Metrics
	logger   *logrus.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, flows *capture.FlowTable, flowRepo repository.FlowRepository,
	dnsRepo repository.DNSRepository, manager *threatintel.Manager,
	matcher *threatintel.Matcher, m *metrics.Metrics, logger *logrus.Logger) *Scheduler {

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Hour
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 24 * time.Hour
	}
	if cfg.AttributeWindow <= 0 {
		cfg.AttributeWindow = 24 * time.Hour
	}

	return &Scheduler{
		cfg:      cfg,
		flows:    flows,
		flowRepo: flowRepo,
		dnsRepo:  dnsRepo,
		manager:  manager,
		matcher:  matcher,
		metrics:  m,
		logger:   logger,
	}
}

// Start launches the cadences. Call Stop to shut them down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.spawn(ctx, s.cfg.FlushInterval, "flow flush", s.flushFlows)
	s.spawn(ctx, s.cfg.SweepInterval, "idle sweep", s.sweepIdle)
	s.spawn(ctx, s.cfg.RefreshInterval, "feed refresh", s.refreshFeeds)
	s.spawn(ctx, s.cfg.ScanInterval, "threat scan", s.runScan)
}

// Stop cancels the cadences, waits for them, and flushes whatever the flow
// table still holds.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.flushFlows(ctx)
}

func (s *Scheduler) spawn(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.WithFields(logrus.Fields{
			"task":     name,
			"interval": interval.String(),
		}).Info("Background task started")

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (s *Scheduler) flushFlows(ctx context.Context) {
	flows := s.flows.Drain()
	s.metrics.SetFlowTableSize(s.flows.Len())
	if len(flows) == 0 {
		return
	}

	s.attributeFlows(ctx, flows)

	if err := s.flowRepo.UpsertFlows(ctx, flows); err != nil {
		s.metrics.IncFlushFailure()
		s.logger.WithError(err).WithField("flows", len(flows)).Error("Failed to flush traffic flows")
		return
	}
	s.metrics.AddFlowsFlushed(len(flows))
	s.logger.WithField("flows", len(flows)).Debug("Flushed traffic flows")
}

func (s *Scheduler) sweepIdle(ctx context.Context) {
	evicted := s.flows.SweepIdle(time.Now())
	s.metrics.SetFlowTableSize(s.flows.Len())
	if len(evicted) == 0 {
		return
	}

	s.attributeFlows(ctx, evicted)

	if err := s.flowRepo.UpsertFlows(ctx, evicted); err != nil {
		s.metrics.IncFlushFailure()
		s.logger.WithError(err).WithField("flows", len(evicted)).Error("Failed to flush evicted flows")
		return
	}
	s.metrics.AddFlowsFlushed(len(evicted))
}

// attributeFlows backfills each flow's domain from DNS records whose address
// set contains the server IP. Unresolvable servers stay unattributed; the
// orphaned-IP report surfaces them.
func (s *Scheduler) attributeFlows(ctx context.Context, flows []*domain.TrafficFlow) {
	since := time.Now().Add(-s.cfg.AttributeWindow)
	seen := make(map[string]string)

	for _, f := range flows {
		if f.Domain != "" {
			continue
		}
		dom, ok := seen[f.ServerIP]
		if !ok {
			var err error
			dom, err = s.dnsRepo.DomainByIP(ctx, f.ServerIP, since)
			if err != nil {
				s.logger.WithError(err).WithField("server_ip", f.ServerIP).Debug("Domain attribution lookup failed")
				dom = ""
			}
			seen[f.ServerIP] = dom
		}
		f.Domain = dom
	}
}

func (s *Scheduler) refreshFeeds(ctx context.Context) {
	names, err := s.manager.RefreshableFeeds(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list feeds for refresh")
		return
	}

	for _, name := range names {
		if _, err := s.manager.Update(ctx, name, false); err != nil {
			var throttled *threatintel.ThrottledError
			if errors.As(err, &throttled) {
				s.logger.WithFields(logrus.Fields{
					"feed":      name,
					"remaining": throttled.Remaining.Round(time.Second).String(),
				}).Debug("Feed refresh throttled")
				continue
			}
			s.logger.WithError(err).WithField("feed", name).Error("Feed refresh failed")
		}
	}
}

func (s *Scheduler) runScan(ctx context.Context) {
	if _, err := s.matcher.Scan(ctx, 0); err != nil {
		s.logger.WithError(err).Error("Scheduled threat scan failed")
	}
}
