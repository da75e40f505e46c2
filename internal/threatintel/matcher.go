package threatintel

import (
	"context"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/netsentry/netsentry-go/internal/metrics"
	"github.com/netsentry/netsentry-go/internal/repository"
	"github.com/sirupsen/logrus"
)

// AlertNotifier receives alerts the moment they are created. Implementations
// must not block the caller for long; delivery failures are logged and
// dropped, never retried by the matcher.
type AlertNotifier interface {
	Notify(ctx context.Context, alert *domain.ThreatAlert) error
}

// Matcher checks observed DNS activity against the active indicator set,
// both live (per response) and retrospectively (scans over stored events).
type Matcher struct {
	dnsRepo    repository.DNSRepository
	threatRepo repository.ThreatRepository
	cache      *indicatorCache
	notifier   AlertNotifier
	metrics    *metrics.Metrics
	logger     *logrus.Logger
}

// NewMatcher wires the matcher over the manager's shared cache.
func NewMatcher(dnsRepo repository.DNSRepository, threatRepo repository.ThreatRepository, cache *indicatorCache, m *metrics.Metrics, logger *logrus.Logger) *Matcher {
	return &Matcher{
		dnsRepo:    dnsRepo,
		threatRepo: threatRepo,
		cache:      cache,
		metrics:    m,
		logger:     logger,
	}
}

// SetNotifier attaches an optional alert sink.
func (m *Matcher) SetNotifier(n AlertNotifier) {
	m.notifier = n
}

// HandleResponse checks one live DNS response: the queried domain against
// domain indicators, and every plain resolved address against IP indicators.
// clientIP is the host that issued the query.
func (m *Matcher) HandleResponse(ctx context.Context, dom string, resolved []string, clientIP, queryType string) {
	if err := m.cache.ensure(ctx, m.threatRepo); err != nil {
		m.logger.WithError(err).Error("Failed to load indicator cache")
		return
	}
	m.metrics.SetIndicatorsLoaded(m.cache.size())

	if hit := m.matchDomain(dom); hit != nil {
		m.raiseAlert(ctx, hit, dom, "", clientIP, queryType)
	}

	for _, ip := range resolvedAddresses(resolved) {
		if hit := m.cache.lookupIP(ip); hit != nil {
			m.raiseAlert(ctx, hit, dom, ip, clientIP, queryType)
		}
	}
}

// matchDomain walks the domain's parent labels so an indicator for
// evil.example also catches sub.evil.example.
func (m *Matcher) matchDomain(dom string) *domain.ThreatIndicator {
	dom = domain.NormalizeDomain(dom)
	for dom != "" {
		if hit := m.cache.lookupDomain(dom); hit != nil {
			return hit
		}
		idx := strings.IndexByte(dom, '.')
		if idx < 0 {
			return nil
		}
		dom = dom[idx+1:]
	}
	return nil
}

func (m *Matcher) raiseAlert(ctx context.Context, hit *domain.ThreatIndicator, dom, ip, clientIP, queryType string) bool {
	alert := &domain.ThreatAlert{
		IndicatorType:  hit.Type,
		IndicatorValue: hit.Value,
		Domain:         domain.NormalizeDomain(dom),
		SourceIP:       clientIP,
		FeedName:       hit.FeedName,
		QueryType:      queryType,
		CreatedAt:      time.Now().UTC(),
	}
	if hit.Type == domain.IndicatorIP {
		alert.IP = ip
	}

	created, err := m.threatRepo.CreateAlertIfAbsent(ctx, alert)
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"value":     hit.Value,
			"source_ip": clientIP,
		}).Error("Failed to record threat alert")
		return false
	}
	if !created {
		return false
	}

	m.metrics.IncAlertCreated(hit.FeedName)
	m.logger.WithFields(logrus.Fields{
		"type":      hit.Type,
		"value":     alert.Value(),
		"domain":    alert.Domain,
		"source_ip": clientIP,
		"feed":      hit.FeedName,
	}).Warn("Threat indicator matched")

	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, alert); err != nil {
			m.logger.WithError(err).Warn("Failed to publish alert")
		}
	}
	return true
}

// scanBatchSize bounds memory while paging events during a scan.
const scanBatchSize = 1000

// Scan re-checks stored DNS events from the last lookbackDays against the
// current indicator set. Existing unresolved alerts suppress duplicates, so
// repeated scans over the same window are idempotent.
func (m *Matcher) Scan(ctx context.Context, lookbackDays int) (*domain.ScanResult, error) {
	if lookbackDays <= 0 {
		cfg, err := m.threatRepo.GetConfig(ctx)
		if err != nil {
			return nil, err
		}
		lookbackDays = cfg.LookbackDays
	}

	if err := m.cache.ensure(ctx, m.threatRepo); err != nil {
		return nil, err
	}
	m.metrics.SetIndicatorsLoaded(m.cache.size())

	result := &domain.ScanResult{
		RunID:        uuid.New().String(),
		LookbackDays: lookbackDays,
		StartedAt:    time.Now().UTC(),
	}
	since := result.StartedAt.AddDate(0, 0, -lookbackDays)

	m.logger.WithFields(logrus.Fields{
		"run_id":        result.RunID,
		"lookback_days": lookbackDays,
	}).Info("Starting retrospective threat scan")

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		events, err := m.dnsRepo.EventsSince(ctx, since, afterID, scanBatchSize)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}

		for _, ev := range events {
			result.EventsScanned++
			afterID = ev.ID

			clientIP := ev.SourceIP
			if ev.EventType == domain.DNSEventResponse {
				clientIP = ev.DestinationIP
			}

			result.DomainsChecked++
			if hit := m.matchDomain(ev.Domain); hit != nil {
				if m.raiseAlert(ctx, hit, ev.Domain, "", clientIP, ev.QueryType) {
					result.AlertsCreated++
				}
			}

			for _, ip := range resolvedAddresses(ev.ResolvedValues()) {
				result.IPsChecked++
				if hit := m.cache.lookupIP(ip); hit != nil {
					if m.raiseAlert(ctx, hit, ev.Domain, ip, clientIP, ev.QueryType) {
						result.AlertsCreated++
					}
				}
			}
		}

		if len(events) < scanBatchSize {
			break
		}
	}

	result.Duration = time.Since(result.StartedAt)
	m.metrics.ObserveScanDuration(result.Duration)
	m.logger.WithFields(logrus.Fields{
		"run_id":         result.RunID,
		"events_scanned": result.EventsScanned,
		"alerts_created": result.AlertsCreated,
		"duration":       result.Duration.Round(time.Millisecond).String(),
	}).Info("Retrospective threat scan finished")

	return result, nil
}

// resolvedAddresses filters a resolved-data set down to plain IP literals,
// dropping prefixed records such as CNAME: or MX: entries.
func resolvedAddresses(resolved []string) []string {
	var out []string
	for _, v := range resolved {
		if _, err := netip.ParseAddr(v); err == nil {
			out = append(out, v)
		}
	}
	return out
}
