package threatintel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/netsentry/netsentry-go/internal/metrics"
	"github.com/netsentry/netsentry-go/internal/repository"
	"github.com/netsentry/netsentry-go/internal/retry"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// ThrottledError rejects a feed update inside the minimum interval. It
// carries the remaining cool-down so callers can self-correct without
// consulting logs.
type ThrottledError struct {
	Feed      string
	Remaining time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("feed %s was updated recently, retry in %s", e.Feed, e.Remaining.Round(time.Second))
}

// UpdateResult reports one ingestion run.
type UpdateResult struct {
	Feed           string    `json:"feed"`
	Domains        int       `json:"domains"`
	IPs            int       `json:"ips"`
	IndicatorCount int64     `json:"indicator_count"`
	LastUpdate     time.Time `json:"last_update"`
}

// ManagerConfig tunes ingestion behavior.
type ManagerConfig struct {
	UpdateThrottle time.Duration // minimum interval between updates per feed
	FetchTimeout   time.Duration // budget per download
	PhishingLevel  string        // initial PhishingArmy tier
}

// Manager owns the feed catalog: seeding, throttled ingestion, tier changes,
// custom indicator management, and the shared matching cache.
type Manager struct {
	repo    repository.ThreatRepository
	catalog map[string]*FeedSpec
	cache   *indicatorCache
	client  *http.Client
	cfg     ManagerConfig
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// NewManager builds a manager over the built-in catalog.
func NewManager(repo repository.ThreatRepository, cfg ManagerConfig, m *metrics.Metrics, logger *logrus.Logger) *Manager {
	if cfg.UpdateThrottle <= 0 {
		cfg.UpdateThrottle = 3 * time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}

	mgr := &Manager{
		repo:    repo,
		catalog: make(map[string]*FeedSpec),
		cache:   newIndicatorCache(),
		client:  &http.Client{Timeout: cfg.FetchTimeout},
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
	for _, spec := range BuiltinFeeds() {
		mgr.catalog[spec.Name] = spec
	}
	return mgr
}

// RegisterFeed adds a feed beyond the built-in catalog. Call before
// EnsureFeeds so the database row is seeded.
func (m *Manager) RegisterFeed(spec *FeedSpec) {
	m.catalog[spec.Name] = spec
}

// Cache exposes the shared matching cache to the matcher.
func (m *Manager) Cache() *indicatorCache {
	return m.cache
}

// EnsureFeeds seeds a feed row for every catalog entry that has none yet,
// so a fresh database lists all known feeds before their first update.
func (m *Manager) EnsureFeeds(ctx context.Context) error {
	for _, spec := range m.catalog {
		if _, err := m.repo.GetFeed(ctx, spec.Name); err == nil {
			continue
		} else if err != repository.ErrNotFound {
			return err
		}

		level := spec.DefaultLevel
		if spec.Name == "PhishingArmy" && m.cfg.PhishingLevel != "" {
			level = m.cfg.PhishingLevel
		}
		level, sourceURL := spec.URLForLevel(level)
		if spec.Kind == FeedKindCustom {
			sourceURL = "custom"
		}

		feed := &domain.ThreatFeed{
			FeedName:  spec.Name,
			SourceURL: sourceURL,
			Level:     level,
			Enabled:   true,
		}
		if err := m.repo.UpsertFeed(ctx, feed); err != nil {
			return err
		}
		m.logger.WithField("feed", spec.Name).Info("Registered threat feed")
	}
	return nil
}

// Update fetches and ingests one feed. Without force, an update inside the
// throttle window is rejected with a ThrottledError; the stored indicator
// set is untouched on any failure.
func (m *Manager) Update(ctx context.Context, feedName string, force bool) (*UpdateResult, error) {
	spec, ok := m.catalog[feedName]
	if !ok {
		return nil, fmt.Errorf("unknown feed %q", feedName)
	}

	feed, err := m.repo.GetFeed(ctx, feedName)
	if err != nil {
		return nil, err
	}

	if !force && feed.LastUpdate != nil {
		elapsed := time.Since(*feed.LastUpdate)
		if elapsed < m.cfg.UpdateThrottle {
			return nil, &ThrottledError{Feed: feedName, Remaining: m.cfg.UpdateThrottle - elapsed}
		}
	}

	if spec.Kind == FeedKindCustom {
		return m.refreshCustom(ctx, feed)
	}

	_, sourceURL := spec.URLForLevel(feed.Level)
	content, err := m.fetch(ctx, sourceURL)
	if err != nil {
		m.recordFailure(ctx, feed, err)
		m.metrics.IncFeedUpdate(feedName, "error")
		return nil, fmt.Errorf("failed to fetch %s: %w", feedName, err)
	}

	parsed := ParseIndicators(content)
	total, err := m.repo.ReplaceFeedIndicators(ctx, feedName, parsed.Domains, parsed.IPs)
	if err != nil {
		m.recordFailure(ctx, feed, err)
		m.metrics.IncFeedUpdate(feedName, "error")
		return nil, fmt.Errorf("failed to store %s indicators: %w", feedName, err)
	}

	now := time.Now().UTC()
	feed.SourceURL = sourceURL
	feed.LastUpdate = &now
	feed.LastError = ""
	feed.IndicatorCount = total
	if err := m.repo.UpsertFeed(ctx, feed); err != nil {
		return nil, err
	}

	m.cache.Invalidate()
	m.metrics.IncFeedUpdate(feedName, "ok")
	m.logger.WithFields(logrus.Fields{
		"feed":    feedName,
		"domains": len(parsed.Domains),
		"ips":     len(parsed.IPs),
	}).Info("Threat feed updated")

	return &UpdateResult{
		Feed:           feedName,
		Domains:        len(parsed.Domains),
		IPs:            len(parsed.IPs),
		IndicatorCount: total,
		LastUpdate:     now,
	}, nil
}

// refreshCustom recounts the user-managed feed; it has no remote source and
// its indicators are never replaced by an update run.
func (m *Manager) refreshCustom(ctx context.Context, feed *domain.ThreatFeed) (*UpdateResult, error) {
	total, err := m.repo.CountFeedIndicators(ctx, feed.FeedName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	feed.LastUpdate = &now
	feed.LastError = ""
	feed.IndicatorCount = total
	if err := m.repo.UpsertFeed(ctx, feed); err != nil {
		return nil, err
	}

	return &UpdateResult{Feed: feed.FeedName, IndicatorCount: total, LastUpdate: now}, nil
}

// SetLevel moves a tiered remote feed to another level. A tier change is a
// delete-then-recreate: the old indicator set is purged and the feed is
// refreshed from the new source immediately, bypassing the throttle.
func (m *Manager) SetLevel(ctx context.Context, feedName, level string) (*UpdateResult, error) {
	spec, ok := m.catalog[feedName]
	if !ok {
		return nil, fmt.Errorf("unknown feed %q", feedName)
	}
	if spec.Kind != FeedKindRemote {
		return nil, fmt.Errorf("feed %s has no levels", feedName)
	}
	if _, ok := spec.Levels[level]; !ok {
		return nil, fmt.Errorf("feed %s has no level %q (known: %v)", feedName, level, lo.Keys(spec.Levels))
	}

	feed, err := m.repo.GetFeed(ctx, feedName)
	if err != nil {
		return nil, err
	}

	if err := m.repo.DeleteFeedIndicators(ctx, feedName); err != nil {
		return nil, err
	}

	level, sourceURL := spec.URLForLevel(level)
	feed.Level = level
	feed.SourceURL = sourceURL
	feed.IndicatorCount = 0
	feed.LastUpdate = nil
	if err := m.repo.UpsertFeed(ctx, feed); err != nil {
		return nil, err
	}
	m.cache.Invalidate()

	return m.Update(ctx, feedName, true)
}

// SetEnabled toggles a feed. Indicators stay stored; a disabled feed just
// stops matching and refreshing.
func (m *Manager) SetEnabled(ctx context.Context, feedName string, enabled bool) error {
	if err := m.repo.SetFeedEnabled(ctx, feedName, enabled); err != nil {
		return err
	}
	m.cache.Invalidate()
	m.logger.WithFields(logrus.Fields{
		"feed":    feedName,
		"enabled": enabled,
	}).Info("Threat feed toggled")
	return nil
}

// AddCustomIndicator validates and appends one value to the custom feed.
func (m *Manager) AddCustomIndicator(ctx context.Context, value string) (domain.IndicatorType, error) {
	typ, normalized, err := ClassifyIndicator(value)
	if err != nil {
		return "", err
	}

	added, err := m.repo.AddIndicators(ctx, domain.CustomFeedName, typ, []string{normalized})
	if err != nil {
		return "", err
	}
	if added > 0 {
		m.cache.Invalidate()
		m.bumpCustomCount(ctx)
	}
	return typ, nil
}

// ImportCustomIndicators appends a parsed list body to the custom feed,
// the path used by the drop-in file importer.
func (m *Manager) ImportCustomIndicators(ctx context.Context, content string) (int64, error) {
	parsed := ParseIndicators(content)

	var added int64
	n, err := m.repo.AddIndicators(ctx, domain.CustomFeedName, domain.IndicatorDomain, parsed.Domains)
	if err != nil {
		return 0, err
	}
	added += n
	n, err = m.repo.AddIndicators(ctx, domain.CustomFeedName, domain.IndicatorIP, parsed.IPs)
	if err != nil {
		return added, err
	}
	added += n

	if added > 0 {
		m.cache.Invalidate()
		m.bumpCustomCount(ctx)
	}
	return added, nil
}

// RemoveCustomIndicator drops one value from the custom feed.
func (m *Manager) RemoveCustomIndicator(ctx context.Context, value string) error {
	typ, normalized, err := ClassifyIndicator(value)
	if err != nil {
		return err
	}
	if err := m.repo.RemoveIndicator(ctx, typ, normalized, domain.CustomFeedName); err != nil {
		return err
	}
	m.cache.Invalidate()
	m.bumpCustomCount(ctx)
	return nil
}

// AddWhitelist exempts a value from matching and resolves any open alerts
// for it. Returns the indicator type and how many alerts were resolved.
func (m *Manager) AddWhitelist(ctx context.Context, value, reason string) (domain.IndicatorType, int64, error) {
	typ, normalized, err := ClassifyIndicator(value)
	if err != nil {
		return "", 0, err
	}

	entry := &domain.WhitelistEntry{
		Type:      typ,
		Value:     normalized,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	resolved, err := m.repo.AddWhitelistEntry(ctx, entry)
	if err != nil {
		return "", 0, err
	}
	m.cache.Invalidate()

	m.logger.WithFields(logrus.Fields{
		"type":            typ,
		"value":           normalized,
		"alerts_resolved": resolved,
	}).Info("Whitelist entry added")
	return typ, resolved, nil
}

// RemoveWhitelist drops a whitelist entry, re-arming matching for the value.
func (m *Manager) RemoveWhitelist(ctx context.Context, value string) error {
	typ, normalized, err := ClassifyIndicator(value)
	if err != nil {
		return err
	}
	if err := m.repo.RemoveWhitelistEntry(ctx, typ, normalized); err != nil {
		return err
	}
	m.cache.Invalidate()
	return nil
}

// RefreshableFeeds lists enabled remote feeds for the scheduler.
func (m *Manager) RefreshableFeeds(ctx context.Context) ([]string, error) {
	feeds, err := m.repo.ListFeeds(ctx)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, f := range feeds {
		spec, ok := m.catalog[f.FeedName]
		if !ok || spec.Kind != FeedKindRemote || !f.Enabled {
			continue
		}
		names = append(names, f.FeedName)
	}
	return names, nil
}

func (m *Manager) bumpCustomCount(ctx context.Context) {
	feed, err := m.repo.GetFeed(ctx, domain.CustomFeedName)
	if err != nil {
		return
	}
	if _, err := m.refreshCustom(ctx, feed); err != nil {
		m.logger.WithError(err).Warn("Failed to refresh custom feed state")
	}
}

func (m *Manager) recordFailure(ctx context.Context, feed *domain.ThreatFeed, cause error) {
	feed.LastError = cause.Error()
	if err := m.repo.UpsertFeed(ctx, feed); err != nil {
		m.logger.WithError(err).WithField("feed", feed.FeedName).Error("Failed to record feed error")
	}
}

func (m *Manager) fetch(ctx context.Context, sourceURL string) (string, error) {
	var body string
	cfg := &retry.Config{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     15 * time.Second,
		Strategy:        retry.StrategyExponential,
		Timeout:         3 * m.cfg.FetchTimeout,
		Logger:          m.logger,
	}

	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
		if err != nil {
			return retry.NewNonRetryableError(err)
		}

		resp, err := m.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("unexpected status %d", resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return retry.NewNonRetryableError(err)
			}
			return err
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = string(data)
		return nil
	})
	return body, err
}
