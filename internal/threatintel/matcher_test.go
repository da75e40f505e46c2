package threatintel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/netsentry/netsentry-go/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type matcherFixture struct {
	dnsRepo    repository.DNSRepository
	threatRepo repository.ThreatRepository
	matcher    *Matcher
}

func setupMatcher(t *testing.T) *matcherFixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	tables := []interface{}{
		&domain.DNSRecord{},
		&domain.DNSRecordAddress{},
		&domain.DNSEvent{},
		&domain.ThreatIndicator{},
		&domain.ThreatFeed{},
		&domain.ThreatAlert{},
		&domain.WhitelistEntry{},
		&domain.ThreatConfig{},
	}
	for _, table := range tables {
		err = db.AutoMigrate(table)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			require.NoError(t, err)
		}
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	dnsRepo := repository.NewDNSRepository(db, logger)
	threatRepo := repository.NewThreatRepository(db, logger)
	matcher := NewMatcher(dnsRepo, threatRepo, newIndicatorCache(), nil, logger)

	return &matcherFixture{
		dnsRepo:    dnsRepo,
		threatRepo: threatRepo,
		matcher:    matcher,
	}
}

func (f *matcherFixture) seedIndicators(t *testing.T, domains, ips []string) {
	ctx := context.Background()
	require.NoError(t, f.threatRepo.UpsertFeed(ctx, &domain.ThreatFeed{
		FeedName:  "URLhaus",
		SourceURL: "https://urlhaus.abuse.ch/downloads/text",
		Enabled:   true,
	}))
	_, err := f.threatRepo.ReplaceFeedIndicators(ctx, "URLhaus", domains, ips)
	require.NoError(t, err)
}

func (f *matcherFixture) openAlerts(t *testing.T) []*domain.ThreatAlert {
	unresolved := false
	alerts, err := f.threatRepo.ListAlerts(context.Background(), &unresolved, nil, 0)
	require.NoError(t, err)
	return alerts
}

func TestMatcher_HandleResponse_DomainMatch(t *testing.T) {
	f := setupMatcher(t)
	f.seedIndicators(t, []string{"evil.example.com"}, nil)
	ctx := context.Background()

	f.matcher.HandleResponse(ctx, "evil.example.com", []string{"203.0.113.7"}, "192.168.1.10", "A")

	alerts := f.openAlerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.IndicatorDomain, alerts[0].IndicatorType)
	assert.Equal(t, "evil.example.com", alerts[0].Domain)
	assert.Equal(t, "192.168.1.10", alerts[0].SourceIP)
	assert.Equal(t, "URLhaus", alerts[0].FeedName)

	// The same client hitting the same indicator again stays one open alert.
	f.matcher.HandleResponse(ctx, "evil.example.com", nil, "192.168.1.10", "A")
	assert.Len(t, f.openAlerts(t), 1)

	// A different client is a separate alert.
	f.matcher.HandleResponse(ctx, "evil.example.com", nil, "192.168.1.11", "A")
	assert.Len(t, f.openAlerts(t), 2)
}

func TestMatcher_HandleResponse_SubdomainMatch(t *testing.T) {
	f := setupMatcher(t)
	f.seedIndicators(t, []string{"evil.example.com"}, nil)
	ctx := context.Background()

	f.matcher.HandleResponse(ctx, "cdn.assets.evil.example.com", nil, "192.168.1.10", "A")

	alerts := f.openAlerts(t)
	require.Len(t, alerts, 1, "an indicator matches any of its subdomains")
	assert.Equal(t, "cdn.assets.evil.example.com", alerts[0].Domain,
		"the alert names the observed domain, not the indicator")

	// The reverse does not hold: a sibling domain must not match.
	f.matcher.HandleResponse(ctx, "example.com", nil, "192.168.1.10", "A")
	assert.Len(t, f.openAlerts(t), 1)
}

func TestMatcher_HandleResponse_SubdomainsShareOneAlert(t *testing.T) {
	f := setupMatcher(t)
	f.seedIndicators(t, []string{"evil.example.com"}, nil)
	ctx := context.Background()

	// Two different subdomains of one indicator from the same client keep a
	// single open alert for that indicator.
	f.matcher.HandleResponse(ctx, "a.evil.example.com", nil, "192.168.1.10", "A")
	f.matcher.HandleResponse(ctx, "b.evil.example.com", nil, "192.168.1.10", "A")

	alerts := f.openAlerts(t)
	require.Len(t, alerts, 1, "dedup keys on the indicator value, not the observed domain")
	assert.Equal(t, "evil.example.com", alerts[0].IndicatorValue)
	assert.Equal(t, "a.evil.example.com", alerts[0].Domain)

	// A different client still gets its own alert.
	f.matcher.HandleResponse(ctx, "b.evil.example.com", nil, "192.168.1.11", "A")
	assert.Len(t, f.openAlerts(t), 2)
}

func TestMatcher_HandleResponse_IPMatch(t *testing.T) {
	f := setupMatcher(t)
	f.seedIndicators(t, nil, []string{"203.0.113.66"})
	ctx := context.Background()

	f.matcher.HandleResponse(ctx, "innocent.example.com",
		[]string{"CNAME:edge.example.com", "203.0.113.66"}, "192.168.1.10", "A")

	alerts := f.openAlerts(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.IndicatorIP, alerts[0].IndicatorType)
	assert.Equal(t, "203.0.113.66", alerts[0].IP)
	assert.Equal(t, "innocent.example.com", alerts[0].Domain,
		"the alert keeps the domain that resolved to the bad IP")
}

func TestMatcher_HandleResponse_WhitelistSuppresses(t *testing.T) {
	f := setupMatcher(t)
	f.seedIndicators(t, []string{"benign.example.com"}, nil)
	ctx := context.Background()

	_, err := f.threatRepo.AddWhitelistEntry(ctx, &domain.WhitelistEntry{
		Type:  domain.IndicatorDomain,
		Value: "benign.example.com",
	})
	require.NoError(t, err)

	f.matcher.HandleResponse(ctx, "benign.example.com", nil, "192.168.1.10", "A")
	assert.Empty(t, f.openAlerts(t))
}

func TestMatcher_HandleResponse_DisabledFeedDoesNotMatch(t *testing.T) {
	f := setupMatcher(t)
	f.seedIndicators(t, []string{"evil.example.com"}, nil)
	ctx := context.Background()

	require.NoError(t, f.threatRepo.SetFeedEnabled(ctx, "URLhaus", false))
	f.matcher.cache.Invalidate()

	f.matcher.HandleResponse(ctx, "evil.example.com", nil, "192.168.1.10", "A")
	assert.Empty(t, f.openAlerts(t))
}

func TestMatcher_Scan(t *testing.T) {
	f := setupMatcher(t)
	ctx := context.Background()

	// Events recorded before any indicator was known.
	now := time.Now().UTC()
	events := []*repository.DNSObservation{
		{
			EventType: domain.DNSEventResponse, Domain: "evil.example.com", QueryType: "A",
			SourceIP: "8.8.8.8", DestinationIP: "192.168.1.10",
			ResolvedData: []string{"203.0.113.7"}, Timestamp: now.Add(-time.Hour),
		},
		{
			EventType: domain.DNSEventQuery, Domain: "harmless.example.org", QueryType: "A",
			SourceIP: "192.168.1.11", DestinationIP: "8.8.8.8", Timestamp: now.Add(-time.Hour),
		},
		{
			EventType: domain.DNSEventResponse, Domain: "cdn.example.net", QueryType: "A",
			SourceIP: "8.8.8.8", DestinationIP: "192.168.1.12",
			ResolvedData: []string{"203.0.113.66"}, Timestamp: now.Add(-2 * time.Hour),
		},
	}
	for _, ev := range events {
		require.NoError(t, f.dnsRepo.InsertEvent(ctx, ev))
	}

	// Indicators arrive later; the scan finds the historical hits.
	f.seedIndicators(t, []string{"evil.example.com"}, []string{"203.0.113.66"})

	result, err := f.matcher.Scan(ctx, 7)
	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, int64(3), result.EventsScanned)
	assert.Equal(t, int64(2), result.AlertsCreated)

	alerts := f.openAlerts(t)
	require.Len(t, alerts, 2)

	byType := map[domain.IndicatorType]*domain.ThreatAlert{}
	for _, a := range alerts {
		byType[a.IndicatorType] = a
	}
	require.Contains(t, byType, domain.IndicatorDomain)
	require.Contains(t, byType, domain.IndicatorIP)
	assert.Equal(t, "192.168.1.10", byType[domain.IndicatorDomain].SourceIP,
		"for response events the client is the packet destination")
	assert.Equal(t, "192.168.1.12", byType[domain.IndicatorIP].SourceIP)

	// A second scan over the same window creates nothing new.
	result, err = f.matcher.Scan(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.AlertsCreated)
	assert.Len(t, f.openAlerts(t), 2)
}

func TestMatcher_Scan_RespectsLookbackWindow(t *testing.T) {
	f := setupMatcher(t)
	ctx := context.Background()

	require.NoError(t, f.dnsRepo.InsertEvent(ctx, &repository.DNSObservation{
		EventType: domain.DNSEventResponse, Domain: "evil.example.com", QueryType: "A",
		SourceIP: "8.8.8.8", DestinationIP: "192.168.1.10",
		Timestamp: time.Now().UTC().AddDate(0, 0, -30),
	}))

	f.seedIndicators(t, []string{"evil.example.com"}, nil)

	result, err := f.matcher.Scan(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.EventsScanned, "events outside the window are not rechecked")
	assert.Empty(t, f.openAlerts(t))
}

func TestMatcher_Scan_UsesStoredLookback(t *testing.T) {
	f := setupMatcher(t)
	ctx := context.Background()

	require.NoError(t, f.threatRepo.SetLookbackDays(ctx, 14))

	result, err := f.matcher.Scan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 14, result.LookbackDays)
}
