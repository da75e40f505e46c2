package repository

import (
	"context"
	"testing"
	"time"

	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreatRepository_ReplaceFeedIndicators(t *testing.T) {
	db := setupTestDB(t)
	repo := NewThreatRepository(db, testLogger())
	ctx := context.Background()

	total, err := repo.ReplaceFeedIndicators(ctx, "URLhaus",
		[]string{"evil.example.com", "bad.example.net"},
		[]string{"203.0.113.66"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	// A replace drops the old set entirely.
	total, err = repo.ReplaceFeedIndicators(ctx, "URLhaus",
		[]string{"other.example.org"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	count, err := repo.CountFeedIndicators(ctx, "URLhaus")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestThreatRepository_ReplaceFeedIndicators_DoesNotTouchOtherFeeds(t *testing.T) {
	db := setupTestDB(t)
	repo := NewThreatRepository(db, testLogger())
	ctx := context.Background()

	_, err := repo.AddIndicators(ctx, domain.CustomFeedName, domain.IndicatorDomain,
		[]string{"mine.example.com"})
	require.NoError(t, err)

	_, err = repo.ReplaceFeedIndicators(ctx, "URLhaus", []string{"evil.example.com"}, nil)
	require.NoError(t, err)

	count, err := repo.CountFeedIndicators(ctx, domain.CustomFeedName)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestThreatRepository_AddIndicators_IgnoresDuplicates(t *testing.T) {
	db := setupTestDB(t)
	repo := NewThreatRepository(db, testLogger())
	ctx := context.Background()

	added, err := repo.AddIndicators(ctx, domain.CustomFeedName, domain.IndicatorDomain,
		[]string{"evil.example.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), added)

	added, err = repo.AddIndicators(ctx, domain.CustomFeedName, domain.IndicatorDomain,
		[]string{"evil.example.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), added, "re-adding the same value is a no-op")
}

func TestThreatRepository_ActiveIndicators_SkipsDisabledFeeds(t *testing.T) {
	db := setupTestDB(t)
	repo := NewThreatRepository(db, testLogger())
	ctx := context.Background()

	for _, name := range []string{"URLhaus", "PhishingArmy"} {
		require.NoError(t, repo.UpsertFeed(ctx, &domain.ThreatFeed{
			FeedName: name, SourceURL: "https://example.com/" + name, Enabled: true,
		}))
	}
	_, err := repo.ReplaceFeedIndicators(ctx, "URLhaus", []string{"a.example.com"}, nil)
	require.NoError(t, err)
	_, err = repo.ReplaceFeedIndicators(ctx, "PhishingArmy", []string{"b.example.com"}, nil)
	require.NoError(t, err)

	require.NoError(t, repo.SetFeedEnabled(ctx, "PhishingArmy", false))

	active, err := repo.ActiveIndicators(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a.example.com", active[0].Value)
}

func TestThreatRepository_SetFeedEnabled_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewThreatRepository(db, testLogger())

	err := repo.SetFeedEnabled(context.Background(), "NoSuchFeed", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestThreatRepository_CreateAlertIfAbsent_Deduplicates(t *testing.T) {
	db := setupTestDB(t)
	repo := NewThreatRepository(db, testLogger())
	ctx := context.Background()

	alert := func() *domain.ThreatAlert {
		return &domain.ThreatAlert{
			IndicatorType: domain.IndicatorDomain,
			Domain:        "evil.example.com",
			SourceIP:      "192.168.1.10",
			FeedName:      "URLhaus",
			QueryType:     "A",
		}
	}

	created, err := repo.CreateAlertIfAbsent(ctx, alert())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateAlertIfAbsent(ctx, alert())
	require.NoError(t, err)
	assert.False(t, created, "an open alert suppresses duplicates")

	// Same value from a different client is a separate alert.
	other := alert()
	other.SourceIP = "192.168.1.11"
	created, err = repo.CreateAlertIfAbsent(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)

	// Resolving the first alert re-arms its (value, source) pair.
	unresolved := false
	alerts, err := repo.ListAlerts(ctx, &unresolved, nil, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	n, err := repo.ResolveAlerts(ctx, []int64{alerts[0].ID, alerts[1].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	created, err = repo.CreateAlertIfAbsent(ctx, alert())
	require.NoError(t, err)
	assert.True(t, created)
}

func TestThreatRepository_CreateAlertIfAbsent_KeysOnIndicatorValue(t *testing.T) {
	db := setupTestDB(t)
	repo := NewThreatRepository(db, testLogger())
	ctx := context.Background()

	alert := func(observed string) *domain.ThreatAlert {
		return &domain.ThreatAlert{
			IndicatorType:  domain.IndicatorDomain,
			IndicatorValue: "evil.example.com",
			Domain:         observed,
			SourceIP:       "192.168.1.10",
			FeedName:       "URLhaus",
		}
	}

	created, err := repo.CreateAlertIfAbsent(ctx, alert("a.evil.example.com"))
	require.NoError(t, err)
	assert.True(t, created)

	// A different observed subdomain of the same indicator is a duplicate.
	created, err = repo.CreateAlertIfAbsent(ctx, alert("b.evil.example.com"))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestThreatRepository_AddWhitelistEntry_ResolvesOpenAlerts(t *testing.T) {
	db := setupTestDB(t)
	repo := NewThreatRepository(db, testLogger())
	ctx := context.Background()

	for _, src := range []string{"192.168.1.10", "192.168.1.11"} {
		created, err := repo.CreateAlertIfAbsent(ctx, &domain.ThreatAlert{
			IndicatorType: domain.IndicatorDomain,
			Domain:        "benign.example.com",
			SourceIP:      src,
			FeedName:      "URLhaus",
		})
		require.NoError(t, err)
		require.True(t, created)
	}

	resolved, err := repo.AddWhitelistEntry(ctx, &domain.WhitelistEntry{
		Type:  domain.IndicatorDomain,
		Value: "Benign.Example.COM",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resolved, "whitelisting resolves all open alerts for the value")

	unresolved := false
	open, err := repo.ListAlerts(ctx, &unresolved, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, open)

	entries, err := repo.ListWhitelist(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "benign.example.com", entries[0].Value, "whitelist values are normalized")
}

func TestThreatRepository_GetConfig_CreatesSingleton(t *testing.T) {
	db := setupTestDB(t)
	repo := NewThreatRepository(db, testLogger())
	ctx := context.Background()

	cfg, err := repo.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.LookbackDays)

	require.NoError(t, repo.SetLookbackDays(ctx, 14))

	cfg, err = repo.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 14, cfg.LookbackDays)

	var count int64
	require.NoError(t, db.Model(&domain.ThreatConfig{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestThreatRepository_UpsertFeed_UpdatesInPlace(t *testing.T) {
	db := setupTestDB(t)
	repo := NewThreatRepository(db, testLogger())
	ctx := context.Background()

	feed := &domain.ThreatFeed{
		FeedName:  "URLhaus",
		SourceURL: "https://urlhaus.abuse.ch/downloads/text",
		Enabled:   true,
	}
	require.NoError(t, repo.UpsertFeed(ctx, feed))

	now := time.Now().UTC()
	feed.LastUpdate = &now
	feed.IndicatorCount = 42
	require.NoError(t, repo.UpsertFeed(ctx, feed))

	stored, err := repo.GetFeed(ctx, "URLhaus")
	require.NoError(t, err)
	assert.Equal(t, int64(42), stored.IndicatorCount)
	require.NotNil(t, stored.LastUpdate)

	feeds, err := repo.ListFeeds(ctx)
	require.NoError(t, err)
	assert.Len(t, feeds, 1)
}
