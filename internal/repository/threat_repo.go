package repository

import (
	"context"
	"errors"
	"time"

	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ThreatRepository owns feeds, indicators, alerts, the whitelist and the
// scan configuration singleton.
type ThreatRepository interface {
	// UpsertFeed creates or updates a feed's stored state by name.
	UpsertFeed(ctx context.Context, feed *domain.ThreatFeed) error
	GetFeed(ctx context.Context, name string) (*domain.ThreatFeed, error)
	ListFeeds(ctx context.Context) ([]*domain.ThreatFeed, error)
	// SetFeedEnabled toggles a feed without touching its indicators.
	SetFeedEnabled(ctx context.Context, name string, enabled bool) error

	// ReplaceFeedIndicators atomically swaps a feed's indicator set. The old
	// set is only deleted once the new one is staged in the same transaction,
	// so a failed ingestion never erases known-good indicators.
	ReplaceFeedIndicators(ctx context.Context, feedName string, domains, ips []string) (int64, error)
	// AddIndicators merges values into a feed (insert-or-ignore), the
	// append-only path used by the custom feed.
	AddIndicators(ctx context.Context, feedName string, typ domain.IndicatorType, values []string) (int64, error)
	RemoveIndicator(ctx context.Context, typ domain.IndicatorType, value, feedName string) error
	DeleteFeedIndicators(ctx context.Context, feedName string) error
	CountFeedIndicators(ctx context.Context, feedName string) (int64, error)
	// ActiveIndicators returns all indicators belonging to enabled feeds.
	ActiveIndicators(ctx context.Context) ([]*domain.ThreatIndicator, error)

	// CreateAlertIfAbsent inserts an alert unless an unresolved one already
	// exists for the same (indicator value, source_ip, feed_name). Returns
	// true when a row was created.
	CreateAlertIfAbsent(ctx context.Context, alert *domain.ThreatAlert) (bool, error)
	ListAlerts(ctx context.Context, resolved *bool, since *time.Time, limit int) ([]*domain.ThreatAlert, error)
	// ResolveAlerts marks the given alerts resolved, returning how many
	// actually changed state.
	ResolveAlerts(ctx context.Context, ids []int64) (int64, error)
	// ResolveAlertsForIndicator resolves every open alert for one indicator
	// value, the whitelist-add side effect.
	ResolveAlertsForIndicator(ctx context.Context, typ domain.IndicatorType, value string) (int64, error)

	// AddWhitelistEntry stores the entry (no-op when present) and resolves
	// open alerts for the value; returns the number of alerts resolved.
	AddWhitelistEntry(ctx context.Context, entry *domain.WhitelistEntry) (int64, error)
	RemoveWhitelistEntry(ctx context.Context, typ domain.IndicatorType, value string) error
	ListWhitelist(ctx context.Context) ([]*domain.WhitelistEntry, error)

	// GetConfig returns the singleton scan configuration, creating the
	// default row on first use.
	GetConfig(ctx context.Context) (*domain.ThreatConfig, error)
	SetLookbackDays(ctx context.Context, days int) error
}

type threatRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewThreatRepository creates the gorm-backed threat store.
func NewThreatRepository(db *gorm.DB, logger *logrus.Logger) ThreatRepository {
	return &threatRepo{db: db, logger: logger}
}

func (r *threatRepo) UpsertFeed(ctx context.Context, feed *domain.ThreatFeed) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "feed_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source_url", "level", "enabled", "indicator_count", "last_update", "last_error",
		}),
	}).Create(feed).Error
}

func (r *threatRepo) GetFeed(ctx context.Context, name string) (*domain.ThreatFeed, error) {
	var feed domain.ThreatFeed
	err := r.db.WithContext(ctx).Where("feed_name = ?", name).First(&feed).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &feed, nil
}

func (r *threatRepo) ListFeeds(ctx context.Context) ([]*domain.ThreatFeed, error) {
	var feeds []*domain.ThreatFeed
	err := r.db.WithContext(ctx).Order("feed_name ASC").Find(&feeds).Error
	return feeds, err
}

func (r *threatRepo) SetFeedEnabled(ctx context.Context, name string, enabled bool) error {
	res := r.db.WithContext(ctx).Model(&domain.ThreatFeed{}).
		Where("feed_name = ?", name).
		Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *threatRepo) ReplaceFeedIndicators(ctx context.Context, feedName string, domains, ips []string) (int64, error) {
	now := time.Now().UTC()
	var total int64

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("feed_name = ?", feedName).Delete(&domain.ThreatIndicator{}).Error; err != nil {
			return err
		}

		batch := make([]*domain.ThreatIndicator, 0, len(domains)+len(ips))
		for _, d := range domains {
			batch = append(batch, &domain.ThreatIndicator{
				Type: domain.IndicatorDomain, Value: d, FeedName: feedName, FirstSeen: now,
			})
		}
		for _, ip := range ips {
			batch = append(batch, &domain.ThreatIndicator{
				Type: domain.IndicatorIP, Value: ip, FeedName: feedName, FirstSeen: now,
			})
		}
		if len(batch) == 0 {
			return nil
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(batch, 500).Error; err != nil {
			return err
		}
		return tx.Model(&domain.ThreatIndicator{}).
			Where("feed_name = ?", feedName).
			Count(&total).Error
	})
	return total, err
}

func (r *threatRepo) AddIndicators(ctx context.Context, feedName string, typ domain.IndicatorType, values []string) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	batch := make([]*domain.ThreatIndicator, 0, len(values))
	for _, v := range values {
		batch = append(batch, &domain.ThreatIndicator{
			Type: typ, Value: v, FeedName: feedName, FirstSeen: now,
		})
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(batch, 500)
	return res.RowsAffected, res.Error
}

func (r *threatRepo) RemoveIndicator(ctx context.Context, typ domain.IndicatorType, value, feedName string) error {
	res := r.db.WithContext(ctx).
		Where("type = ? AND value = ? AND feed_name = ?", typ, value, feedName).
		Delete(&domain.ThreatIndicator{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *threatRepo) DeleteFeedIndicators(ctx context.Context, feedName string) error {
	return r.db.WithContext(ctx).
		Where("feed_name = ?", feedName).
		Delete(&domain.ThreatIndicator{}).Error
}

func (r *threatRepo) CountFeedIndicators(ctx context.Context, feedName string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.ThreatIndicator{}).
		Where("feed_name = ?", feedName).
		Count(&count).Error
	return count, err
}

func (r *threatRepo) ActiveIndicators(ctx context.Context) ([]*domain.ThreatIndicator, error) {
	var indicators []*domain.ThreatIndicator
	err := r.db.WithContext(ctx).
		Where("feed_name IN (?)", r.db.Model(&domain.ThreatFeed{}).
			Select("feed_name").
			Where("enabled = ?", true)).
		Find(&indicators).Error
	return indicators, err
}

func (r *threatRepo) CreateAlertIfAbsent(ctx context.Context, alert *domain.ThreatAlert) (bool, error) {
	if alert.IndicatorValue == "" {
		if alert.IndicatorType == domain.IndicatorIP {
			alert.IndicatorValue = alert.IP
		} else {
			alert.IndicatorValue = alert.Domain
		}
	}

	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Dedup keys on the indicator value, not the observed domain, so
		// subdomain hits on one indicator share a single open alert.
		q := tx.Model(&domain.ThreatAlert{}).
			Where("indicator_value = ? AND feed_name = ? AND source_ip = ? AND resolved = ?",
				alert.IndicatorValue, alert.FeedName, alert.SourceIP, false)

		var open int64
		if err := q.Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			// Duplicate suppressed, a no-op rather than an error.
			return nil
		}

		if alert.CreatedAt.IsZero() {
			alert.CreatedAt = time.Now().UTC()
		}
		if err := tx.Create(alert).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (r *threatRepo) ListAlerts(ctx context.Context, resolved *bool, since *time.Time, limit int) ([]*domain.ThreatAlert, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).Model(&domain.ThreatAlert{})
	if resolved != nil {
		q = q.Where("resolved = ?", *resolved)
	}
	if since != nil {
		q = q.Where("created_at >= ?", *since)
	}

	var alerts []*domain.ThreatAlert
	err := q.Order("created_at DESC").Limit(limit).Find(&alerts).Error
	return alerts, err
}

func (r *threatRepo) ResolveAlerts(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.ThreatAlert{}).
		Where("id IN ? AND resolved = ?", ids, false).
		Updates(map[string]interface{}{"resolved": true, "resolved_at": now})
	return res.RowsAffected, res.Error
}

func (r *threatRepo) ResolveAlertsForIndicator(ctx context.Context, typ domain.IndicatorType, value string) (int64, error) {
	now := time.Now().UTC()
	if typ != domain.IndicatorIP {
		value = domain.NormalizeDomain(value)
	}
	res := r.db.WithContext(ctx).Model(&domain.ThreatAlert{}).
		Where("resolved = ? AND indicator_value = ?", false, value).
		Updates(map[string]interface{}{"resolved": true, "resolved_at": now})
	return res.RowsAffected, res.Error
}

func (r *threatRepo) AddWhitelistEntry(ctx context.Context, entry *domain.WhitelistEntry) (int64, error) {
	if entry.Type == domain.IndicatorDomain {
		entry.Value = domain.NormalizeDomain(entry.Value)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry).Error
	if err != nil {
		return 0, err
	}

	resolved, err := r.ResolveAlertsForIndicator(ctx, entry.Type, entry.Value)
	if err != nil {
		return 0, err
	}

	if resolved > 0 {
		r.logger.WithFields(logrus.Fields{
			"value":    entry.Value,
			"resolved": resolved,
		}).Info("Whitelist entry auto-resolved open alerts")
	}
	return resolved, nil
}

func (r *threatRepo) RemoveWhitelistEntry(ctx context.Context, typ domain.IndicatorType, value string) error {
	if typ == domain.IndicatorDomain {
		value = domain.NormalizeDomain(value)
	}
	res := r.db.WithContext(ctx).
		Where("type = ? AND value = ?", typ, value).
		Delete(&domain.WhitelistEntry{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *threatRepo) ListWhitelist(ctx context.Context) ([]*domain.WhitelistEntry, error) {
	var entries []*domain.WhitelistEntry
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&entries).Error
	return entries, err
}

func (r *threatRepo) GetConfig(ctx context.Context) (*domain.ThreatConfig, error) {
	cfg := &domain.ThreatConfig{ID: 1, LookbackDays: 7}
	err := r.db.WithContext(ctx).
		Where(domain.ThreatConfig{ID: 1}).
		FirstOrCreate(cfg).Error
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (r *threatRepo) SetLookbackDays(ctx context.Context, days int) error {
	if _, err := r.GetConfig(ctx); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&domain.ThreatConfig{}).
		Where("id = ?", 1).
		Update("lookback_days", days).Error
}
