package domain

import "time"

// IndicatorType classifies a threat indicator value.
type IndicatorType string

const (
	IndicatorDomain IndicatorType = "domain"
	IndicatorIP     IndicatorType = "ip"
)

// CustomFeedName is the reserved name of the user-managed feed. It has no
// remote source; its indicators are appended manually and never replaced
// wholesale by an update run.
const CustomFeedName = "Custom"

// ThreatIndicator is one domain or IP sourced from a feed. Unique per
// (type, value, feed); the same value may legitimately appear in several feeds.
type ThreatIndicator struct {
	ID        int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      IndicatorType `gorm:"type:varchar(10);not null;uniqueIndex:idx_indicator;index:idx_indicator_type" json:"type"`
	Value     string        `gorm:"type:varchar(255);not null;uniqueIndex:idx_indicator;index:idx_indicator_value" json:"value"`
	FeedName  string        `gorm:"type:varchar(64);not null;uniqueIndex:idx_indicator;index:idx_indicator_feed" json:"feed_name"`
	FirstSeen time.Time     `gorm:"not null" json:"first_seen"`
}

func (ThreatIndicator) TableName() string {
	return "threat_indicators"
}

// ThreatFeed holds per-feed state maintained by ingestion runs and user
// toggles. SourceURL is "custom" for the user-managed feed.
type ThreatFeed struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	FeedName       string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"feed_name"`
	SourceURL      string     `gorm:"type:varchar(512);not null" json:"source_url"`
	Level          string     `gorm:"type:varchar(32)" json:"level,omitempty"`
	Enabled        bool       `gorm:"not null;default:true" json:"enabled"`
	IndicatorCount int64      `gorm:"not null;default:0" json:"indicator_count"`
	LastUpdate     *time.Time `json:"last_update,omitempty"`
	LastError      string     `gorm:"type:text" json:"last_error,omitempty"`
}

func (ThreatFeed) TableName() string {
	return "threat_feeds"
}

// ThreatAlert records one indicator match. At most one unresolved alert may
// exist per (indicator value, source_ip, feed_name); repeated matches against
// an open alert are suppressed. A subdomain hit stores the matched indicator
// in IndicatorValue and the observed domain in Domain, so two subdomains of
// one indicator still collapse into a single open alert.
type ThreatAlert struct {
	ID             int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	IndicatorType  IndicatorType `gorm:"type:varchar(10);not null" json:"indicator_type"`
	IndicatorValue string        `gorm:"type:varchar(255);not null;index:idx_alert_value" json:"indicator_value"`
	Domain         string        `gorm:"type:varchar(255);index:idx_alert_domain" json:"domain,omitempty"`
	IP             string        `gorm:"type:varchar(45);index:idx_alert_ip" json:"ip,omitempty"`
	SourceIP       string        `gorm:"type:varchar(45);not null;index:idx_alert_src" json:"source_ip"`
	FeedName       string        `gorm:"type:varchar(64);not null;index:idx_alert_feed" json:"feed_name"`
	QueryType      string        `gorm:"type:varchar(16)" json:"query_type,omitempty"`
	CreatedAt      time.Time     `gorm:"not null;index:idx_alert_created" json:"created_at"`
	Resolved       bool          `gorm:"not null;default:false;index:idx_alert_resolved" json:"resolved"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
}

func (ThreatAlert) TableName() string {
	return "threat_alerts"
}

// Value returns the matched indicator value regardless of type. Rows written
// before IndicatorValue existed fall back to the observed domain or IP.
func (a *ThreatAlert) Value() string {
	if a.IndicatorValue != "" {
		return a.IndicatorValue
	}
	if a.IndicatorType == IndicatorIP {
		return a.IP
	}
	return a.Domain
}

// WhitelistEntry suppresses matching for one indicator value on both live and
// historical paths. Adding an entry resolves every open alert for that value.
type WhitelistEntry struct {
	ID        int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      IndicatorType `gorm:"type:varchar(10);not null;uniqueIndex:idx_whitelist" json:"type"`
	Value     string        `gorm:"type:varchar(255);not null;uniqueIndex:idx_whitelist" json:"value"`
	Reason    string        `gorm:"type:varchar(512)" json:"reason,omitempty"`
	CreatedAt time.Time     `gorm:"not null" json:"created_at"`
}

func (WhitelistEntry) TableName() string {
	return "threat_whitelist"
}

// ThreatConfig is a singleton row holding the daily historical-scan window.
type ThreatConfig struct {
	ID           int64 `gorm:"primaryKey" json:"id"`
	LookbackDays int   `gorm:"not null;default:7" json:"lookback_days"`
}

func (ThreatConfig) TableName() string {
	return "threat_config"
}

// ScanResult reports one historical scan run for operator visibility.
type ScanResult struct {
	RunID         string        `json:"run_id"`
	LookbackDays  int           `json:"lookback_days"`
	EventsScanned int64         `json:"events_scanned"`
	DomainsChecked int64        `json:"domains_checked"`
	IPsChecked    int64         `json:"ips_checked"`
	AlertsCreated int64         `json:"alerts_created"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}
