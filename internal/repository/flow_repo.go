package repository

import (
	"context"
	"time"

	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FlowRepository persists traffic-flow aggregates and serves the
// traffic/orphaned-IP read surface.
type FlowRepository interface {
	// UpsertFlows adds a batch of in-memory aggregates to the stored totals.
	// Increments are additive; stored counters never decrease.
	UpsertFlows(ctx context.Context, flows []*domain.TrafficFlow) error
	// FlowsByDomain returns the flows attributed to a domain in a window.
	FlowsByDomain(ctx context.Context, dom string, start, end *time.Time) ([]*domain.TrafficFlow, error)
	// TopDomains returns per-domain traffic aggregates ordered by volume.
	TopDomains(ctx context.Context, limit int, start, end *time.Time) ([]*domain.DomainTraffic, error)
	// OrphanedIPs reports destination IPs with traffic but no DNS resolution
	// inside the lookback window, highest volume first.
	OrphanedIPs(ctx context.Context, days int, start, end *time.Time) ([]*domain.OrphanedIP, error)
}

type flowRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewFlowRepository creates the gorm-backed flow store.
func NewFlowRepository(db *gorm.DB, logger *logrus.Logger) FlowRepository {
	return &flowRepo{db: db, logger: logger}
}

func (r *flowRepo) UpsertFlows(ctx context.Context, flows []*domain.TrafficFlow) error {
	if len(flows) == 0 {
		return nil
	}

	r.logger.WithField("count", len(flows)).Debug("Flushing flow aggregates to database")

	for _, f := range flows {
		err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "client_ip"}, {Name: "server_ip"},
				{Name: "server_port"}, {Name: "protocol"},
			},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"bytes_sent":     gorm.Expr("bytes_sent + ?", f.BytesSent),
				"bytes_received": gorm.Expr("bytes_received + ?", f.BytesReceived),
				"packet_count":   gorm.Expr("packet_count + ?", f.PacketCount),
				"last_seen":      f.LastSeen,
				// Keep an existing attribution; only fill it when absent.
				"domain": gorm.Expr("CASE WHEN domain IS NULL OR domain = '' THEN ? ELSE domain END", f.Domain),
			}),
		}).Create(f).Error
		if err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"client_ip": f.ClientIP,
				"server_ip": f.ServerIP,
			}).Error("Failed to upsert traffic flow")
			return err
		}
	}
	return nil
}

func (r *flowRepo) FlowsByDomain(ctx context.Context, dom string, start, end *time.Time) ([]*domain.TrafficFlow, error) {
	q := r.db.WithContext(ctx).Where("domain = ?", domain.NormalizeDomain(dom))
	if start != nil {
		q = q.Where("last_seen >= ?", *start)
	}
	if end != nil {
		q = q.Where("last_seen <= ?", *end)
	}

	var flows []*domain.TrafficFlow
	err := q.Order("last_seen DESC").Find(&flows).Error
	return flows, err
}

// MIN/MAX strip the timestamp decltype, so the sqlite driver hands the
// aggregated columns back as strings. Scan them raw and parse.
type domainTrafficRow struct {
	Domain        string
	FlowCount     int64
	BytesSent     uint64
	BytesReceived uint64
	TotalBytes    uint64
	TotalPackets  uint64
	LastSeen      string
}

type orphanedIPRow struct {
	DestinationIP      string
	TotalBytesSent     uint64
	TotalBytesReceived uint64
	TotalBytes         uint64
	TotalPackets       uint64
	ConnectionCount    int64
	FirstSeen          string
	LastSeen           string
}

// sqlite storage format first, then the RFC3339 form mysql timestamps take
// after the database/sql string conversion.
var aggTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func parseAggTime(s string) time.Time {
	for _, layout := range aggTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func (r *flowRepo) TopDomains(ctx context.Context, limit int, start, end *time.Time) ([]*domain.DomainTraffic, error) {
	if limit <= 0 {
		limit = 10
	}

	q := r.db.WithContext(ctx).Model(&domain.TrafficFlow{}).
		Select(`COALESCE(NULLIF(domain, ''), server_ip) AS domain,
			COUNT(*) AS flow_count,
			SUM(bytes_sent) AS bytes_sent,
			SUM(bytes_received) AS bytes_received,
			SUM(bytes_sent + bytes_received) AS total_bytes,
			SUM(packet_count) AS total_packets,
			MAX(last_seen) AS last_seen`)
	if start != nil {
		q = q.Where("last_seen >= ?", *start)
	}
	if end != nil {
		q = q.Where("last_seen <= ?", *end)
	}

	var raw []*domainTrafficRow
	err := q.Group("COALESCE(NULLIF(domain, ''), server_ip)").
		Order("total_bytes DESC").
		Limit(limit).
		Scan(&raw).Error
	if err != nil {
		return nil, err
	}

	rows := make([]*domain.DomainTraffic, 0, len(raw))
	for _, row := range raw {
		rows = append(rows, &domain.DomainTraffic{
			Domain:        row.Domain,
			FlowCount:     row.FlowCount,
			BytesSent:     row.BytesSent,
			BytesReceived: row.BytesReceived,
			TotalBytes:    row.TotalBytes,
			TotalPackets:  row.TotalPackets,
			LastSeen:      parseAggTime(row.LastSeen),
		})
	}
	return rows, nil
}

func (r *flowRepo) OrphanedIPs(ctx context.Context, days int, start, end *time.Time) ([]*domain.OrphanedIP, error) {
	if days <= 0 {
		days = 7
	}

	now := time.Now().UTC()
	windowStart := now.AddDate(0, 0, -days)
	windowEnd := now
	if start != nil {
		windowStart = *start
	}
	if end != nil {
		windowEnd = *end
	}

	// A destination is orphaned when no DNS record resolved to it within the
	// same window. Recomputed on demand, never maintained as an index.
	resolved := r.db.Model(&domain.DNSRecordAddress{}).
		Select("address").
		Where("last_seen >= ?", windowStart)

	var raw []*orphanedIPRow
	err := r.db.WithContext(ctx).Model(&domain.TrafficFlow{}).
		Select(`server_ip AS destination_ip,
			SUM(bytes_sent) AS total_bytes_sent,
			SUM(bytes_received) AS total_bytes_received,
			SUM(bytes_sent + bytes_received) AS total_bytes,
			SUM(packet_count) AS total_packets,
			COUNT(*) AS connection_count,
			MIN(first_seen) AS first_seen,
			MAX(last_seen) AS last_seen`).
		Where("last_seen >= ? AND last_seen <= ?", windowStart, windowEnd).
		Where("server_ip NOT IN (?)", resolved).
		Group("server_ip").
		Order("total_bytes DESC").
		Scan(&raw).Error
	if err != nil {
		return nil, err
	}

	rows := make([]*domain.OrphanedIP, 0, len(raw))
	for _, row := range raw {
		rows = append(rows, &domain.OrphanedIP{
			DestinationIP:      row.DestinationIP,
			TotalBytesSent:     row.TotalBytesSent,
			TotalBytesReceived: row.TotalBytesReceived,
			TotalBytes:         row.TotalBytes,
			TotalPackets:       row.TotalPackets,
			ConnectionCount:    row.ConnectionCount,
			FirstSeen:          parseAggTime(row.FirstSeen),
			LastSeen:           parseAggTime(row.LastSeen),
		})
	}
	return rows, nil
}
