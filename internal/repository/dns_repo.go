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

// DNSObservation is one parsed DNS message handed to the store writer.
type DNSObservation struct {
	EventType     domain.DNSEventType
	Domain        string
	QueryType     string
	SourceIP      string
	DestinationIP string
	ResolvedData  []string
	Timestamp     time.Time
}

// DNSRepository is the durable write/read path for DNS records and events.
type DNSRepository interface {
	// UpsertRecord merges one observation into the (domain, query_type)
	// record: first_seen is preserved, last_seen and query_count advance,
	// and resolved data is unioned into the address set.
	UpsertRecord(ctx context.Context, obs *DNSObservation) error
	// InsertEvent appends one immutable DNS event row.
	InsertEvent(ctx context.Context, obs *DNSObservation) error
	// GetRecord returns the record for an exact (domain, query_type) pair.
	GetRecord(ctx context.Context, dom, queryType string) (*domain.DNSRecord, error)
	// SearchRecords returns records whose domain contains the substring,
	// most recently seen first.
	SearchRecords(ctx context.Context, substring string, limit int) ([]*domain.DNSRecord, error)
	// RecordsByIP returns records whose address set contains the IP.
	RecordsByIP(ctx context.Context, ip string, limit int) ([]*domain.DNSRecord, error)
	// DomainByIP returns the most recently seen domain that resolved to the
	// IP within the window, or "" when none did.
	DomainByIP(ctx context.Context, ip string, since time.Time) (string, error)
	// RecentRecords returns records ordered by last_seen descending.
	RecentRecords(ctx context.Context, since *time.Time, limit int) ([]*domain.DNSRecord, error)
	// Events returns event rows matching the filter, newest first.
	Events(ctx context.Context, filter EventFilter) ([]*domain.DNSEvent, error)
	// EventsSince pages event rows in ascending id order for scans.
	EventsSince(ctx context.Context, since time.Time, afterID int64, batch int) ([]*domain.DNSEvent, error)
}

// EventFilter narrows the DNS event read surface exposed to the API layer.
type EventFilter struct {
	DomainSubstring string
	SourceIP        string
	EventType       domain.DNSEventType
	Since           *time.Time
	Limit           int
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

type dnsRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewDNSRepository creates the gorm-backed DNS store.
func NewDNSRepository(db *gorm.DB, logger *logrus.Logger) DNSRepository {
	return &dnsRepo{db: db, logger: logger}
}

func (r *dnsRepo) UpsertRecord(ctx context.Context, obs *DNSObservation) error {
	dom := domain.NormalizeDomain(obs.Domain)
	if dom == "" {
		return nil
	}

	ts := obs.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := &domain.DNSRecord{
			Domain:     dom,
			QueryType:  obs.QueryType,
			SourceIP:   obs.SourceIP,
			FirstSeen:  ts,
			LastSeen:   ts,
			QueryCount: 1,
		}

		// Insert-or-increment keyed (domain, query_type); first_seen is
		// never touched on conflict.
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "domain"}, {Name: "query_type"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"last_seen":   ts,
				"source_ip":   obs.SourceIP,
				"query_count": gorm.Expr("query_count + 1"),
			}),
		}).Create(record).Error
		if err != nil {
			return err
		}

		if len(obs.ResolvedData) == 0 {
			return nil
		}

		// The upserted row's id is not reported on conflict, fetch it.
		var rec domain.DNSRecord
		if err := tx.Where("domain = ? AND query_type = ?", dom, obs.QueryType).First(&rec).Error; err != nil {
			return err
		}

		for _, addr := range obs.ResolvedData {
			if addr == "" {
				continue
			}
			entry := &domain.DNSRecordAddress{
				RecordID: rec.ID,
				Address:  addr,
				LastSeen: ts,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "record_id"}, {Name: "address"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"last_seen": ts,
				}),
			}).Create(entry).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *dnsRepo) InsertEvent(ctx context.Context, obs *DNSObservation) error {
	ts := obs.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	event := &domain.DNSEvent{
		EventType:     obs.EventType,
		Domain:        domain.NormalizeDomain(obs.Domain),
		QueryType:     obs.QueryType,
		SourceIP:      obs.SourceIP,
		DestinationIP: obs.DestinationIP,
		EventTime:     ts,
	}
	event.SetResolvedValues(obs.ResolvedData)

	return r.db.WithContext(ctx).Create(event).Error
}

func (r *dnsRepo) GetRecord(ctx context.Context, dom, queryType string) (*domain.DNSRecord, error) {
	var rec domain.DNSRecord
	err := r.db.WithContext(ctx).
		Preload("Addresses").
		Where("domain = ? AND query_type = ?", domain.NormalizeDomain(dom), queryType).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *dnsRepo) SearchRecords(ctx context.Context, substring string, limit int) ([]*domain.DNSRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []*domain.DNSRecord
	err := r.db.WithContext(ctx).
		Preload("Addresses").
		Where("domain LIKE ?", "%"+domain.NormalizeDomain(substring)+"%").
		Order("last_seen DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

func (r *dnsRepo) RecordsByIP(ctx context.Context, ip string, limit int) ([]*domain.DNSRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []*domain.DNSRecord
	err := r.db.WithContext(ctx).
		Preload("Addresses").
		Where("id IN (?)", r.db.Model(&domain.DNSRecordAddress{}).
			Select("record_id").
			Where("address = ?", ip)).
		Order("last_seen DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

func (r *dnsRepo) DomainByIP(ctx context.Context, ip string, since time.Time) (string, error) {
	var rec domain.DNSRecord
	err := r.db.WithContext(ctx).
		Where("id IN (?)", r.db.Model(&domain.DNSRecordAddress{}).
			Select("record_id").
			Where("address = ? AND last_seen >= ?", ip, since)).
		Order("last_seen DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.Domain, nil
}

func (r *dnsRepo) RecentRecords(ctx context.Context, since *time.Time, limit int) ([]*domain.DNSRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Preload("Addresses")
	if since != nil {
		q = q.Where("last_seen >= ?", *since)
	}
	var recs []*domain.DNSRecord
	err := q.Order("last_seen DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

func (r *dnsRepo) Events(ctx context.Context, filter EventFilter) ([]*domain.DNSEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}

	q := r.db.WithContext(ctx).Model(&domain.DNSEvent{})
	if filter.DomainSubstring != "" {
		q = q.Where("domain LIKE ?", "%"+domain.NormalizeDomain(filter.DomainSubstring)+"%")
	}
	if filter.SourceIP != "" {
		q = q.Where("source_ip = ?", filter.SourceIP)
	}
	if filter.EventType != "" {
		q = q.Where("event_type = ?", filter.EventType)
	}
	if filter.Since != nil {
		q = q.Where("event_time >= ?", *filter.Since)
	}

	var events []*domain.DNSEvent
	err := q.Order("event_time DESC").Limit(limit).Find(&events).Error
	return events, err
}

func (r *dnsRepo) EventsSince(ctx context.Context, since time.Time, afterID int64, batch int) ([]*domain.DNSEvent, error) {
	if batch <= 0 {
		batch = 1000
	}
	var events []*domain.DNSEvent
	err := r.db.WithContext(ctx).
		Where("event_time >= ? AND id > ?", since, afterID).
		Order("id ASC").
		Limit(batch).
		Find(&events).Error
	return events, err
}
