package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// DNSEventType distinguishes observed queries from responses.
type DNSEventType string

const (
	DNSEventQuery    DNSEventType = "query"
	DNSEventResponse DNSEventType = "response"
)

// DNSRecord is the merged view of all observations of one (domain, query type)
// pair. Repeated observations update LastSeen and the resolved-address set
// instead of creating new rows.
type DNSRecord struct {
	ID        int64              `gorm:"primaryKey;autoIncrement" json:"id"`
	Domain    string             `gorm:"type:varchar(255);not null;uniqueIndex:idx_domain_qtype;index:idx_dns_domain" json:"domain"`
	QueryType string             `gorm:"type:varchar(16);not null;uniqueIndex:idx_domain_qtype" json:"query_type"`
	SourceIP  string             `gorm:"type:varchar(45)" json:"source_ip"`
	FirstSeen time.Time          `gorm:"not null;index:idx_dns_first_seen" json:"first_seen"`
	LastSeen  time.Time          `gorm:"not null;index:idx_dns_last_seen" json:"last_seen"`
	QueryCount int64             `gorm:"not null;default:0" json:"query_count"`
	Addresses []DNSRecordAddress `gorm:"foreignKey:RecordID" json:"addresses,omitempty"`
}

func (DNSRecord) TableName() string {
	return "dns_records"
}

// ResolvedAddresses returns the record's address set as plain strings.
func (r *DNSRecord) ResolvedAddresses() []string {
	out := make([]string, 0, len(r.Addresses))
	for _, a := range r.Addresses {
		out = append(out, a.Address)
	}
	return out
}

// DNSRecordAddress is one member of a record's resolved-address set.
// Non-address answers carry a type prefix ("CNAME:host", "MX:10 host", ...).
type DNSRecordAddress struct {
	ID       int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RecordID int64     `gorm:"not null;uniqueIndex:idx_record_address;index:idx_addr_record" json:"record_id"`
	Address  string    `gorm:"type:varchar(512);not null;uniqueIndex:idx_record_address;index:idx_addr_value" json:"address"`
	LastSeen time.Time `gorm:"not null;index:idx_addr_last_seen" json:"last_seen"`
}

func (DNSRecordAddress) TableName() string {
	return "dns_record_addresses"
}

// DNSEvent is the append-only log of every parsed DNS message, used by
// historical re-scans and audit queries. Rows are never mutated.
type DNSEvent struct {
	ID            int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType     DNSEventType `gorm:"type:varchar(10);not null;index:idx_event_type" json:"event_type"`
	Domain        string       `gorm:"type:varchar(255);not null;index:idx_event_domain" json:"domain"`
	QueryType     string       `gorm:"type:varchar(16);not null" json:"query_type"`
	SourceIP      string       `gorm:"type:varchar(45);not null;index:idx_event_src" json:"source_ip"`
	DestinationIP string       `gorm:"type:varchar(45);not null" json:"destination_ip"`
	ResolvedData  string       `gorm:"type:text" json:"resolved_data,omitempty"`
	EventTime     time.Time    `gorm:"not null;index:idx_event_time" json:"event_time"`
}

func (DNSEvent) TableName() string {
	return "dns_events"
}

// ResolvedValues decodes the event's resolved-data JSON array. A missing or
// malformed column yields an empty slice, never an error.
func (e *DNSEvent) ResolvedValues() []string {
	if e.ResolvedData == "" {
		return nil
	}
	var vals []string
	if err := json.Unmarshal([]byte(e.ResolvedData), &vals); err != nil {
		return nil
	}
	return vals
}

// SetResolvedValues encodes the resolved values as the stored JSON array.
func (e *DNSEvent) SetResolvedValues(vals []string) {
	if len(vals) == 0 {
		e.ResolvedData = ""
		return
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return
	}
	e.ResolvedData = string(b)
}

// NormalizeDomain lower-cases a domain and strips the trailing dot, the
// canonical form used across records, events, indicators and the whitelist.
func NormalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
}
