package domain

import "time"

// Protocol names as stored on traffic flows.
const (
	ProtocolTCP = "TCP"
	ProtocolUDP = "UDP"
)

// TrafficFlow is the persisted aggregate for one (client, server, port,
// protocol) tuple. Counters are additive across flushes: an upsert increments
// the stored totals, it never overwrites them.
type TrafficFlow struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientIP      string    `gorm:"type:varchar(45);not null;uniqueIndex:idx_flow_tuple;index:idx_flow_client" json:"client_ip"`
	ServerIP      string    `gorm:"type:varchar(45);not null;uniqueIndex:idx_flow_tuple;index:idx_flow_server" json:"server_ip"`
	ServerPort    uint16    `gorm:"not null;uniqueIndex:idx_flow_tuple" json:"server_port"`
	Protocol      string    `gorm:"type:varchar(8);not null;uniqueIndex:idx_flow_tuple" json:"protocol"`
	Domain        string    `gorm:"type:varchar(255);index:idx_flow_domain" json:"domain,omitempty"`
	BytesSent     uint64    `gorm:"not null;default:0" json:"bytes_sent"`
	BytesReceived uint64    `gorm:"not null;default:0" json:"bytes_received"`
	PacketCount   uint64    `gorm:"not null;default:0" json:"packet_count"`
	FirstSeen     time.Time `gorm:"not null" json:"first_seen"`
	LastSeen      time.Time `gorm:"not null;index:idx_flow_last_seen" json:"last_seen"`
}

func (TrafficFlow) TableName() string {
	return "traffic_flows"
}

// TotalBytes returns the flow's combined volume in both directions.
func (f *TrafficFlow) TotalBytes() uint64 {
	return f.BytesSent + f.BytesReceived
}

// OrphanedIP is one row of the orphaned-destination report: a traffic
// destination with no DNS resolution inside the lookback window. Not a table,
// computed on demand from traffic_flows and dns_record_addresses.
type OrphanedIP struct {
	DestinationIP      string    `json:"destination_ip"`
	TotalBytesSent     uint64    `json:"total_bytes_sent"`
	TotalBytesReceived uint64    `json:"total_bytes_received"`
	TotalBytes         uint64    `json:"total_bytes"`
	TotalPackets       uint64    `json:"total_packets"`
	ConnectionCount    int64     `json:"connection_count"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
}

// DomainTraffic is the per-domain aggregate returned by top-N queries.
type DomainTraffic struct {
	Domain        string    `json:"domain"`
	FlowCount     int64     `json:"flow_count"`
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
	TotalBytes    uint64    `json:"total_bytes"`
	TotalPackets  uint64    `json:"total_packets"`
	LastSeen      time.Time `json:"last_seen"`
}
