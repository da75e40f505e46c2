package capture

import (
	"net"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// FlowKey identifies one traffic aggregate. It is oriented so the non-local
// endpoint is the server whenever direction is determinable.
type FlowKey struct {
	ClientIP   string
	ServerIP   string
	ServerPort uint16
	Protocol   string
}

type flowEntry struct {
	bytesSent     uint64
	bytesReceived uint64
	packetCount   uint64
	firstSeen     time.Time
	lastSeen      time.Time
}

// FlowTable is the in-memory aggregation map fed by the capture loop.
// Entries are created on first packet and retired by Drain (flush tick) or
// SweepIdle (idle timeout), bounding memory under sustained traffic.
type FlowTable struct {
	mu      sync.Mutex
	entries map[FlowKey]*flowEntry

	localNets []*net.IPNet
	localIPs  map[string]struct{}

	idleTimeout time.Duration
	logger      *logrus.Logger
}

// NewFlowTable builds the table and snapshots the host's local address space
// (own interface addresses plus the private/loopback ranges) used to orient
// flow direction.
func NewFlowTable(idleTimeout time.Duration, logger *logrus.Logger) *FlowTable {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}

	t := &FlowTable{
		entries:     make(map[FlowKey]*flowEntry),
		localIPs:    make(map[string]struct{}),
		idleTimeout: idleTimeout,
		logger:      logger,
	}

	for _, cidr := range []string{
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8",
		"169.254.0.0/16", "::1/128", "fc00::/7", "fe80::/10",
	} {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			t.localNets = append(t.localNets, ipnet)
		}
	}

	for _, ip := range hostAddresses() {
		t.localIPs[ip.String()] = struct{}{}
	}

	return t
}

// ProcessPacket accounts one frame's bytes against its flow. Non-IP and
// non-TCP/UDP frames are ignored; DNS accounting is the extractor's job.
func (t *FlowTable) ProcessPacket(packet gopacket.Packet) {
	srcIP, dstIP, ok := networkEndpoints(packet)
	if !ok {
		return
	}

	var srcPort, dstPort uint16
	var proto string
	switch {
	case packet.Layer(layers.LayerTypeTCP) != nil:
		tcp := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		srcPort, dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		proto = domain.ProtocolTCP
	case packet.Layer(layers.LayerTypeUDP) != nil:
		udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		srcPort, dstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		proto = domain.ProtocolUDP
	default:
		return
	}

	size := len(packet.Data())
	ts := packet.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	t.Observe(srcIP, dstIP, srcPort, dstPort, proto, size, ts)
}

// Observe folds one packet into the table. Direction is classified against
// the local address space: local source means bytes sent, local destination
// means bytes received.
func (t *FlowTable) Observe(srcIP, dstIP string, srcPort, dstPort uint16, proto string, size int, ts time.Time) {
	srcLocal := t.isLocal(srcIP)
	dstLocal := t.isLocal(dstIP)

	var key FlowKey
	sent := false
	switch {
	case srcLocal && !dstLocal:
		key = FlowKey{ClientIP: srcIP, ServerIP: dstIP, ServerPort: dstPort, Protocol: proto}
		sent = true
	case dstLocal && !srcLocal:
		key = FlowKey{ClientIP: dstIP, ServerIP: srcIP, ServerPort: srcPort, Protocol: proto}
	default:
		// Both or neither endpoint local; keep packet orientation.
		key = FlowKey{ClientIP: srcIP, ServerIP: dstIP, ServerPort: dstPort, Protocol: proto}
		sent = srcLocal
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		entry = &flowEntry{firstSeen: ts}
		t.entries[key] = entry
	}
	if sent {
		entry.bytesSent += uint64(size)
	} else {
		entry.bytesReceived += uint64(size)
	}
	entry.packetCount++
	if ts.After(entry.lastSeen) {
		entry.lastSeen = ts
	}
}

// Drain retires every entry and returns them for flushing. Draining an empty
// table returns nil, which the flusher treats as a no-op.
func (t *FlowTable) Drain() []*domain.TrafficFlow {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) == 0 {
		return nil
	}

	flows := make([]*domain.TrafficFlow, 0, len(t.entries))
	for key, entry := range t.entries {
		flows = append(flows, entryToFlow(key, entry))
	}
	t.entries = make(map[FlowKey]*flowEntry)
	return flows
}

// SweepIdle retires only entries untouched for the idle timeout, letting
// long-lived quiet flows reach storage between ticks.
func (t *FlowTable) SweepIdle(now time.Time) []*domain.TrafficFlow {
	t.mu.Lock()
	defer t.mu.Unlock()

	var flows []*domain.TrafficFlow
	for key, entry := range t.entries {
		if now.Sub(entry.lastSeen) >= t.idleTimeout {
			flows = append(flows, entryToFlow(key, entry))
			delete(t.entries, key)
		}
	}
	return flows
}

// Len reports the live entry count, exported as a gauge.
func (t *FlowTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func entryToFlow(key FlowKey, entry *flowEntry) *domain.TrafficFlow {
	return &domain.TrafficFlow{
		ClientIP:      key.ClientIP,
		ServerIP:      key.ServerIP,
		ServerPort:    key.ServerPort,
		Protocol:      key.Protocol,
		BytesSent:     entry.bytesSent,
		BytesReceived: entry.bytesReceived,
		PacketCount:   entry.packetCount,
		FirstSeen:     entry.firstSeen,
		LastSeen:      entry.lastSeen,
	}
}

func (t *FlowTable) isLocal(ip string) bool {
	if _, ok := t.localIPs[ip]; ok {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipnet := range t.localNets {
		if ipnet.Contains(parsed) {
			return true
		}
	}
	return false
}

func hostAddresses() []net.IP {
	var ips []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips
}
