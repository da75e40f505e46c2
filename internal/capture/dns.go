package capture

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/netsentry/netsentry-go/internal/domain"
)

// DNSMessage is one parsed DNS query or response lifted out of a frame.
type DNSMessage struct {
	Type          domain.DNSEventType
	Domain        string
	QueryType     string
	SourceIP      string
	DestinationIP string
	// Resolved holds A/AAAA addresses as plain strings and other record
	// types with a prefix: "CNAME:host", "NS:host", "MX:10 host",
	// "TXT:...", "SRV:prio weight port target", else "TYPE:data".
	Resolved  []string
	Timestamp time.Time
}

// ClientIP returns the endpoint that asked the question: the packet source
// for queries, the packet destination for responses.
func (m *DNSMessage) ClientIP() string {
	if m.Type == domain.DNSEventResponse {
		return m.DestinationIP
	}
	return m.SourceIP
}

// ExtractDNS parses the DNS payload of a port-53 UDP or TCP frame. Anything
// else, and any malformed payload, yields nil; extraction never fails loudly.
func ExtractDNS(packet gopacket.Packet) []*DNSMessage {
	srcIP, dstIP, ok := networkEndpoints(packet)
	if !ok {
		return nil
	}

	ts := packet.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var dns *layers.DNS

	switch {
	case packet.Layer(layers.LayerTypeUDP) != nil:
		udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if udp.SrcPort != 53 && udp.DstPort != 53 {
			return nil
		}
		dnsLayer := packet.Layer(layers.LayerTypeDNS)
		if dnsLayer == nil {
			return nil
		}
		dns = dnsLayer.(*layers.DNS)

	case packet.Layer(layers.LayerTypeTCP) != nil:
		tcp := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if tcp.SrcPort != 53 && tcp.DstPort != 53 {
			return nil
		}
		dns = decodeTCPDNS(tcp.Payload)
		if dns == nil {
			return nil
		}

	default:
		return nil
	}

	if !dns.QR {
		return extractQueries(dns, srcIP, dstIP, ts)
	}
	return extractResponse(dns, srcIP, dstIP, ts)
}

// decodeTCPDNS strips the 2-byte length prefix DNS-over-TCP carries and
// decodes the message. Partial segments and garbage are dropped.
func decodeTCPDNS(payload []byte) *layers.DNS {
	if len(payload) < 14 {
		return nil
	}
	msgLen := int(binary.BigEndian.Uint16(payload[:2]))
	if msgLen == 0 || len(payload)-2 < msgLen {
		return nil
	}

	dns := &layers.DNS{}
	if err := dns.DecodeFromBytes(payload[2:2+msgLen], gopacket.NilDecodeFeedback); err != nil {
		return nil
	}
	return dns
}

func extractQueries(dns *layers.DNS, srcIP, dstIP string, ts time.Time) []*DNSMessage {
	msgs := make([]*DNSMessage, 0, len(dns.Questions))
	for _, q := range dns.Questions {
		name := domain.NormalizeDomain(string(q.Name))
		if name == "" {
			continue
		}
		msgs = append(msgs, &DNSMessage{
			Type:          domain.DNSEventQuery,
			Domain:        name,
			QueryType:     DNSTypeString(q.Type),
			SourceIP:      srcIP,
			DestinationIP: dstIP,
			Timestamp:     ts,
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	return msgs
}

func extractResponse(dns *layers.DNS, srcIP, dstIP string, ts time.Time) []*DNSMessage {
	if len(dns.Questions) == 0 {
		return nil
	}

	// The first question names the domain and query type the answers belong
	// to, matching how resolvers bundle responses.
	q := dns.Questions[0]
	name := domain.NormalizeDomain(string(q.Name))
	if name == "" {
		return nil
	}

	var resolved []string
	for _, rr := range dns.Answers {
		if v := encodeAnswer(&rr); v != "" {
			resolved = append(resolved, v)
		}
	}

	// NXDOMAIN and empty answers still produce an event; the response was
	// observed even when nothing resolved.
	return []*DNSMessage{{
		Type:          domain.DNSEventResponse,
		Domain:        name,
		QueryType:     DNSTypeString(q.Type),
		SourceIP:      srcIP,
		DestinationIP: dstIP,
		Resolved:      resolved,
		Timestamp:     ts,
	}}
}

func encodeAnswer(rr *layers.DNSResourceRecord) string {
	switch rr.Type {
	case layers.DNSTypeA, layers.DNSTypeAAAA:
		if rr.IP == nil {
			return ""
		}
		return rr.IP.String()
	case layers.DNSTypeCNAME:
		return "CNAME:" + domain.NormalizeDomain(string(rr.CNAME))
	case layers.DNSTypeNS:
		return "NS:" + domain.NormalizeDomain(string(rr.NS))
	case layers.DNSTypePTR:
		return "PTR:" + domain.NormalizeDomain(string(rr.PTR))
	case layers.DNSTypeMX:
		return fmt.Sprintf("MX:%d %s", rr.MX.Preference, domain.NormalizeDomain(string(rr.MX.Name)))
	case layers.DNSTypeTXT:
		parts := make([]string, 0, len(rr.TXTs))
		for _, t := range rr.TXTs {
			parts = append(parts, string(t))
		}
		return "TXT:" + strings.Join(parts, " ")
	case layers.DNSTypeSRV:
		return fmt.Sprintf("SRV:%d %d %d %s",
			rr.SRV.Priority, rr.SRV.Weight, rr.SRV.Port, domain.NormalizeDomain(string(rr.SRV.Name)))
	default:
		if len(rr.Data) == 0 {
			return ""
		}
		return fmt.Sprintf("%s:%s", DNSTypeString(rr.Type), string(rr.Data))
	}
}

func networkEndpoints(packet gopacket.Packet) (src, dst string, ok bool) {
	if ip4Layer := packet.Layer(layers.LayerTypeIPv4); ip4Layer != nil {
		ip4 := ip4Layer.(*layers.IPv4)
		return ip4.SrcIP.String(), ip4.DstIP.String(), true
	}
	if ip6Layer := packet.Layer(layers.LayerTypeIPv6); ip6Layer != nil {
		ip6 := ip6Layer.(*layers.IPv6)
		return ip6.SrcIP.String(), ip6.DstIP.String(), true
	}
	return "", "", false
}

var dnsTypeNames = map[layers.DNSType]string{
	layers.DNSTypeA:     "A",
	layers.DNSTypeNS:    "NS",
	layers.DNSTypeMD:    "MD",
	layers.DNSTypeMF:    "MF",
	layers.DNSTypeCNAME: "CNAME",
	layers.DNSTypeSOA:   "SOA",
	layers.DNSTypeMB:    "MB",
	layers.DNSTypeMG:    "MG",
	layers.DNSTypeMR:    "MR",
	layers.DNSTypeNULL:  "NULL",
	layers.DNSTypePTR:   "PTR",
	layers.DNSTypeHINFO: "HINFO",
	layers.DNSTypeMX:    "MX",
	layers.DNSTypeTXT:   "TXT",
	layers.DNSTypeAAAA:  "AAAA",
	layers.DNSTypeSRV:   "SRV",
	layers.DNSTypeOPT:   "OPT",
	layers.DNSTypeURI:   "URI",
}

// DNSTypeString names a query type, falling back to TYPE<n> for anything
// outside the common set.
func DNSTypeString(t layers.DNSType) string {
	if name, ok := dnsTypeNames[t]; ok {
		return name
	}
	switch uint16(t) {
	case 43:
		return "DS"
	case 46:
		return "RRSIG"
	case 47:
		return "NSEC"
	case 48:
		return "DNSKEY"
	case 50:
		return "NSEC3"
	case 52:
		return "TLSA"
	case 65:
		return "HTTPS"
	case 99:
		return "SPF"
	case 255:
		return "ANY"
	case 257:
		return "CAA"
	default:
		return fmt.Sprintf("TYPE%d", uint16(t))
	}
}
