package capture

import (
	"net"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildDNSPacket serializes an Ethernet/IPv4/UDP frame carrying the given
// DNS message and re-parses it the way the live capture path would.
func buildDNSPacket(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, dns *layers.DNS) gopacket.Packet {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, dns))

	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func TestExtractDNS_Query(t *testing.T) {
	dns := &layers.DNS{
		ID: 1234,
		QR: false,
		Questions: []layers.DNSQuestion{{
			Name:  []byte("Example.COM"),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
	}
	packet := buildDNSPacket(t, "192.168.1.10", "8.8.8.8", 40123, 53, dns)

	msgs := ExtractDNS(packet)
	require.Len(t, msgs, 1)

	assert.Equal(t, domain.DNSEventQuery, msgs[0].Type)
	assert.Equal(t, "example.com", msgs[0].Domain, "names are lowercased")
	assert.Equal(t, "A", msgs[0].QueryType)
	assert.Equal(t, "192.168.1.10", msgs[0].SourceIP)
	assert.Equal(t, "8.8.8.8", msgs[0].DestinationIP)
	assert.Equal(t, "192.168.1.10", msgs[0].ClientIP())
}

func TestExtractDNS_Response(t *testing.T) {
	dns := &layers.DNS{
		ID: 1234,
		QR: true,
		Questions: []layers.DNSQuestion{{
			Name:  []byte("example.com"),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
		Answers: []layers.DNSResourceRecord{{
			Name:  []byte("example.com"),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
			TTL:   300,
			IP:    net.ParseIP("93.184.216.34"),
		}},
	}
	packet := buildDNSPacket(t, "8.8.8.8", "192.168.1.10", 53, 40123, dns)

	msgs := ExtractDNS(packet)
	require.Len(t, msgs, 1)

	assert.Equal(t, domain.DNSEventResponse, msgs[0].Type)
	assert.Equal(t, "example.com", msgs[0].Domain)
	assert.Equal(t, []string{"93.184.216.34"}, msgs[0].Resolved)
	assert.Equal(t, "192.168.1.10", msgs[0].ClientIP(),
		"for responses the client is the packet destination")
}

func TestExtractDNS_IgnoresOtherPorts(t *testing.T) {
	dns := &layers.DNS{
		QR: false,
		Questions: []layers.DNSQuestion{{
			Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN,
		}},
	}
	packet := buildDNSPacket(t, "192.168.1.10", "203.0.113.7", 40123, 8080, dns)

	assert.Nil(t, ExtractDNS(packet))
}

func TestExtractResponse_AnswerEncodings(t *testing.T) {
	mk := func(rr layers.DNSResourceRecord) *layers.DNS {
		return &layers.DNS{
			QR: true,
			Questions: []layers.DNSQuestion{{
				Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN,
			}},
			Answers: []layers.DNSResourceRecord{rr},
		}
	}

	tests := []struct {
		name   string
		record layers.DNSResourceRecord
		want   string
	}{
		{
			name:   "cname",
			record: layers.DNSResourceRecord{Type: layers.DNSTypeCNAME, CNAME: []byte("Edge.Example.COM")},
			want:   "CNAME:edge.example.com",
		},
		{
			name:   "ns",
			record: layers.DNSResourceRecord{Type: layers.DNSTypeNS, NS: []byte("ns1.example.com")},
			want:   "NS:ns1.example.com",
		},
		{
			name: "mx",
			record: layers.DNSResourceRecord{
				Type: layers.DNSTypeMX,
				MX:   layers.DNSMX{Preference: 10, Name: []byte("mail.example.com")},
			},
			want: "MX:10 mail.example.com",
		},
		{
			name: "txt",
			record: layers.DNSResourceRecord{
				Type: layers.DNSTypeTXT,
				TXTs: [][]byte{[]byte("v=spf1"), []byte("-all")},
			},
			want: "TXT:v=spf1 -all",
		},
		{
			name: "srv",
			record: layers.DNSResourceRecord{
				Type: layers.DNSTypeSRV,
				SRV:  layers.DNSSRV{Priority: 5, Weight: 10, Port: 5060, Name: []byte("sip.example.com")},
			},
			want: "SRV:5 10 5060 sip.example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := extractResponse(mk(tt.record), "8.8.8.8", "192.168.1.10", time.Now().UTC())
			require.Len(t, msgs, 1)
			assert.Equal(t, []string{tt.want}, msgs[0].Resolved)
		})
	}
}

func TestExtractResponse_EmptyAnswersStillEmitEvent(t *testing.T) {
	dns := &layers.DNS{
		QR: true,
		Questions: []layers.DNSQuestion{{
			Name: []byte("nxdomain.example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN,
		}},
	}

	msgs := extractResponse(dns, "8.8.8.8", "192.168.1.10", time.Now().UTC())
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Resolved)
}

func TestDecodeTCPDNS(t *testing.T) {
	dns := &layers.DNS{
		QR: false,
		Questions: []layers.DNSQuestion{{
			Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN,
		}},
	}

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, dns.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}))
	raw := buf.Bytes()

	// DNS over TCP carries a 2-byte big-endian length prefix.
	payload := append([]byte{byte(len(raw) >> 8), byte(len(raw))}, raw...)

	decoded := decodeTCPDNS(payload)
	require.NotNil(t, decoded)
	require.Len(t, decoded.Questions, 1)
	assert.Equal(t, "example.com", string(decoded.Questions[0].Name))

	assert.Nil(t, decodeTCPDNS(payload[:5]), "truncated payloads are dropped")
	assert.Nil(t, decodeTCPDNS(append([]byte{0xff, 0xff}, raw...)), "bad length prefix is dropped")
}

func TestDNSTypeString(t *testing.T) {
	assert.Equal(t, "A", DNSTypeString(layers.DNSTypeA))
	assert.Equal(t, "AAAA", DNSTypeString(layers.DNSTypeAAAA))
	assert.Equal(t, "HTTPS", DNSTypeString(layers.DNSType(65)))
	assert.Equal(t, "ANY", DNSTypeString(layers.DNSType(255)))
	assert.Equal(t, "TYPE9999", DNSTypeString(layers.DNSType(9999)))
}
