package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcap"
	"github.com/netsentry/netsentry-go/internal/config"
	"github.com/sirupsen/logrus"
)

// Source wraps a live pcap handle. Opening the handle is fatal at startup;
// the engine must not run without capture.
type Source struct {
	handle *pcap.Handle
	iface  string
	filter string
	logger *logrus.Logger
}

// NewSource opens the configured interface (or the first usable one) and
// applies the BPF filter built from the port list. Port 53 is always captured
// so DNS extraction keeps working under a narrowed port filter.
func NewSource(cfg *config.CaptureConfig, logger *logrus.Logger) (*Source, error) {
	iface := cfg.Interface
	if iface == "" {
		name, err := defaultInterface()
		if err != nil {
			return nil, fmt.Errorf("no capture interface configured and none detected: %w", err)
		}
		iface = name
		logger.WithField("interface", iface).Info("No interface configured, using detected default")
	}

	snaplen := int32(cfg.SnapshotLen)
	if snaplen <= 0 {
		snaplen = 65535
	}

	handle, err := pcap.OpenLive(iface, snaplen, cfg.Promiscuous, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("failed to open interface %s: %w", iface, err)
	}

	filter := BuildFilter(cfg)
	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to set BPF filter %q: %w", filter, err)
		}
	}

	logger.WithFields(logrus.Fields{
		"interface": iface,
		"filter":    filter,
	}).Info("Packet capture opened")

	return &Source{handle: handle, iface: iface, filter: filter, logger: logger}, nil
}

// Packets streams packets from the handle. Transient read errors are logged
// and the stream continues; the channel closes when the handle reaches EOF
// or the context ends.
func (s *Source) Packets(ctx context.Context) <-chan gopacket.Packet {
	src := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	src.NoCopy = true
	return s.stream(ctx, src)
}

func (s *Source) stream(ctx context.Context, src *gopacket.PacketSource) <-chan gopacket.Packet {
	out := make(chan gopacket.Packet, 256)
	go func() {
		defer close(out)
		for {
			packet, err := src.NextPacket()
			if err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return
				}
				if errors.Is(err, pcap.NextErrorTimeoutExpired) {
					continue
				}
				s.logger.WithError(err).Warn("Packet read error, capture continues")
				continue
			}
			select {
			case out <- packet:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Interface reports the interface the handle is bound to.
func (s *Source) Interface() string {
	return s.iface
}

// Close releases the capture handle.
func (s *Source) Close() {
	if s.handle != nil {
		s.handle.Close()
	}
}

// BuildFilter turns the configured port list into a BPF expression. An
// explicit bpf_filter setting overrides the generated one; an empty port list
// means capture everything.
func BuildFilter(cfg *config.CaptureConfig) string {
	if cfg.BPFFilter != "" {
		return cfg.BPFFilter
	}
	if len(cfg.Ports) == 0 {
		return ""
	}

	parts := make([]string, 0, len(cfg.Ports)+1)
	hasDNS := false
	for _, p := range cfg.Ports {
		if p == 53 {
			hasDNS = true
		}
		parts = append(parts, fmt.Sprintf("port %d", p))
	}
	if !hasDNS {
		parts = append(parts, "port 53")
	}
	return strings.Join(parts, " or ")
}

func defaultInterface() (string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return "", err
	}
	for _, dev := range devs {
		if strings.HasPrefix(dev.Name, "lo") || len(dev.Addresses) == 0 {
			continue
		}
		return dev.Name, nil
	}
	return "", fmt.Errorf("no non-loopback interface with an address found")
}
