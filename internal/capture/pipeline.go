package capture

import (
	"context"
	"strings"

	"github.com/gopacket/gopacket"
	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/netsentry/netsentry-go/internal/metrics"
	"github.com/netsentry/netsentry-go/internal/repository"
	"github.com/sirupsen/logrus"
)

// ResponseSink receives each DNS response after its record and event are
// durably written. The live threat matcher implements this.
type ResponseSink interface {
	HandleResponse(ctx context.Context, dom string, resolved []string, clientIP, queryType string)
}

// Pipeline ties the packet source to the flow table and the DNS store path.
// The capture goroutine only parses and aggregates in memory; durable writes
// happen on a separate writer goroutine fed by a buffered channel, so the
// read loop never blocks on storage I/O.
type Pipeline struct {
	source  *Source
	flows   *FlowTable
	dnsRepo repository.DNSRepository
	sink    ResponseSink
	metrics *metrics.Metrics
	logger  *logrus.Logger

	events chan *DNSMessage
}

// NewPipeline wires the capture components. sink may be nil when live
// matching is disabled.
func NewPipeline(source *Source, flows *FlowTable, dnsRepo repository.DNSRepository,
	sink ResponseSink, m *metrics.Metrics, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		source:  source,
		flows:   flows,
		dnsRepo: dnsRepo,
		sink:    sink,
		metrics: m,
		logger:  logger,
		events:  make(chan *DNSMessage, 2048),
	}
}

// Flows exposes the pipeline's flow table to the flush scheduler.
func (p *Pipeline) Flows() *FlowTable {
	return p.flows
}

// Run consumes the packet stream until the context is cancelled. The packet
// channel closing (handle torn down) also ends the run. Run only returns
// once the writer has finished every message queued before the read loop
// stopped.
func (p *Pipeline) Run(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writerLoop()
	}()

	p.logger.WithField("interface", p.source.Interface()).Info("Capture pipeline running")
	p.readPackets(ctx)

	// The read loop is the only producer; closing the channel lets the
	// writer drain what is queued before Run returns.
	close(p.events)
	<-writerDone
}

func (p *Pipeline) readPackets(ctx context.Context) {
	packets := p.source.Packets(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Capture pipeline stopping")
			return
		case packet, ok := <-packets:
			if !ok {
				p.logger.Warn("Packet stream closed")
				return
			}
			p.processPacket(ctx, packet)
		}
	}
}

func (p *Pipeline) processPacket(ctx context.Context, packet gopacket.Packet) {
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		// A truncated or malformed frame; accounting still proceeds on
		// whatever layers decoded.
		p.metrics.IncParseFailure()
	}

	p.flows.ProcessPacket(packet)
	p.metrics.IncPackets(packetProtocol(packet))
	p.metrics.SetFlowTableSize(p.flows.Len())

	for _, msg := range ExtractDNS(packet) {
		select {
		case p.events <- msg:
		default:
			// The writer is behind; dropping one message is preferable to
			// stalling the capture loop.
			p.metrics.IncEventDropped()
		}
	}
}

// writerLoop is the single consumer of parsed DNS messages. Per message the
// record upsert happens before the live match, so an alert never references
// state the store has not seen yet. Writes run on a background context so
// messages captured before shutdown are still persisted after the run
// context is cancelled; the loop ends when the event channel closes.
func (p *Pipeline) writerLoop() {
	ctx := context.Background()
	for msg := range p.events {
		p.writeMessage(ctx, msg)
	}
}

func (p *Pipeline) writeMessage(ctx context.Context, msg *DNSMessage) {
	obs := &repository.DNSObservation{
		EventType:     msg.Type,
		Domain:        msg.Domain,
		QueryType:     msg.QueryType,
		SourceIP:      msg.SourceIP,
		DestinationIP: msg.DestinationIP,
		ResolvedData:  msg.Resolved,
		Timestamp:     msg.Timestamp,
	}

	if err := p.dnsRepo.UpsertRecord(ctx, obs); err != nil {
		p.logger.WithError(err).WithField("domain", msg.Domain).Error("Failed to upsert DNS record")
	}
	if err := p.dnsRepo.InsertEvent(ctx, obs); err != nil {
		p.logger.WithError(err).WithField("domain", msg.Domain).Error("Failed to insert DNS event")
	}

	p.metrics.IncDNSEvent(string(msg.Type))

	if msg.Type == domain.DNSEventResponse && p.sink != nil {
		p.sink.HandleResponse(ctx, msg.Domain, msg.Resolved, msg.ClientIP(), msg.QueryType)
	}
}

func packetProtocol(packet gopacket.Packet) string {
	if tl := packet.TransportLayer(); tl != nil {
		name := tl.LayerType().String()
		return strings.ToUpper(name)
	}
	return "OTHER"
}
