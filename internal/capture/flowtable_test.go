package capture

import (
	"testing"
	"time"

	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(idle time.Duration) *FlowTable {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewFlowTable(idle, logger)
}

func TestFlowTable_Observe_OutboundDirection(t *testing.T) {
	table := newTestTable(5 * time.Minute)
	now := time.Now().UTC()

	// Local client talking to a public server: packet source is local.
	table.Observe("192.168.1.10", "203.0.113.7", 40123, 443, domain.ProtocolTCP, 100, now)
	table.Observe("203.0.113.7", "192.168.1.10", 443, 40123, domain.ProtocolTCP, 1500, now)

	flows := table.Drain()
	require.Len(t, flows, 1, "both directions fold into one oriented flow")

	f := flows[0]
	assert.Equal(t, "192.168.1.10", f.ClientIP)
	assert.Equal(t, "203.0.113.7", f.ServerIP)
	assert.Equal(t, uint16(443), f.ServerPort)
	assert.Equal(t, uint64(100), f.BytesSent)
	assert.Equal(t, uint64(1500), f.BytesReceived)
	assert.Equal(t, uint64(2), f.PacketCount)
}

func TestFlowTable_Observe_SeparatesTuples(t *testing.T) {
	table := newTestTable(5 * time.Minute)
	now := time.Now().UTC()

	table.Observe("192.168.1.10", "203.0.113.7", 40123, 443, domain.ProtocolTCP, 100, now)
	table.Observe("192.168.1.10", "203.0.113.7", 40124, 80, domain.ProtocolTCP, 100, now)
	table.Observe("192.168.1.10", "203.0.113.7", 40125, 443, domain.ProtocolUDP, 100, now)

	assert.Equal(t, 3, table.Len(), "port and protocol are part of the flow key")
}

func TestFlowTable_Drain_Empty(t *testing.T) {
	table := newTestTable(5 * time.Minute)
	assert.Nil(t, table.Drain())
}

func TestFlowTable_Drain_ResetsTable(t *testing.T) {
	table := newTestTable(5 * time.Minute)
	now := time.Now().UTC()

	table.Observe("192.168.1.10", "203.0.113.7", 40123, 443, domain.ProtocolTCP, 100, now)
	require.Len(t, table.Drain(), 1)
	assert.Equal(t, 0, table.Len())
	assert.Nil(t, table.Drain())
}

func TestFlowTable_SweepIdle(t *testing.T) {
	table := newTestTable(time.Minute)
	now := time.Now().UTC()

	table.Observe("192.168.1.10", "203.0.113.7", 40123, 443, domain.ProtocolTCP, 100, now.Add(-2*time.Minute))
	table.Observe("192.168.1.10", "203.0.113.8", 40124, 443, domain.ProtocolTCP, 100, now)

	evicted := table.SweepIdle(now)
	require.Len(t, evicted, 1, "only the idle flow is evicted")
	assert.Equal(t, "203.0.113.7", evicted[0].ServerIP)
	assert.Equal(t, 1, table.Len(), "the active flow stays resident")
}

func TestFlowTable_FirstAndLastSeen(t *testing.T) {
	table := newTestTable(5 * time.Minute)
	t0 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(30 * time.Second)

	table.Observe("192.168.1.10", "203.0.113.7", 40123, 443, domain.ProtocolTCP, 100, t0)
	table.Observe("192.168.1.10", "203.0.113.7", 40123, 443, domain.ProtocolTCP, 100, t1)

	flows := table.Drain()
	require.Len(t, flows, 1)
	assert.Equal(t, t0, flows[0].FirstSeen)
	assert.Equal(t, t1, flows[0].LastSeen)
}
