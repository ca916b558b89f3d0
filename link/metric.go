package link

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics of a Connection and its Scanner.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// ConnectCount indicates the number of sessions accepted by a device.
	ConnectCount atomic.Uint64
	// ConnectFailCount indicates the number of connect attempts that ended in Disconnected.
	ConnectFailCount atomic.Uint64
	// LinkLostCount indicates the number of sessions torn down by the watchdog.
	LinkLostCount atomic.Uint64

	// PingSendCount indicates the number of PING commands sent.
	PingSendCount atomic.Uint64
	// LineRecvCount indicates the number of lines received during sessions.
	LineRecvCount atomic.Uint64

	// ScanCycleCount indicates the number of completed scan cycles.
	ScanCycleCount atomic.Uint64
	// ProbeCount indicates the number of probes issued.
	ProbeCount atomic.Uint64
	// ProbeFailCount indicates the number of probes that yielded no candidate.
	ProbeFailCount atomic.Uint64
}

func (m *ConnectionMetrics) incConnectCount() {
	m.ConnectCount.Add(1)
}

func (m *ConnectionMetrics) incConnectFailCount() {
	m.ConnectFailCount.Add(1)
}

func (m *ConnectionMetrics) incLinkLostCount() {
	m.LinkLostCount.Add(1)
}

func (m *ConnectionMetrics) incPingSendCount() {
	m.PingSendCount.Add(1)
}

func (m *ConnectionMetrics) incLineRecvCount() {
	m.LineRecvCount.Add(1)
}

func (m *ConnectionMetrics) incScanCycleCount() {
	m.ScanCycleCount.Add(1)
}

func (m *ConnectionMetrics) incProbeCount() {
	m.ProbeCount.Add(1)
}

func (m *ConnectionMetrics) incProbeFailCount() {
	m.ProbeFailCount.Add(1)
}
