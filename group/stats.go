package group

import (
	"time"

	"github.com/ngxial02/srt/internal/telemetry"
	"github.com/ngxial02/srt/packet"
)

// PacketMetric counts packets and their payload bytes.
type PacketMetric struct {
	Packets uint64
	Bytes   uint64
}

func (pm *PacketMetric) count(pkts int, bytes int) {
	pm.Packets += uint64(pkts)
	pm.Bytes += uint64(bytes)
}

// Metric keeps a total and an interval window, the latter reset when a stats
// snapshot is taken with clear.
type Metric struct {
	Total    PacketMetric
	Interval PacketMetric
}

func (m *Metric) count(pkts, bytes int) {
	m.Total.count(pkts, bytes)
	m.Interval.count(pkts, bytes)
}

func (m *Metric) clearInterval() {
	m.Interval = PacketMetric{}
}

// Stats is the group's traffic accounting. Guarded by the group lock.
type Stats struct {
	// ActivateTime is when the group carried its first data packet.
	ActivateTime time.Time

	// LastSampleTime is when the interval window was last reset.
	LastSampleTime time.Time

	// Sent counts packets handed to member links by the application.
	Sent Metric

	// Recv counts packets delivered from the group to the application.
	Recv Metric

	// RecvDrop counts packets skipped as lost on every member.
	RecvDrop Metric

	// RecvDiscard counts packets discarded as duplicates: already delivered,
	// or already buffered from another member.
	RecvDiscard Metric
}

func (s *Stats) init() {
	*s = Stats{LastSampleTime: time.Now()}
}

func (s *Stats) reset() {
	s.Sent.clearInterval()
	s.Recv.clearInterval()
	s.RecvDrop.clearInterval()
	s.RecvDiscard.clearInterval()
	s.LastSampleTime = time.Now()
}

func (s *Stats) activate() {
	if s.ActivateTime.IsZero() {
		s.ActivateTime = time.Now()
	}
}

// updateAvgPayloadSize maintains a smoothed payload size used to estimate
// the byte volume of dropped packets.
func (g *Group) updateAvgPayloadSize(size int) {
	if g.avgPayloadSize <= 0 {
		g.avgPayloadSize = size
		return
	}
	g.avgPayloadSize += (size - g.avgPayloadSize) / 4
}

// avgRcvPacketSize falls back to the default live payload size before the
// first data packet.
func (g *Group) avgRcvPacketSize() int {
	if g.avgPayloadSize <= 0 {
		return packet.LiveDefPayloadSize
	}
	return g.avgPayloadSize
}

func (g *Group) countSent(bytes int) {
	g.stats.activate()
	g.stats.Sent.count(1, bytes)
	telemetry.PacketsSent.WithLabelValues(g.labelID).Inc()
}

func (g *Group) countRecv(bytes int) {
	g.stats.activate()
	g.stats.Recv.count(1, bytes)
	telemetry.PacketsDelivered.WithLabelValues(g.labelID).Inc()
}

func (g *Group) countRecvDrop(pkts int, bytes int) {
	g.stats.RecvDrop.count(pkts, bytes)
	telemetry.PacketsDropped.WithLabelValues(g.labelID).Add(float64(pkts))
}

func (g *Group) countRecvDiscard(bytes int) {
	g.stats.RecvDiscard.count(1, bytes)
	telemetry.PacketsDiscarded.WithLabelValues(g.labelID).Inc()
}

// Stats returns a snapshot of the group's counters. With clear set, the
// interval windows are reset afterwards.
func (g *Group) Stats(clear bool) Stats {
	g.lock.Lock()
	defer g.lock.Unlock()

	snapshot := g.stats
	if clear {
		g.stats.reset()
	}
	return snapshot
}
