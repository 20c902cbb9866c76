// Package stats implements the per-connection counters of spec.md §3.
package stats

import "github.com/user/blesim/clock"

// Connection holds the running counters and derived metrics for a single
// connection. All fields are owned by the connection's node and updated
// only from the single simulation thread.
type Connection struct {
	// Time accounting, microseconds.
	TxTime    clock.Micros
	IdleTime  clock.Micros
	ListenTime clock.Micros
	SleepTime clock.Micros

	// Packet counters.
	TransmittedPackets   int
	RetransmittedPackets int
	DataPackets          int
	ControlPackets       int
	EmptyPackets         int
	AcknowledgedPackets  int

	ReceivedPackets   int
	DuplicatePackets  int
	CRCFailedPackets  int

	TransmittedBytes       int64
	ReceivedBytes          int64
	TransmittedPayloadBytes int64
	ReceivedPayloadBytes    int64

	AggregateLatency clock.Micros // sum of per-packet delivery latencies
	AggregateRTT     clock.Micros // sum of per-packet round-trip times
	latencySamples   int
	rttSamples       int

	QueueOverflowCount int
}

// RecordLatency folds one delivery-latency sample (now - app timestamp)
// into the aggregate.
func (c *Connection) RecordLatency(d clock.Micros) {
	c.AggregateLatency += d
	c.latencySamples++
}

// RecordRTT folds one round-trip-time sample into the aggregate.
func (c *Connection) RecordRTT(d clock.Micros) {
	c.AggregateRTT += d
	c.rttSamples++
}

// PacketLossRatio returns CRC-failed / (received + CRC-failed) packets, 0
// if none received yet.
func (c *Connection) PacketLossRatio() float64 {
	total := c.ReceivedPackets + c.CRCFailedPackets
	if total == 0 {
		return 0
	}
	return float64(c.CRCFailedPackets) / float64(total)
}

// ThroughputKbps returns received application-payload throughput in
// kilobits per second of total time elapsed (tx+idle+listen+sleep).
func (c *Connection) ThroughputKbps() float64 {
	total := c.TxTime + c.IdleTime + c.ListenTime + c.SleepTime
	if total == 0 {
		return 0
	}
	seconds := float64(total) / 1e6
	bits := float64(c.ReceivedPayloadBytes) * 8
	return bits / seconds / 1000
}

// AveragePacketLatencySeconds returns the mean recorded delivery latency.
func (c *Connection) AveragePacketLatencySeconds() float64 {
	if c.latencySamples == 0 {
		return 0
	}
	return float64(c.AggregateLatency) / float64(c.latencySamples) / 1e6
}

// AverageRTTSeconds returns the mean recorded round-trip time.
func (c *Connection) AverageRTTSeconds() float64 {
	if c.rttSamples == 0 {
		return 0
	}
	return float64(c.AggregateRTT) / float64(c.rttSamples) / 1e6
}
