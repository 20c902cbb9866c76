// Package events defines the observable event records the link layer
// emits for consumption by classifiers, trace writers, and visualizers
// (spec.md §6, §9 "Observer events become typed channels").
package events

import "github.com/user/blesim/clock"

// PacketTransmissionStarted is emitted when the link layer hands a PDU to
// the PHY transmitter stub.
type PacketTransmissionStarted struct {
	Time          clock.Micros
	PeerName      string
	PeerID        string
	Channel       int
	IsControl     bool
	IsEmpty       bool
	IsRetransmit  bool
	PayloadLength int
	// Frame is the encoded LL PDU (header+payload+CRC) as put on the air,
	// for consumers that need the raw bytes (the PCAP trace writer).
	Frame []byte
}

// PacketReceptionEnded is emitted once per received (or failed) PDU,
// after reception processing (spec.md §4.4 step 6).
type PacketReceptionEnded struct {
	Time        clock.Micros
	PeerName    string
	PeerID      string
	Channel     int
	Success     bool // false iff CRC failed
	RSSI        int
	SINR        float64
	IsControl   bool
	IsDuplicate bool
	// Frame is the received LL PDU as it arrived on the air (possibly
	// CRC-corrupted), for consumers that need the raw bytes.
	Frame []byte
}

// ChannelMapUpdated is emitted by both endpoints at the instant a pending
// channel-map update commits (spec.md §4.9).
type ChannelMapUpdated struct {
	Time            clock.Micros
	PeerName        string
	PeerID          string
	UsedChannelList []int
}

// ConnectionEventEnded is emitted once per finished connection event
// (spec.md §4.3 step 1).
type ConnectionEventEnded struct {
	Time       clock.Micros
	Counter    uint16
	TxPackets  int
	RxPackets  int
	CRCFailed  int
}

// Sink receives the four observable event kinds. Subscribers (classifier,
// PCAP writer, visualizer) implement the methods they care about and
// leave the rest as no-ops via NopSink embedding.
type Sink interface {
	OnPacketTransmissionStarted(PacketTransmissionStarted)
	OnPacketReceptionEnded(PacketReceptionEnded)
	OnChannelMapUpdated(ChannelMapUpdated)
	OnConnectionEventEnded(ConnectionEventEnded)
}

// NopSink implements Sink with no-ops; embed it to pick only the events a
// subscriber cares about.
type NopSink struct{}

func (NopSink) OnPacketTransmissionStarted(PacketTransmissionStarted) {}
func (NopSink) OnPacketReceptionEnded(PacketReceptionEnded)           {}
func (NopSink) OnChannelMapUpdated(ChannelMapUpdated)                 {}
func (NopSink) OnConnectionEventEnded(ConnectionEventEnded)           {}

// Multi fans one subscriber's calls out to several sinks in order, the
// way spec.md §9 describes the classifier, trace writer, and visualizer
// each subscribing independently.
type Multi []Sink

func (m Multi) OnPacketTransmissionStarted(e PacketTransmissionStarted) {
	for _, s := range m {
		s.OnPacketTransmissionStarted(e)
	}
}
func (m Multi) OnPacketReceptionEnded(e PacketReceptionEnded) {
	for _, s := range m {
		s.OnPacketReceptionEnded(e)
	}
}
func (m Multi) OnChannelMapUpdated(e ChannelMapUpdated) {
	for _, s := range m {
		s.OnChannelMapUpdated(e)
	}
}
func (m Multi) OnConnectionEventEnded(e ConnectionEventEnded) {
	for _, s := range m {
		s.OnConnectionEventEnded(e)
	}
}
