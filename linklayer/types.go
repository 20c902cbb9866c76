// Package linklayer implements the per-connection BLE Link Layer state
// machine of spec.md §4.3-§4.5 and §4.9: connection events, packet
// selection, reception processing, the continuation predicate, and the
// in-band channel-map-update procedure. It is the largest single
// component of the simulator (spec.md §2).
package linklayer

import (
	"github.com/user/blesim/channel"
	"github.com/user/blesim/clock"
	"github.com/user/blesim/phy"
)

// Role distinguishes the two endpoints of one connection (spec.md §3).
type Role uint8

const (
	Central Role = iota
	Peripheral
)

func (r Role) String() string {
	if r == Central {
		return "central"
	}
	return "peripheral"
}

// State is one of the four FSM states of spec.md §4.3.
type State uint8

const (
	StateSleep State = iota
	StateTransmit
	StateReceive
	StateStandby
)

func (s State) String() string {
	switch s {
	case StateSleep:
		return "sleep"
	case StateTransmit:
		return "transmit"
	case StateReceive:
		return "receive"
	case StateStandby:
		return "standby"
	default:
		return "unknown"
	}
}

// Config is the Connection Configuration of spec.md §3, immutable for the
// life of the connection. The map committed by the channel-map-update
// procedure is kept in Context.UsedChannels; Config is not changed.
type Config struct {
	AccessAddress      uint32
	HopIncrement       uint8
	CRCSeed            uint32
	PHYMode            phy.Mode
	ConnInterval       clock.Micros
	ActivePeriod       clock.Micros
	ConnOffset         clock.Micros
	SupervisionTimeout clock.Micros
	InstantOffset      uint16 // >=6, <=255
	InitialUsedChannels channel.Map

	Role Role

	// LocalName/LocalID identify this endpoint; RemoteName/RemoteID/RemoteLinkID
	// identify the peer and the medium registration key used to reach it.
	LocalName    string
	LocalID      string
	RemoteName   string
	RemoteID     string
	RemoteLinkID string

	QueueCapacity int

	// ClassifyPeriod, when non-zero, arms a periodic classifier Tick on
	// this connection (spec.md §4.7: "invoked by an externally scheduled
	// periodic callback, default every 2 s"). Only meaningful for a
	// Central connection holding a classifier.
	ClassifyPeriod clock.Micros
}

// Context is the Connection Context of spec.md §3: all of the connection's
// mutable state.
type Context struct {
	State State

	SN   bool
	NESN bool

	LastTxInFlight      bool
	LastTxFrame         []byte
	LastTxIsControl     bool
	LastTxIsEmpty       bool
	LastTxAppTimestamp  clock.Micros
	LastTxTimestamp     clock.Micros

	RTTStart clock.Micros

	SupervisionDeadline clock.Micros

	TxMoreData   bool
	RxMoreData   bool
	PhyRxFailed  bool
	ModelTIFS    bool

	EventCounter        int64 // starts at -1, wraps logically at 65536 when read for the wire
	EventStartTime       clock.Micros
	EventTxPackets       int
	EventRxPackets       int
	EventCRCFailed       int
	ConsecutiveCRCFails  int

	CurrentChannel  int
	UsedChannels    channel.Map

	ChannelsClassified bool
	ClassificationSent bool
	ChannelUpdateAck   bool
	UpdateInProgress   bool
	PendingMap         channel.Map
	PendingInstant     int64
}

// MoreData reports the disjunction tx_more_data || rx_more_data of
// spec.md §3.
func (c *Context) MoreData() bool { return c.TxMoreData || c.RxMoreData }
