// Package node implements the Node Orchestrator of spec.md §4.10: it wires
// a node's traffic sources into its connections' queues and drives those
// connections to completion via the shared clock.Scheduler. Per-connection
// packet exchange, retransmission, and channel selection already live in
// the linklayer package and self-schedule through the Medium; the node's
// remaining job is polling traffic sources (step 1 of §4.10) and exposing
// the node's connections and statistics to the scenario and trace writer.
package node

import (
	"github.com/user/blesim/clock"
	"github.com/user/blesim/linklayer"
)

// TrafficSource is the lazy byte-stream generator contract of spec.md §6:
// polled until it yields ok=false for the current tick.
type TrafficSource interface {
	Next(now clock.Micros) (payload []byte, timestamp clock.Micros, ok bool)
}

// Position is a node's fixed Cartesian placement (metres), part of the
// node configuration contract of spec.md §6.
type Position struct {
	X, Y, Z float64
}

// Config is the node configuration contract of spec.md §6.
type Config struct {
	Name string
	// ID distinguishes nodes that share a Name across reruns; the PCAP
	// trace writer uses it as the "<NodeID>" component of its filename
	// (spec.md §6).
	ID                   string
	Position             Position
	Role                 linklayer.Role
	TxPowerDBm           int // [-20, 20]
	RxSensitivityDBm     int
	NoiseFigureDB        float64
	ReceiverRangeM       float64
	InterferenceFidelity int // 0 or 1
	// PollInterval is how often the node polls its traffic sources for new
	// application payloads (spec.md §4.10 step 1).
	PollInterval clock.Micros
}

// DefaultPollInterval matches one connection-interval worth of headroom
// for typical BLE scenarios; callers with tighter intervals should set
// Config.PollInterval explicitly.
const DefaultPollInterval clock.Micros = 1_000

// horizon stands in for "run until the scenario ends" when driving a
// node's traffic-source poll loop: the scenario's own RunUntil(duration)
// bounds actual execution, so this only needs to exceed any realistic
// simulation length.
const horizon clock.Micros = 1 << 40

// binding pairs one connection with its traffic source, when it has one.
type binding struct {
	conn   *linklayer.Connection
	source TrafficSource
}

// Node owns one or more link-layer connections (more than one only for a
// Central with several peripherals) and the traffic sources that feed
// their queues.
type Node struct {
	cfg       Config
	scheduler *clock.Scheduler
	bindings  []binding
}

// New returns a Node ready to have connections attached via AddConnection.
func New(cfg Config, scheduler *clock.Scheduler) *Node {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Node{cfg: cfg, scheduler: scheduler}
}

// Name returns the node's configured name.
func (n *Node) Name() string { return n.cfg.Name }

// ID returns the node's configured identifier.
func (n *Node) ID() string { return n.cfg.ID }

// Config returns the node's configuration, including the fields (position,
// tx power, sensitivity, noise figure, receiver range, interference
// fidelity) a path-loss model or PCAP writer keys on.
func (n *Node) Config() Config { return n.cfg }

// AddConnection attaches a connection this node owns. source may be nil
// for a node with nothing to transmit (e.g. a pure receiver in a test).
func (n *Node) AddConnection(conn *linklayer.Connection, source TrafficSource) {
	n.bindings = append(n.bindings, binding{conn: conn, source: source})
}

// Connections returns the node's attached connections.
func (n *Node) Connections() []*linklayer.Connection {
	out := make([]*linklayer.Connection, 0, len(n.bindings))
	for _, b := range n.bindings {
		out = append(out, b.conn)
	}
	return out
}

// ActiveConnections returns only the connections that have not dropped to
// Standby.
func (n *Node) ActiveConnections() []*linklayer.Connection {
	out := make([]*linklayer.Connection, 0, len(n.bindings))
	for _, b := range n.bindings {
		if b.conn.Active() {
			out = append(out, b.conn)
		}
	}
	return out
}

// Start arms every connection and begins polling traffic sources.
func (n *Node) Start() {
	for _, b := range n.bindings {
		b.conn.Start()
	}
	n.scheduler.Drive(n.cfg.Name, n, horizon)
}

// RunAt implements clock.Runnable: spec.md §4.10 step 1, draining each
// bound traffic source into its connection's queue until the source has
// nothing left for this tick.
func (n *Node) RunAt(now clock.Micros) clock.Micros {
	for _, b := range n.bindings {
		if b.source == nil || !b.conn.Active() {
			continue
		}
		for {
			payload, ts, ok := b.source.Next(now)
			if !ok {
				break
			}
			b.conn.Queue().Enqueue(payload, ts)
		}
		b.conn.Stats().QueueOverflowCount = b.conn.Queue().Overflow()
	}
	return now + n.cfg.PollInterval
}
