// Package scenario implements the scenario configuration surface of
// spec.md §6: a human-editable description of nodes, connections,
// classifier choice, path-loss environments, and periodic scheduler
// actions, built into a runnable Scenario. Build-time validation produces
// the aggregated configuration errors of spec.md §7.1; none of them are
// runtime-recoverable.
package scenario

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/user/blesim/channel"
	"github.com/user/blesim/classifier"
	"github.com/user/blesim/clock"
	"github.com/user/blesim/events"
	"github.com/user/blesim/linklayer"
	"github.com/user/blesim/logger"
	"github.com/user/blesim/node"
	"github.com/user/blesim/pcaptrace"
	"github.com/user/blesim/phy"
)

// TrafficSpec describes a constant-rate payload generator attached to one
// side of a connection.
type TrafficSpec struct {
	PayloadLength int
	Period        clock.Micros
}

// NodeSpec is one entry in the scenario's node-spec list (spec.md §6
// "Node configuration contract"). Role is "central" or "peripheral";
// anything else is a configuration error.
type NodeSpec struct {
	Name string
	// ID distinguishes nodes sharing a Name across runs; left empty, Build
	// generates one. Used as the "<NodeID>" component of PCAP filenames
	// (spec.md §6).
	ID                   string
	Position             node.Position
	Role                 string
	TxPowerDBm           int
	RxSensitivityDBm     int
	NoiseFigureDB        float64
	ReceiverRangeM       float64
	InterferenceFidelity int
	PollInterval         clock.Micros
}

// ClassifierSpec selects and parameterizes the classifier a central
// connection runs (spec.md §6 "classifier choice and parameters").
type ClassifierSpec struct {
	Kind           string // "", "baseline", or "eafh"
	Baseline       classifier.BaselineConfig
	ClassifyPeriod clock.Micros
}

// ConnectionSpec is one entry in the scenario's connection-spec list.
// CentralNode/PeripheralNode reference NodeSpec.Name.
type ConnectionSpec struct {
	Name                string
	CentralNode         string
	PeripheralNode      string
	AccessAddress       uint32
	HopIncrement        uint8
	CRCSeed             uint32
	PHYMode             phy.Mode
	ConnInterval        clock.Micros
	ActivePeriod        clock.Micros
	ConnOffset          clock.Micros
	SupervisionTimeout  clock.Micros
	InstantOffset       uint16
	InitialUsedChannels []int
	QueueCapacity       int
	Classifier          ClassifierSpec
	CentralTraffic      *TrafficSpec
	PeripheralTraffic   *TrafficSpec
	// PathLoss selects this connection's outcome model; nil defaults to a
	// zero-loss medium (spec.md §8 scenario 1), unless RandomLossProbability
	// is also set.
	PathLoss phy.OutcomeModel
	// RandomLossProbability, when PathLoss is nil and this is > 0, builds a
	// phy.RandomLossModel drawing from the scenario's own seeded RNG
	// (spec.md §9's single shared stream) rather than requiring the caller
	// to own one.
	RandomLossProbability float64
	// PropagationDelay models a fixed RF travel time.
	PropagationDelay clock.Micros
}

// PeriodicAction is one entry in the scenario's periodic-scheduler-action
// list (spec.md §6): a callback tagged for logging, fired every Every
// microseconds starting at At.
type PeriodicAction struct {
	At    clock.Micros
	Every clock.Micros
	Tag   string
	Fn    func(now clock.Micros)
}

// Config is the full human-editable scenario configuration surface of
// spec.md §6.
type Config struct {
	Seed            int64
	DurationSeconds float64
	Nodes           []NodeSpec
	Connections     []ConnectionSpec
	PeriodicActions []PeriodicAction
	// PCAPPath, if non-empty, is the directory PCAP traces are written
	// into, one file per node (spec.md §6 PCAP export naming).
	PCAPPath string
	// PCAPExtension is ".pcap" or ".pcapng"; any other value is a build
	// error. When empty, Build validates the extension of PCAPPath itself
	// instead, and the trace files are written with ".pcap".
	PCAPExtension string
}

// Scenario is a built, runnable simulation.
type Scenario struct {
	Scheduler    *clock.Scheduler
	RNG          *rand.Rand
	Nodes        map[string]*node.Node
	Connections  map[string]*linklayer.Connection
	Duration     clock.Micros
	traceWriters []*pcaptrace.Writer
}

// Run drives the scenario to completion, then closes any PCAP trace
// streams opened for it.
func (s *Scenario) Run() {
	s.Scheduler.RunUntil(s.Duration)
	for _, w := range s.traceWriters {
		w.Close()
	}
}

// Build validates cfg and wires a Scenario. Every validation failure
// (spec.md §7.1) is collected and returned together rather than failing
// fast, so a config with several mistakes reports all of them at once.
func Build(cfg Config, sink events.Sink) (*Scenario, []error) {
	var errs []error

	if sink == nil {
		sink = events.NopSink{}
	}

	nodeSpecs := make(map[string]NodeSpec, len(cfg.Nodes))
	for _, ns := range cfg.Nodes {
		switch ns.Role {
		case "central", "peripheral":
		default:
			errs = append(errs, fmt.Errorf("scenario: node %q has unknown role %q", ns.Name, ns.Role))
		}
		nodeSpecs[ns.Name] = ns
	}

	if cfg.PCAPPath != "" {
		ext := cfg.PCAPExtension
		if ext == "" {
			ext = filepath.Ext(cfg.PCAPPath)
		}
		if ext != ".pcap" && ext != ".pcapng" {
			errs = append(errs, fmt.Errorf("scenario: unknown PCAP file extension %q", ext))
		}
	}

	centralIntervals := map[string]clock.Micros{}
	centralAccessAddrs := map[string]map[uint32]bool{}
	peripheralCounts := map[string]int{}
	for _, cs := range cfg.Connections {
		peripheralCounts[cs.CentralNode]++
	}

	for _, cs := range cfg.Connections {
		if len(cs.InitialUsedChannels) < 2 {
			errs = append(errs, fmt.Errorf("scenario: connection %q has only %d initial used channels, need >= 2", cs.Name, len(cs.InitialUsedChannels)))
		}

		maxDur := phy.MaxPacketDuration(cs.PHYMode)
		minInterval := 2 * (maxDur + phy.TIFS) * clock.Micros(peripheralCounts[cs.CentralNode])
		if cs.ConnInterval < minInterval {
			errs = append(errs, fmt.Errorf("scenario: connection %q interval %d us is below the minimum %d us for %d peripheral(s) on central %q", cs.Name, cs.ConnInterval, minInterval, peripheralCounts[cs.CentralNode], cs.CentralNode))
		}

		if want, ok := centralIntervals[cs.CentralNode]; ok && want != cs.ConnInterval {
			errs = append(errs, fmt.Errorf("scenario: central %q has connections with differing intervals (%d vs %d us)", cs.CentralNode, want, cs.ConnInterval))
		} else {
			centralIntervals[cs.CentralNode] = cs.ConnInterval
		}

		if centralAccessAddrs[cs.CentralNode] == nil {
			centralAccessAddrs[cs.CentralNode] = map[uint32]bool{}
		}
		if centralAccessAddrs[cs.CentralNode][cs.AccessAddress] {
			errs = append(errs, fmt.Errorf("scenario: central %q has two connections sharing access address 0x%08X", cs.CentralNode, cs.AccessAddress))
		}
		centralAccessAddrs[cs.CentralNode][cs.AccessAddress] = true

		if cs.Classifier.Kind == "baseline" {
			pmg := cs.Classifier.Baseline.PreferredMinGood
			if pmg < 2 || pmg > channel.NumDataChannels {
				errs = append(errs, fmt.Errorf("scenario: connection %q baseline preferred-minimum-good %d outside [2, %d]", cs.Name, pmg, channel.NumDataChannels))
			}
		}

		if _, ok := nodeSpecs[cs.CentralNode]; !ok {
			errs = append(errs, fmt.Errorf("scenario: connection %q references unknown central node %q", cs.Name, cs.CentralNode))
		}
		if _, ok := nodeSpecs[cs.PeripheralNode]; !ok {
			errs = append(errs, fmt.Errorf("scenario: connection %q references unknown peripheral node %q", cs.Name, cs.PeripheralNode))
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	sched := clock.New()
	rng := rand.New(rand.NewSource(cfg.Seed))

	nodes := make(map[string]*node.Node, len(cfg.Nodes))
	for _, ns := range cfg.Nodes {
		role := linklayer.Peripheral
		if ns.Role == "central" {
			role = linklayer.Central
		}
		id := ns.ID
		if id == "" {
			id = uuid.NewString()
		}
		nodes[ns.Name] = node.New(node.Config{
			Name:                 ns.Name,
			ID:                   id,
			Position:             ns.Position,
			Role:                 role,
			TxPowerDBm:           ns.TxPowerDBm,
			RxSensitivityDBm:     ns.RxSensitivityDBm,
			NoiseFigureDB:        ns.NoiseFigureDB,
			ReceiverRangeM:       ns.ReceiverRangeM,
			InterferenceFidelity: ns.InterferenceFidelity,
			PollInterval:         ns.PollInterval,
		}, sched)
	}

	connections := make(map[string]*linklayer.Connection, len(cfg.Connections))
	traceWriters := map[string]*pcaptrace.Writer{}
	runStart := time.Now()
	nodeWriter := func(name string) *pcaptrace.Writer {
		if cfg.PCAPPath == "" {
			return nil
		}
		if w, ok := traceWriters[name]; ok {
			return w
		}
		ext := cfg.PCAPExtension
		if ext == "" {
			ext = ".pcap"
		}
		w, err := pcaptrace.New(cfg.PCAPPath, name, nodes[name].ID(), ext, runStart)
		if err != nil {
			logger.Error("scenario", "could not open PCAP trace for node %q: %v", name, err)
			return nil
		}
		traceWriters[name] = w
		return w
	}

	for _, cs := range cfg.Connections {
		usedMap, err := channel.NewMap(cs.InitialUsedChannels)
		if err != nil {
			return nil, []error{fmt.Errorf("scenario: connection %q: %w", cs.Name, err)}
		}

		model := cs.PathLoss
		if model == nil && cs.RandomLossProbability > 0 {
			model = phy.RandomLossModel{RNG: rng, LossProbability: cs.RandomLossProbability}
		}
		if model == nil {
			model = phy.AlwaysDeliver{}
		}
		medium := phy.NewMedium(sched, model, cs.PropagationDelay)

		centralLinkID := cs.Name + ":central"
		peripheralLinkID := cs.Name + ":peripheral"

		base := linklayer.Config{
			AccessAddress:       cs.AccessAddress,
			HopIncrement:        cs.HopIncrement,
			CRCSeed:             cs.CRCSeed,
			PHYMode:             cs.PHYMode,
			ConnInterval:        cs.ConnInterval,
			ActivePeriod:        cs.ActivePeriod,
			ConnOffset:          cs.ConnOffset,
			SupervisionTimeout:  cs.SupervisionTimeout,
			InstantOffset:       cs.InstantOffset,
			InitialUsedChannels: usedMap,
			QueueCapacity:       cs.QueueCapacity,
		}

		var cl classifier.Classifier
		switch cs.Classifier.Kind {
		case "baseline":
			cl = classifier.NewBaseline(cs.Classifier.Baseline, usedMap)
		case "eafh":
			cl = classifier.NewEAFH(usedMap)
		}

		centralCfg := base
		centralCfg.Role = linklayer.Central
		centralCfg.LocalName, centralCfg.LocalID = cs.CentralNode, centralLinkID
		centralCfg.RemoteName, centralCfg.RemoteID, centralCfg.RemoteLinkID = cs.PeripheralNode, peripheralLinkID, peripheralLinkID
		centralCfg.ClassifyPeriod = cs.Classifier.ClassifyPeriod

		peripheralCfg := base
		peripheralCfg.Role = linklayer.Peripheral
		peripheralCfg.LocalName, peripheralCfg.LocalID = cs.PeripheralNode, peripheralLinkID
		peripheralCfg.RemoteName, peripheralCfg.RemoteID, peripheralCfg.RemoteLinkID = cs.CentralNode, centralLinkID, centralLinkID

		centralSink := sinkFor(sink, nodeWriter(cs.CentralNode), true, cs.AccessAddress, cs.PHYMode)
		peripheralSink := sinkFor(sink, nodeWriter(cs.PeripheralNode), false, cs.AccessAddress, cs.PHYMode)

		centralConn := linklayer.NewConnection(centralCfg, sched, medium, centralSink, cl)
		peripheralConn := linklayer.NewConnection(peripheralCfg, sched, medium, peripheralSink, nil)

		medium.Register(centralLinkID, centralConn)
		medium.Register(peripheralLinkID, peripheralConn)

		connections[cs.Name+":central"] = centralConn
		connections[cs.Name+":peripheral"] = peripheralConn

		var centralSource, peripheralSource node.TrafficSource
		if cs.CentralTraffic != nil {
			centralSource = &node.PeriodicSource{PayloadLength: cs.CentralTraffic.PayloadLength, Period: cs.CentralTraffic.Period}
		}
		if cs.PeripheralTraffic != nil {
			peripheralSource = &node.PeriodicSource{PayloadLength: cs.PeripheralTraffic.PayloadLength, Period: cs.PeripheralTraffic.Period}
		}
		nodes[cs.CentralNode].AddConnection(centralConn, centralSource)
		nodes[cs.PeripheralNode].AddConnection(peripheralConn, peripheralSource)
	}

	for _, n := range nodes {
		n.Start()
	}

	for _, pa := range cfg.PeriodicActions {
		tag, fn := pa.Tag, pa.Fn
		sched.Schedule(pa.At, pa.Every, func(now clock.Micros) {
			logger.Debug("scenario", "periodic action %q fired at %d", tag, now)
			if fn != nil {
				fn(now)
			}
		})
	}

	durationMicros := clock.Micros(cfg.DurationSeconds * 1e6)

	writers := make([]*pcaptrace.Writer, 0, len(traceWriters))
	for _, w := range traceWriters {
		writers = append(writers, w)
	}

	return &Scenario{Scheduler: sched, RNG: rng, Nodes: nodes, Connections: connections, Duration: durationMicros, traceWriters: writers}, nil
}

// sinkFor fans the scenario's caller-supplied sink out to a node's PCAP
// writer, when one is configured (spec.md §6 PCAP export). A nil writer
// (no PCAPPath, or the trace file failed to open) leaves sink untouched.
func sinkFor(sink events.Sink, w *pcaptrace.Writer, isCentral bool, accessAddress uint32, mode phy.Mode) events.Sink {
	if w == nil {
		return sink
	}
	return events.Multi{sink, pcaptrace.Sink{Writer: w, LocalIsCentral: isCentral, AccessAddress: accessAddress, PHYMode: mode}}
}
