package linklayer

import (
	"testing"

	"github.com/user/blesim/channel"
	"github.com/user/blesim/classifier"
	"github.com/user/blesim/clock"
	"github.com/user/blesim/events"
	"github.com/user/blesim/phy"
)

type pairOpts struct {
	model           phy.OutcomeModel
	withClassifier  bool
	classifyPeriod  clock.Micros
}

type pair struct {
	sched      *clock.Scheduler
	medium     *phy.Medium
	central    *Connection
	peripheral *Connection
}

func newPair(t *testing.T, opts pairOpts) *pair {
	t.Helper()
	sched := clock.New()
	model := opts.model
	if model == nil {
		model = phy.AlwaysDeliver{}
	}
	medium := phy.NewMedium(sched, model, 0)

	base := Config{
		AccessAddress:       0x487647F2,
		HopIncrement:        7,
		CRCSeed:             0x555555,
		PHYMode:             phy.LE1M,
		ConnInterval:        10_000,
		ActivePeriod:        10_000,
		ConnOffset:          0,
		SupervisionTimeout:  6_000_000,
		InstantOffset:       6,
		InitialUsedChannels: channel.Full(),
		QueueCapacity:       32,
	}

	var cl classifier.Classifier
	if opts.withClassifier {
		cl = classifier.NewBaseline(classifier.DefaultBaselineConfig(), channel.Full())
	}

	centralCfg := base
	centralCfg.Role = Central
	centralCfg.LocalName, centralCfg.LocalID = "Laptop", "central"
	centralCfg.RemoteName, centralCfg.RemoteID, centralCfg.RemoteLinkID = "Headset", "peripheral", "peripheral"
	centralCfg.ClassifyPeriod = opts.classifyPeriod

	peripheralCfg := base
	peripheralCfg.Role = Peripheral
	peripheralCfg.LocalName, peripheralCfg.LocalID = "Headset", "peripheral"
	peripheralCfg.RemoteName, peripheralCfg.RemoteID, peripheralCfg.RemoteLinkID = "Laptop", "central", "central"

	central := NewConnection(centralCfg, sched, medium, events.NopSink{}, cl)
	peripheral := NewConnection(peripheralCfg, sched, medium, events.NopSink{}, nil)

	medium.Register("central", central)
	medium.Register("peripheral", peripheral)

	return &pair{sched: sched, medium: medium, central: central, peripheral: peripheral}
}

func TestLosslessConnectionCompletesEventsWithoutRetransmits(t *testing.T) {
	p := newPair(t, pairOpts{})
	p.central.Start()
	p.peripheral.Start()

	for i := 0; i < 20; i++ {
		p.central.Queue().Enqueue(make([]byte, 50), p.sched.Now())
		p.peripheral.Queue().Enqueue(make([]byte, 50), p.sched.Now())
	}

	p.sched.RunUntil(1_000_000)

	if !p.central.Active() || !p.peripheral.Active() {
		t.Fatal("connection should remain active with a zero-loss PHY")
	}
	if p.central.Stats().RetransmittedPackets != 0 {
		t.Fatalf("central retransmitted %d packets, want 0", p.central.Stats().RetransmittedPackets)
	}
	if p.peripheral.Stats().RetransmittedPackets != 0 {
		t.Fatalf("peripheral retransmitted %d packets, want 0", p.peripheral.Stats().RetransmittedPackets)
	}
	if p.central.ctx.UsedChannels.Count() != channel.NumDataChannels {
		t.Fatalf("used channel set changed unexpectedly: %v", p.central.ctx.UsedChannels.Channels())
	}
	if p.central.Stats().TransmittedPackets == 0 {
		t.Fatal("expected at least one transmitted packet in 1s")
	}
}

func TestChannelMapIndicationCommitsAtInstant(t *testing.T) {
	p := newPair(t, pairOpts{})
	p.central.Start()
	p.peripheral.Start()

	// Force the central's next classifier tick-equivalent: push an update
	// directly as if the classifier had proposed a new map.
	p.sched.RunUntil(50_000) // let a few events pass
	newMap, _ := channel.NewMap([]int{5, 6, 7, 8, 9, 10})
	p.central.ctx.PendingMap = newMap
	p.central.ctx.ChannelsClassified = true

	p.sched.RunUntil(500_000)

	if p.central.ctx.UsedChannels.Equal(channel.Full()) {
		t.Fatal("central never committed the new channel map")
	}
	if !p.peripheral.ctx.UsedChannels.Equal(p.central.ctx.UsedChannels) {
		t.Fatalf("peripheral map %v != central map %v", p.peripheral.ctx.UsedChannels.Channels(), p.central.ctx.UsedChannels.Channels())
	}
}

func TestAckLossTerminatesConnection(t *testing.T) {
	// Force every reception at the peripheral to fail, so the central never
	// sees an acknowledgement for its channel-map indication.
	model := phy.ChannelFailureModel{BadChannels: map[int]bool{}, FullMiss: true}
	for c := 0; c < channel.NumDataChannels; c++ {
		model.BadChannels[c] = true
	}
	p := newPair(t, pairOpts{model: model})
	// Arm an update before the first event: the central sends the
	// indication at event 0 with instant 0+InstantOffset = 6.
	newMap, _ := channel.NewMap([]int{5, 6, 7, 8, 9, 10})
	p.central.ctx.PendingMap = newMap
	p.central.ctx.ChannelsClassified = true
	p.central.Start()
	p.peripheral.Start()

	p.sched.RunUntil(2_000_000)

	if p.central.Active() {
		t.Fatal("central should have terminated at the instant of its unacknowledged channel map update")
	}
}

func TestBaselineClassifierDrivesChannelMapUpdate(t *testing.T) {
	bad := map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true}
	model := phy.ChannelFailureModel{BadChannels: bad}
	p := newPair(t, pairOpts{model: model, withClassifier: true, classifyPeriod: 2_000_000})
	p.central.cfg.ClassifyPeriod = 2_000_000

	cfg := classifier.DefaultBaselineConfig()
	cfg.PERThreshold = 50
	p.central = NewConnection(p.central.cfg, p.sched, p.medium, events.NopSink{}, classifier.NewBaseline(cfg, channel.Full()))
	p.medium.Register("central", p.central)

	p.central.Start()
	p.peripheral.Start()

	for i := 0; i < 200; i++ {
		p.central.Queue().Enqueue(make([]byte, 20), p.sched.Now())
	}

	p.sched.RunUntil(10_000_000)

	if p.central.ctx.UsedChannels.Count() != channel.NumDataChannels-5 {
		t.Fatalf("used channel count = %d, want %d", p.central.ctx.UsedChannels.Count(), channel.NumDataChannels-5)
	}
	for bad := range bad {
		if p.central.ctx.UsedChannels.Has(bad) {
			t.Fatalf("channel %d should have been trained out", bad)
		}
	}
}
