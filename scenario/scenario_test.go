package scenario

import (
	"testing"

	"github.com/user/blesim/clock"
	"github.com/user/blesim/node"
	"github.com/user/blesim/phy"
)

func losslessPairConfig() Config {
	return Config{
		Seed:            1,
		DurationSeconds: 1,
		Nodes: []NodeSpec{
			{Name: "Laptop", Role: "central", Position: node.Position{X: 15, Y: 6, Z: 3}},
			{Name: "Headset", Role: "peripheral", Position: node.Position{X: 15, Y: 7, Z: 3.5}},
		},
		Connections: []ConnectionSpec{
			{
				Name:                "link",
				CentralNode:         "Laptop",
				PeripheralNode:      "Headset",
				AccessAddress:       0x487647F2,
				HopIncrement:        7,
				CRCSeed:             0x555555,
				PHYMode:             phy.LE1M,
				ConnInterval:        10_000,
				ActivePeriod:        10_000,
				SupervisionTimeout:  6_000_000,
				InstantOffset:       6,
				InitialUsedChannels: allChannels(),
				QueueCapacity:       32,
				CentralTraffic:      &TrafficSpec{PayloadLength: 50, Period: 10_000},
				PeripheralTraffic:   &TrafficSpec{PayloadLength: 50, Period: 10_000},
			},
		},
	}
}

func allChannels() []int {
	out := make([]int, 37)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestBuildRejectsUnknownRole(t *testing.T) {
	cfg := losslessPairConfig()
	cfg.Nodes[0].Role = "advertiser"
	_, errs := Build(cfg, nil)
	if len(errs) == 0 {
		t.Fatal("expected a validation error for an unknown role")
	}
}

func TestBuildRejectsTooFewUsedChannels(t *testing.T) {
	cfg := losslessPairConfig()
	cfg.Connections[0].InitialUsedChannels = []int{3}
	_, errs := Build(cfg, nil)
	if len(errs) == 0 {
		t.Fatal("expected a validation error for too few used channels")
	}
}

func TestBuildRejectsShortConnectionInterval(t *testing.T) {
	cfg := losslessPairConfig()
	cfg.Connections[0].ConnInterval = 1
	cfg.Connections[0].ActivePeriod = 1
	_, errs := Build(cfg, nil)
	if len(errs) == 0 {
		t.Fatal("expected a validation error for too-short connection interval")
	}
}

func TestBuildRejectsAccessAddressCollision(t *testing.T) {
	cfg := losslessPairConfig()
	cfg.Nodes = append(cfg.Nodes, NodeSpec{Name: "Headset2", Role: "peripheral"})
	second := cfg.Connections[0]
	second.Name = "link2"
	second.PeripheralNode = "Headset2"
	cfg.Connections = append(cfg.Connections, second)
	_, errs := Build(cfg, nil)
	if len(errs) == 0 {
		t.Fatal("expected a validation error for duplicate access address on one central")
	}
}

func TestBuildRejectsUnknownPCAPExtension(t *testing.T) {
	cfg := losslessPairConfig()
	cfg.PCAPPath = "trace.bin"
	_, errs := Build(cfg, nil)
	if len(errs) == 0 {
		t.Fatal("expected a validation error for an unrecognized PCAP extension")
	}
}

func TestLosslessScenarioRunsWithoutChannelMapUpdates(t *testing.T) {
	cfg := losslessPairConfig()
	s, errs := Build(cfg, nil)
	if len(errs) != 0 {
		t.Fatalf("unexpected build errors: %v", errs)
	}
	s.Run()

	central := s.Connections["link:central"]
	if !central.Active() {
		t.Fatal("central connection should still be active after a lossless 1s run")
	}
	if central.Stats().RetransmittedPackets != 0 {
		t.Fatalf("retransmitted packets = %d, want 0", central.Stats().RetransmittedPackets)
	}
	if s.Scheduler.Now() != clock.Micros(1_000_000) {
		t.Fatalf("scheduler time = %d, want 1_000_000", s.Scheduler.Now())
	}
}
