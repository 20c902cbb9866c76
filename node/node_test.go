package node

import (
	"testing"

	"github.com/user/blesim/channel"
	"github.com/user/blesim/clock"
	"github.com/user/blesim/events"
	"github.com/user/blesim/linklayer"
	"github.com/user/blesim/phy"
)

func TestNodeDrainsTrafficSourceIntoQueue(t *testing.T) {
	sched := clock.New()
	medium := phy.NewMedium(sched, phy.AlwaysDeliver{}, 0)

	cfg := linklayer.Config{
		AccessAddress:       0x487647F2,
		HopIncrement:        7,
		CRCSeed:             0x555555,
		PHYMode:             phy.LE1M,
		ConnInterval:        10_000,
		ActivePeriod:        10_000,
		SupervisionTimeout:  6_000_000,
		InstantOffset:       6,
		InitialUsedChannels: channel.Full(),
		QueueCapacity:       32,
		Role:                linklayer.Central,
		LocalName:           "Laptop", LocalID: "central",
		RemoteName: "Headset", RemoteID: "peripheral", RemoteLinkID: "peripheral",
	}
	conn := linklayer.NewConnection(cfg, sched, medium, events.NopSink{}, nil)
	medium.Register("central", conn)

	n := New(Config{Name: "Laptop", Role: linklayer.Central, PollInterval: 1_000}, sched)
	n.AddConnection(conn, &PeriodicSource{PayloadLength: 50, Period: 10_000})

	// RunAt only feeds active connections. Starting first also puts the
	// connection's t=0 event ahead of the poll, so it finds the queue empty.
	conn.Start()
	sched.Schedule(0, 0, func(now clock.Micros) { n.RunAt(now) })
	sched.RunUntil(5_000)

	if conn.Queue().Len() == 0 {
		t.Fatal("expected the traffic source to have enqueued at least one payload")
	}
}
