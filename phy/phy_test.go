package phy

import "testing"

func TestPacketAirTimeGrowsWithLength(t *testing.T) {
	short := PacketAirTime(LE1M, 10)
	long := PacketAirTime(LE1M, 200)
	if long <= short {
		t.Fatalf("long=%d should exceed short=%d", long, short)
	}
}

func TestCodedPHYIsSlowerThanUncoded(t *testing.T) {
	if PacketAirTime(LE125K, 50) <= PacketAirTime(LE1M, 50) {
		t.Fatal("LE125K must take longer on air than LE1M for the same frame")
	}
	if PacketAirTime(LE2M, 50) >= PacketAirTime(LE1M, 50) {
		t.Fatal("LE2M must take less time on air than LE1M for the same frame")
	}
}

func TestMaxPacketDurationExceedsAnySmallerFrame(t *testing.T) {
	if MaxPacketDuration(LE1M) <= PacketAirTime(LE1M, 30) {
		t.Fatal("max packet duration should bound smaller frames")
	}
}
