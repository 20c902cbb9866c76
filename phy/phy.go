// Package phy stands in for the RF path-loss/antenna model and PHY Tx/Rx
// stubs that spec.md §1 names as external collaborators: it is not part of
// the specified core, but something has to deliver bytes from one
// connection's transmitter to the other's receiver inside the simulation.
// It is grounded on the teacher's Simulator outcome-generation loop
// (formerly wire/simulation.go) reworked around the clock's virtual time
// instead of goroutines and real sockets.
package phy

import "github.com/user/blesim/clock"

// Mode is the over-the-air PHY in use, spec.md §3.
type Mode uint8

const (
	LE1M Mode = iota
	LE2M
	LE500K
	LE125K
)

func (m Mode) String() string {
	switch m {
	case LE1M:
		return "LE1M"
	case LE2M:
		return "LE2M"
	case LE500K:
		return "LE500K"
	case LE125K:
		return "LE125K"
	default:
		return "unknown"
	}
}

// bitRateKbps and codingFactor model the approximate on-air cost of each
// PHY: LE Coded repeats every symbol S times (S=2 for 500 kb/s, S=8 for
// 125 kb/s) on top of the 1 Mb/s symbol rate.
func bitRateKbps(m Mode) float64 {
	switch m {
	case LE2M:
		return 2000
	case LE500K, LE125K:
		return 1000
	default:
		return 1000
	}
}

func codingFactor(m Mode) float64 {
	switch m {
	case LE500K:
		return 2
	case LE125K:
		return 8
	default:
		return 1
	}
}

// airOverheadBits approximates the preamble, access address and other
// fixed per-packet air overhead, excluding the LL header, payload and CRC
// bytes already counted in the caller's frame length.
const airOverheadBits = 80

// PacketAirTime estimates the on-air duration of a frame of frameLen bytes
// (header + payload + CRC, as produced by the pdu package) on the given
// PHY, rounded to whole microseconds.
func PacketAirTime(mode Mode, frameLen int) clock.Micros {
	bits := float64(airOverheadBits+8*frameLen) * codingFactor(mode)
	us := bits / bitRateKbps(mode) * 1000
	return clock.Micros(us + 0.5)
}

// MaxPacketDuration is the air time of the largest possible LL frame
// (251-byte payload plus pdu.FrameOverhead), used to size receive windows
// and the continuation predicate's 2*(max_packet_duration+TIFS) floor.
func MaxPacketDuration(mode Mode) clock.Micros {
	const maxFrameLen = 251 + 5 // payload + pdu.FrameOverhead (2-byte header + 3-byte CRC)
	return PacketAirTime(mode, maxFrameLen)
}

// TIFS is the fixed 150us idle period between consecutive LL packets on
// the same channel (spec.md Glossary).
const TIFS clock.Micros = 150
