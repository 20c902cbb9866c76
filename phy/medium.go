package phy

import (
	"fmt"
	"math/rand"

	"github.com/user/blesim/clock"
	"github.com/user/blesim/pdu"
)

// Transmission is one record handed to the medium by a transmitting
// connection (spec.md §6 "PHY Tx stub input").
type Transmission struct {
	AccessAddress  uint32
	Channel        int
	Mode           Mode
	TxPowerDBm     int
	Frame          []byte
	LLTimestamp    clock.Micros
	AppTimestamp   clock.Micros
	PacketDuration clock.Micros
	FromID         string
}

// Outcome is the medium's verdict for one transmission reaching one
// listener: whether it arrives at all (PHY-level RxEnd vs. an implicit
// listen-timeout failure, spec.md §6) and, if it arrives, whether its CRC
// survives.
type Outcome struct {
	Delivered  bool
	CorruptCRC bool
	RSSIDBm    int
	SINRDB     float64
}

// OutcomeModel decides, for one transmission addressed to one listener,
// whether and how it arrives. Implementations stand in for the external
// path-loss/antenna/interferer model of spec.md §1.
type OutcomeModel interface {
	Evaluate(tx Transmission, toID string) Outcome
}

// AlwaysDeliver is the zero-loss default outcome model used by scenario 1
// of spec.md §8.
type AlwaysDeliver struct{}

func (AlwaysDeliver) Evaluate(Transmission, string) Outcome {
	return Outcome{Delivered: true, RSSIDBm: -40, SINRDB: 30}
}

// ChannelFailureModel forces CRC failure (or, optionally, a full PHY miss)
// on a fixed set of channels and delivers everything else cleanly. It is
// grounded on spec.md §8 scenarios 2-4, which inject a "synthetic PHY"
// that misbehaves only on named channels.
type ChannelFailureModel struct {
	BadChannels map[int]bool
	// FullMiss, when true, makes bad channels fail at the PHY level
	// (implicit listen timeout) instead of only corrupting the CRC.
	FullMiss bool
}

func (m ChannelFailureModel) Evaluate(tx Transmission, _ string) Outcome {
	if m.BadChannels[tx.Channel] {
		if m.FullMiss {
			return Outcome{Delivered: false}
		}
		return Outcome{Delivered: true, CorruptCRC: true, RSSIDBm: -70, SINRDB: 2}
	}
	return Outcome{Delivered: true, RSSIDBm: -40, SINRDB: 30}
}

// RandomLossModel corrupts a packet's CRC with probability LossProbability,
// drawing from a single RNG stream shared across the scenario (spec.md §9:
// "node jitter, packet corruption, and scenario randomness share one
// seeded stream passed explicitly").
type RandomLossModel struct {
	RNG             *rand.Rand
	LossProbability float64
}

func (m RandomLossModel) Evaluate(Transmission, string) Outcome {
	if m.RNG.Float64() < m.LossProbability {
		return Outcome{Delivered: true, CorruptCRC: true, RSSIDBm: -85, SINRDB: -2}
	}
	return Outcome{Delivered: true, RSSIDBm: -50, SINRDB: 20}
}

// Receiver is implemented by a connection endpoint so the Medium can
// deliver or fail a transmission addressed to it.
type Receiver interface {
	DeliverRX(now clock.Micros, tx Transmission, outcome Outcome)
	ReceiveTimeout(now clock.Micros)
}

// Medium routes transmissions between registered endpoints and applies an
// OutcomeModel to decide delivery. It replaces the teacher's
// socket-per-connection wire transport with a single in-process router
// driven by the shared scheduler, since every endpoint lives in the same
// simulated process.
type Medium struct {
	scheduler        *clock.Scheduler
	model            OutcomeModel
	receivers        map[string]Receiver
	propagationDelay clock.Micros
}

// NewMedium creates a medium driven by scheduler, judging every delivery
// with model. propagationDelay models a fixed RF travel time; scenarios
// with negligible path loss (spec.md §8 scenario 1) pass 0.
func NewMedium(scheduler *clock.Scheduler, model OutcomeModel, propagationDelay clock.Micros) *Medium {
	return &Medium{scheduler: scheduler, model: model, receivers: make(map[string]Receiver), propagationDelay: propagationDelay}
}

// Register associates id with the receiver that should be notified when a
// transmission addressed to id arrives.
func (m *Medium) Register(id string, r Receiver) {
	m.receivers[id] = r
}

// Send schedules delivery (or failure) of tx to the endpoint registered as
// toID, at tx's own send time plus its air time and the medium's
// propagation delay.
func (m *Medium) Send(tx Transmission, toID string) error {
	r, ok := m.receivers[toID]
	if !ok {
		return fmt.Errorf("phy: no receiver registered for %q", toID)
	}
	arrival := tx.LLTimestamp + tx.PacketDuration + m.propagationDelay
	outcome := m.model.Evaluate(tx, toID)
	m.scheduler.Schedule(arrival, 0, func(now clock.Micros) {
		if !outcome.Delivered {
			r.ReceiveTimeout(now)
			return
		}
		delivered := tx
		if outcome.CorruptCRC {
			delivered.Frame = pdu.CorruptCRC(tx.Frame)
		}
		r.DeliverRX(now, delivered, outcome)
	})
	return nil
}
