package classifier

import (
	"github.com/user/blesim/channel"
	"github.com/user/blesim/events"
	"github.com/user/blesim/logger"
)

// outcome is a ring-buffer cell's tri-state: a cell is Empty iff the ring
// has not yet wrapped past it (spec.md §3 Reception Status Buffer).
type outcome uint8

const (
	outcomeEmpty outcome = iota
	outcomeSuccess
	outcomeFailure
)

// BaselineDefaults holds the documented defaults of spec.md §4.7.
const (
	DefaultRingSize            = 20
	DefaultPERThreshold        = 40 // percent
	DefaultPreferredMinGood    = 2
	DefaultMinReceptions       = 4
)

// BaselineConfig parameterizes the PER-based classifier.
type BaselineConfig struct {
	RingSize         int     // B >= MinReceptions
	PERThreshold     float64 // percent; channel marked bad when PER exceeds this
	PreferredMinGood int     // minimum good-channel count enforced after each sweep
	MinReceptions    int     // minimum non-empty cells before a channel is judged
}

// DefaultBaselineConfig returns the spec.md §4.7 defaults.
func DefaultBaselineConfig() BaselineConfig {
	return BaselineConfig{
		RingSize:         DefaultRingSize,
		PERThreshold:     DefaultPERThreshold,
		PreferredMinGood: DefaultPreferredMinGood,
		MinReceptions:    DefaultMinReceptions,
	}
}

type baselineChannel struct {
	ring   []outcome
	cursor int
}

// Baseline is the PER-based classifier of spec.md §4.7.
type Baseline struct {
	cfg      BaselineConfig
	initial  channel.Map
	good     channel.Map
	channels [channel.NumDataChannels]baselineChannel
}

// NewBaseline creates a baseline classifier. initial is the channel map to
// fall back to when too few channels remain good (spec.md §4.7).
func NewBaseline(cfg BaselineConfig, initial channel.Map) *Baseline {
	if cfg.RingSize < cfg.MinReceptions {
		cfg.RingSize = cfg.MinReceptions
	}
	b := &Baseline{cfg: cfg, initial: initial, good: initial}
	for c := range b.channels {
		b.channels[c].ring = make([]outcome, cfg.RingSize)
	}
	return b
}

// SetCurrentChannel is a no-op: Baseline tallies outcomes by
// events.PacketReceptionEnded.Channel directly and has no per-event state
// that depends on which channel is current.
func (b *Baseline) SetCurrentChannel(c int) {}

// OnReception appends Success/Failure at the channel's write cursor and
// advances it modulo the ring size.
func (b *Baseline) OnReception(e events.PacketReceptionEnded) {
	if e.Channel < 0 || e.Channel >= channel.NumDataChannels {
		return
	}
	ch := &b.channels[e.Channel]
	o := outcomeFailure
	if e.Success {
		o = outcomeSuccess
	}
	ch.ring[ch.cursor] = o
	ch.cursor = (ch.cursor + 1) % len(ch.ring)
}

// Tick runs one classification pass (spec.md §4.7). ok is true whenever a
// channel list is being proposed, even if unchanged from the prior call —
// the link layer is responsible for de-duplicating wire updates.
func (b *Baseline) Tick() ([]int, bool) {
	for c := 0; c < channel.NumDataChannels; c++ {
		if !b.good.Has(c) {
			continue
		}
		n, failures := b.channels[c].counts()
		if n < b.cfg.MinReceptions {
			continue
		}
		per := float64(failures) / float64(n) * 100
		if per > b.cfg.PERThreshold {
			b.good = b.good.Clear(c)
			logger.Debug("classifier.baseline", "channel %d marked bad (PER=%.1f%% over %d receptions)", c, per, n)
		}
	}

	if b.good.Count() < b.cfg.PreferredMinGood {
		logger.Info("classifier.baseline", "good-channel count %d below preferred minimum %d; resetting to initial map", b.good.Count(), b.cfg.PreferredMinGood)
		b.good = b.initial
		for c := range b.channels {
			b.channels[c] = baselineChannel{ring: make([]outcome, b.cfg.RingSize)}
		}
	}

	return b.good.Channels(), true
}

func (c *baselineChannel) counts() (n, failures int) {
	for _, o := range c.ring {
		if o == outcomeEmpty {
			continue
		}
		n++
		if o == outcomeFailure {
			failures++
		}
	}
	return n, failures
}
