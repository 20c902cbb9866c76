package classifier

import (
	"github.com/user/blesim/channel"
	"github.com/user/blesim/events"
	"github.com/user/blesim/logger"
)

// Window sizes and algorithm constants from spec.md §4.8. These must be
// preserved exactly to reproduce published traces.
const (
	ShortWindow          = 15
	LongWindow           = 20
	ExclusionThreshold   = 0.95
	UpdateCooldownEvents = 6
	LeakyWeight          = 2.0
	ExploreNormalizer    = 200.0
)

type eafhChannel struct {
	pdrShort      [ShortWindow]float64
	shortCursor   int
	shortFilled   int
	shortSum      float64

	pdrLong      [LongWindow]float64
	longCursor   int
	longFilled   int
	longSum      float64

	lastUseCnt int
	// exclusionEvent is the event counter at which the channel was most
	// recently excluded; -1 means never excluded.
	exclusionEvent int64

	txs  int
	acks int
}

func (c *eafhChannel) pushShort(v float64) {
	if c.shortFilled == ShortWindow {
		c.shortSum -= c.pdrShort[c.shortCursor]
	} else {
		c.shortFilled++
	}
	c.pdrShort[c.shortCursor] = v
	c.shortSum += v
	c.shortCursor = (c.shortCursor + 1) % ShortWindow
}

func (c *eafhChannel) pushLong(v float64) {
	if c.longFilled == LongWindow {
		c.longSum -= c.pdrLong[c.longCursor]
	} else {
		c.longFilled++
	}
	c.pdrLong[c.longCursor] = v
	c.longSum += v
	c.longCursor = (c.longCursor + 1) % LongWindow
}

// EAFH is the enhanced AFH classifier of spec.md §4.8.
type EAFH struct {
	channels     [channel.NumDataChannels]eafhChannel
	used         channel.Map
	lastUpdateCnt int
	eventCounter int64
	currentChannel int
	haveCurrent    bool
}

// NewEAFH creates an eAFH classifier seeded with the connection's initial
// used-channel map.
func NewEAFH(initial channel.Map) *EAFH {
	e := &EAFH{used: initial}
	for c := range e.channels {
		e.channels[c].exclusionEvent = -1
	}
	return e
}

// SetCurrentChannel records which channel this connection event is using,
// so Tick knows which channel's tx/ack tally to fold into the PDR windows
// and whose last-use counter to reset. The link
// layer calls this once at the start of each connection event, after
// channel selection (spec.md §4.3 step 1).
func (e *EAFH) SetCurrentChannel(c int) {
	e.currentChannel = c
	e.haveCurrent = true
}

// OnReception tallies one transmission outcome on ev.Channel: every
// reception attempt counts as a transmission, and a successful one
// also counts as an acknowledgement, feeding the per-event PDR computed in
// Tick.
func (e *EAFH) OnReception(ev events.PacketReceptionEnded) {
	c := ev.Channel
	if c < 0 || c >= channel.NumDataChannels {
		return
	}
	e.channels[c].txs++
	if ev.Success {
		e.channels[c].acks++
	}
}

// Tick runs the per-connection-event update of spec.md §4.8 steps 1-8 and
// reports a new channel list only when the cooldown has elapsed and the
// computed candidate differs from the currently enforced map.
func (e *EAFH) Tick() ([]int, bool) {
	e.eventCounter++

	// Step 1: per-event PDR for the channel used this event.
	if e.haveCurrent {
		ch := &e.channels[e.currentChannel]
		pdr := 0.0
		if ch.txs > 0 {
			pdr = float64(ch.acks) / float64(ch.txs)
		}
		ch.pushShort(pdr)
		ch.pushLong(pdr)
		ch.txs, ch.acks = 0, 0
	}

	// Step 2: last-use counters.
	for c := range e.channels {
		if e.haveCurrent && c == e.currentChannel {
			e.channels[c].lastUseCnt = 0
		} else {
			e.channels[c].lastUseCnt++
		}
	}
	e.haveCurrent = false

	candidate := e.used

	for c := 0; c < channel.NumDataChannels; c++ {
		ch := &e.channels[c]

		// Step 3: exploration score.
		denom := float64(LongWindow+1) - ch.longSum
		explore := 0.0
		if denom != 0 {
			explore = (float64(ch.lastUseCnt) / denom) / ExploreNormalizer
		}

		// Step 4: leaky-neighbour loss.
		leaky := leakyLoss(&e.channels, c)

		// Step 5: exclusion, judged once the short window is full.
		if ch.shortFilled == ShortWindow && ch.shortSum/ShortWindow <= ExclusionThreshold {
			if candidate.Has(c) {
				candidate = candidate.Clear(c)
				ch.exclusionEvent = e.eventCounter
				logger.Debug("classifier.eafh", "channel %d excluded at event %d (short PDR %.3f)", c, e.eventCounter, ch.shortSum/ShortWindow)
			}
		}

		// Step 6: exploration re-inclusion.
		if explore+LeakyWeight*leaky >= 1 {
			candidate = candidate.Set(c)
		}
	}

	// Step 7: fallback to the largest long_sum channels if too few remain.
	if candidate.Count() < 2 {
		candidate = topUpByLongSum(candidate, &e.channels, 2)
	}

	// Step 8: cooldown-gated push.
	if e.lastUpdateCnt > UpdateCooldownEvents && !candidate.Equal(e.used) {
		e.used = candidate
		e.lastUpdateCnt = 0
		return candidate.Channels(), true
	}
	e.lastUpdateCnt++
	return nil, false
}

func leakyLoss(channels *[channel.NumDataChannels]eafhChannel, c int) float64 {
	var mean float64
	switch {
	case c == 0:
		mean = channels[1].longSum / LongWindow
	case c == channel.NumDataChannels-1:
		mean = channels[c-1].longSum / LongWindow
	default:
		mean = (channels[c-1].longSum/LongWindow + channels[c+1].longSum/LongWindow) / 2
	}
	return -(1 - mean)
}

// topUpByLongSum adds channels with the largest cached long_sum until m
// has at least min members.
func topUpByLongSum(m channel.Map, channels *[channel.NumDataChannels]eafhChannel, min int) channel.Map {
	type cand struct {
		idx int
		sum float64
	}
	ranked := make([]cand, 0, channel.NumDataChannels)
	for c := 0; c < channel.NumDataChannels; c++ {
		if !m.Has(c) {
			ranked = append(ranked, cand{c, channels[c].longSum})
		}
	}
	for len(ranked) > 0 && m.Count() < min {
		best := 0
		for i := 1; i < len(ranked); i++ {
			if ranked[i].sum > ranked[best].sum {
				best = i
			}
		}
		m = m.Set(ranked[best].idx)
		ranked = append(ranked[:best], ranked[best+1:]...)
	}
	return m
}
