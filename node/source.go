package node

import "github.com/user/blesim/clock"

// PeriodicSource emits one fixed-size payload every Period microseconds,
// starting at the time of the first call to Next. It is the simplest
// TrafficSource implementation, used by scenario configs that specify a
// constant packet size and rate (spec.md §8 scenario 1's "packet size 50B
// each way at 150 kb/s").
type PeriodicSource struct {
	PayloadLength int
	Period        clock.Micros
	nextAt        clock.Micros
	started       bool
}

// Next implements TrafficSource.
func (p *PeriodicSource) Next(now clock.Micros) ([]byte, clock.Micros, bool) {
	if !p.started {
		p.started = true
		p.nextAt = now
	}
	if now < p.nextAt {
		return nil, 0, false
	}
	p.nextAt += p.Period
	return make([]byte, p.PayloadLength), now, true
}
