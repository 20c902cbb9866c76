// Package channel implements the BLE data-channel selection function
// (core spec Algorithm #1) and the 37-bit used-channel bitmap it
// consumes, per spec.md §4.2.
package channel

import "fmt"

// NumDataChannels is the number of BLE data channels (0..36 inclusive).
const NumDataChannels = 37

// Map is a 37-bit used-channel bitmap, bit c set means channel c is usable.
type Map uint64

// allMask has bits 0..36 set.
const allMask Map = (1 << NumDataChannels) - 1

// NewMap builds a Map from a set of channel indices. Indices outside
// 0..36 are rejected.
func NewMap(channels []int) (Map, error) {
	var m Map
	for _, c := range channels {
		if c < 0 || c >= NumDataChannels {
			return 0, fmt.Errorf("channel: index %d out of range 0..%d", c, NumDataChannels-1)
		}
		m |= 1 << uint(c)
	}
	return m, nil
}

// Full returns the map with every data channel marked used.
func Full() Map { return allMask }

// Set marks channel c used.
func (m Map) Set(c int) Map { return m | (1 << uint(c)) }

// Clear marks channel c unused.
func (m Map) Clear(c int) Map { return m &^ (1 << uint(c)) }

// Has reports whether channel c is marked used.
func (m Map) Has(c int) bool { return m&(1<<uint(c)) != 0 }

// Count returns the number of used channels.
func (m Map) Count() int {
	n := 0
	for c := 0; c < NumDataChannels; c++ {
		if m.Has(c) {
			n++
		}
	}
	return n
}

// Channels returns the sorted list of used channel indices.
func (m Map) Channels() []int {
	out := make([]int, 0, m.Count())
	for c := 0; c < NumDataChannels; c++ {
		if m.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Equal reports whether two maps mark the same set of channels used.
func (m Map) Equal(other Map) bool { return m == other }

// unmappedChannels returns, in ascending order, the indices not set in m.
func (m Map) unmappedChannels() []int {
	out := make([]int, 0, NumDataChannels-m.Count())
	for c := 0; c < NumDataChannels; c++ {
		if !m.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Select implements the BLE core specification's Algorithm #1: given the
// connection's access address, hop increment (5..16), the current
// used-channel map, and the connection event counter, returns the next
// data channel index in 0..36. It is a pure function of its inputs so
// identical seeds reproduce identical hop sequences.
func Select(accessAddress uint32, hopIncrement uint8, usedChannels Map, eventCounter uint16) (int, error) {
	if hopIncrement < 5 || hopIncrement > 16 {
		return 0, fmt.Errorf("channel: hop increment %d out of range 5..16", hopIncrement)
	}
	numUsed := usedChannels.Count()
	if numUsed < 2 {
		return 0, fmt.Errorf("channel: used-channel count %d below minimum 2", numUsed)
	}

	// Unmapped channel index: (eventCounter * hopIncrement) mod 37.
	unmappedChannel := int((uint32(eventCounter) * uint32(hopIncrement)) % NumDataChannels)

	if usedChannels.Has(unmappedChannel) {
		return unmappedChannel, nil
	}

	// Remapping: index into the sorted list of used channels via a
	// modulo of the unmapped index, per the core spec's remapping table.
	remainder := unmappedChannel % numUsed
	used := usedChannels.Channels()
	return used[remainder], nil
}
