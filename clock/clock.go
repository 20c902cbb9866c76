// Package clock implements the simulator's discrete-event core: a
// monotonic microsecond timeline driven by a single min-heap of pending
// callbacks. Nothing outside this package may block on wall-clock time;
// every suspension point is an entry re-armed in the heap.
package clock

import (
	"container/heap"

	"github.com/user/blesim/logger"
)

// Micros is a simulated timestamp or duration, in microseconds.
type Micros int64

// Callback is invoked when its entry's scheduled time is reached. now is
// the entry's own timestamp (not the time Run was called). A callback
// returns nothing; periodic entries are re-armed by the scheduler through
// Schedule's period argument.
type Callback func(now Micros)

// entry is one pending callback in the heap.
type entry struct {
	at       Micros
	seq      uint64 // insertion order, breaks time ties FIFO
	period   Micros // 0 = one-shot
	fn       Callback
	canceled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Handle cancels a scheduled callback. Cancellation is cheap: the entry
// stays in the heap and is skipped when popped.
type Handle struct {
	e *entry
}

// Cancel marks the callback as canceled. Safe to call more than once, and
// safe to call after the callback has already fired.
func (h Handle) Cancel() {
	if h.e != nil {
		h.e.canceled = true
	}
}

// Scheduler is the simulator's single event queue. It is not safe for
// concurrent use — the whole simulation is single-threaded and
// cooperative, so there is exactly one goroutine ever touching it.
type Scheduler struct {
	now     Micros
	heap    entryHeap
	nextSeq uint64
}

// New returns a scheduler whose clock starts at zero.
func New() *Scheduler {
	s := &Scheduler{}
	heap.Init(&s.heap)
	return s
}

// Now returns the scheduler's current simulated time.
func (s *Scheduler) Now() Micros { return s.now }

// Schedule arms fn to run at absolute time at. If period is non-zero, fn
// is automatically re-armed every period microseconds after it fires,
// until canceled.
func (s *Scheduler) Schedule(at Micros, period Micros, fn Callback) Handle {
	e := &entry{at: at, period: period, fn: fn, seq: s.nextSeq}
	s.nextSeq++
	heap.Push(&s.heap, e)
	return Handle{e: e}
}

// After arms fn to run delay microseconds from now.
func (s *Scheduler) After(delay Micros, fn Callback) Handle {
	return s.Schedule(s.now+delay, 0, fn)
}

// RunUntil pops and invokes every entry whose scheduled time is <= tEnd,
// in non-decreasing timestamp order (FIFO among ties), advancing Now() to
// each entry's own timestamp as it fires. Entries a callback schedules
// during RunUntil are eligible to fire within the same call if their time
// is still <= tEnd. Afterwards Now() is tEnd (even if the queue emptied
// earlier), or the current time if that was already later; that time is
// returned.
func (s *Scheduler) RunUntil(tEnd Micros) Micros {
	for s.heap.Len() > 0 {
		next := s.heap[0]
		if next.at > tEnd {
			break
		}
		heap.Pop(&s.heap)
		s.now = next.at
		if next.canceled {
			continue
		}
		next.fn(next.at)
		if next.period > 0 && !next.canceled {
			next.at += next.period
			next.seq = s.nextSeq
			s.nextSeq++
			heap.Push(&s.heap, next)
		}
	}
	if s.now < tEnd {
		s.now = tEnd
	}
	return s.now
}

// Pending reports whether any non-canceled entry remains queued.
func (s *Scheduler) Pending() bool {
	for _, e := range s.heap {
		if !e.canceled {
			return true
		}
	}
	return false
}

// logPrefix is the component tag of the scheduler's own log lines.
const logPrefix = "clock"

// Runnable is a node-like participant the scheduler drives by timestamp
// rather than by callback closures, mirroring Node Orchestrator's run(now)
// contract from spec.md §4.10. RunAt returns the participant's next
// desired wake time; returning a time <= now means "run again
// immediately" and is rejected to avoid infinite loops within one tick.
type Runnable interface {
	RunAt(now Micros) Micros
}

// Drive repeatedly invokes r.RunAt, scheduling its next wake-up each time,
// until the runnable reports a wake time beyond tEnd or the simulation
// has nothing left to do before tEnd. It logs a warning and stops driving
// a runnable that requests re-entry at or before its own now, rather than
// spinning forever.
func (s *Scheduler) Drive(name string, r Runnable, tEnd Micros) {
	var step Callback
	step = func(now Micros) {
		next := r.RunAt(now)
		if next <= now {
			logger.Warn(logPrefix, "%s requested non-advancing wake time %d at %d; stopping", name, next, now)
			return
		}
		if next > tEnd {
			return
		}
		s.After(next-now, step)
	}
	s.After(0, step)
}
