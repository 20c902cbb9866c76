// Package queue implements the bounded per-connection application payload
// FIFO of spec.md §4.6.
package queue

import (
	"fmt"

	"github.com/user/blesim/clock"
)

// MaxPayloadBytes is the largest application payload a single LL Data
// PDU can carry (spec.md §6).
const MaxPayloadBytes = 251

// DefaultCapacity is the default number of queued payloads per connection.
const DefaultCapacity = 32

// Item is one queued application payload awaiting transmission.
type Item struct {
	Payload   []byte
	Timestamp clock.Micros // application timestamp attached at enqueue time
}

// Queue is a bounded, connection-affine FIFO. It is not safe for
// concurrent use; each connection context owns exactly one queue and the
// simulation is single-threaded (spec.md §5).
type Queue struct {
	capacity int
	items    []Item
	overflow int
}

// New returns an empty queue with the given capacity. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity}
}

// Enqueue appends payload to the queue. It returns false and increments
// the overflow counter if the queue is full or the payload exceeds
// MaxPayloadBytes.
func (q *Queue) Enqueue(payload []byte, ts clock.Micros) bool {
	if len(payload) > MaxPayloadBytes || len(q.items) >= q.capacity {
		q.overflow++
		return false
	}
	q.items = append(q.items, Item{Payload: payload, Timestamp: ts})
	return true
}

// Dequeue removes and returns the oldest item. ok is false if the queue
// is empty.
func (q *Queue) Dequeue() (item Item, ok bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.items) }

// Empty reports whether the queue has no pending items.
func (q *Queue) Empty() bool { return len(q.items) == 0 }

// Overflow returns the monotone count of failed Enqueue attempts since
// creation.
func (q *Queue) Overflow() int { return q.overflow }

// String renders queue occupancy for debug logging.
func (q *Queue) String() string {
	return fmt.Sprintf("queue{len=%d/%d overflow=%d}", len(q.items), q.capacity, q.overflow)
}
