package queue

import "testing"

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New(4)
	q.Enqueue([]byte("a"), 1)
	q.Enqueue([]byte("b"), 2)

	item, ok := q.Dequeue()
	if !ok || string(item.Payload) != "a" || item.Timestamp != 1 {
		t.Fatalf("first dequeue = %+v, ok=%v", item, ok)
	}
	item, ok = q.Dequeue()
	if !ok || string(item.Payload) != "b" {
		t.Fatalf("second dequeue = %+v, ok=%v", item, ok)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestOverflowMonotoneOnFullQueue(t *testing.T) {
	q := New(2)
	if !q.Enqueue([]byte("a"), 0) || !q.Enqueue([]byte("b"), 0) {
		t.Fatal("expected first two enqueues to succeed")
	}
	if q.Overflow() != 0 {
		t.Fatalf("Overflow() = %d, want 0", q.Overflow())
	}
	if q.Enqueue([]byte("c"), 0) {
		t.Fatal("expected enqueue on full queue to fail")
	}
	if q.Overflow() != 1 {
		t.Fatalf("Overflow() = %d, want 1", q.Overflow())
	}
	q.Dequeue()
	if q.Enqueue([]byte("c"), 0) {
		// succeeds now that there is room
	} else {
		t.Fatal("expected enqueue to succeed after dequeue freed a slot")
	}
	if q.Overflow() != 1 {
		t.Fatalf("Overflow() = %d, want unchanged at 1", q.Overflow())
	}
}

func TestEnqueueRejectsOversizedPayload(t *testing.T) {
	q := New(4)
	big := make([]byte, MaxPayloadBytes+1)
	if q.Enqueue(big, 0) {
		t.Fatal("expected oversized payload to be rejected")
	}
	if q.Overflow() != 1 {
		t.Fatalf("Overflow() = %d, want 1", q.Overflow())
	}
}

func TestDefaultCapacityFallback(t *testing.T) {
	q := New(0)
	for i := 0; i < DefaultCapacity; i++ {
		if !q.Enqueue([]byte{byte(i)}, 0) {
			t.Fatalf("enqueue %d unexpectedly failed", i)
		}
	}
	if q.Enqueue([]byte{0xFF}, 0) {
		t.Fatal("expected queue at DefaultCapacity to reject further enqueues")
	}
}
