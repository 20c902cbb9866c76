package clock

import "testing"

func TestRunUntilOrdersByTimeThenFIFO(t *testing.T) {
	s := New()
	var order []int

	s.Schedule(100, 0, func(Micros) { order = append(order, 1) })
	s.Schedule(50, 0, func(Micros) { order = append(order, 2) })
	s.Schedule(50, 0, func(Micros) { order = append(order, 3) }) // same time, later insertion

	s.RunUntil(1000)

	want := []int{2, 3, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRunUntilStopsAtBoundary(t *testing.T) {
	s := New()
	fired := false
	s.Schedule(500, 0, func(Micros) { fired = true })

	s.RunUntil(400)
	if fired {
		t.Fatal("callback fired before its scheduled time")
	}

	s.RunUntil(500)
	if !fired {
		t.Fatal("callback did not fire by its scheduled time")
	}
}

func TestPeriodicReschedules(t *testing.T) {
	s := New()
	count := 0
	s.Schedule(10, 10, func(Micros) { count++ })

	s.RunUntil(45)
	if count != 4 {
		t.Fatalf("count = %d, want 4", count)
	}
}

func TestCancelSkipsEntry(t *testing.T) {
	s := New()
	fired := false
	h := s.Schedule(10, 0, func(Micros) { fired = true })
	h.Cancel()

	s.RunUntil(100)
	if fired {
		t.Fatal("canceled callback fired")
	}
}

func TestMonotonicNow(t *testing.T) {
	s := New()
	var timestamps []Micros
	for _, at := range []Micros{30, 10, 20} {
		at := at
		s.Schedule(at, 0, func(now Micros) { timestamps = append(timestamps, now) })
	}
	s.RunUntil(100)
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i] < timestamps[i-1] {
			t.Fatalf("non-monotonic pops: %v", timestamps)
		}
	}
}
