package channel

import "testing"

func TestMapRoundTrip(t *testing.T) {
	m, err := NewMap([]int{0, 5, 36})
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	if !m.Has(0) || !m.Has(5) || !m.Has(36) {
		t.Fatalf("missing expected bits: %036b", m)
	}
	if m.Has(1) {
		t.Fatalf("unexpected bit set: %036b", m)
	}
	if m.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", m.Count())
	}
	if got := m.Channels(); len(got) != 3 || got[0] != 0 || got[1] != 5 || got[2] != 36 {
		t.Fatalf("Channels() = %v", got)
	}
}

func TestNewMapRejectsOutOfRange(t *testing.T) {
	if _, err := NewMap([]int{37}); err == nil {
		t.Fatal("expected error for channel 37")
	}
	if _, err := NewMap([]int{-1}); err == nil {
		t.Fatal("expected error for channel -1")
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	full := Full()
	a, err := Select(0x487647F2, 7, full, 100)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	b, err := Select(0x487647F2, 7, full, 100)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if a != b {
		t.Fatalf("Select not deterministic: %d != %d", a, b)
	}
	if a < 0 || a >= NumDataChannels {
		t.Fatalf("Select returned out-of-range channel %d", a)
	}
}

func TestSelectRejectsTooFewUsedChannels(t *testing.T) {
	m, _ := NewMap([]int{0})
	if _, err := Select(1, 7, m, 0); err == nil {
		t.Fatal("expected error for used-channel count < 2")
	}
}

func TestSelectRejectsBadHopIncrement(t *testing.T) {
	full := Full()
	if _, err := Select(1, 4, full, 0); err == nil {
		t.Fatal("expected error for hop increment below 5")
	}
	if _, err := Select(1, 17, full, 0); err == nil {
		t.Fatal("expected error for hop increment above 16")
	}
}

func TestSelectFallsBackWhenUnmappedChannelExcluded(t *testing.T) {
	// Exclude channel 0 from the used set so any event counter that maps
	// to unmapped channel 0 must remap into the used set.
	m, _ := NewMap([]int{1, 2, 3})
	ch, err := Select(1, 5, m, 0) // unmapped = (0*5) % 37 = 0, not used
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !m.Has(ch) {
		t.Fatalf("Select returned channel %d not in used set", ch)
	}
}
