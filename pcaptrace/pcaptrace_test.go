package pcaptrace

import (
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/user/blesim/events"
	"github.com/user/blesim/phy"
)

func TestNewWritesLibpcapGlobalHeader(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "Laptop", "abc123", ".pcap", time.Date(2026, 8, 2, 10, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d files, want 1", len(entries))
	}
	want := "Laptop_abc123_20260802_103000.pcap"
	if entries[0].Name() != want {
		t.Fatalf("file name = %q, want %q", entries[0].Name(), want)
	}

	data, err := os.ReadFile(dir + "/" + want)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) < 24 {
		t.Fatalf("file too short for a global header: %d bytes", len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != 0xa1b2c3d4 {
		t.Fatalf("magic = %#x, want 0xa1b2c3d4", magic)
	}
}

func TestWriteAppendsRecordWithFrameBytes(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "Headset", "node2", ".pcap", time.Date(2026, 8, 2, 10, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	frame := []byte{0x01, 0x02, 0x03, 0x04}
	w.Write(Record{
		Time:          1234,
		Channel:       7,
		AccessAddress: 0x487647F2,
		Mode:          phy.LE1M,
		Direction:     DirCentralToPeripheral,
		CRCChecked:    true,
		CRCPassed:     true,
		Frame:         frame,
	})
	w.Close()

	data, err := os.ReadFile(dir + "/Headset_node2_20260802_103000.pcap")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) <= 24+16 {
		t.Fatalf("expected a record beyond the global header, got %d bytes", len(data))
	}
	inclLen := binary.LittleEndian.Uint32(data[24+8:])
	origLen := binary.LittleEndian.Uint32(data[24+12:])
	if inclLen != origLen {
		t.Fatalf("incl_len %d != orig_len %d", inclLen, origLen)
	}
	body := data[24+16:]
	if len(body) != int(inclLen) {
		t.Fatalf("body length %d != declared length %d", len(body), inclLen)
	}
	// last 4 bytes of frame should be the tail of the captured body.
	for i, b := range frame {
		if body[len(body)-len(frame)+i] != b {
			t.Fatalf("frame byte %d = %#x, want %#x", i, body[len(body)-len(frame)+i], b)
		}
	}
}

func TestWriteNoopsAfterDisable(t *testing.T) {
	w := &Writer{f: alwaysFailWriter{}}
	w.disable(nil)
	w.Write(Record{Frame: []byte{1}})
	// Write above is the behavior under test: once failed it must be a
	// silent no-op rather than writing to alwaysFailWriter and failing again.
	if !w.failed {
		t.Fatal("writer should remain marked failed")
	}
}

type alwaysFailWriter struct{}

func (alwaysFailWriter) Write(p []byte) (int, error) { return 0, os.ErrClosed }
func (alwaysFailWriter) Close() error                { return nil }

func TestSinkDirectionReflectsLocalRole(t *testing.T) {
	centralSide := Sink{LocalIsCentral: true}
	if d := centralSide.direction(true); d != DirCentralToPeripheral {
		t.Fatalf("central outbound direction = %v, want %v", d, DirCentralToPeripheral)
	}
	if d := centralSide.direction(false); d != DirPeripheralToCentral {
		t.Fatalf("central inbound direction = %v, want %v", d, DirPeripheralToCentral)
	}

	peripheralSide := Sink{LocalIsCentral: false}
	if d := peripheralSide.direction(true); d != DirPeripheralToCentral {
		t.Fatalf("peripheral outbound direction = %v, want %v", d, DirPeripheralToCentral)
	}
}

func TestSinkOnPacketEventsCarryFrameThrough(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "Node", "id1", ".pcap", time.Date(2026, 8, 2, 10, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	s := Sink{Writer: w, LocalIsCentral: true, AccessAddress: 0x11223344, PHYMode: phy.LE2M}
	s.OnPacketTransmissionStarted(events.PacketTransmissionStarted{Time: 10, Channel: 3, Frame: []byte{0xAA}})
	s.OnPacketReceptionEnded(events.PacketReceptionEnded{Time: 20, Channel: 3, Success: true, Frame: []byte{0xBB}})
	if w.failed {
		t.Fatal("writer should not have failed on valid writes")
	}
}
