package hv

import (
	"bytes"
	"testing"
)

func recordingDevice(region MMIORegion, log *[]uint64) SimpleMMIODevice {
	return SimpleMMIODevice{
		Regions: []MMIORegion{region},
		ReadFunc: func(addr uint64, data []byte) error {
			*log = append(*log, addr)
			data[0] = byte(addr - region.Address)
			return nil
		},
		WriteFunc: func(addr uint64, data []byte) error {
			*log = append(*log, addr)
			return nil
		},
	}
}

func TestAddressSpaceMap(t *testing.T) {
	as := NewAddressSpace(0, 0x100000)

	var log []uint64
	a, err := as.Allocate("a", 0x10)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a.Address != 0x100000 || a.Size != 0x1000 {
		t.Fatalf("Allocate = %+v, want 4K at the end of RAM", a)
	}
	if err := as.Map("a", recordingDevice(a, &log)); err != nil {
		t.Fatalf("Map: %v", err)
	}
	b := MMIORegion{Address: 0xfed90000, Size: 0x1000}
	if err := as.Map("b", recordingDevice(b, &log)); err != nil {
		t.Fatalf("Map: %v", err)
	}

	tests := []struct {
		name   string
		region MMIORegion
	}{
		{"overlaps RAM", MMIORegion{Address: 0xff000, Size: 0x2000}},
		{"overlaps device", MMIORegion{Address: 0xfed90800, Size: 0x1000}},
		{"zero size", MMIORegion{Address: 0x200000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := as.Map(tt.name, SimpleMMIODevice{Regions: []MMIORegion{tt.region}}); err == nil {
				t.Fatalf("Map accepted %+v", tt.region)
			}
		})
	}

	var buf [4]byte
	if err := as.ReadMMIO(0xfed90010, buf[:]); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if buf[0] != 0x10 {
		t.Fatalf("read routed to the wrong device: %x", buf)
	}
	if err := as.WriteMMIO(0x100008, buf[:]); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
	if len(log) != 2 || log[0] != 0xfed90010 || log[1] != 0x100008 {
		t.Fatalf("accesses = %x", log)
	}

	if err := as.ReadMMIO(0x80000, buf[:]); err == nil {
		t.Fatalf("ReadMMIO routed a RAM address")
	}
	if err := as.ReadMMIO(0xfed90ffe, buf[:]); err == nil {
		t.Fatalf("ReadMMIO routed an access straddling the end of a region")
	}
	if as.RAMEnd() != 0x100000 {
		t.Fatalf("RAMEnd = 0x%x", as.RAMEnd())
	}
}

func TestSnapshotHeader(t *testing.T) {
	var h ConfigHasher
	h.String("vtd")
	h.Uint64(48)
	h.Bool(true)
	hash := h.Sum()

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, 7, hash, []byte("payload")); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	data := buf.Bytes()

	got, err := ReadSnapshot(bytes.NewReader(data), 7, hash)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("payload = %q", got)
	}

	if _, err := ReadSnapshot(bytes.NewReader(data), 8, hash); err == nil {
		t.Fatalf("ReadSnapshot accepted another device kind")
	}
	var other ConfigHasher
	other.String("vtd")
	if _, err := ReadSnapshot(bytes.NewReader(data), 7, other.Sum()); err == nil {
		t.Fatalf("ReadSnapshot accepted another configuration")
	}
	if _, err := ReadSnapshot(bytes.NewReader(data[:len(data)-1]), 7, hash); err == nil {
		t.Fatalf("ReadSnapshot accepted a truncated payload")
	}
}
