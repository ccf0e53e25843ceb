package vtd

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTLBRoundTrip(t *testing.T) {
	for level := uint32(1); level <= tlbMaxLevel; level++ {
		c := newTLB("test", false)
		addr := uint64(0x8040201000)
		pte := uint64(0x40000000) | pteRead | pteWrite
		l := leaf{pte: pte, level: level, read: true, write: level%2 == 1}
		c.insert(0x0008, NoPASID, addr, 7, l)

		got, ok := c.lookup(0x0008, NoPASID, addr)
		if !ok {
			t.Fatalf("level %d: lookup missed", level)
		}
		want := tlbEntry{
			gfn:    tlbGFN(addr, level),
			domain: 7,
			pte:    pte,
			perm:   l.perm(),
			mask:   levelMask(level),
			pasid:  NoPASID,
		}
		if diff := cmp.Diff(want, got, cmp.AllowUnexported(tlbEntry{})); diff != "" {
			t.Fatalf("level %d: entry mismatch (-want +got):\n%s", level, diff)
		}

		if _, ok := c.lookup(0x0009, NoPASID, addr); ok {
			t.Fatalf("level %d: hit for another source id", level)
		}
		if _, ok := c.lookup(0x0008, 3, addr); ok {
			t.Fatalf("level %d: hit for another PASID", level)
		}
	}
}

func TestTLBRemoveDomain(t *testing.T) {
	c := newTLB("test", false)
	for i := uint64(0); i < 16; i++ {
		domain := uint16(i % 3)
		c.insert(uint16(i), NoPASID, i<<pageShift, domain, leaf{pte: i << pageShift, level: 1, read: true})
	}

	removed := c.removeDomain(1)

	if removed != 5 {
		t.Fatalf("removed %d entries, want 5", removed)
	}
	for k, e := range c.entries {
		if e.domain == 1 {
			t.Fatalf("entry %+v of domain 1 survived", k)
		}
	}
	if c.len() != 11 {
		t.Fatalf("%d entries left, want 11", c.len())
	}
}

func TestTLBRemovePage(t *testing.T) {
	c := newTLB("test", false)
	small := leaf{pte: 0x200000, level: 1, read: true}
	large := leaf{pte: 0x400000 | ptePageSize, level: 2, read: true}
	c.insert(1, NoPASID, 0x1000, 5, small)
	c.insert(1, NoPASID, 0x3000, 5, small)
	c.insert(1, NoPASID, 0x200000, 5, large)
	c.insert(2, NoPASID, 0x1000, 6, small)

	tests := []struct {
		name    string
		addr    uint64
		am      uint8
		removed int
	}{
		{"single page", 0x1000, 0, 1},
		{"inside large page", 0x3ff000, 0, 1},
		{"range", 0x0, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.removePage(5, NoPASID, tt.addr, tt.am); got != tt.removed {
				t.Fatalf("removePage(0x%x, %d) removed %d, want %d", tt.addr, tt.am, got, tt.removed)
			}
		})
	}
	if c.len() != 1 {
		t.Fatalf("%d entries left, want the domain 6 one", c.len())
	}
}

func TestTLBCapacity(t *testing.T) {
	c := newTLB("test", false)
	for i := uint64(0); i < maxTLBEntries; i++ {
		c.insert(0x0008, NoPASID, i<<pageShift, 1, leaf{pte: i << pageShift, level: 1, read: true})
	}
	if c.len() != maxTLBEntries {
		t.Fatalf("%d entries, want %d", c.len(), maxTLBEntries)
	}

	c.insert(0x0008, NoPASID, maxTLBEntries<<pageShift, 1, leaf{level: 1, read: true})

	if c.len() != 1 {
		t.Fatalf("%d entries after overflow, want 1", c.len())
	}
	if _, ok := c.lookup(0x0008, NoPASID, maxTLBEntries<<pageShift); !ok {
		t.Fatalf("newest entry missing after flush")
	}
}

func TestPIOTLBRemovePASID(t *testing.T) {
	c := newTLB("test", true)
	c.insert(1, 5, 0x1000, 3, leaf{pte: 0x200000, level: 1, read: true})
	c.insert(1, 6, 0x1000, 3, leaf{pte: 0x300000, level: 1, read: true})
	c.insert(2, 5, 0x1000, 4, leaf{pte: 0x400000, level: 1, read: true})

	if got := c.removePASID(3, 5); got != 1 {
		t.Fatalf("removePASID removed %d, want 1", got)
	}
	if got := c.removePage(4, 6, 0x1000, 0); got != 0 {
		t.Fatalf("removePage matched another PASID")
	}
	if got := c.removePage(4, 5, 0x1000, 0); got != 1 {
		t.Fatalf("removePage removed %d, want 1", got)
	}
	if c.len() != 1 {
		t.Fatalf("%d entries left, want 1", c.len())
	}
}
