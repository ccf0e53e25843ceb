package dmapool

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vtd/internal/devices/vtd"
	"github.com/tinyrange/vtd/internal/guestmem"
)

// pageTable maps 4K IOVA pages to guest-physical pages.
type pageTable struct {
	mu    sync.Mutex
	pages map[uint64]vtd.TLBEntry
	calls int
}

func (p *pageTable) Translate(sid uint16, pasid uint32, iova uint64, write bool) (vtd.TLBEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	e, ok := p.pages[iova&^0xfff]
	if !ok {
		return vtd.TLBEntry{}, &vtd.TranslationFault{Reason: vtd.FaultAddrBeyondMGAW, SID: sid, PASID: pasid, IOVA: iova, Write: write}
	}
	return e, nil
}

func (p *pageTable) mapPage(iova, addr uint64, perm vtd.Perm) {
	if p.pages == nil {
		p.pages = make(map[uint64]vtd.TLBEntry)
	}
	p.pages[iova] = vtd.TLBEntry{IOVA: iova, Translated: addr, AddrMask: 0xfff, Perm: perm}
}

func newRAM(t *testing.T) *guestmem.RAM {
	t.Helper()
	ram, err := guestmem.New(0, 1<<20)
	if err != nil {
		t.Fatalf("guestmem.New: %v", err)
	}
	t.Cleanup(func() { ram.Close() })
	return ram
}

func TestRunSplitsPages(t *testing.T) {
	ram := newRAM(t)
	var pt pageTable
	// Contiguous in IOVA, scattered in guest memory.
	pt.mapPage(0x10000, 0x40000, vtd.PermRW)
	pt.mapPage(0x11000, 0x23000, vtd.PermRW)

	payload := bytes.Repeat([]byte{0xa5}, 0x1800)
	pool := New(&pt, ram, 2)

	results, err := pool.Run(context.Background(), []Request{
		{SID: 0x08, PASID: vtd.NoPASID, IOVA: 0x10800, Write: true, Data: payload},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("write: %v", results[0].Err)
	}
	if results[0].Addr != 0x40800 {
		t.Fatalf("Addr = 0x%x, want 0x40800", results[0].Addr)
	}

	first := make([]byte, 0x800)
	ram.ReadAt(first, 0x40800)
	second := make([]byte, 0x1000)
	ram.ReadAt(second, 0x23000)
	if !bytes.Equal(first, payload[:0x800]) || !bytes.Equal(second, payload[0x800:]) {
		t.Fatalf("payload not split across the mapped pages")
	}

	results, err = pool.Run(context.Background(), []Request{
		{SID: 0x08, PASID: vtd.NoPASID, IOVA: 0x10800, Len: 0x1800},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(results[0].Data, payload) {
		t.Fatalf("read back a different payload")
	}

	want := Stats{Transfers: 2, Bytes: 0x3000}
	if diff := cmp.Diff(want, pool.Stats()); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFaults(t *testing.T) {
	ram := newRAM(t)
	var pt pageTable
	pt.mapPage(0x1000, 0x10000, vtd.PermRead)
	pt.mapPage(0x2000, 0x11000, vtd.PermRW)

	pool := New(&pt, ram, 4)
	results, err := pool.Run(context.Background(), []Request{
		{IOVA: 0x2000, Write: true, Data: []byte{1, 2, 3, 4}},
		{IOVA: 0x1000, Write: true, Data: []byte{1}},
		{IOVA: 0x9000, Len: 4},
		{IOVA: 0x1000, Len: 4},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if results[0].Err != nil || results[3].Err != nil {
		t.Fatalf("unexpected errors: %v, %v", results[0].Err, results[3].Err)
	}
	if !errors.Is(results[1].Err, ErrPermission) {
		t.Fatalf("write to a read-only page = %v, want ErrPermission", results[1].Err)
	}
	var tf *vtd.TranslationFault
	if !errors.As(results[2].Err, &tf) || tf.IOVA != 0x9000 {
		t.Fatalf("unmapped read = %v, want a translation fault", results[2].Err)
	}
	if got := pool.Stats().Faults; got != 2 {
		t.Fatalf("Faults = %d, want 2", got)
	}
}

func TestRunCancelled(t *testing.T) {
	ram := newRAM(t)
	var pt pageTable
	pt.mapPage(0, 0, vtd.PermRW)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := New(&pt, ram, 1)
	reqs := make([]Request, 16)
	for i := range reqs {
		reqs[i] = Request{Len: 8}
	}
	_, err := pool.Run(ctx, reqs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if pt.calls != 0 {
		t.Fatalf("%d translations after cancellation", pt.calls)
	}
}

func TestRunZeroLength(t *testing.T) {
	var pt pageTable
	pool := New(&pt, newRAM(t), 0)
	results, err := pool.Run(context.Background(), []Request{{IOVA: 0x5000}})
	if err != nil || results[0].Err != nil {
		t.Fatalf("Run = %v, %v", err, results[0].Err)
	}
	if pt.calls != 0 {
		t.Fatalf("zero-length transfer translated")
	}
}
