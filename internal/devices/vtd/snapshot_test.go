package vtd

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t, legacyConfig())
	slpt := f.legacyDevice(0x0008, 1, 0)
	f.mapPage(slpt, 3, 0x1000, 0x200000, 1, pteRead|pteWrite)
	f.enable()
	q := f.enableQueue(false)
	q.push(iotlbGlobal(), waitStatus(f.page(), 1))
	f.dev.Translate(0x0100, NoPASID, 0x5000, false) // root entry fault

	var buf bytes.Buffer
	if err := f.dev.CaptureSnapshot(&buf); err != nil {
		t.Fatalf("CaptureSnapshot: %v", err)
	}

	dev, err := New(legacyConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := dev.Init(f.m); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var log eventLog
	dev.RegisterNotifier(0, 0x08, log.notifier(EventMap|EventUnmap))

	if err := dev.RestoreSnapshot(&buf); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	if diff := cmp.Diff(f.dev.regs.csr, dev.regs.csr); diff != "" {
		t.Fatalf("registers mismatch (-want +got):\n%s", diff)
	}
	if !dev.qiEnabled || dev.iqHead != 2 || dev.iqSize != 256 {
		t.Fatalf("queue state qi=%v head=%d size=%d", dev.qiEnabled, dev.iqHead, dev.iqSize)
	}

	want := []MapEvent{
		{Type: EventUnmap, AddrMask: 1<<39 - 1},
		{Type: EventMap, IOVA: 0x1000, AddrMask: 0xfff, Translated: 0x200000, Perm: PermRW},
	}
	if diff := cmp.Diff(want, log.take()); diff != "" {
		t.Fatalf("restore events mismatch (-want +got):\n%s", diff)
	}

	e, err := dev.Translate(0x0008, NoPASID, 0x1000, true)
	if err != nil {
		t.Fatalf("Translate after restore: %v", err)
	}
	if e.Translated != 0x200000 {
		t.Fatalf("Translate after restore = 0x%x, want 0x200000", e.Translated)
	}
}

func TestSnapshotConfigMismatch(t *testing.T) {
	f := newFixture(t, legacyConfig())
	var buf bytes.Buffer
	if err := f.dev.CaptureSnapshot(&buf); err != nil {
		t.Fatalf("CaptureSnapshot: %v", err)
	}

	cfg := legacyConfig()
	cfg.CachingMode = true
	dev, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := dev.RestoreSnapshot(&buf); err == nil {
		t.Fatalf("RestoreSnapshot accepted a snapshot of another configuration")
	}
}

func TestSnapshotTruncated(t *testing.T) {
	f := newFixture(t, legacyConfig())
	var buf bytes.Buffer
	if err := f.dev.CaptureSnapshot(&buf); err != nil {
		t.Fatalf("CaptureSnapshot: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-8])
	if err := f.dev.RestoreSnapshot(truncated); err == nil {
		t.Fatalf("RestoreSnapshot accepted a truncated snapshot")
	}
}
