package hv

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Snapshot file format constants
const (
	SnapshotMagic   uint32 = 0x534e4150 // "SNAP"
	SnapshotVersion uint32 = 1
)

// SnapshotHeader prefixes every device snapshot. Restores are refused when
// the config hash of the restoring device differs from the saved one.
type SnapshotHeader struct {
	Magic      uint32
	Version    uint32
	DeviceKind uint32
	Length     uint32
	ConfigHash ConfigHash
}

// WriteSnapshot writes a header followed by payload.
func WriteSnapshot(w io.Writer, kind uint32, hash ConfigHash, payload []byte) error {
	hdr := SnapshotHeader{
		Magic:      SnapshotMagic,
		Version:    SnapshotVersion,
		DeviceKind: kind,
		Length:     uint32(len(payload)),
		ConfigHash: hash,
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("snapshot: write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("snapshot: write payload: %w", err)
	}
	return nil
}

// ReadSnapshot reads a snapshot written by WriteSnapshot and checks that it
// belongs to a device of the given kind and configuration.
func ReadSnapshot(r io.Reader, kind uint32, hash ConfigHash) ([]byte, error) {
	var hdr SnapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("snapshot: read header: %w", err)
	}
	if hdr.Magic != SnapshotMagic {
		return nil, fmt.Errorf("snapshot: invalid magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != SnapshotVersion {
		return nil, fmt.Errorf("snapshot: unsupported version %d", hdr.Version)
	}
	if hdr.DeviceKind != kind {
		return nil, fmt.Errorf("snapshot: device kind %d, want %d", hdr.DeviceKind, kind)
	}
	if hdr.ConfigHash != hash {
		return nil, fmt.Errorf("snapshot: config hash mismatch")
	}
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("snapshot: read payload: %w", err)
	}
	return payload, nil
}
