package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// headerLen is the size of the common ACPI table header.
const headerLen = 36

// Table revisions written by Install.
const (
	dmarRevision = 1
	xsdtRevision = 1
)

// header is the common description header every table starts with.
type header struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

func (h header) marshal() []byte {
	b := make([]byte, headerLen)
	copy(b[0:4], h.Signature[:])
	binary.LittleEndian.PutUint32(b[4:8], h.Length)
	b[8] = h.Revision
	b[9] = h.Checksum
	copy(b[10:16], h.OEMID[:])
	copy(b[16:24], h.OEMTableID[:])
	binary.LittleEndian.PutUint32(b[24:28], h.OEMRevision)
	copy(b[28:32], h.CreatorID[:])
	binary.LittleEndian.PutUint32(b[32:36], h.CreatorRevision)
	return b
}

func parseHeader(b []byte) (header, error) {
	if len(b) < headerLen {
		return header{}, fmt.Errorf("acpi: table header truncated at %d bytes", len(b))
	}
	var h header
	copy(h.Signature[:], b[0:4])
	h.Length = binary.LittleEndian.Uint32(b[4:8])
	h.Revision = b[8]
	h.Checksum = b[9]
	copy(h.OEMID[:], b[10:16])
	copy(h.OEMTableID[:], b[16:24])
	h.OEMRevision = binary.LittleEndian.Uint32(b[24:28])
	copy(h.CreatorID[:], b[28:32])
	h.CreatorRevision = binary.LittleEndian.Uint32(b[32:36])
	return h, nil
}

// verifyTable checks that table is one complete, correctly summed table
// with the given signature.
func verifyTable(table []byte, signature string) (header, error) {
	h, err := parseHeader(table)
	if err != nil {
		return header{}, err
	}
	if string(h.Signature[:]) != signature {
		return header{}, fmt.Errorf("acpi: signature %q is not %s", h.Signature[:], signature)
	}
	if int(h.Length) != len(table) {
		return header{}, fmt.Errorf("acpi: %s length %d, have %d bytes", signature, h.Length, len(table))
	}
	if checksum(table) != 0 {
		return header{}, fmt.Errorf("acpi: %s checksum mismatch", signature)
	}
	return h, nil
}

// tableWriter packs tables back to back, 8-byte aligned, into a region of
// guest memory starting at base.
type tableWriter struct {
	buf  bytes.Buffer
	base uint64
	size uint64
	oem  OEMInfo
}

func newTableWriter(base, size uint64, oem OEMInfo) *tableWriter {
	return &tableWriter{base: base, size: size, oem: oem}
}

// add appends a table and returns its guest address. An empty oemTableID
// falls back to the writer's default.
func (w *tableWriter) add(signature string, revision uint8, oemTableID string, body []byte) (uint64, error) {
	start := uint64(w.buf.Len())
	length := uint64(headerLen + len(body))
	if end := start + length; end > w.size || end > 1<<32 {
		return 0, fmt.Errorf("acpi: %s needs %d bytes at offset %d, region only %d bytes", signature, length, start, w.size)
	}

	h := header{
		Length:          uint32(length),
		Revision:        revision,
		OEMID:           w.oem.OEMID,
		OEMTableID:      w.oem.OEMTableID,
		OEMRevision:     w.oem.OEMRevision,
		CreatorID:       w.oem.CreatorID,
		CreatorRevision: w.oem.CreatorRevision,
	}
	copy(h.Signature[:], signature)
	if oemTableID != "" {
		h.OEMTableID = [8]byte{}
		copy(h.OEMTableID[:], oemTableID)
	}

	table := append(h.marshal(), body...)
	table[9] = checksum(table)
	w.buf.Write(table)

	// Padding past the region is left off; nothing else fits there anyway.
	if pad := len(table) % 8; pad != 0 && start+length+uint64(8-pad) <= w.size {
		w.buf.Write(make([]byte, 8-pad))
	}
	return w.base + start, nil
}

func (w *tableWriter) bytes() []byte {
	return w.buf.Bytes()
}

func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return byte(0 - sum)
}
