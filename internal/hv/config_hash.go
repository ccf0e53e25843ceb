package hv

import (
	"crypto/sha256"
	"encoding/binary"
)

// ConfigHash represents a hash of a device configuration. A snapshot can only
// be restored into a device with the same hash.
type ConfigHash [32]byte

// ConfigHasher accumulates configuration fields in a fixed order.
type ConfigHasher struct {
	buf []byte
}

func (h *ConfigHasher) String(s string) {
	h.buf = append(h.buf, s...)
	h.buf = append(h.buf, 0) // null terminator
}

func (h *ConfigHasher) Uint64(v uint64) {
	h.buf = binary.LittleEndian.AppendUint64(h.buf, v)
}

func (h *ConfigHasher) Bool(v bool) {
	if v {
		h.buf = append(h.buf, 1)
	} else {
		h.buf = append(h.buf, 0)
	}
}

func (h *ConfigHasher) Sum() ConfigHash {
	return sha256.Sum256(h.buf)
}
