// Package trace records a binary stream of remapping-unit events
// (translations, faults, invalidations) for offline inspection.
package trace

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	Magic   uint32 = 0x56544454 // "TDTV"
	Version uint32 = 1
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type Kind uint32

const InvalidKind = Kind(0)

var (
	kindsMu sync.Mutex
	kinds   = make(map[Kind]string)
)

// RegisterKind allocates a new event kind. It is meant to be called from
// package level variable initialisers.
func RegisterKind(name string) Kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := Kind(len(kinds) + 1)
	kinds[id] = name
	return id
}

// Event is one trace record. The meaning of Addr and Value depends on Kind.
type Event struct {
	Kind  Kind
	SID   uint16
	PASID uint32
	Flags uint32
	Addr  uint64
	Value uint64
}

var recordSize = binary.Size(Event{})

type writer struct {
	w                   io.Writer
	writeThreadComplete chan error
	events              chan Event
}

func (w *writer) run() {
	defer close(w.writeThreadComplete)

	buf := make([]byte, 0, 4096)

	for ev := range w.events {
		if len(buf)+recordSize > cap(buf) {
			if _, err := w.w.Write(buf); err != nil {
				w.writeThreadComplete <- err
				return
			}
			buf = buf[:0]
		}
		buf, _ = binary.Append(buf, binary.LittleEndian, ev)
	}

	if len(buf) > 0 {
		if _, err := w.w.Write(buf); err != nil {
			w.writeThreadComplete <- err
			return
		}
	}

	w.writeThreadComplete <- nil
}

func (w *writer) Close() error {
	// also guarantees that we are the goroutine closing
	if !current.CompareAndSwap(w, nil) {
		return fmt.Errorf("trace: already closed")
	}

	close(w.events)

	if err := <-w.writeThreadComplete; err != nil {
		return fmt.Errorf("trace: write thread: %w", err)
	}
	return nil
}

var current atomic.Pointer[writer]

// Enabled reports whether a trace is currently open.
func Enabled() bool {
	return current.Load() != nil
}

// Record queues ev if a trace is open. It drops nothing: a slow writer
// applies backpressure to the caller.
func Record(ev Event) {
	if w := current.Load(); w != nil {
		w.events <- ev
	}
}

// Open starts tracing to w. Only one trace may be open at a time.
func Open(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, fmt.Errorf("trace: already open")
	}

	kindsMu.Lock()
	names, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("trace: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(names)),
	}); err != nil {
		return nil, fmt.Errorf("trace: write header: %w", err)
	}
	if _, err := w.Write(names); err != nil {
		return nil, fmt.Errorf("trace: write kinds: %w", err)
	}

	tw := &writer{
		w:                   w,
		events:              make(chan Event, 4096),
		writeThreadComplete: make(chan error),
	}
	go tw.run()

	if !current.CompareAndSwap(nil, tw) {
		close(tw.events)
		<-tw.writeThreadComplete
		return nil, fmt.Errorf("trace: already open")
	}
	return tw, nil
}

// ReadAll decodes a trace written by Open and calls fn for every event.
func ReadAll(r io.Reader, fn func(kind string, ev Event) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("trace: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("trace: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("trace: invalid version")
	}

	var names map[Kind]string
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength)))
	if err := dec.Decode(&names); err != nil {
		return fmt.Errorf("trace: decode kinds: %w", err)
	}

	for {
		var ev Event
		if err := binary.Read(buf, binary.LittleEndian, &ev); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("trace: read event: %w", err)
		}
		name, ok := names[ev.Kind]
		if !ok {
			return fmt.Errorf("trace: unknown kind: %d", ev.Kind)
		}
		if err := fn(name, ev); err != nil {
			return err
		}
	}
}
