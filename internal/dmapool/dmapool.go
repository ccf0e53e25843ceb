// Package dmapool issues device DMA against guest memory through a
// remapping unit from a fixed number of host workers.
package dmapool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vtd/internal/devices/vtd"
	"github.com/tinyrange/vtd/internal/hv"
)

// ErrPermission is returned for a transfer whose translation does not grant
// the requested access.
var ErrPermission = errors.New("dmapool: access not permitted by translation")

// Translator is the remapping unit as seen by a DMA engine.
type Translator interface {
	Translate(sid uint16, pasid uint32, iova uint64, write bool) (vtd.TLBEntry, error)
}

// Request is one DMA transfer. Writes copy Data to guest memory; reads
// fill Len bytes.
type Request struct {
	SID   uint16
	PASID uint32
	IOVA  uint64
	Write bool
	Data  []byte
	Len   int
}

func (r Request) size() int {
	if r.Write {
		return len(r.Data)
	}
	return r.Len
}

// Result is the outcome of a Request. Addr is the translation of the first
// byte. Err carries translation faults as *vtd.TranslationFault.
type Result struct {
	Addr uint64
	Data []byte
	Err  error
}

// Stats counts completed transfers.
type Stats struct {
	Transfers uint64
	Bytes     uint64
	Faults    uint64
}

type Pool struct {
	tr      Translator
	mem     hv.GuestMemory
	workers int

	transfers atomic.Uint64
	bytes     atomic.Uint64
	faults    atomic.Uint64
}

// New returns a pool running at most workers transfers at a time.
func New(tr Translator, mem hv.GuestMemory, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{tr: tr, mem: mem, workers: workers}
}

// Run performs reqs and returns their results in request order. Faulting
// transfers are reported in their Result; Run itself only fails when ctx
// is cancelled.
func (p *Pool) Run(ctx context.Context, reqs []Request) ([]Result, error) {
	results := make([]Result, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, req := range reqs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.Do(req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// Do performs a single transfer, translating each page it touches.
func (p *Pool) Do(req Request) Result {
	var res Result
	if !req.Write {
		res.Data = make([]byte, req.Len)
	}

	size := req.size()
	for done := 0; done < size; {
		iova := req.IOVA + uint64(done)
		e, err := p.tr.Translate(req.SID, req.PASID, iova, req.Write)
		if err != nil {
			p.faults.Add(1)
			res.Err = err
			return res
		}
		if !e.Allows(req.Write) {
			p.faults.Add(1)
			res.Err = fmt.Errorf("%w: iova 0x%x perm %s", ErrPermission, iova, e.Perm)
			return res
		}
		addr := e.Addr(iova)
		if done == 0 {
			res.Addr = addr
		}

		n := min(size-done, int(e.IOVA+e.AddrMask-iova)+1)
		if req.Write {
			_, err = p.mem.WriteAt(req.Data[done:done+n], int64(addr))
		} else {
			_, err = p.mem.ReadAt(res.Data[done:done+n], int64(addr))
		}
		if err != nil {
			res.Err = fmt.Errorf("dmapool: access 0x%x: %w", addr, err)
			return res
		}
		done += n
	}

	p.transfers.Add(1)
	p.bytes.Add(uint64(size))
	return res
}

func (p *Pool) Stats() Stats {
	return Stats{
		Transfers: p.transfers.Load(),
		Bytes:     p.bytes.Load(),
		Faults:    p.faults.Load(),
	}
}
