// Package iovatree tracks the set of IOVA ranges currently mapped into a
// shadow address space.
package iovatree

import (
	"errors"
	"fmt"

	"github.com/google/btree"
)

var ErrOverlap = errors.New("iovatree: range overlaps an existing mapping")

// Mapping is an inclusive range [IOVA, Last] translated to Translated. Perm is
// opaque to the tree.
type Mapping struct {
	IOVA       uint64
	Last       uint64
	Translated uint64
	Perm       uint8
}

func (m Mapping) Size() uint64 { return m.Last - m.IOVA + 1 }

func (m Mapping) overlaps(o Mapping) bool {
	return m.IOVA <= o.Last && o.IOVA <= m.Last
}

func (m Mapping) String() string {
	return fmt.Sprintf("[0x%x-0x%x]->0x%x perm=%d", m.IOVA, m.Last, m.Translated, m.Perm)
}

// Tree is not safe for concurrent use; the owning device serializes access.
type Tree struct {
	t *btree.BTreeG[Mapping]
}

func New() *Tree {
	return &Tree{
		t: btree.NewG(8, func(a, b Mapping) bool { return a.IOVA < b.IOVA }),
	}
}

func (t *Tree) Len() int { return t.t.Len() }

// Find returns the lowest mapping overlapping m.
func (t *Tree) Find(m Mapping) (Mapping, bool) {
	var found Mapping
	ok := false
	t.t.DescendLessOrEqual(Mapping{IOVA: m.IOVA}, func(item Mapping) bool {
		if item.overlaps(m) {
			found, ok = item, true
		}
		return false
	})
	if ok {
		return found, true
	}
	t.t.AscendGreaterOrEqual(Mapping{IOVA: m.IOVA}, func(item Mapping) bool {
		if item.IOVA <= m.Last {
			found, ok = item, true
		}
		return false
	})
	return found, ok
}

// Insert adds m. It fails with ErrOverlap if any part of m is already mapped.
func (t *Tree) Insert(m Mapping) error {
	if m.Last < m.IOVA {
		return fmt.Errorf("iovatree: invalid range %s", m)
	}
	if _, ok := t.Find(m); ok {
		return ErrOverlap
	}
	t.t.ReplaceOrInsert(m)
	return nil
}

// Remove deletes every mapping overlapping m and returns how many were removed.
func (t *Tree) Remove(m Mapping) int {
	n := 0
	for {
		found, ok := t.Find(m)
		if !ok {
			return n
		}
		t.t.Delete(found)
		n++
	}
}

// Ascend calls fn for every mapping in IOVA order until fn returns false.
func (t *Tree) Ascend(fn func(Mapping) bool) {
	t.t.Ascend(fn)
}

func (t *Tree) Clear() {
	t.t.Clear(false)
}
