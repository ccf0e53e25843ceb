package iovatree

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func collect(t *Tree) []Mapping {
	var out []Mapping
	t.Ascend(func(m Mapping) bool {
		out = append(out, m)
		return true
	})
	return out
}

func TestInsertFind(t *testing.T) {
	tree := New()
	a := Mapping{IOVA: 0x1000, Last: 0x1fff, Translated: 0x80000, Perm: 3}
	b := Mapping{IOVA: 0x200000, Last: 0x3fffff, Translated: 0x400000, Perm: 1}
	for _, m := range []Mapping{b, a} {
		if err := tree.Insert(m); err != nil {
			t.Fatalf("Insert(%s): %v", m, err)
		}
	}
	if diff := cmp.Diff([]Mapping{a, b}, collect(tree)); diff != "" {
		t.Fatalf("tree contents mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		name  string
		query Mapping
		want  Mapping
		ok    bool
	}{
		{"exact", Mapping{IOVA: 0x1000, Last: 0x1fff}, a, true},
		{"inside", Mapping{IOVA: 0x1800, Last: 0x1800}, a, true},
		{"spanning", Mapping{IOVA: 0x0, Last: 0x300000}, a, true},
		{"tail of huge", Mapping{IOVA: 0x3ff000, Last: 0x3fffff}, b, true},
		{"gap", Mapping{IOVA: 0x2000, Last: 0x1fffff}, Mapping{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tree.Find(tt.query)
			if ok != tt.ok {
				t.Fatalf("Find ok = %v, want %v", ok, tt.ok)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("Find mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInsertOverlap(t *testing.T) {
	tree := New()
	if err := tree.Insert(Mapping{IOVA: 0x1000, Last: 0x2fff}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert(Mapping{IOVA: 0x2000, Last: 0x2fff}); !errors.Is(err, ErrOverlap) {
		t.Fatalf("Insert overlap error = %v, want ErrOverlap", err)
	}
	if err := tree.Insert(Mapping{IOVA: 0x5000, Last: 0x4fff}); err == nil {
		t.Fatalf("expected error for inverted range")
	}
}

func TestRemove(t *testing.T) {
	tree := New()
	for i := uint64(0); i < 8; i++ {
		if err := tree.Insert(Mapping{IOVA: i << 12, Last: i<<12 | 0xfff}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if n := tree.Remove(Mapping{IOVA: 0x2000, Last: 0x4fff}); n != 3 {
		t.Fatalf("Remove removed %d, want 3", n)
	}
	if tree.Len() != 5 {
		t.Fatalf("Len = %d, want 5", tree.Len())
	}
	if n := tree.Remove(Mapping{IOVA: 0x2000, Last: 0x4fff}); n != 0 {
		t.Fatalf("second Remove removed %d, want 0", n)
	}
	tree.Clear()
	if tree.Len() != 0 {
		t.Fatalf("Len after Clear = %d", tree.Len())
	}
}
