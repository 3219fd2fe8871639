package ffi

import (
	"sync/atomic"
	"testing"
	"unsafe"
)

// fakeOwner counts retains and releases so tests can assert the ownership
// protocol precisely.
type fakeOwner struct {
	retains  atomic.Int64
	releases atomic.Int64
}

func (f *fakeOwner) Retain()  { f.retains.Add(1) }
func (f *fakeOwner) Release() { f.releases.Add(1) }

func (f *fakeOwner) balance() int64 { return f.retains.Load() - f.releases.Load() }

func TestNewArrayPopulatesStruct(t *testing.T) {
	owner := &fakeOwner{}
	vals := []byte{1, 2, 3, 4}
	bufs := []unsafe.Pointer{nil, unsafe.Pointer(&vals[0])}

	a := NewArray(owner, 4, 1, bufs, nil, nil)
	defer ReleaseArrowArray(&a)

	if a.Length != 4 || a.NullCount != 1 || a.Offset != 0 {
		t.Fatalf("unexpected counts: length=%d null_count=%d offset=%d", a.Length, a.NullCount, a.Offset)
	}
	if a.NBuffers != 2 || a.NChildren != 0 {
		t.Fatalf("unexpected slots: n_buffers=%d n_children=%d", a.NBuffers, a.NChildren)
	}
	if a.Release == 0 {
		t.Fatal("release pointer is zero on a live handle")
	}
	got := a.BufferPointers()
	if got[0] != nil || got[1] != unsafe.Pointer(&vals[0]) {
		t.Fatalf("buffer pointers not preserved: %v", got)
	}
	if owner.retains.Load() != 1 {
		t.Fatalf("owner retained %d times, want 1", owner.retains.Load())
	}
}

func TestReleaseCascadesThroughChildren(t *testing.T) {
	parentOwner := &fakeOwner{}
	childOwner := &fakeOwner{}
	dictOwner := &fakeOwner{}

	dict := NewArray(dictOwner, 2, 0, nil, nil, nil)
	child := NewArray(childOwner, 8, 0, nil, nil, &dict)
	a := NewArray(parentOwner, 8, 0, nil, []ArrowArray{child}, nil)

	before := LiveArrays()
	ReleaseArrowArray(&a)

	if a.Release != 0 || a.PrivateData != 0 {
		t.Fatal("handle not marked released")
	}
	for name, o := range map[string]*fakeOwner{"parent": parentOwner, "child": childOwner, "dict": dictOwner} {
		if o.balance() != 0 {
			t.Fatalf("%s owner balance %d, want 0", name, o.balance())
		}
	}
	if d := before - LiveArrays(); d != 3 {
		t.Fatalf("released %d handles, want 3", d)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	owner := &fakeOwner{}
	a := NewArray(owner, 1, 0, nil, nil, nil)

	ReleaseArrowArray(&a)
	ReleaseArrowArray(&a)
	ReleaseArrowArray(nil)

	if owner.releases.Load() != 1 {
		t.Fatalf("owner released %d times, want 1", owner.releases.Load())
	}
}

func TestChildOwnershipMovesIntoParent(t *testing.T) {
	owner := &fakeOwner{}
	child := NewArray(owner, 3, 0, nil, nil, nil)
	a := NewArray(owner, 3, 0, nil, []ArrowArray{child}, nil)

	ptrs := a.ChildPointers()
	if len(ptrs) != 1 || ptrs[0] == nil {
		t.Fatalf("expected one child pointer, got %v", ptrs)
	}
	if ptrs[0].Length != 3 {
		t.Fatalf("child length %d, want 3", ptrs[0].Length)
	}

	ReleaseArrowArray(&a)
	if owner.balance() != 0 {
		t.Fatalf("owner balance %d after teardown, want 0", owner.balance())
	}
}
