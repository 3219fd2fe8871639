// Package ffi implements the Arrow C Data Interface ArrowArray struct and
// the ownership machinery needed to export zero-copy views of Go-held
// memory across an ABI boundary: an owning constructor, a C-callable
// release callback, and conversions to and from arrow-go arrays.
//
// https://arrow.apache.org/docs/format/CDataInterface.html
package ffi

import "unsafe"

// ArrowArray mirrors struct ArrowArray from the Arrow C Data Interface.
// Field order and widths must match the C declaration exactly; every field
// is 64 bits wide on the supported targets.
//
//	struct ArrowArray {
//	    int64_t length;
//	    int64_t null_count;
//	    int64_t offset;
//	    int64_t n_buffers;
//	    int64_t n_children;
//	    const void** buffers;
//	    struct ArrowArray** children;
//	    struct ArrowArray* dictionary;
//	    void (*release)(struct ArrowArray*);
//	    void* private_data;
//	};
type ArrowArray struct {
	Length     int64
	NullCount  int64
	Offset     int64
	NBuffers   int64
	NChildren  int64
	Buffers    *unsafe.Pointer
	Children   **ArrowArray
	Dictionary *ArrowArray
	// Release is a C function pointer taking *ArrowArray. Zero once the
	// handle has been released; consumers must call it exactly once.
	Release uintptr
	// PrivateData is opaque to consumers. For handles created by this
	// package it carries the keep-alive registry key.
	PrivateData uintptr
}

// Retainable is the ownership contract for the memory backing an exported
// array. *memory.Buffer, arrow.ArrayData and *mmapfile.Buffer all satisfy
// it.
type Retainable interface {
	Retain()
	Release()
}

// BufferPointers returns a slice view over the handle's buffer pointer
// slots. Absent slots are nil pointers.
func (a *ArrowArray) BufferPointers() []unsafe.Pointer {
	if a.Buffers == nil || a.NBuffers == 0 {
		return nil
	}
	return unsafe.Slice(a.Buffers, a.NBuffers)
}

// ChildPointers returns a slice view over the handle's child array slots.
func (a *ArrowArray) ChildPointers() []*ArrowArray {
	if a.Children == nil || a.NChildren == 0 {
		return nil
	}
	return unsafe.Slice(a.Children, a.NChildren)
}

// Released reports whether the handle has already been torn down.
func (a *ArrowArray) Released() bool { return a.Release == 0 }
