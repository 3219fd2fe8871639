// Package mmapfile exposes a read-only file as a reference-counted byte
// buffer. On unix platforms the bytes are memory-mapped and stay valid for
// as long as any reference is held; elsewhere the file is read into memory
// with the same interface.
package mmapfile

import (
	"sync/atomic"
)

// Buffer is a reference-counted byte region. It starts with one reference
// owned by the caller of Open; the backing region is torn down when the
// count reaches zero.
type Buffer struct {
	refs  atomic.Int64
	data  []byte
	unmap func([]byte) error
}

func newBuffer(data []byte, unmap func([]byte) error) *Buffer {
	b := &Buffer{data: data, unmap: unmap}
	b.refs.Store(1)
	return b
}

// Bytes returns the backing bytes. The slice must not be used after the
// last reference is released.
func (b *Buffer) Bytes() []byte { return b.data }

// Len reports the byte length of the region.
func (b *Buffer) Len() int { return len(b.data) }

// Retain takes an additional reference.
func (b *Buffer) Retain() {
	b.refs.Add(1)
}

// Release drops one reference and unmaps the region when none remain.
// Unmap errors are swallowed; the region is gone either way.
func (b *Buffer) Release() {
	refs := b.refs.Add(-1)
	if refs < 0 {
		panic("mmapfile: buffer released below zero references")
	}
	if refs == 0 {
		data := b.data
		b.data = nil
		if b.unmap != nil {
			_ = b.unmap(data)
		}
	}
}
