package ffi

import (
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow"
)

// ExportArray wraps an arrow-go array in a new owning ArrowArray handle.
// The array's backing memory is shared, not copied: the handle retains the
// underlying ArrayData at every level of the tree and releases it again on
// teardown. Unlike IPC-mapped handles, an exported struct keeps the array's
// own offset so sliced arrays stay valid across the boundary.
func ExportArray(arr arrow.Array) ArrowArray {
	return exportData(arr.Data())
}

func exportData(data arrow.ArrayData) ArrowArray {
	buffers := make([]unsafe.Pointer, len(data.Buffers()))
	for i, b := range data.Buffers() {
		if b != nil && b.Len() > 0 {
			buffers[i] = unsafe.Pointer(unsafe.SliceData(b.Bytes()))
		}
	}

	children := make([]ArrowArray, len(data.Children()))
	for i, c := range data.Children() {
		children[i] = exportData(c)
	}

	var dict *ArrowArray
	if d := data.Dictionary(); d != nil {
		dv := exportData(d)
		dict = &dv
	}

	out := NewArray(data, int64(data.Len()), int64(data.NullN()), buffers, children, dict)
	out.Offset = int64(data.Offset())
	return out
}
