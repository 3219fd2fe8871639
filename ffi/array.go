package ffi

import (
	"runtime/cgo"
	"sync/atomic"
	"unsafe"
)

// privateData is the heap bundle behind ArrowArray.PrivateData. It keeps
// the retained memory owner and the pointer arrays the exported struct
// references reachable until release runs. The cgo.Handle registry is the
// keep-alive table: 注册在里面的对象不会被 GC 回收，外部持有裸指针也安全。
type privateData struct {
	owner      Retainable
	buffers    []unsafe.Pointer
	children   []*ArrowArray
	dictionary *ArrowArray
}

var liveArrays atomic.Int64

// LiveArrays returns the number of handles created by this package that
// have not been released yet. Intended for leak checks in tests.
func LiveArrays() int64 { return liveArrays.Load() }

// NewArray assembles an ArrowArray over memory owned by owner. buffers
// holds one entry per ABI buffer slot, nil for absent slots, each pointing
// into the owner's memory. Children are moved onto the heap and their
// ownership transfers into the new handle, as does dictionary's when
// non-nil. The owner is retained once and released again when the handle's
// release callback runs.
//
// Offset is fixed at 0: IPC batch bodies are never sub-sliced at this
// layer. The caller owns the obligation to release the result exactly once.
func NewArray(owner Retainable, length, nullCount int64, buffers []unsafe.Pointer, children []ArrowArray, dictionary *ArrowArray) ArrowArray {
	owner.Retain()

	pd := &privateData{
		owner:      owner,
		buffers:    buffers,
		dictionary: dictionary,
	}
	if len(children) > 0 {
		pd.children = make([]*ArrowArray, len(children))
		for i := range children {
			c := children[i] // 拷贝到堆上，地址进入 children 指针数组
			pd.children[i] = &c
		}
	}

	out := ArrowArray{
		Length:     length,
		NullCount:  nullCount,
		Offset:     0,
		NBuffers:   int64(len(pd.buffers)),
		NChildren:  int64(len(pd.children)),
		Dictionary: pd.dictionary,
		Release:    releaseFuncPtr(),
	}
	if len(pd.buffers) > 0 {
		out.Buffers = &pd.buffers[0]
	}
	if len(pd.children) > 0 {
		out.Children = &pd.children[0]
	}
	out.PrivateData = uintptr(cgo.NewHandle(pd))
	liveArrays.Add(1)
	return out
}
