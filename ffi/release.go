package ffi

import (
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	releaseOnce sync.Once
	releasePtr  uintptr
)

// releaseFuncPtr returns the C-callable release callback, creating it on
// first use. A single callback serves every handle: purego callbacks are a
// finite process-wide resource and must never be minted per array.
func releaseFuncPtr() uintptr {
	releaseOnce.Do(func() {
		releasePtr = purego.NewCallback(func(ptr uintptr) {
			releaseManaged((*ArrowArray)(unsafe.Pointer(ptr)))
		})
	})
	return releasePtr
}

// releaseManaged tears down a handle created by NewArray: it reclaims the
// private payload from the keep-alive registry, cascades into children and
// dictionary, releases the memory owner, and clears the release pointer to
// mark the struct finalized. Recursion depth is bounded by schema nesting
// depth, not data volume.
func releaseManaged(a *ArrowArray) {
	if a == nil || a.Release == 0 {
		return
	}
	h := cgo.Handle(a.PrivateData)
	pd := h.Value().(*privateData)

	for _, child := range pd.children {
		ReleaseArrowArray(child)
	}
	if pd.dictionary != nil {
		ReleaseArrowArray(pd.dictionary)
	}
	pd.owner.Release()

	h.Delete()
	liveArrays.Add(-1)
	a.Release = 0
	a.PrivateData = 0
}

// ReleaseArrowArray invokes a handle's release callback. Nil handles and
// already-released handles are no-ops. Handles created by this package are
// torn down directly; foreign handles are released through their function
// pointer.
func ReleaseArrowArray(a *ArrowArray) {
	if a == nil || a.Release == 0 {
		return
	}
	if a.Release == releasePtr {
		releaseManaged(a)
		return
	}
	// 外部 handle，走它自己的 release 函数指针
	purego.SyscallN(a.Release, uintptr(unsafe.Pointer(a)))
}
