package ipcmap

import (
	"fmt"
	"unsafe"
)

// popBounds pops one descriptor and validates its signed wire integers.
func popBounds(buffers *BufferQueue) (offset, length int64, err error) {
	desc, ok := buffers.pop()
	if !ok {
		return 0, 0, ErrExpectedBuffer
	}
	if desc.Offset < 0 || desc.Length < 0 {
		return 0, 0, fmt.Errorf("%w: buffer descriptor (%d, %d)", ErrNegativeFooterLength, desc.Offset, desc.Length)
	}
	return desc.Offset, desc.Length, nil
}

// slice resolves the absolute range [block+offset, block+offset+length)
// against the source extent. The stepwise comparisons keep the arithmetic
// overflow-free: every operand is already known non-negative.
func (m *mapper) slice(offset, length int64) ([]byte, error) {
	extent := int64(len(m.data))
	if offset > extent-m.block || length > extent-m.block-offset {
		return nil, fmt.Errorf("%w: range [%d, %d) in %d source bytes", ErrOutOfBounds, m.block+offset, m.block+offset+length, extent)
	}
	start := m.block + offset
	return m.data[start : start+length : start+length], nil
}

// buffer pops one descriptor and bounds-checks its range, with no typed
// reinterpretation checks.
func (m *mapper) buffer(buffers *BufferQueue) ([]byte, error) {
	offset, length, err := popBounds(buffers)
	if err != nil {
		return nil, err
	}
	return m.slice(offset, length)
}

// typedBuffer additionally validates that the bytes can be reinterpreted as
// elements of elemSize bytes: the byte length must be a whole multiple of
// elemSize, the base address suitably aligned, and the element count at
// least minRows. Failing any of these is an error, never undefined
// behavior.
func (m *mapper) typedBuffer(buffers *BufferQueue, elemSize int, minRows int64) ([]byte, error) {
	b, err := m.buffer(buffers)
	if err != nil {
		return nil, err
	}
	if int64(len(b))%int64(elemSize) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d-byte elements", ErrMisaligned, len(b), elemSize)
	}
	if len(b) > 0 {
		align := uintptr(elemSize)
		if align > 8 {
			align = 8 // 16 字节类型（decimal 等）按 8 字节对齐访问
		}
		if uintptr(unsafe.Pointer(unsafe.SliceData(b)))%align != 0 {
			return nil, fmt.Errorf("%w: base address is not %d-byte aligned", ErrMisaligned, align)
		}
	}
	if int64(len(b))/int64(elemSize) < minRows {
		return nil, fmt.Errorf("%w: %d elements of %d bytes, need %d", ErrTooSmall, int64(len(b))/int64(elemSize), elemSize, minRows)
	}
	return b, nil
}

// validity always consumes its descriptor slot but only resolves and
// exposes bytes when the node carries nulls.
func (m *mapper) validity(buffers *BufferQueue, nullCount int64) ([]byte, error) {
	offset, length, err := popBounds(buffers)
	if err != nil {
		return nil, err
	}
	if nullCount == 0 {
		return nil, nil
	}
	return m.slice(offset, length)
}
