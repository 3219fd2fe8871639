package ipcmap

import "errors"

// Error kinds for corrupted or unmappable IPC metadata. They are wrapped
// with context via fmt.Errorf("%w: ...") and matched with errors.Is. Every
// kind is detected before any pointer is exposed; construction aborts
// entirely on the first error.
var (
	// ErrExpectedBuffer means the buffer descriptor queue ran out before
	// the schema walk finished consuming.
	ErrExpectedBuffer = errors.New("ipcmap: buffer descriptor queue exhausted")
	// ErrExpectedNode means the field node queue ran out before the schema
	// walk finished consuming.
	ErrExpectedNode = errors.New("ipcmap: field node queue exhausted")
	// ErrNegativeFooterLength means a signed 64-bit wire integer was
	// negative where only non-negative values are valid.
	ErrNegativeFooterLength = errors.New("ipcmap: negative length or offset in footer metadata")
	// ErrOutOfBounds means a descriptor-addressed range exceeds the source
	// byte extent.
	ErrOutOfBounds = errors.New("ipcmap: buffer out of bounds")
	// ErrMisaligned means a value buffer cannot be reinterpreted as a slice
	// of its element type.
	ErrMisaligned = errors.New("ipcmap: buffer not aligned for zero-copy reinterpretation")
	// ErrTooSmall means a typed buffer holds fewer elements than the row
	// count requires.
	ErrTooSmall = errors.New("ipcmap: buffer too small for row count")
	// ErrMissingDictionary means a dictionary-encoded field's id is absent
	// from the supplied lookup (or the field carries no id at all).
	ErrMissingDictionary = errors.New("ipcmap: missing dictionary")
	// ErrUnsupportedType means the data type has no mapped physical
	// builder. This is unconditional and fatal, never silently defaulted.
	ErrUnsupportedType = errors.New("ipcmap: unsupported data type")
)
