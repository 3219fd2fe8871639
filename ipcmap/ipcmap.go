// Package ipcmap maps Arrow IPC record batch bodies onto Arrow C Data
// Interface handles without copying buffer contents. Given source bytes, a
// block offset, a data type tree, per-node IPC field metadata, a dictionary
// lookup, and the pre-order field-node and buffer-descriptor queues from a
// RecordBatch header, it builds an ffi.ArrowArray tree whose buffer
// pointers alias the source bytes directly.
//
// Bounds, alignment and element counts are validated before any pointer is
// exposed. Variable-length offset monotonicity and child byte-range
// containment are trusted from the producer.
package ipcmap

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/isesword/arrow-mmap-bridge/ffi"
)

// SourceBytes is a reference-counted owner of the raw IPC bytes, typically
// a memory-mapped file or a received message body. Every handle built over
// it retains it once; the backing memory must stay valid until the last
// handle is released. *memory.Buffer and *mmapfile.Buffer both satisfy it.
type SourceBytes interface {
	Retain()
	Release()
	Bytes() []byte
}

// FieldNode is the per-column (row count, null count) pair from the
// RecordBatch header, positioned by a pre-order walk of the schema.
type FieldNode struct {
	Length    int64
	NullCount int64
}

// BufferDesc locates one physical buffer inside a batch body. Offset is
// relative to the block offset.
type BufferDesc struct {
	Offset int64
	Length int64
}

// NodeQueue and BufferQueue are built once per batch and drained strictly
// front-to-back in lock-step with the schema walk, never replenished.
type NodeQueue []FieldNode

// BufferQueue holds the batch's buffer descriptors in consumption order.
type BufferQueue []BufferDesc

func (q *NodeQueue) pop() (FieldNode, bool) {
	if len(*q) == 0 {
		return FieldNode{}, false
	}
	n := (*q)[0]
	*q = (*q)[1:]
	return n, true
}

func (q *BufferQueue) pop() (BufferDesc, bool) {
	if len(*q) == 0 {
		return BufferDesc{}, false
	}
	b := (*q)[0]
	*q = (*q)[1:]
	return b, true
}

// IPCField carries the per-node IPC metadata that is not part of the data
// type itself: nested child fields in declared order and, for
// dictionary-encoded columns, the dictionary id.
type IPCField struct {
	Fields       []IPCField
	DictionaryID *int64
}

// Dictionaries is the externally supplied id → materialized dictionary
// array lookup.
type Dictionaries map[int64]arrow.Array

// DefaultIPCField derives an IPCField tree with no dictionary ids from a
// data type.
func DefaultIPCField(dt arrow.DataType) IPCField {
	nested, ok := dt.(arrow.NestedType)
	if !ok {
		return IPCField{}
	}
	f := IPCField{Fields: make([]IPCField, len(nested.Fields()))}
	for i, child := range nested.Fields() {
		f.Fields[i] = DefaultIPCField(child.Type)
	}
	return f
}

// DefaultIPCFields derives one IPCField per top-level schema field.
func DefaultIPCFields(schema *arrow.Schema) []IPCField {
	fields := make([]IPCField, schema.NumFields())
	for i, f := range schema.Fields() {
		fields[i] = DefaultIPCField(f.Type)
	}
	return fields
}

// BuildArray builds the FFI handle tree for one column rooted at dt,
// consuming nodes and buffers in pre-order. Buffer pointers in the result
// alias data's bytes directly; data is retained by every node of the tree
// and released again as the tree is torn down. The caller owns the
// obligation to release the handle exactly once.
func BuildArray(data SourceBytes, blockOffset int64, dt arrow.DataType, field IPCField, dicts Dictionaries, nodes *NodeQueue, buffers *BufferQueue) (ffi.ArrowArray, error) {
	m := &mapper{src: data, data: data.Bytes(), block: blockOffset, dicts: dicts}
	if blockOffset < 0 || blockOffset > int64(len(m.data)) {
		return ffi.ArrowArray{}, fmt.Errorf("%w: block offset %d in source of %d bytes", ErrOutOfBounds, blockOffset, len(m.data))
	}
	return m.mapField(dt, field, nodes, buffers)
}

// MapArray is the top-level entry for one column: it runs one root dispatch
// and hands the resulting handle to the safe-array conversion boundary.
// Structural correctness ends here; content-level validation is the
// converted array's concern.
func MapArray(data SourceBytes, blockOffset int64, dt arrow.DataType, field IPCField, dicts Dictionaries, nodes *NodeQueue, buffers *BufferQueue) (arrow.Array, error) {
	handle, err := BuildArray(data, blockOffset, dt, field, dicts, nodes, buffers)
	if err != nil {
		return nil, err
	}
	return ffi.ImportArray(&handle, dt)
}

// MapRecordBatch maps every column of one record batch from shared queues
// and assembles an arrow.RecordBatch. fields may be nil, in which case a
// default dictionary-free IPC field tree is derived from the schema.
func MapRecordBatch(data SourceBytes, blockOffset int64, schema *arrow.Schema, fields []IPCField, dicts Dictionaries, numRows int64, nodes *NodeQueue, buffers *BufferQueue) (arrow.RecordBatch, error) {
	if fields == nil {
		fields = DefaultIPCFields(schema)
	}
	if len(fields) != schema.NumFields() {
		return nil, fmt.Errorf("ipcmap: %d ipc fields for a schema of %d fields", len(fields), schema.NumFields())
	}

	cols := make([]arrow.Array, 0, schema.NumFields())
	for i, f := range schema.Fields() {
		col, err := MapArray(data, blockOffset, f.Type, fields[i], dicts, nodes, buffers)
		if err != nil {
			for _, c := range cols {
				c.Release()
			}
			return nil, fmt.Errorf("mapping column %q: %w", f.Name, err)
		}
		cols = append(cols, col)
	}

	batch := array.NewRecordBatch(schema, cols, numRows)
	for _, c := range cols {
		c.Release()
	}
	return batch, nil
}
