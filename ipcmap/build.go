package ipcmap

import (
	"fmt"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/isesword/arrow-mmap-bridge/ffi"
)

// mapper threads the shared mapping state through the recursive schema
// walk: the byte source, the block offset all descriptors are relative to,
// and the dictionary lookup.
type mapper struct {
	src   SourceBytes
	data  []byte
	block int64
	dicts Dictionaries
}

// nodeCounts validates one field node's signed wire integers.
func nodeCounts(node FieldNode) (rows, nulls int64, err error) {
	if node.Length < 0 || node.NullCount < 0 {
		return 0, 0, fmt.Errorf("%w: field node (%d, %d)", ErrNegativeFooterLength, node.Length, node.NullCount)
	}
	return node.Length, node.NullCount, nil
}

func bufPtr(b []byte) unsafe.Pointer {
	if b == nil {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(b))
}

func releaseAll(handles []ffi.ArrowArray) {
	for i := range handles {
		ffi.ReleaseArrowArray(&handles[i])
	}
}

// mapField pops exactly one field node — before matching, since recursive
// children each pop their own — and dispatches on the physical layout of
// dt. An unmapped type fails unconditionally rather than defaulting.
func (m *mapper) mapField(dt arrow.DataType, field IPCField, nodes *NodeQueue, buffers *BufferQueue) (ffi.ArrowArray, error) {
	node, ok := nodes.pop()
	if !ok {
		return ffi.ArrowArray{}, fmt.Errorf("%w: mapping %s", ErrExpectedNode, dt)
	}

	switch dt.ID() {
	case arrow.NULL:
		return m.mapNull(node)
	case arrow.BOOL:
		return m.mapBoolean(node, buffers)
	case arrow.STRING, arrow.BINARY:
		return m.mapBinary(node, buffers, arrow.Int32SizeBytes)
	case arrow.LARGE_STRING, arrow.LARGE_BINARY:
		return m.mapBinary(node, buffers, arrow.Int64SizeBytes)
	case arrow.FIXED_SIZE_BINARY:
		return m.mapFixedSizeBinary(node, buffers)
	case arrow.LIST:
		return m.mapList(node, dt.(*arrow.ListType).Elem(), field, nodes, buffers, arrow.Int32SizeBytes)
	case arrow.LARGE_LIST:
		return m.mapList(node, dt.(*arrow.LargeListType).Elem(), field, nodes, buffers, arrow.Int64SizeBytes)
	case arrow.FIXED_SIZE_LIST:
		return m.mapFixedSizeList(node, dt.(*arrow.FixedSizeListType).Elem(), field, nodes, buffers)
	case arrow.STRUCT:
		return m.mapStruct(node, dt.(*arrow.StructType), field, nodes, buffers)
	case arrow.DICTIONARY:
		return m.mapDictionary(node, dt.(*arrow.DictionaryType), field, buffers)
	default:
		// 所有整字节宽度的定长类型共用 primitive 物理布局
		if fw, ok := dt.(arrow.FixedWidthDataType); ok && fw.BitWidth()%8 == 0 {
			return m.mapPrimitive(node, buffers, fw.BitWidth()/8)
		}
		return ffi.ArrowArray{}, fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
	}
}

func (m *mapper) mapNull(node FieldNode) (ffi.ArrowArray, error) {
	rows, nulls, err := nodeCounts(node)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	return ffi.NewArray(m.src, rows, nulls, nil, nil, nil), nil
}

func (m *mapper) mapBoolean(node FieldNode, buffers *BufferQueue) (ffi.ArrowArray, error) {
	rows, nulls, err := nodeCounts(node)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	validity, err := m.validity(buffers, nulls)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	// packed bits, no element alignment to check
	values, err := m.buffer(buffers)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	return ffi.NewArray(m.src, rows, nulls,
		[]unsafe.Pointer{bufPtr(validity), bufPtr(values)}, nil, nil), nil
}

func (m *mapper) mapPrimitive(node FieldNode, buffers *BufferQueue, elemSize int) (ffi.ArrowArray, error) {
	rows, nulls, err := nodeCounts(node)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	validity, err := m.validity(buffers, nulls)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	values, err := m.typedBuffer(buffers, elemSize, rows)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	return ffi.NewArray(m.src, rows, nulls,
		[]unsafe.Pointer{bufPtr(validity), bufPtr(values)}, nil, nil), nil
}

func (m *mapper) mapBinary(node FieldNode, buffers *BufferQueue, offsetSize int) (ffi.ArrowArray, error) {
	rows, nulls, err := nodeCounts(node)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	validity, err := m.validity(buffers, nulls)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	offsets, err := m.typedBuffer(buffers, offsetSize, rows+1)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	// NOTE: offset monotonicity and value ranges are trusted from the
	// producer and not validated here.
	values, err := m.buffer(buffers)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	return ffi.NewArray(m.src, rows, nulls,
		[]unsafe.Pointer{bufPtr(validity), bufPtr(offsets), bufPtr(values)}, nil, nil), nil
}

func (m *mapper) mapFixedSizeBinary(node FieldNode, buffers *BufferQueue) (ffi.ArrowArray, error) {
	rows, nulls, err := nodeCounts(node)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	validity, err := m.validity(buffers, nulls)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	// Historical lower bound of rows+1 bytes; the exact width*rows size is
	// not enforced.
	values, err := m.typedBuffer(buffers, 1, rows+1)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	return ffi.NewArray(m.src, rows, nulls,
		[]unsafe.Pointer{bufPtr(validity), bufPtr(values)}, nil, nil), nil
}

func (m *mapper) childField(field IPCField, i int, dt arrow.DataType) (IPCField, error) {
	if i >= len(field.Fields) {
		return IPCField{}, fmt.Errorf("ipcmap: ipc field metadata has no child %d for %s", i, dt)
	}
	return field.Fields[i], nil
}

func (m *mapper) mapList(node FieldNode, elem arrow.DataType, field IPCField, nodes *NodeQueue, buffers *BufferQueue, offsetSize int) (ffi.ArrowArray, error) {
	rows, nulls, err := nodeCounts(node)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	validity, err := m.validity(buffers, nulls)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	offsets, err := m.typedBuffer(buffers, offsetSize, rows+1)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	cf, err := m.childField(field, 0, elem)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	child, err := m.mapField(elem, cf, nodes, buffers)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	// NOTE: child containment under the offsets is trusted from the
	// producer.
	return ffi.NewArray(m.src, rows, nulls,
		[]unsafe.Pointer{bufPtr(validity), bufPtr(offsets)},
		[]ffi.ArrowArray{child}, nil), nil
}

func (m *mapper) mapFixedSizeList(node FieldNode, elem arrow.DataType, field IPCField, nodes *NodeQueue, buffers *BufferQueue) (ffi.ArrowArray, error) {
	rows, nulls, err := nodeCounts(node)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	validity, err := m.validity(buffers, nulls)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	cf, err := m.childField(field, 0, elem)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	child, err := m.mapField(elem, cf, nodes, buffers)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	return ffi.NewArray(m.src, rows, nulls,
		[]unsafe.Pointer{bufPtr(validity)},
		[]ffi.ArrowArray{child}, nil), nil
}

func (m *mapper) mapStruct(node FieldNode, dt *arrow.StructType, field IPCField, nodes *NodeQueue, buffers *BufferQueue) (ffi.ArrowArray, error) {
	rows, nulls, err := nodeCounts(node)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	validity, err := m.validity(buffers, nulls)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	children := make([]ffi.ArrowArray, 0, dt.NumFields())
	for i, f := range dt.Fields() {
		cf, err := m.childField(field, i, f.Type)
		if err != nil {
			releaseAll(children)
			return ffi.ArrowArray{}, err
		}
		child, err := m.mapField(f.Type, cf, nodes, buffers)
		if err != nil {
			// 构建失败时必须释放已经建好的子节点，不能泄漏
			releaseAll(children)
			return ffi.ArrowArray{}, err
		}
		children = append(children, child)
	}
	return ffi.NewArray(m.src, rows, nulls,
		[]unsafe.Pointer{bufPtr(validity)}, children, nil), nil
}

func (m *mapper) mapDictionary(node FieldNode, dt *arrow.DictionaryType, field IPCField, buffers *BufferQueue) (ffi.ArrowArray, error) {
	rows, nulls, err := nodeCounts(node)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	indexSize, err := dictionaryIndexSize(dt.IndexType)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	if field.DictionaryID == nil {
		return ffi.ArrowArray{}, fmt.Errorf("%w: field carries no dictionary id for %s", ErrMissingDictionary, dt)
	}
	dict, ok := m.dicts[*field.DictionaryID]
	if !ok {
		return ffi.ArrowArray{}, fmt.Errorf("%w: id %d", ErrMissingDictionary, *field.DictionaryID)
	}
	validity, err := m.validity(buffers, nulls)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	indices, err := m.typedBuffer(buffers, indexSize, rows)
	if err != nil {
		return ffi.ArrowArray{}, err
	}
	// Re-wrap the shared dictionary through the same construction path so
	// this handle owns its own reference over the shared bytes.
	dictHandle := ffi.ExportArray(dict)
	return ffi.NewArray(m.src, rows, nulls,
		[]unsafe.Pointer{bufPtr(validity), bufPtr(indices)}, nil, &dictHandle), nil
}

func dictionaryIndexSize(dt arrow.DataType) (int, error) {
	switch dt.ID() {
	case arrow.INT8, arrow.UINT8:
		return 1, nil
	case arrow.INT16, arrow.UINT16:
		return 2, nil
	case arrow.INT32, arrow.UINT32:
		return 4, nil
	case arrow.INT64, arrow.UINT64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: dictionary index type %s", ErrUnsupportedType, dt)
}
