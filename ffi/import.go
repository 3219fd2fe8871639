package ffi

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/bitutil"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ImportArray materializes a handle into an arrow-go array without copying
// buffer contents. Ownership of the handle transfers to the returned array:
// the release callback fires once the array's backing data is garbage
// collected. On error the handle is released immediately and nothing is
// exposed.
//
// The handle is trusted to be structurally sound beyond buffer/child
// counts; offset monotonicity and value ranges are the producer's concern.
func ImportArray(a *ArrowArray, dt arrow.DataType) (arrow.Array, error) {
	data, err := importData(a, dt)
	if err != nil {
		ReleaseArrowArray(a)
		return nil, err
	}
	// 数组数据被 GC 后再触发 release
	runtime.SetFinalizer(data, func(*array.Data) { ReleaseArrowArray(a) })
	defer data.Release()
	return array.MakeFromData(data), nil
}

func importData(a *ArrowArray, dt arrow.DataType) (*array.Data, error) {
	if a == nil || a.Released() {
		return nil, fmt.Errorf("ffi: cannot import a nil or released ArrowArray")
	}
	imp := importer{arr: a, dt: dt}
	return imp.importData()
}

type importer struct {
	arr *ArrowArray
	dt  arrow.DataType
}

func (imp *importer) checkNumBuffers(n int64) error {
	if imp.arr.NBuffers != n {
		return fmt.Errorf("ffi: expected %d buffers importing %s, handle has %d", n, imp.dt, imp.arr.NBuffers)
	}
	return nil
}

func (imp *importer) checkNumChildren(n int64) error {
	if imp.arr.NChildren != n {
		return fmt.Errorf("ffi: expected %d children importing %s, handle has %d", n, imp.dt, imp.arr.NChildren)
	}
	return nil
}

// bufferBytes wraps buffer slot i as a zero-copy view of nbytes bytes. A
// nil slot yields a nil buffer. The memory stays owned by the handle.
func (imp *importer) bufferBytes(i int, nbytes int64) *memory.Buffer {
	ptr := imp.arr.BufferPointers()[i]
	if ptr == nil || nbytes == 0 {
		return nil
	}
	return memory.NewBufferBytes(unsafe.Slice((*byte)(ptr), nbytes))
}

// validity wraps buffer slot 0, which is the packed-bit null bitmap for
// every layout that has one.
func (imp *importer) validity() *memory.Buffer {
	return imp.bufferBytes(0, bitutil.BytesForBits(imp.arr.Length+imp.arr.Offset))
}

func (imp *importer) importData() (*array.Data, error) {
	switch dt := imp.dt.(type) {
	case *arrow.NullType:
		if err := imp.checkNumChildren(0); err != nil {
			return nil, err
		}
		return array.NewData(dt, int(imp.arr.Length), nil, nil, int(imp.arr.NullCount), int(imp.arr.Offset)), nil
	case *arrow.DictionaryType:
		return imp.importDictionary(dt)
	case *arrow.StringType, *arrow.BinaryType:
		return imp.importBinaryLike(int64(arrow.Int32SizeBytes))
	case *arrow.LargeStringType, *arrow.LargeBinaryType:
		return imp.importBinaryLike(int64(arrow.Int64SizeBytes))
	case *arrow.ListType:
		return imp.importListLike(dt.Elem(), int64(arrow.Int32SizeBytes))
	case *arrow.LargeListType:
		return imp.importListLike(dt.Elem(), int64(arrow.Int64SizeBytes))
	case *arrow.FixedSizeListType:
		return imp.importFixedSizeList(dt)
	case *arrow.StructType:
		return imp.importStruct(dt)
	default:
		if fw, ok := imp.dt.(arrow.FixedWidthDataType); ok {
			return imp.importFixedWidth(fw)
		}
		return nil, fmt.Errorf("ffi: importing %s is not supported", imp.dt)
	}
}

func (imp *importer) importFixedWidth(fw arrow.FixedWidthDataType) (*array.Data, error) {
	if err := imp.checkNumChildren(0); err != nil {
		return nil, err
	}
	if err := imp.checkNumBuffers(2); err != nil {
		return nil, err
	}
	// BytesForBits 同时覆盖布尔位图和整字节宽度的类型
	nbytes := bitutil.BytesForBits((imp.arr.Length + imp.arr.Offset) * int64(fw.BitWidth()))
	values := imp.bufferBytes(1, nbytes)
	return array.NewData(imp.dt, int(imp.arr.Length),
		[]*memory.Buffer{imp.validity(), values},
		nil, int(imp.arr.NullCount), int(imp.arr.Offset)), nil
}

func (imp *importer) importOffsets(offsetWidth int64) (*memory.Buffer, int64, error) {
	offsets := imp.bufferBytes(1, (imp.arr.Length+imp.arr.Offset+1)*offsetWidth)
	if offsets == nil {
		return nil, 0, fmt.Errorf("ffi: %s handle is missing its offsets buffer", imp.dt)
	}
	var end int64
	switch offsetWidth {
	case int64(arrow.Int32SizeBytes):
		end = int64(arrow.Int32Traits.CastFromBytes(offsets.Bytes())[imp.arr.Offset+imp.arr.Length])
	default:
		end = arrow.Int64Traits.CastFromBytes(offsets.Bytes())[imp.arr.Offset+imp.arr.Length]
	}
	return offsets, end, nil
}

func (imp *importer) importBinaryLike(offsetWidth int64) (*array.Data, error) {
	if err := imp.checkNumChildren(0); err != nil {
		return nil, err
	}
	if err := imp.checkNumBuffers(3); err != nil {
		return nil, err
	}
	offsets, nvals, err := imp.importOffsets(offsetWidth)
	if err != nil {
		return nil, err
	}
	values := imp.bufferBytes(2, nvals)
	return array.NewData(imp.dt, int(imp.arr.Length),
		[]*memory.Buffer{imp.validity(), offsets, values},
		nil, int(imp.arr.NullCount), int(imp.arr.Offset)), nil
}

func (imp *importer) importListLike(elem arrow.DataType, offsetWidth int64) (*array.Data, error) {
	if err := imp.checkNumChildren(1); err != nil {
		return nil, err
	}
	if err := imp.checkNumBuffers(2); err != nil {
		return nil, err
	}
	offsets, _, err := imp.importOffsets(offsetWidth)
	if err != nil {
		return nil, err
	}
	child, err := importData(imp.arr.ChildPointers()[0], elem)
	if err != nil {
		return nil, err
	}
	defer child.Release()
	return array.NewData(imp.dt, int(imp.arr.Length),
		[]*memory.Buffer{imp.validity(), offsets},
		[]arrow.ArrayData{child}, int(imp.arr.NullCount), int(imp.arr.Offset)), nil
}

func (imp *importer) importFixedSizeList(dt *arrow.FixedSizeListType) (*array.Data, error) {
	if err := imp.checkNumChildren(1); err != nil {
		return nil, err
	}
	if err := imp.checkNumBuffers(1); err != nil {
		return nil, err
	}
	child, err := importData(imp.arr.ChildPointers()[0], dt.Elem())
	if err != nil {
		return nil, err
	}
	defer child.Release()
	return array.NewData(dt, int(imp.arr.Length),
		[]*memory.Buffer{imp.validity()},
		[]arrow.ArrayData{child}, int(imp.arr.NullCount), int(imp.arr.Offset)), nil
}

func (imp *importer) importStruct(dt *arrow.StructType) (*array.Data, error) {
	if err := imp.checkNumChildren(int64(dt.NumFields())); err != nil {
		return nil, err
	}
	if err := imp.checkNumBuffers(1); err != nil {
		return nil, err
	}
	childPtrs := imp.arr.ChildPointers()
	childData := make([]arrow.ArrayData, 0, dt.NumFields())
	for i, f := range dt.Fields() {
		cd, err := importData(childPtrs[i], f.Type)
		if err != nil {
			for _, c := range childData {
				c.Release()
			}
			return nil, err
		}
		childData = append(childData, cd)
	}
	out := array.NewData(dt, int(imp.arr.Length),
		[]*memory.Buffer{imp.validity()},
		childData, int(imp.arr.NullCount), int(imp.arr.Offset))
	for _, c := range childData {
		c.Release()
	}
	return out, nil
}

func (imp *importer) importDictionary(dt *arrow.DictionaryType) (*array.Data, error) {
	fw, ok := dt.IndexType.(arrow.FixedWidthDataType)
	if !ok {
		return nil, fmt.Errorf("ffi: dictionary index type %s is not fixed-width", dt.IndexType)
	}
	if err := imp.checkNumChildren(0); err != nil {
		return nil, err
	}
	if err := imp.checkNumBuffers(2); err != nil {
		return nil, err
	}
	if imp.arr.Dictionary == nil {
		return nil, fmt.Errorf("ffi: dictionary handle for %s has no dictionary values", dt)
	}
	indices := imp.bufferBytes(1, bitutil.BytesForBits((imp.arr.Length+imp.arr.Offset)*int64(fw.BitWidth())))
	dictData, err := importData(imp.arr.Dictionary, dt.ValueType)
	if err != nil {
		return nil, err
	}
	defer dictData.Release()
	return array.NewDataWithDictionary(dt, int(imp.arr.Length),
		[]*memory.Buffer{imp.validity(), indices},
		int(imp.arr.NullCount), int(imp.arr.Offset), dictData), nil
}
