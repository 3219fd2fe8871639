// Package ipcmeta scans Arrow IPC stream bytes and extracts, per record
// batch message, the flattened field-node and buffer-descriptor queues the
// mapping layer consumes. It walks the Message flatbuffers by vtable
// navigation and never copies body bytes.
package ipcmeta

import (
	"encoding/binary"
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/isesword/arrow-mmap-bridge/ipcmap"
)

// ErrCompressed reports a record batch whose body is compressed; compressed
// bodies cannot be mapped in place and must go through a decoding reader.
var ErrCompressed = errors.New("ipcmeta: compressed record batch body")

const continuationMarker = 0xFFFFFFFF

// Message header union variants, per the Arrow IPC format.
const (
	headerSchema          = 1
	headerDictionaryBatch = 2
	headerRecordBatch     = 3
)

// BodyCompression codec values.
const (
	codecLZ4Frame = 0
	codecZstd     = 1
)

// Flatbuffer field ids resolve to vtable slots as 4 + 2*id.
const (
	msgHeaderTypeSlot = 6  // Message.header_type
	msgHeaderSlot     = 8  // Message.header
	msgBodyLengthSlot = 10 // Message.bodyLength

	rbLengthSlot      = 4  // RecordBatch.length
	rbNodesSlot       = 6  // RecordBatch.nodes
	rbBuffersSlot     = 8  // RecordBatch.buffers
	rbCompressionSlot = 10 // RecordBatch.compression

	bcCodecSlot = 4 // BodyCompression.codec
)

// BatchMeta is the metadata of one record batch message, with node and
// buffer queues ready for consumption and the body position expressed as an
// offset into the scanned bytes.
type BatchMeta struct {
	NumRows    int64
	Nodes      ipcmap.NodeQueue
	Buffers    ipcmap.BufferQueue
	BodyOffset int64
	BodyLength int64
}

// ScanStream walks an Arrow IPC stream and returns one BatchMeta per record
// batch message. Schema and dictionary-batch messages are skipped over by
// their declared lengths. Scanning stops at the end-of-stream marker or at
// the end of the data.
func ScanStream(data []byte) ([]BatchMeta, error) {
	var batches []BatchMeta
	pos := int64(0)
	size := int64(len(data))

	for pos < size {
		if size-pos < 4 {
			return nil, fmt.Errorf("ipcmeta: truncated message prefix at offset %d", pos)
		}
		metaLen := int64(int32(binary.LittleEndian.Uint32(data[pos:])))
		pos += 4
		if uint32(metaLen) == continuationMarker {
			// 新版封装格式：标记后才是真正的元数据长度
			if size-pos < 4 {
				return nil, fmt.Errorf("ipcmeta: truncated message prefix at offset %d", pos)
			}
			metaLen = int64(int32(binary.LittleEndian.Uint32(data[pos:])))
			pos += 4
		}
		if metaLen == 0 {
			break // end of stream
		}
		if metaLen < 0 || metaLen > size-pos {
			return nil, fmt.Errorf("ipcmeta: message metadata of %d bytes at offset %d exceeds %d source bytes", metaLen, pos, size)
		}

		meta, err := decodeMessage(data[pos : pos+metaLen])
		if err != nil {
			return nil, err
		}
		pos += metaLen

		if meta.BodyLength < 0 || meta.BodyLength > size-pos {
			return nil, fmt.Errorf("ipcmeta: message body of %d bytes at offset %d exceeds %d source bytes", meta.BodyLength, pos, size)
		}
		if meta.isBatch {
			bm := meta.batch
			bm.BodyOffset = pos
			bm.BodyLength = meta.BodyLength
			batches = append(batches, bm)
		}
		pos += meta.BodyLength
	}
	return batches, nil
}

type messageMeta struct {
	BodyLength int64
	isBatch    bool
	batch      BatchMeta
}

func decodeMessage(meta []byte) (messageMeta, error) {
	if len(meta) < 8 {
		return messageMeta{}, fmt.Errorf("ipcmeta: message metadata of %d bytes is too short", len(meta))
	}
	var msg flatbuffers.Table
	msg.Bytes = meta
	msg.Pos = flatbuffers.GetUOffsetT(meta)

	out := messageMeta{BodyLength: msg.GetInt64Slot(msgBodyLengthSlot, 0)}
	if msg.GetByteSlot(msgHeaderTypeSlot, 0) != headerRecordBatch {
		return out, nil
	}

	var rb flatbuffers.Table
	ho := msg.Offset(flatbuffers.VOffsetT(msgHeaderSlot))
	if ho == 0 {
		return messageMeta{}, errors.New("ipcmeta: record batch message carries no header table")
	}
	msg.Union(&rb, flatbuffers.UOffsetT(ho))

	if o := rb.Offset(flatbuffers.VOffsetT(rbCompressionSlot)); o != 0 {
		var bc flatbuffers.Table
		bc.Bytes = rb.Bytes
		bc.Pos = rb.Indirect(flatbuffers.UOffsetT(o) + rb.Pos)
		codec := bc.GetInt8Slot(bcCodecSlot, 0)
		return messageMeta{}, fmt.Errorf("%w: codec %s", ErrCompressed, codecName(codec))
	}

	bm := BatchMeta{NumRows: rb.GetInt64Slot(rbLengthSlot, 0)}

	// FieldNode and Buffer are inline 16-byte structs of two int64s.
	if o := rb.Offset(flatbuffers.VOffsetT(rbNodesSlot)); o != 0 {
		n := rb.VectorLen(flatbuffers.UOffsetT(o))
		base := rb.Vector(flatbuffers.UOffsetT(o))
		bm.Nodes = make(ipcmap.NodeQueue, n)
		for i := 0; i < n; i++ {
			elem := base + flatbuffers.UOffsetT(i)*16
			bm.Nodes[i] = ipcmap.FieldNode{
				Length:    rb.GetInt64(elem),
				NullCount: rb.GetInt64(elem + 8),
			}
		}
	}
	if o := rb.Offset(flatbuffers.VOffsetT(rbBuffersSlot)); o != 0 {
		n := rb.VectorLen(flatbuffers.UOffsetT(o))
		base := rb.Vector(flatbuffers.UOffsetT(o))
		bm.Buffers = make(ipcmap.BufferQueue, n)
		for i := 0; i < n; i++ {
			elem := base + flatbuffers.UOffsetT(i)*16
			bm.Buffers[i] = ipcmap.BufferDesc{
				Offset: rb.GetInt64(elem),
				Length: rb.GetInt64(elem + 8),
			}
		}
	}

	out.isBatch = true
	out.batch = bm
	return out, nil
}

func codecName(codec int8) string {
	switch codec {
	case codecLZ4Frame:
		return "LZ4_FRAME"
	case codecZstd:
		return "ZSTD"
	}
	return fmt.Sprintf("unknown(%d)", codec)
}
