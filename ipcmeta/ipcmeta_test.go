package ipcmeta

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/isesword/arrow-mmap-bridge/ffi"
	"github.com/isesword/arrow-mmap-bridge/ipcmap"
	"github.com/isesword/arrow-mmap-bridge/mmapfile"
)

// memSource adapts a byte slice to ipcmap.SourceBytes for stream-in-memory
// tests.
type memSource struct {
	refs atomic.Int64
	data []byte
}

func newMemSource(data []byte) *memSource {
	s := &memSource{data: data}
	s.refs.Store(1)
	return s
}

func (s *memSource) Retain()       { s.refs.Add(1) }
func (s *memSource) Release()      { s.refs.Add(-1) }
func (s *memSource) Bytes() []byte { return s.data }

func sampleSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "score", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "tags", Type: arrow.ListOf(arrow.BinaryTypes.String), Nullable: true},
	}, nil)
}

func sampleRecord(t *testing.T, schema *arrow.Schema) arrow.RecordBatch {
	t.Helper()
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()

	b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2, 3}, nil)
	b.Field(1).(*array.StringBuilder).AppendValues([]string{"ada", "", "grace"}, []bool{true, false, true})
	b.Field(2).(*array.Float64Builder).AppendValues([]float64{1.5, 2.5, 0}, []bool{true, true, false})

	lb := b.Field(3).(*array.ListBuilder)
	sb := lb.ValueBuilder().(*array.StringBuilder)
	lb.Append(true)
	sb.AppendValues([]string{"x", "y"}, nil)
	lb.Append(false)
	lb.Append(true)
	sb.Append("z")

	return b.NewRecordBatch()
}

func writeStream(t *testing.T, schema *arrow.Schema, recs ...arrow.RecordBatch) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(memory.DefaultAllocator))
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			t.Fatalf("writing record: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing writer: %v", err)
	}
	return buf.Bytes()
}

func TestScanStreamCounts(t *testing.T) {
	schema := sampleSchema()
	rec := sampleRecord(t, schema)
	defer rec.Release()
	data := writeStream(t, schema, rec)

	batches, err := ScanStream(data)
	if err != nil {
		t.Fatalf("ScanStream: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}

	bm := batches[0]
	if bm.NumRows != 3 {
		t.Fatalf("got %d rows, want 3", bm.NumRows)
	}
	// id + name + score + tags（list 外层 + string 子列）
	if len(bm.Nodes) != 5 {
		t.Fatalf("got %d nodes, want 5", len(bm.Nodes))
	}
	// 2 + 3 + 2 + (2 + 3)
	if len(bm.Buffers) != 12 {
		t.Fatalf("got %d buffers, want 12", len(bm.Buffers))
	}
	if bm.BodyOffset <= 0 || bm.BodyOffset+bm.BodyLength > int64(len(data)) {
		t.Fatalf("body [%d, %d) out of stream of %d bytes", bm.BodyOffset, bm.BodyOffset+bm.BodyLength, len(data))
	}
}

func TestScanAndMapRoundTrip(t *testing.T) {
	schema := sampleSchema()
	rec := sampleRecord(t, schema)
	defer rec.Release()
	data := writeStream(t, schema, rec)

	batches, err := ScanStream(data)
	if err != nil {
		t.Fatalf("ScanStream: %v", err)
	}
	src := newMemSource(data)

	bm := batches[0]
	nodes, buffers := bm.Nodes, bm.Buffers
	got, err := ipcmap.MapRecordBatch(src, bm.BodyOffset, schema, nil, nil, bm.NumRows, &nodes, &buffers)
	if err != nil {
		t.Fatalf("MapRecordBatch: %v", err)
	}
	defer got.Release()

	if !array.RecordEqual(rec, got) {
		t.Fatalf("mapped batch differs from written batch:\nwant %v\ngot  %v", rec, got)
	}
	if len(nodes) != 0 || len(buffers) != 0 {
		t.Fatalf("queues not fully consumed: %d nodes, %d buffers left", len(nodes), len(buffers))
	}
}

func TestScanStreamMultipleBatches(t *testing.T) {
	schema := sampleSchema()
	rec1 := sampleRecord(t, schema)
	defer rec1.Release()
	rec2 := sampleRecord(t, schema)
	defer rec2.Release()
	data := writeStream(t, schema, rec1, rec2)

	batches, err := ScanStream(data)
	if err != nil {
		t.Fatalf("ScanStream: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}

	src := newMemSource(data)
	for i, bm := range batches {
		nodes, buffers := bm.Nodes, bm.Buffers
		got, err := ipcmap.MapRecordBatch(src, bm.BodyOffset, schema, nil, nil, bm.NumRows, &nodes, &buffers)
		if err != nil {
			t.Fatalf("mapping batch %d: %v", i, err)
		}
		if !array.RecordEqual(rec1, got) {
			t.Fatalf("batch %d differs from written batch", i)
		}
		got.Release()
	}
}

func TestScanStreamRejectsCompressedBodies(t *testing.T) {
	schema := sampleSchema()
	rec := sampleRecord(t, schema)
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(memory.DefaultAllocator), ipc.WithZstd())
	if err := w.Write(rec); err != nil {
		t.Fatalf("writing record: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing writer: %v", err)
	}

	_, err := ScanStream(buf.Bytes())
	if !errors.Is(err, ErrCompressed) {
		t.Fatalf("got %v, want ErrCompressed", err)
	}
}

func TestScanStreamTruncated(t *testing.T) {
	schema := sampleSchema()
	rec := sampleRecord(t, schema)
	defer rec.Release()
	data := writeStream(t, schema, rec)

	if _, err := ScanStream(data[:len(data)/2]); err == nil {
		t.Fatal("expected an error on a truncated stream")
	}
}

// 从文件映射到 record batch 的完整链路
func TestMapFromFile(t *testing.T) {
	schema := sampleSchema()
	rec := sampleRecord(t, schema)
	defer rec.Release()
	data := writeStream(t, schema, rec)

	path := filepath.Join(t.TempDir(), "stream.arrows")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing stream file: %v", err)
	}

	buf, err := mmapfile.Open(path)
	if err != nil {
		t.Fatalf("mmapfile.Open: %v", err)
	}
	defer buf.Release()

	batches, err := ScanStream(buf.Bytes())
	if err != nil {
		t.Fatalf("ScanStream: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}

	bm := batches[0]
	nodes, buffers := bm.Nodes, bm.Buffers
	got, err := ipcmap.MapRecordBatch(buf, bm.BodyOffset, schema, nil, nil, bm.NumRows, &nodes, &buffers)
	if err != nil {
		t.Fatalf("MapRecordBatch: %v", err)
	}

	if !array.RecordEqual(rec, got) {
		t.Fatal("mapped batch differs from written batch")
	}

	got.Release()
	if ffi.LiveArrays() < 0 {
		t.Fatal("live array counter went negative")
	}
}
