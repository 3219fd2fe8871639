package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/isesword/arrow-mmap-bridge/ffi"
	"github.com/isesword/arrow-mmap-bridge/ipcmap"
	"github.com/isesword/arrow-mmap-bridge/ipcmeta"
	"github.com/isesword/arrow-mmap-bridge/mmapfile"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("demo failed: %v", err)
	}
	fmt.Println("\n✅ Done!")
}

func run() error {
	// 1. 用 arrow-go 写一个 IPC 流文件
	fmt.Println("1. Writing an Arrow IPC stream file...")
	path := filepath.Join(os.TempDir(), "arrow-mmap-bridge-demo.arrows")
	schema, err := writeSampleStream(path)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	// 2. 只读映射整个文件
	fmt.Println("2. Mapping the file read-only...")
	buf, err := mmapfile.Open(path)
	if err != nil {
		return err
	}
	defer buf.Release()
	fmt.Printf("   mapped %d bytes\n", buf.Len())

	// 3. 扫描消息帧，取出每个 record batch 的节点和缓冲区队列
	fmt.Println("3. Scanning the stream for record batches...")
	batches, err := ipcmeta.ScanStream(buf.Bytes())
	if err != nil {
		return err
	}
	fmt.Printf("   found %d record batch(es)\n", len(batches))

	// 4. 零拷贝映射成 arrow.RecordBatch
	fmt.Println("4. Mapping batches without copying...")
	for i, bm := range batches {
		nodes, buffers := bm.Nodes, bm.Buffers
		rec, err := ipcmap.MapRecordBatch(buf, bm.BodyOffset, schema, nil, nil, bm.NumRows, &nodes, &buffers)
		if err != nil {
			return fmt.Errorf("mapping batch %d: %w", i, err)
		}
		fmt.Printf("   batch %d: %d rows\n%v\n", i, rec.NumRows(), rec)
		rec.Release()
	}

	// 5. 确认所有 FFI 句柄都已释放
	fmt.Printf("5. Live FFI arrays remaining: %d\n", ffi.LiveArrays())
	return nil
}

func writeSampleStream(path string) (*arrow.Schema, error) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "score", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}, nil)

	mem := memory.DefaultAllocator
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2, 3, 4}, nil)
	b.Field(1).(*array.StringBuilder).AppendValues([]string{"alpha", "beta", "", "delta"}, []bool{true, true, false, true})
	b.Field(2).(*array.Float64Builder).AppendValues([]float64{9.5, 7.25, 0, 8.0}, []bool{true, true, false, true})

	rec := b.NewRecordBatch()
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	w := ipc.NewWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return schema, nil
}
