//go:build !unix

package mmapfile

import "os"

// Open reads the file at path into memory. Platforms without a usable mmap
// still get the same reference-counted interface, just without the
// zero-copy path from disk.
func Open(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		data = nil
	}
	return newBuffer(data, nil), nil
}
