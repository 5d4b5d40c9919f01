package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Buffer holds an element value. Large values may live outside memory.
type Buffer interface {
	Len() int64
	// Bytes materializes the whole value.
	Bytes() ([]byte, error)
	// Open streams the value; callers must close the reader.
	Open() (io.ReadCloser, error)
	// Endian is the byte order multi-byte units are stored in, nil for byte data.
	Endian() binary.ByteOrder
}

// MemoryBuffer is a value held in memory.
type MemoryBuffer struct {
	data  []byte
	order binary.ByteOrder
}

// NewMemoryBuffer wraps b without copying.
func NewMemoryBuffer(b []byte, order binary.ByteOrder) *MemoryBuffer {
	return &MemoryBuffer{data: b, order: order}
}

func (b *MemoryBuffer) Len() int64               { return int64(len(b.data)) }
func (b *MemoryBuffer) Bytes() ([]byte, error)   { return b.data, nil }
func (b *MemoryBuffer) Endian() binary.ByteOrder { return b.order }

func (b *MemoryBuffer) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// FileBuffer references a byte range of a file that is opened on demand.
type FileBuffer struct {
	Path   string
	Offset int64
	Length int64
	order  binary.ByteOrder
	// Temporary marks spool files owned by the buffer; Remove deletes them.
	Temporary bool
}

// NewFileBuffer references length bytes at offset in path.
func NewFileBuffer(path string, offset, length int64, order binary.ByteOrder) *FileBuffer {
	return &FileBuffer{Path: path, Offset: offset, Length: length, order: order}
}

func (b *FileBuffer) Len() int64               { return b.Length }
func (b *FileBuffer) Endian() binary.ByteOrder { return b.order }

func (b *FileBuffer) Open() (io.ReadCloser, error) {
	f, err := os.Open(b.Path)
	if err != nil {
		return nil, err
	}
	return &sectionReadCloser{Reader: io.NewSectionReader(f, b.Offset, b.Length), closer: f}, nil
}

func (b *FileBuffer) Bytes() ([]byte, error) {
	rc, err := b.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data := make([]byte, b.Length)
	if _, err := io.ReadFull(rc, data); err != nil {
		return nil, fmt.Errorf("read %s at %d: %w", b.Path, b.Offset, err)
	}
	return data, nil
}

// Remove deletes a temporary spool file. It is a no-op for other files.
func (b *FileBuffer) Remove() error {
	if !b.Temporary {
		return nil
	}
	return os.Remove(b.Path)
}

// StreamBuffer references a byte range of a random-access source.
type StreamBuffer struct {
	src    io.ReaderAt
	offset int64
	length int64
	order  binary.ByteOrder
}

// NewStreamBuffer references length bytes at offset in src.
func NewStreamBuffer(src io.ReaderAt, offset, length int64, order binary.ByteOrder) *StreamBuffer {
	return &StreamBuffer{src: src, offset: offset, length: length, order: order}
}

func (b *StreamBuffer) Len() int64               { return b.length }
func (b *StreamBuffer) Endian() binary.ByteOrder { return b.order }

// Offset is the position of the value in its source.
func (b *StreamBuffer) Offset() int64 { return b.offset }

func (b *StreamBuffer) Open() (io.ReadCloser, error) {
	return io.NopCloser(io.NewSectionReader(b.src, b.offset, b.length)), nil
}

func (b *StreamBuffer) Bytes() ([]byte, error) {
	data := make([]byte, b.length)
	n, err := b.src.ReadAt(data, b.offset)
	if int64(n) < b.length {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

type sectionReadCloser struct {
	io.Reader
	closer io.Closer
}

func (s *sectionReadCloser) Close() error { return s.closer.Close() }

// swapUnits reverses the byte order of each unit-sized group in place.
func swapUnits(b []byte, unit int) {
	if unit <= 1 {
		return
	}
	for i := 0; i+unit <= len(b); i += unit {
		for lo, hi := i, i+unit-1; lo < hi; lo, hi = lo+1, hi-1 {
			b[lo], b[hi] = b[hi], b[lo]
		}
	}
}
