package reader

import (
	"errors"
	"io"
	"os"
)

const minBlockSize = 1 << 20

// Source gives random access to the bytes of one stream file. A slice is
// valid until the next call to Slice.
type Source interface {
	Size() int64
	Slice(offset int64, length int) ([]byte, error)
	Close() error
}

// blockSource reads a file through one reusable window that grows to fit
// the largest packet requested.
type blockSource struct {
	file      *os.File
	size      int64
	blockSize int
	buf       []byte
	bufStart  int64
	bufLen    int
}

// OpenFile opens path as a buffered Source.
func OpenFile(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return newBlockSource(f, info.Size(), minBlockSize), nil
}

func newBlockSource(f *os.File, size int64, blockSize int) *blockSource {
	if blockSize < minBlockSize {
		blockSize = minBlockSize
	}
	return &blockSource{file: f, size: size, blockSize: blockSize}
}

func (bs *blockSource) Size() int64 { return bs.size }

func (bs *blockSource) Close() error {
	if bs.file == nil {
		return nil
	}
	err := bs.file.Close()
	bs.file = nil
	bs.buf = nil
	bs.bufLen = 0
	return err
}

func (bs *blockSource) grow(need int) {
	if need <= bs.blockSize {
		return
	}
	newSize := bs.blockSize
	for newSize < need {
		newSize *= 2
	}
	bs.blockSize = newSize
	bs.buf = make([]byte, bs.blockSize)
	bs.bufLen = 0
	bs.bufStart = 0
}

func (bs *blockSource) ensure(offset int64, length int) error {
	if bs.file == nil {
		return os.ErrClosed
	}
	if length > bs.blockSize {
		bs.grow(length)
	}
	if bs.buf == nil {
		bs.buf = make([]byte, bs.blockSize)
	}
	if offset >= bs.bufStart && offset+int64(length) <= bs.bufStart+int64(bs.bufLen) {
		return nil
	}
	bs.bufStart = offset
	toRead := bs.blockSize
	if remain := bs.size - offset; int64(toRead) > remain {
		toRead = int(remain)
	}
	if toRead <= 0 {
		bs.bufLen = 0
		return io.EOF
	}
	n, err := bs.file.ReadAt(bs.buf[:toRead], offset)
	bs.bufLen = n
	if err != nil && !errors.Is(err, io.EOF) {
		bs.bufLen = 0
		return err
	}
	if n == 0 {
		return io.EOF
	}
	return nil
}

func (bs *blockSource) Slice(offset int64, length int) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}
	if offset < 0 {
		return nil, io.ErrUnexpectedEOF
	}
	if offset >= bs.size {
		return nil, io.EOF
	}
	if err := bs.ensure(offset, length); err != nil {
		return nil, err
	}
	start := int(offset - bs.bufStart)
	end := start + length
	if end > bs.bufLen {
		return bs.buf[start:bs.bufLen], io.EOF
	}
	return bs.buf[start:end], nil
}

// bytesSource serves an in-memory stream.
type bytesSource []byte

// NewBytesSource wraps data as a Source.
func NewBytesSource(data []byte) Source { return bytesSource(data) }

func (b bytesSource) Size() int64  { return int64(len(b)) }
func (b bytesSource) Close() error { return nil }

func (b bytesSource) Slice(offset int64, length int) ([]byte, error) {
	if offset < 0 || offset > int64(len(b)) {
		return nil, io.ErrUnexpectedEOF
	}
	end := offset + int64(length)
	if end > int64(len(b)) {
		return b[offset:], io.EOF
	}
	return b[offset:end], nil
}

func sliceExact(src Source, offset int64, length int) ([]byte, error) {
	view, err := src.Slice(offset, length)
	if len(view) < length {
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, io.ErrUnexpectedEOF
	}
	return view[:length], nil
}
