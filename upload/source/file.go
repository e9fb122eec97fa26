package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// File reads chunks from a file on disk.
// The size is determined when the file is opened; it must not change during the upload.
type File struct {
	path string
	file *os.File
	size int64
	mu   sync.Mutex
}

// NewFile opens the file at path as a Source.
func NewFile(path string) (*File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &File{
		path: path,
		file: file,
		size: info.Size(),
	}, nil
}

// Path returns the path the source was opened from.
func (f *File) Path() string {
	return f.path
}

// Length returns the file size.
func (f *File) Length() int64 {
	return f.size
}

// Fetch reads the requested range into memory so the chunk can be resent on retries.
func (f *File) Fetch(_ context.Context, offset, length int64) (Chunk, error) {
	if err := checkRange(offset, length, f.size); err != nil {
		return Chunk{}, err
	}
	length = clamp(offset, length, f.size)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return Chunk{}, fmt.Errorf("read %s: file already closed", f.path)
	}

	chunk := make([]byte, length)
	n, err := f.file.ReadAt(chunk, offset)
	if err != nil && err != io.EOF {
		return Chunk{}, fmt.Errorf("read range %d-%d: %w", offset, offset+length, err)
	}
	if int64(n) != length {
		return Chunk{}, fmt.Errorf("read range %d-%d: got %d bytes: %w", offset, offset+length, n, ErrShortRead)
	}

	return Chunk{Data: chunk, Final: offset+length == f.size}, nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
