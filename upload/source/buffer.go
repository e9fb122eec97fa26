package source

import (
	"context"
)

// Buffer serves chunks from an in-memory payload.
type Buffer struct {
	data []byte
}

// NewBuffer creates a Source from a byte slice. The slice must not be modified during the upload.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Length returns the size of the payload.
func (b *Buffer) Length() int64 {
	return int64(len(b.data))
}

// Fetch returns a copy of the requested range.
func (b *Buffer) Fetch(_ context.Context, offset, length int64) (Chunk, error) {
	total := b.Length()
	if err := checkRange(offset, length, total); err != nil {
		return Chunk{}, err
	}
	length = clamp(offset, length, total)

	chunk := make([]byte, length)
	copy(chunk, b.data[offset:offset+length])

	return Chunk{Data: chunk, Final: offset+length == total}, nil
}
