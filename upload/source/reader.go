package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Reader serves chunks from a forward-only stream of unknown length.
// It keeps the bytes of the most recently served window, so a range that was not yet confirmed
// by the server can be served again; bytes before the latest requested offset are released.
type Reader struct {
	r    io.Reader
	base int64
	buf  []byte
	eof  bool
	mu   sync.Mutex
}

// NewReader creates a Source from a stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Length always returns UnknownLength.
func (s *Reader) Length() int64 {
	return UnknownLength
}

// Fetch returns up to length bytes from offset; Final is set once the stream is drained.
func (s *Reader) Fetch(ctx context.Context, offset, length int64) (Chunk, error) {
	if err := checkRange(offset, length, UnknownLength); err != nil {
		return Chunk{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if offset < s.base {
		return Chunk{}, fmt.Errorf("offset %d was already released (window starts at %d)", offset, s.base)
	}
	if offset > s.base+int64(len(s.buf)) && s.eof {
		return Chunk{}, fmt.Errorf("offset %d is beyond the end of the stream", offset)
	}

	// release confirmed bytes
	if drop := offset - s.base; drop > 0 && drop <= int64(len(s.buf)) {
		s.buf = append(s.buf[:0], s.buf[drop:]...)
		s.base = offset
	}

	for !s.eof && s.base+int64(len(s.buf)) < offset+length {
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}

		want := offset + length - s.base - int64(len(s.buf))
		tmp := make([]byte, want)
		n, err := s.r.Read(tmp)
		s.buf = append(s.buf, tmp[:n]...)
		if errors.Is(err, io.EOF) {
			s.eof = true
		} else if err != nil {
			return Chunk{}, fmt.Errorf("read stream: %w", err)
		}
	}

	if offset > s.base+int64(len(s.buf)) {
		return Chunk{}, fmt.Errorf("offset %d is beyond the end of the stream", offset)
	}

	start := offset - s.base
	end := start + length
	if end > int64(len(s.buf)) {
		end = int64(len(s.buf))
	}
	chunk := make([]byte, end-start)
	copy(chunk, s.buf[start:end])

	return Chunk{Data: chunk, Final: s.eof && end == int64(len(s.buf))}, nil
}
