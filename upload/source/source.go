// Package source provides the byte sources a resumable upload reads its chunks from.
// Sources can be backed by memory buffers, files, streams or a pull callback.
package source

import (
	"context"
	"errors"
	"fmt"
)

// UnknownLength is reported by sources whose total length is only known once all data was served.
const UnknownLength int64 = -1

// ErrShortRead is returned when a known-length source can not serve the requested range in full.
var ErrShortRead = errors.New("source returned fewer bytes than requested")

// Chunk is a contiguous byte range served by a Source.
type Chunk struct {
	Data []byte
	// Final is set when Data ends at the end of the payload.
	Final bool
}

// Source serves upload bytes by range.
// Implementations must be re-enterable: the same range can be requested again after a retry,
// and ranges are not guaranteed to arrive in forward-only order.
type Source interface {
	// Length returns the total number of bytes, or UnknownLength.
	Length() int64

	// Fetch returns up to length bytes starting at offset.
	// Known-length sources return exactly min(length, Length()-offset) bytes.
	Fetch(ctx context.Context, offset, length int64) (Chunk, error)
}

func checkRange(offset, length, total int64) error {
	if offset < 0 || length < 0 {
		return fmt.Errorf("invalid range: offset %d, length %d", offset, length)
	}
	if total != UnknownLength && offset > total {
		return fmt.Errorf("offset %d is beyond the end of the source (%d bytes)", offset, total)
	}
	return nil
}

func clamp(offset, length, total int64) int64 {
	if remaining := total - offset; length > remaining {
		return remaining
	}
	return length
}
