package httprange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// UnknownSize marks a Content-Range whose complete length is not known yet ("*").
const UnknownSize = -1

// ContentRange describes a Content-Range header value.
// An empty range (Start > End) is written as "bytes */size".
type ContentRange struct {
	Start, End, Size int64
}

// Empty returns a range that carries no bytes, used for status queries and empty final chunks.
func Empty(size int64) ContentRange {
	return ContentRange{Start: 0, End: -1, Size: size}
}

// Get the number of bytes covered by the range.
func (cr ContentRange) Length() int64 {
	if cr.End < cr.Start {
		return 0
	}
	return cr.End - cr.Start + 1
}

// Determine whether the range ends on the last byte of a known size.
func (cr ContentRange) IsLastByte() bool {
	return cr.Size != UnknownSize && cr.End+1 >= cr.Size
}

func (cr ContentRange) String() string {
	size := "*"
	if cr.Size != UnknownSize {
		size = strconv.FormatInt(cr.Size, 10)
	}
	if cr.Length() == 0 {
		return fmt.Sprintf("bytes */%s", size)
	}
	return fmt.Sprintf("bytes %d-%d/%s", cr.Start, cr.End, size)
}

// ParseContentRange parses "bytes start-end/size" and "bytes */size" values; size may be "*".
func ParseContentRange(s string) (ContentRange, error) {
	const b = "bytes "
	if !strings.HasPrefix(s, b) {
		return ContentRange{}, errors.New("invalid unit of Content-Range header")
	}
	r := strings.Split(s[len(b):], "/")
	if len(r) != 2 {
		return ContentRange{}, errors.New("invalid size of Content-Range header")
	}

	size := int64(UnknownSize)
	if sizeStr := strings.TrimSpace(r[1]); sizeStr != "*" {
		parsed, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil || parsed < 0 {
			return ContentRange{}, errors.New("cannot parse size of Content-Range header")
		}
		size = parsed
	}

	if strings.TrimSpace(r[0]) == "*" {
		return Empty(size), nil
	}

	r = strings.Split(r[0], "-")
	if len(r) != 2 {
		return ContentRange{}, errors.New("cannot parse Content-Range header, expected format \"start-end\"")
	}
	start, err := strconv.ParseInt(strings.TrimSpace(r[0]), 10, 64)
	if err != nil || start < 0 {
		return ContentRange{}, errors.New("cannot parse start of Content-Range header")
	}
	end, err := strconv.ParseInt(strings.TrimSpace(r[1]), 10, 64)
	if err != nil || end < start {
		return ContentRange{}, errors.New("cannot parse end of Content-Range header")
	}
	if size != UnknownSize && end >= size {
		return ContentRange{}, errors.New("end of Content-Range header exceeds its size")
	}

	return ContentRange{Start: start, End: end, Size: size}, nil
}

// ParseReceived returns the number of bytes a server confirmed through a "Range: bytes=0-N" header.
// A missing header means nothing was received.
func ParseReceived(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	const b = "bytes="
	if !strings.HasPrefix(s, b) {
		return 0, fmt.Errorf("invalid range header %q", s)
	}
	ra := strings.TrimSpace(s[len(b):])
	i := strings.Index(ra, "-")
	if i < 0 || strings.Contains(ra, ",") {
		return 0, fmt.Errorf("invalid range header %q", s)
	}

	start, err := strconv.ParseInt(strings.TrimSpace(ra[:i]), 10, 64)
	if err != nil || start != 0 {
		return 0, fmt.Errorf("invalid range header %q", s)
	}
	end, err := strconv.ParseInt(strings.TrimSpace(ra[i+1:]), 10, 64)
	if err != nil || end < start {
		return 0, fmt.Errorf("invalid range header %q", s)
	}

	return end + 1, nil
}
