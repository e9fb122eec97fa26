// Package chunk builds the requests of the resumable upload protocol.
// Everything here is a pure function of the upload's bookkeeping; no request is sent.
package chunk

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/bitrise-io/go-resumable/internal/httprange"
)

const (
	// StandardChunkSize sends the entire payload as a single chunk to minimize request count.
	StandardChunkSize int64 = math.MaxInt64

	// DefaultStreamChunkSize is used instead of StandardChunkSize when the payload length is unknown.
	DefaultStreamChunkSize int64 = 8 * 1024 * 1024

	// UnknownLength marks a payload whose total length is not known yet.
	UnknownLength int64 = -1
)

// Protocol headers.
const (
	HeaderContentRange        = "Content-Range"
	HeaderRange               = "Range"
	HeaderLocation            = "Location"
	HeaderUploadContentType   = "X-Upload-Content-Type"
	HeaderUploadContentLength = "X-Upload-Content-Length"
)

// Kind tells what a request is for.
type Kind int

const (
	// KindNegotiation creates the upload session.
	KindNegotiation Kind = iota
	// KindData carries a byte range of the payload.
	KindData
	// KindQuery asks the server for its confirmed offset without sending data.
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindNegotiation:
		return "negotiation"
	case KindData:
		return "data"
	case KindQuery:
		return "query"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request describes one HTTP exchange of an upload.
type Request struct {
	Kind   Kind
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Offset is the first payload byte carried by a data request.
	Offset int64
	// Final is set on the data request that completes the payload.
	Final bool
}

// ContentRange returns the parsed Content-Range header of data and query requests.
func (r Request) ContentRange() (httprange.ContentRange, error) {
	return httprange.ParseContentRange(r.Header.Get(HeaderContentRange))
}

// HTTPRequest converts the descriptor to a standard library request.
func (r Request) HTTPRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header = r.Header.Clone()
	req.ContentLength = int64(len(r.Body))
	return req, nil
}

// Span returns how many bytes the chunk starting at offset covers.
// The result never overruns a known total; StandardChunkSize covers everything that remains.
func Span(offset, total, chunkSize int64) int64 {
	size := chunkSize
	if size <= 0 || (size == StandardChunkSize && total == UnknownLength) {
		size = DefaultStreamChunkSize
	}
	if total == UnknownLength {
		return size
	}

	remaining := total - offset
	if remaining < 0 {
		return 0
	}
	if size > remaining {
		return remaining
	}
	return size
}

// NewNegotiation builds the session-creation request.
// header and body come from the caller's initial request; the method defaults to POST.
func NewNegotiation(method, url string, header http.Header, body []byte, mimeType string, total int64) Request {
	if method == "" || method == http.MethodGet {
		method = http.MethodPost
	}

	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if mimeType != "" {
		h.Set(HeaderUploadContentType, mimeType)
	}
	if total != UnknownLength {
		h.Set(HeaderUploadContentLength, strconv.FormatInt(total, 10))
	}

	return Request{
		Kind:   KindNegotiation,
		Method: method,
		URL:    url,
		Header: h,
		Body:   body,
	}
}

// NewData builds the request uploading data at offset to the session location.
// For an unknown total the final chunk declares offset+len(data) as the complete length.
func NewData(location string, offset int64, data []byte, total int64, final bool) Request {
	size := total
	if final && size == UnknownLength {
		size = offset + int64(len(data))
	}

	cr := httprange.Empty(size)
	if len(data) > 0 {
		cr = httprange.ContentRange{Start: offset, End: offset + int64(len(data)) - 1, Size: size}
	}

	h := http.Header{}
	h.Set(HeaderContentRange, cr.String())

	return Request{
		Kind:   KindData,
		Method: http.MethodPut,
		URL:    location,
		Header: h,
		Body:   data,
		Offset: offset,
		Final:  final,
	}
}

// NewQuery builds the zero-length status query used to resynchronize the offset.
func NewQuery(location string, total int64) Request {
	h := http.Header{}
	h.Set(HeaderContentRange, httprange.Empty(total).String())

	return Request{
		Kind:   KindQuery,
		Method: http.MethodPut,
		URL:    location,
		Header: h,
		Body:   []byte{},
	}
}
