package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/bitrise-io/go-resumable/internal/httprange"
	"github.com/bitrise-io/go-resumable/upload/chunk"
	"github.com/bitrise-io/go-resumable/upload/transport"
	"github.com/stretchr/testify/require"
)

const sessionPath = "/upload/session/1"

// resumableServer keeps the state of a single upload session the way a resumable upload
// endpoint does. It serves both as an http.Handler and as an in-process transport.Doer.
type resumableServer struct {
	mu       sync.Mutex
	data     []byte
	size     int64
	complete bool
	requests []chunk.Request

	// acceptLimit caps the bytes stored from one data request, 0 means no cap.
	acceptLimit int
	// omitLocation drops the Location header from the negotiation response.
	omitLocation bool
	// negotiationStatus overrides the negotiation status code.
	negotiationStatus int
}

func newResumableServer() *resumableServer {
	return &resumableServer{size: httprange.UnknownSize}
}

func (s *resumableServer) received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

func (s *resumableServer) recorded() []chunk.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chunk.Request(nil), s.requests...)
}

func (s *resumableServer) contentRanges() []string {
	var ranges []string
	for _, req := range s.recorded() {
		if req.Kind == chunk.KindNegotiation {
			continue
		}
		ranges = append(ranges, req.Header.Get(chunk.HeaderContentRange))
	}
	return ranges
}

// Do implements transport.Doer.
func (s *resumableServer) Do(ctx context.Context, req chunk.Request) (*transport.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := sessionPath
	if req.Kind == chunk.KindNegotiation {
		path = "/upload"
	}
	return s.handle(req.Method, path, req.Header, req.Body, req.Kind), nil
}

func (s *resumableServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	kind := chunk.KindData
	switch {
	case r.Method == http.MethodPost:
		kind = chunk.KindNegotiation
	case len(body) == 0:
		kind = chunk.KindQuery
	}

	resp := s.handle(r.Method, r.URL.Path, r.Header, body, kind)
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (s *resumableServer) handle(method, path string, header http.Header, body []byte, kind chunk.Kind) *transport.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, chunk.Request{
		Kind:   kind,
		Method: method,
		URL:    path,
		Header: header.Clone(),
		Body:   append([]byte(nil), body...),
	})

	if method == http.MethodPost {
		return s.negotiate(header)
	}
	if path != sessionPath || method != http.MethodPut {
		return &transport.Response{StatusCode: http.StatusNotFound, Header: http.Header{}}
	}
	if s.complete {
		return s.completed()
	}

	cr, err := httprange.ParseContentRange(header.Get(chunk.HeaderContentRange))
	if err != nil {
		return &transport.Response{StatusCode: http.StatusBadRequest, Header: http.Header{}, Body: []byte(err.Error())}
	}
	if cr.Size != httprange.UnknownSize {
		s.size = cr.Size
	}

	if cr.Length() > 0 && cr.Start == int64(len(s.data)) {
		accepted := body
		if s.acceptLimit > 0 && len(accepted) > s.acceptLimit {
			accepted = accepted[:s.acceptLimit]
		}
		s.data = append(s.data, accepted...)
	}

	if s.size != httprange.UnknownSize && int64(len(s.data)) == s.size {
		s.complete = true
		return s.completed()
	}
	return s.incomplete()
}

func (s *resumableServer) negotiate(header http.Header) *transport.Response {
	if s.negotiationStatus != 0 {
		return &transport.Response{StatusCode: s.negotiationStatus, Header: http.Header{}, Body: []byte("rejected")}
	}
	if length := header.Get(chunk.HeaderUploadContentLength); length != "" {
		size, err := strconv.ParseInt(length, 10, 64)
		if err != nil {
			return &transport.Response{StatusCode: http.StatusBadRequest, Header: http.Header{}}
		}
		s.size = size
	}

	h := http.Header{}
	if !s.omitLocation {
		h.Set(chunk.HeaderLocation, sessionPath)
	}
	return &transport.Response{StatusCode: http.StatusOK, Header: h}
}

func (s *resumableServer) incomplete() *transport.Response {
	h := http.Header{}
	if len(s.data) > 0 {
		h.Set(chunk.HeaderRange, fmt.Sprintf("bytes=0-%d", len(s.data)-1))
	}
	return &transport.Response{StatusCode: http.StatusPermanentRedirect, Header: h}
}

func (s *resumableServer) completed() *transport.Response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	body := fmt.Sprintf(`{"size":%d}`, len(s.data))
	return &transport.Response{StatusCode: http.StatusCreated, Header: h, Body: []byte(body)}
}

// doerFunc adapts a function to transport.Doer.
type doerFunc func(ctx context.Context, req chunk.Request) (*transport.Response, error)

func (fn doerFunc) Do(ctx context.Context, req chunk.Request) (*transport.Response, error) {
	return fn(ctx, req)
}

func resumeIncomplete(received int64) *transport.Response {
	h := http.Header{}
	if received > 0 {
		h.Set(chunk.HeaderRange, fmt.Sprintf("bytes=0-%d", received-1))
	}
	return &transport.Response{StatusCode: http.StatusPermanentRedirect, Header: h}
}

func negotiated(location string) *transport.Response {
	h := http.Header{}
	h.Set(chunk.HeaderLocation, location)
	return &transport.Response{StatusCode: http.StatusOK, Header: h}
}

type recorderCall struct {
	method string
	info   SessionInfo
	offset int64
	err    error
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recorderCall
}

func (r *fakeRecorder) LocationObtained(info SessionInfo) error {
	r.add(recorderCall{method: "LocationObtained", info: info})
	return nil
}

func (r *fakeRecorder) OffsetConfirmed(id string, offset int64) error {
	r.add(recorderCall{method: "OffsetConfirmed", info: SessionInfo{ID: id}, offset: offset})
	return nil
}

func (r *fakeRecorder) Finished(id string, err error) error {
	r.add(recorderCall{method: "Finished", info: SessionInfo{ID: id}, err: err})
	return nil
}

func (r *fakeRecorder) add(call recorderCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *fakeRecorder) recorded() []recorderCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorderCall(nil), r.calls...)
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("0123456789"), n/10+1)[:n]
}

func writeTempFile(t *testing.T, data []byte) string {
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}
