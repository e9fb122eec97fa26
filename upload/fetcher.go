// Package upload implements a client for resumable, chunked HTTP uploads.
//
// A Fetcher negotiates an upload session, sends the payload in range-addressed chunks and
// interprets the server's acknowledgements, presenting the whole exchange as a single request:
// the completion callback receives either the final response or exactly one error.
//
// Each Fetcher drives its requests from a single goroutine and never has more than one request
// in flight. Pause, Resume and Cancel may be called from any goroutine.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/bitrise-io/go-resumable/upload/chunk"
	"github.com/bitrise-io/go-resumable/upload/source"
	"github.com/bitrise-io/go-resumable/upload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// CompletionFunc receives the outcome of an upload: the final response or an error, never both.
type CompletionFunc func(resp *transport.Response, err error)

// Fetcher is the handle of a single resumable upload.
type Fetcher struct {
	config    Config
	doer      transport.Doer
	logger    log.Logger
	stats     *Stats
	id        string
	mimeType  string
	chunkSize int64
	// initial is the session negotiation template, nil when resuming from a location.
	initial *chunk.Request

	mu                sync.Mutex
	src               source.Source
	sourcePath        string
	owned             io.Closer
	location          string
	locationAnnounced bool
	offset            int64
	total             int64
	state             State
	pause             PauseState
	started           bool
	resumeCh          chan struct{}
	active            *ChunkFetch
	cancelActive      context.CancelFunc
	activePaused      bool // Pause aborted the request in flight
	cancelRun         context.CancelFunc
	lastRequest       *chunk.Request
	snapshot          Snapshot
	completion        CompletionFunc
	done              chan struct{}
	resp              *transport.Response
	err               error
}

// NewWithRequest creates an upload that starts by negotiating a session with req.
// The request's method (POST by default), URL, headers and optional metadata body are used for
// the negotiation. chunkSize <= 0 means StandardChunkSize.
func NewWithRequest(req *http.Request, mimeType string, chunkSize int64, config Config) (*Fetcher, error) {
	if req == nil || req.URL == nil {
		return nil, fmt.Errorf("upload request has no URL")
	}

	var body []byte
	switch {
	case req.GetBody != nil:
		rc, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("get request body: %w", err)
		}
		body, err = io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	case req.Body != nil && req.Body != http.NoBody:
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		// leave the caller's request readable
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	f := newFetcher(mimeType, chunkSize, config)
	f.initial = &chunk.Request{
		Kind:   chunk.KindNegotiation,
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	}
	return f, nil
}

// NewWithLocation creates an upload that continues the session at location.
// The first request is a status query which learns the offset the server already holds.
func NewWithLocation(location string, mimeType string, chunkSize int64, config Config) (*Fetcher, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse upload location: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("upload location %q is not an absolute URL", location)
	}

	f := newFetcher(mimeType, chunkSize, config)
	f.location = u.String()
	f.locationAnnounced = true
	return f, nil
}

func newFetcher(mimeType string, chunkSize int64, config Config) *Fetcher {
	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	doer := config.Transport
	if doer == nil {
		doer = transport.NewClient(transport.DefaultConfig(), logger)
	}
	switch {
	case config.MaxRecoveries == 0:
		config.MaxRecoveries = defaultMaxRecoveries
	case config.MaxRecoveries < 0:
		config.MaxRecoveries = 0
	}
	if chunkSize <= 0 {
		chunkSize = StandardChunkSize
	}
	id := config.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	return &Fetcher{
		config:    config,
		doer:      doer,
		logger:    logger,
		stats:     NewStats(),
		id:        id,
		mimeType:  mimeType,
		chunkSize: chunkSize,
		total:     source.UnknownLength,
		resumeCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetSource sets the data source. The caller keeps ownership of src and closes it if needed.
func (f *Fetcher) SetSource(src source.Source) error {
	path := ""
	switch s := src.(type) {
	case interface{ SourcePath() string }:
		// transformed payloads can not be reopened from a path
	case interface{ Path() string }:
		path = s.Path()
	}
	return f.setSource(src, path, nil)
}

// SetData uploads an in-memory payload.
func (f *Fetcher) SetData(data []byte) error {
	return f.setSource(source.NewBuffer(data), "", nil)
}

// SetFile uploads the file at path. The file is closed when the upload finishes.
func (f *Fetcher) SetFile(path string) error {
	src, err := source.NewFile(path)
	if err != nil {
		return newError(ErrDataSource, "open upload file", err)
	}
	if err := f.setSource(src, path, src); err != nil {
		_ = src.Close()
		return err
	}
	return nil
}

// SetProvider uploads data pulled from fn. Use source.UnknownLength if the length is not known.
func (f *Fetcher) SetProvider(length int64, fn source.ProviderFunc) error {
	return f.setSource(source.NewProvider(length, fn), "", nil)
}

func (f *Fetcher) setSource(src source.Source, path string, owned io.Closer) error {
	if src == nil {
		return ErrNoSource
	}

	f.mu.Lock()
	if f.started || f.pause == Cancelled {
		f.mu.Unlock()
		return ErrAlreadyStarted
	}
	previous := f.owned
	f.src = src
	f.sourcePath = path
	f.owned = owned
	f.total = src.Length()
	f.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			f.logger.Warnf("Failed to close the previous upload source: %s", err)
		}
	}
	return nil
}

// Start begins the upload in the background. completion may be nil; Wait reports the outcome too.
// Cancelling ctx cancels the upload.
func (f *Fetcher) Start(ctx context.Context, completion CompletionFunc) error {
	f.mu.Lock()
	if f.pause == Cancelled {
		f.mu.Unlock()
		return newError(ErrCancelled, "start upload", nil)
	}
	if f.started {
		f.mu.Unlock()
		return ErrAlreadyStarted
	}
	if f.src == nil {
		f.mu.Unlock()
		return ErrNoSource
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.started = true
	f.cancelRun = cancel
	f.completion = completion
	if f.location == "" {
		f.state = StateNegotiatingSession
	} else {
		f.state = StateUploadingChunk
	}
	f.mu.Unlock()

	go f.run(runCtx)
	return nil
}

// Pause aborts the request in flight, if any, and stops dispatching new ones.
// The data source and the confirmed offset are kept.
func (f *Fetcher) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.terminal() || f.pause != Running {
		return
	}
	f.pause = Paused
	if f.cancelActive != nil {
		f.activePaused = true
		f.cancelActive()
	}
	f.logger.Infof("Upload %s paused at offset %d", f.id, f.offset)
}

// Resume continues a paused upload from the last confirmed offset.
func (f *Fetcher) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pause != Paused {
		return
	}
	f.pause = Running
	close(f.resumeCh)
	f.resumeCh = make(chan struct{})
	f.logger.Infof("Upload %s resumed at offset %d", f.id, f.offset)
}

// IsPaused reports whether the upload is paused.
func (f *Fetcher) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pause == Paused
}

// Cancel stops the upload for good. The request in flight and a pending provider call are
// aborted, and the completion callback receives ErrCancelled, unless the upload already finished.
func (f *Fetcher) Cancel() {
	f.mu.Lock()
	if f.state.terminal() || f.pause == Cancelled {
		f.mu.Unlock()
		return
	}
	f.pause = Cancelled
	if f.cancelActive != nil {
		f.cancelActive()
	}
	if f.cancelRun != nil {
		f.cancelRun()
	}
	f.mu.Unlock()

	f.finish(nil, newError(ErrCancelled, "upload", nil))
}

// Wait blocks until the upload finished and returns its outcome.
func (f *Fetcher) Wait() (*transport.Response, error) {
	<-f.done

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

// Done is closed when the upload finished.
func (f *Fetcher) Done() <-chan struct{} {
	return f.done
}

// SessionIdentifier returns the identifier used to reattach to the upload.
func (f *Fetcher) SessionIdentifier() string {
	return f.id
}

// MIMEType returns the content type of the uploaded payload.
func (f *Fetcher) MIMEType() string {
	return f.mimeType
}

// ChunkSize returns the configured chunk size.
func (f *Fetcher) ChunkSize() int64 {
	return f.chunkSize
}

// State returns the current phase of the upload.
func (f *Fetcher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.state.terminal() && f.pause == Paused {
		return StatePaused
	}
	return f.state
}

// CurrentOffset returns the number of bytes the server confirmed.
func (f *Fetcher) CurrentOffset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

// TotalLength returns the payload length, or source.UnknownLength.
func (f *Fetcher) TotalLength() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

// LocationURL returns the session location, empty until the server provided it.
func (f *Fetcher) LocationURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.location
}

// SourcePath returns the path of the uploaded file. It is empty for sources that can not be
// reopened from a path, and such uploads can not be reattached after a restart.
func (f *Fetcher) SourcePath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sourcePath
}

// ActiveFetch returns the request in flight, or nil.
func (f *Fetcher) ActiveFetch() *ChunkFetch {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active == nil {
		return nil
	}
	active := *f.active
	return &active
}

// LastChunkRequest returns the most recently dispatched request, or nil.
func (f *Fetcher) LastChunkRequest() *chunk.Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lastRequest == nil {
		return nil
	}
	req := *f.lastRequest
	req.Header = f.lastRequest.Header.Clone()
	return &req
}

// ResponseHeaders returns the headers of the most recently completed request.
func (f *Fetcher) ResponseHeaders() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot.Header.Clone()
}

// StatusCode returns the status code of the most recently completed request.
func (f *Fetcher) StatusCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot.StatusCode
}

// Stats returns the request statistics.
func (f *Fetcher) Stats() *Stats {
	return f.stats
}
