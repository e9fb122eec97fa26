package upload

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bitrise-io/go-resumable/internal/httprange"
	"github.com/bitrise-io/go-resumable/upload/chunk"
	"github.com/bitrise-io/go-resumable/upload/transport"
)

// State is the phase of an upload.
type State int

const (
	StateUninitialized State = iota
	StateNegotiatingSession
	StateUploadingChunk
	StatePaused
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNegotiatingSession:
		return "negotiating session"
	case StateUploadingChunk:
		return "uploading chunk"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// PauseState tells whether the upload may dispatch requests.
type PauseState int

const (
	Running PauseState = iota
	Paused
	Cancelled
)

// ChunkFetch describes the request in flight. It is a copy; changing it has no effect.
type ChunkFetch struct {
	Request chunk.Request
	Started time.Time
}

// Snapshot holds the status and headers of the most recently completed request.
type Snapshot struct {
	StatusCode int
	Header     http.Header
}

// ResultKind classifies the outcome of one chunk exchange.
type ResultKind int

const (
	// Incomplete means the server confirmed Received bytes and expects more.
	Incomplete ResultKind = iota
	// Complete means the server finished the upload; Response is the final answer.
	Complete
	// Retryable means the transport gave up; the confirmed offset is uncertain.
	Retryable
	// Fatal means the upload can not continue.
	Fatal
)

// ChunkResult is the classified outcome of one data or query request.
type ChunkResult struct {
	Kind     ResultKind
	Received int64
	Response *transport.Response
	Err      error
}

// Classify derives the outcome of a chunk exchange from the transport result.
func Classify(resp *transport.Response, err error) ChunkResult {
	if err != nil {
		return ChunkResult{Kind: Retryable, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return ChunkResult{Kind: Complete, Response: resp}
	case http.StatusPermanentRedirect:
		received, err := httprange.ParseReceived(resp.Header.Get(chunk.HeaderRange))
		if err != nil {
			return ChunkResult{Kind: Fatal, Response: resp, Err: err}
		}
		return ChunkResult{Kind: Incomplete, Received: received, Response: resp}
	default:
		return ChunkResult{Kind: Fatal, Response: resp, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(resp.Body, 256))}
	}
}
