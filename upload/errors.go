package upload

import (
	"errors"
	"fmt"
)

// Error kinds. Every error delivered to the completion callback matches exactly one of them
// with errors.Is.
var (
	ErrSessionNegotiationFailed = errors.New("could not obtain an upload session location")
	ErrTransport                = errors.New("transport error")
	ErrServerProtocol           = errors.New("unexpected server response")
	ErrDataSource               = errors.New("data source error")
	ErrCancelled                = errors.New("upload cancelled")
	ErrOffsetMismatch           = errors.New("upload offset mismatch")
)

// Usage errors returned by the handle's methods.
var (
	ErrNoSource       = errors.New("no upload data source set")
	ErrAlreadyStarted = errors.New("upload already started")
)

// Error describes why an upload stopped.
type Error struct {
	// Kind is one of the Err* kind sentinels.
	Kind error
	// Op names the step that failed, e.g. "negotiate session" or "upload chunk".
	Op string
	// StatusCode and Body are set when the failure came with a server response.
	StatusCode int
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
		if len(e.Body) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, truncate(e.Body, 256))
		}
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

// Is reports whether target is the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// OffsetError details an offset reported by the server that contradicts the local bookkeeping.
type OffsetError struct {
	Confirmed int64
	Reported  int64
	Limit     int64
}

func (e *OffsetError) Error() string {
	if e.Reported < e.Confirmed {
		return fmt.Sprintf("server reported offset %d, below the confirmed offset %d", e.Reported, e.Confirmed)
	}
	return fmt.Sprintf("server reported offset %d, beyond the %d bytes sent", e.Reported, e.Limit)
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func newStatusError(kind error, op string, statusCode int, body []byte, err error) *Error {
	return &Error{Kind: kind, Op: op, StatusCode: statusCode, Body: body, Err: err}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
