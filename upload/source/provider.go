package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ResponseFunc delivers the answer to one ProviderFunc call.
// Pass the bytes, or nil and an error for a failure. When the length is unknown, an empty
// response or io.EOF passed together with the last bytes marks the end of the payload.
type ResponseFunc func(data []byte, err error)

// ProviderFunc supplies upload bytes on demand. It may answer asynchronously from any goroutine,
// but it must call respond exactly once; further calls are ignored.
// ctx is done once the call was answered or abandoned, e.g. because the upload was cancelled.
type ProviderFunc func(ctx context.Context, offset, length int64, respond ResponseFunc)

type providerResponse struct {
	data []byte
	err  error
}

// Provider is a pull-based Source backed by a ProviderFunc.
type Provider struct {
	length  int64
	provide ProviderFunc
}

// NewProvider creates a Source that pulls its data from fn.
// Use UnknownLength when the payload size is not known up front.
func NewProvider(length int64, fn ProviderFunc) *Provider {
	if length < 0 {
		length = UnknownLength
	}
	return &Provider{length: length, provide: fn}
}

// Length returns the declared payload size.
func (p *Provider) Length() int64 {
	return p.length
}

// Fetch calls the provider and waits for its response or for ctx to be done.
// A cancelled ctx abandons the call and is passed on to the provider; a late response is dropped.
func (p *Provider) Fetch(ctx context.Context, offset, length int64) (Chunk, error) {
	if err := checkRange(offset, length, p.length); err != nil {
		return Chunk{}, err
	}
	if p.length != UnknownLength {
		length = clamp(offset, length, p.length)
	}

	responses := make(chan providerResponse, 1)
	var once sync.Once
	respond := func(data []byte, err error) {
		once.Do(func() {
			responses <- providerResponse{data: data, err: err}
		})
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go p.provide(callCtx, offset, length, respond)

	select {
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case resp := <-responses:
		return p.chunk(offset, length, resp)
	}
}

func (p *Provider) chunk(offset, length int64, resp providerResponse) (Chunk, error) {
	eof := errors.Is(resp.err, io.EOF)
	if resp.err != nil && !eof {
		return Chunk{}, fmt.Errorf("provider failed for range %d-%d: %w", offset, offset+length, resp.err)
	}
	if int64(len(resp.data)) > length {
		return Chunk{}, fmt.Errorf("provider returned %d bytes for a %d byte request", len(resp.data), length)
	}

	if p.length == UnknownLength {
		return Chunk{Data: resp.data, Final: eof || len(resp.data) == 0}, nil
	}

	if int64(len(resp.data)) != length {
		return Chunk{}, fmt.Errorf("provider returned %d of %d bytes at offset %d: %w", len(resp.data), length, offset, ErrShortRead)
	}
	return Chunk{Data: resp.data, Final: offset+length == p.length}, nil
}
