// Package transport executes single upload requests. Each request is sent with its own retry
// policy; callers only see the final outcome of a call.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/bitrise-io/go-resumable/upload/chunk"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// Response is a completed HTTP exchange with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Doer issues one request end-to-end. Implementations must be safe for concurrent use.
type Doer interface {
	Do(ctx context.Context, req chunk.Request) (*Response, error)
}

// RetriesExhaustedError is returned once the retry policy gave up on a request.
type RetriesExhaustedError struct {
	Attempts   int
	StatusCode int
	Err        error
}

func (e *RetriesExhaustedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("giving up after %d attempt(s): %s", e.Attempts, e.Err)
	}
	return fmt.Sprintf("giving up after %d attempt(s): HTTP %d", e.Attempts, e.StatusCode)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// Config holds configuration for the retrying client.
type Config struct {
	// RetryMax is the maximum number of retries of a single request.
	// Default: 4
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the exponential backoff between retries.
	// Default: 1 second and 30 seconds
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// HTTPClient is the client requests are sent with.
	// If nil, the pooled client of the retry library is used.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		RetryMax:     4,
		RetryWaitMin: 1 * time.Second,
		RetryWaitMax: 30 * time.Second,
		HTTPClient:   nil, // Will be created by retryhttp
	}
}

// Client is a Doer backed by go-retryablehttp.
type Client struct {
	httpClient *retryablehttp.Client
	logger     log.Logger
}

// NewClient creates a Client with the given configuration.
func NewClient(config Config, logger log.Logger) *Client {
	httpClient := retryhttp.NewClient(logger)
	if config.HTTPClient != nil {
		// the redirect policy below must not leak into the caller's client
		c := *config.HTTPClient
		httpClient.HTTPClient = &c
	}
	httpClient.RetryMax = config.RetryMax
	if config.RetryWaitMin > 0 {
		httpClient.RetryWaitMin = config.RetryWaitMin
	}
	if config.RetryWaitMax > 0 {
		httpClient.RetryWaitMax = config.RetryWaitMax
	}
	httpClient.CheckRetry = createCustomRetryFunction(logger)
	httpClient.ErrorHandler = exhaustedErrorHandler

	// 308 Resume Incomplete is part of the protocol, it must reach the caller
	httpClient.HTTPClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger,
	}
}

// Do sends req and returns the response with its body read.
func (c *Client) Do(ctx context.Context, req chunk.Request) (*Response, error) {
	var body interface{}
	if len(req.Body) > 0 {
		body = req.Body
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range req.Header {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	httpReq.ContentLength = int64(len(req.Body))

	dump, err := httputil.DumpRequest(httpReq.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Upload %s request dump: %s", req.Kind, string(dump))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	dump, err = httputil.DumpResponse(resp, false)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("Upload %s response dump: %s", req.Kind, string(dump))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}, nil
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (c *Client) CloseIdleConnections() {
	c.httpClient.HTTPClient.CloseIdleConnections()
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, doErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, doErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; doErr=%+v", retry, err, doErr)
		return retry, err
	}
}

func exhaustedErrorHandler(resp *http.Response, err error, numTries int) (*http.Response, error) {
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}
	return nil, &RetriesExhaustedError{Attempts: numTries, StatusCode: statusCode, Err: err}
}
