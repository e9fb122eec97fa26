package upload

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bitrise-io/go-resumable/upload/chunk"
	"github.com/bitrise-io/go-resumable/upload/source"
	"github.com/bitrise-io/go-resumable/upload/transport"
	"github.com/docker/go-units"
)

// maxStalledChunks bounds consecutive data requests the server acknowledged without accepting a byte.
const maxStalledChunks = 3

type exchangeResult struct {
	resp *transport.Response
	err  error
	// interrupted is set when Pause aborted the request.
	interrupted bool
}

func (f *Fetcher) run(ctx context.Context) {
	resp, err := f.loop(ctx)
	if err != nil && !errors.Is(err, ErrCancelled) && ctx.Err() != nil {
		err = newError(ErrCancelled, "upload", ctx.Err())
	}
	f.finish(resp, err)
}

func (f *Fetcher) loop(ctx context.Context) (*transport.Response, error) {
	query := f.LocationURL() != ""
	if !query {
		if err := f.negotiate(ctx); err != nil {
			return nil, err
		}
	}
	f.setState(StateUploadingChunk)

	recoveries := 0
	stalls := 0
	for {
		if err := f.waitWhilePaused(ctx); err != nil {
			return nil, err
		}

		op := "upload chunk"
		var result exchangeResult
		var limit int64
		var err error
		if query {
			op = "query upload status"
			result, err = f.query(ctx)
			limit = f.TotalLength()
		} else {
			result, limit, err = f.sendChunk(ctx)
		}
		if err != nil {
			return nil, err
		}
		if result.interrupted {
			continue
		}

		outcome := Classify(result.resp, result.err)
		switch outcome.Kind {
		case Complete:
			if !query && !f.lastRequestFinal() {
				f.logger.Warnf("Server completed the upload before the final chunk was sent")
			}
			f.markComplete()
			return outcome.Response, nil
		case Incomplete:
			progressed, err := f.confirm(outcome.Received, limit)
			if err != nil {
				return nil, newStatusError(ErrOffsetMismatch, op, outcome.Response.StatusCode, nil, err)
			}
			if progressed {
				recoveries = 0
				stalls = 0
			} else if !query {
				stalls++
				if stalls >= maxStalledChunks {
					return nil, newStatusError(ErrServerProtocol, op, outcome.Response.StatusCode, nil,
						fmt.Errorf("server accepted no bytes in %d consecutive chunks", stalls))
				}
			}
			query = false
		case Retryable:
			if recoveries >= f.config.MaxRecoveries {
				return nil, newError(ErrTransport, op, outcome.Err)
			}
			recoveries++
			f.logger.Warnf("%s failed at offset %d, querying the server for its offset: %s", op, f.CurrentOffset(), outcome.Err)
			query = true
		case Fatal:
			resp := outcome.Response
			return nil, newStatusError(ErrServerProtocol, op, resp.StatusCode, resp.Body, outcome.Err)
		}
	}
}

func (f *Fetcher) negotiate(ctx context.Context) error {
	const op = "negotiate session"
	f.setState(StateNegotiatingSession)

	for {
		if err := f.waitWhilePaused(ctx); err != nil {
			return err
		}

		req := chunk.NewNegotiation(f.initial.Method, f.initial.URL, f.initial.Header, f.initial.Body, f.mimeType, f.TotalLength())
		f.logger.Debugf("Negotiating upload session at %s", req.URL)

		result, err := f.exchange(ctx, req)
		if err != nil {
			return err
		}
		if result.interrupted {
			continue
		}
		if result.err != nil {
			return newError(ErrSessionNegotiationFailed, op, result.err)
		}

		resp := result.resp
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return newStatusError(ErrSessionNegotiationFailed, op, resp.StatusCode, resp.Body, nil)
		}

		location, err := resolveLocation(req.URL, resp.Header.Get(chunk.HeaderLocation))
		if err != nil {
			return newStatusError(ErrSessionNegotiationFailed, op, resp.StatusCode, resp.Body, err)
		}

		f.announceLocation(location)
		return nil
	}
}

func resolveLocation(base, location string) (string, error) {
	if location == "" {
		return "", errors.New("response has no Location header")
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse request URL: %w", err)
	}
	locationURL, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse Location header: %w", err)
	}
	return baseURL.ResolveReference(locationURL).String(), nil
}

func (f *Fetcher) announceLocation(location string) {
	f.mu.Lock()
	f.location = location
	announce := !f.locationAnnounced
	f.locationAnnounced = true
	info := SessionInfo{
		ID:          f.id,
		Location:    location,
		MIMEType:    f.mimeType,
		ChunkSize:   f.chunkSize,
		TotalLength: f.total,
		SourcePath:  f.sourcePath,
	}
	f.mu.Unlock()

	if !announce {
		return
	}

	f.logger.Infof("Upload session %s obtained location %s", f.id, location)
	if f.config.LocationObtained != nil {
		f.config.LocationObtained(f.id, location)
	}
	if f.config.Recorder != nil {
		if err := f.config.Recorder.LocationObtained(info); err != nil {
			f.logger.Warnf("Failed to record upload session %s: %s", f.id, err)
		}
	}
}

// sendChunk uploads the range at the confirmed offset. The returned limit is the highest offset
// the server may confirm in response.
func (f *Fetcher) sendChunk(ctx context.Context) (exchangeResult, int64, error) {
	f.mu.Lock()
	offset, total, location, src := f.offset, f.total, f.location, f.src
	f.mu.Unlock()

	length := chunk.Span(offset, total, f.chunkSize)

	var data []byte
	final := total != source.UnknownLength && offset+length == total
	if length > 0 {
		c, err := src.Fetch(ctx, offset, length)
		if err != nil {
			if ctx.Err() != nil {
				return exchangeResult{}, 0, f.cancelledError(ctx)
			}
			return exchangeResult{}, 0, newError(ErrDataSource, "read upload data", err)
		}
		data = c.Data
		final = final || c.Final
	}

	if final && total == source.UnknownLength {
		total = offset + int64(len(data))
		f.mu.Lock()
		f.total = total
		f.mu.Unlock()
		f.logger.Debugf("Data source reached its end, upload length is %d bytes", total)
	}

	req := chunk.NewData(location, offset, data, total, final)
	f.logger.Debugf("Uploading %s (%s)", req.Header.Get(chunk.HeaderContentRange),
		units.HumanSizeWithPrecision(float64(len(data)), 3))

	result, err := f.exchange(ctx, req)
	return result, offset + int64(len(data)), err
}

func (f *Fetcher) query(ctx context.Context) (exchangeResult, error) {
	req := chunk.NewQuery(f.LocationURL(), f.TotalLength())
	f.logger.Debugf("Querying upload status with %s", req.Header.Get(chunk.HeaderContentRange))
	return f.exchange(ctx, req)
}

// exchange dispatches req as the only request in flight. The returned error is only set when the
// upload was cancelled; request failures are reported in the result.
func (f *Fetcher) exchange(ctx context.Context, req chunk.Request) (exchangeResult, error) {
	chunkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.mu.Lock()
	if f.pause == Cancelled || ctx.Err() != nil {
		f.mu.Unlock()
		return exchangeResult{}, f.cancelledError(ctx)
	}
	if f.pause == Paused {
		f.mu.Unlock()
		return exchangeResult{interrupted: true}, nil
	}
	start := time.Now()
	f.active = &ChunkFetch{Request: req, Started: start}
	f.cancelActive = cancel
	f.activePaused = false
	f.lastRequest = &req
	f.mu.Unlock()

	f.stats.addRequest()
	if f.config.HungThreshold > 0 && req.Kind == chunk.KindData {
		go f.detectHungUpload(chunkCtx, cancel, start, req.Offset)
	}

	resp, err := f.doer.Do(chunkCtx, req)

	f.mu.Lock()
	f.active = nil
	f.cancelActive = nil
	pause := f.pause
	pausedActive := f.activePaused
	f.activePaused = false
	if resp != nil {
		f.snapshot = Snapshot{StatusCode: resp.StatusCode, Header: resp.Header.Clone()}
	}
	f.mu.Unlock()

	if pause == Cancelled || ctx.Err() != nil {
		return exchangeResult{}, f.cancelledError(ctx)
	}
	if err != nil && (pausedActive || pause == Paused) {
		f.logger.Debugf("%s request aborted by pause", req.Kind)
		return exchangeResult{interrupted: true}, nil
	}
	if resp != nil {
		f.stats.Update(time.Since(start))
	}
	return exchangeResult{resp: resp, err: err}, nil
}

func (f *Fetcher) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, offset int64) {
	interval := time.Second
	if f.config.HungThreshold < 2*interval {
		interval = f.config.HungThreshold / 2
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := f.stats.Average()
				if elapsed-avg > f.config.HungThreshold {
					f.logger.Warnf("Found hung chunk upload (offset %d); canceling request after %s (avg: %s)",
						offset, elapsed.Round(time.Millisecond), avg.Round(time.Millisecond))
					cancel()
					return
				}
			}
		}
	}
}

// confirm moves the offset to the server confirmed value. Offsets below the confirmed one,
// beyond limit or beyond the known total are rejected.
func (f *Fetcher) confirm(received, limit int64) (bool, error) {
	f.mu.Lock()
	confirmed, total := f.offset, f.total
	if received < confirmed ||
		(limit != source.UnknownLength && received > limit) ||
		(total != source.UnknownLength && received > total) {
		f.mu.Unlock()
		if limit == source.UnknownLength || (total != source.UnknownLength && total < limit) {
			limit = total
		}
		return false, &OffsetError{Confirmed: confirmed, Reported: received, Limit: limit}
	}
	f.offset = received
	f.mu.Unlock()

	f.stats.setConfirmed(received)
	if received == confirmed {
		return false, nil
	}

	if total != source.UnknownLength {
		f.logger.Infof("Server confirmed %s of %s",
			units.HumanSizeWithPrecision(float64(received), 3), units.HumanSizeWithPrecision(float64(total), 3))
	} else {
		f.logger.Infof("Server confirmed %s", units.HumanSizeWithPrecision(float64(received), 3))
	}
	if f.config.Recorder != nil {
		if err := f.config.Recorder.OffsetConfirmed(f.id, received); err != nil {
			f.logger.Warnf("Failed to record upload offset: %s", err)
		}
	}
	return true, nil
}

// markComplete records the whole payload as confirmed once the server finished the upload.
func (f *Fetcher) markComplete() {
	f.mu.Lock()
	if f.total != source.UnknownLength {
		f.offset = f.total
	}
	offset := f.offset
	f.mu.Unlock()

	f.stats.setConfirmed(offset)
}

func (f *Fetcher) waitWhilePaused(ctx context.Context) error {
	for {
		f.mu.Lock()
		pause, resumed := f.pause, f.resumeCh
		f.mu.Unlock()

		switch pause {
		case Running:
			return nil
		case Cancelled:
			return f.cancelledError(ctx)
		}

		select {
		case <-resumed:
		case <-ctx.Done():
			return f.cancelledError(ctx)
		}
	}
}

func (f *Fetcher) finish(resp *transport.Response, err error) {
	f.mu.Lock()
	if f.state.terminal() {
		f.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		f.state = StateCompleted
	case errors.Is(err, ErrCancelled):
		f.state = StateCancelled
		f.pause = Cancelled
	default:
		f.state = StateFailed
	}
	f.resp, f.err = resp, err
	f.active = nil
	completion := f.completion
	owned := f.owned
	f.owned = nil
	cancelRun := f.cancelRun
	recorded := f.locationAnnounced && f.location != ""
	close(f.done)
	f.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
	}
	if owned != nil {
		if closeErr := owned.Close(); closeErr != nil {
			f.logger.Warnf("Failed to close upload source: %s", closeErr)
		}
	}

	if err != nil {
		f.logger.Errorf("Upload %s stopped: %s", f.id, err)
	} else {
		f.logger.Infof("Upload %s finished with HTTP %d after %d requests", f.id, resp.StatusCode, f.stats.RequestCount())
	}

	if recorded && f.config.Recorder != nil {
		if recErr := f.config.Recorder.Finished(f.id, err); recErr != nil {
			f.logger.Warnf("Failed to record the end of upload %s: %s", f.id, recErr)
		}
	}
	if completion != nil {
		completion(resp, err)
	}
}

func (f *Fetcher) cancelledError(ctx context.Context) error {
	return newError(ErrCancelled, "upload", ctx.Err())
}

func (f *Fetcher) setState(state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.terminal() {
		f.state = state
	}
}

func (f *Fetcher) lastRequestFinal() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRequest != nil && f.lastRequest.Final
}
