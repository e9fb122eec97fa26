package upload

import (
	"sync"
	"time"
)

// Stats tracks chunk request timings for hung detection and reporting.
type Stats struct {
	sum            time.Duration
	finishedChunks int64
	bytesConfirmed int64
	requests       int64
	mu             sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a chunk exchange that got a server answer.
func (s *Stats) Update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
}

func (s *Stats) addRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
}

func (s *Stats) setConfirmed(offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesConfirmed = offset
}

// Average returns the average duration of answered chunk requests.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of answered chunk requests.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// RequestCount returns the number of requests dispatched, including unanswered ones.
func (s *Stats) RequestCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// BytesConfirmed returns the offset last confirmed by the server.
func (s *Stats) BytesConfirmed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesConfirmed
}

// TotalDuration returns the sum of all answered request durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
