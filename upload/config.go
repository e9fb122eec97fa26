package upload

import (
	"time"

	"github.com/bitrise-io/go-resumable/upload/chunk"
	"github.com/bitrise-io/go-resumable/upload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	defaultMaxRecoveries = 1

	// StandardChunkSize sends the whole payload in one chunk.
	StandardChunkSize = chunk.StandardChunkSize
	// UnknownLength is the total length of payloads whose end is not known yet.
	UnknownLength = chunk.UnknownLength
)

// SessionInfo describes an upload session once the server assigned its location.
type SessionInfo struct {
	ID          string
	Location    string
	MIMEType    string
	ChunkSize   int64
	TotalLength int64
	// SourcePath is set for file backed uploads, so they can be reattached after a restart.
	SourcePath string
}

// SessionRecorder persists upload progress so an interrupted upload can be reattached later.
type SessionRecorder interface {
	LocationObtained(info SessionInfo) error
	OffsetConfirmed(id string, offset int64) error
	Finished(id string, err error) error
}

// Config holds configuration for an upload.
type Config struct {
	// Transport issues the individual requests.
	// If nil, a retrying transport with the default configuration is created.
	Transport transport.Doer

	// Logger defaults to log.NewLogger().
	Logger log.Logger

	// MaxRecoveries is the number of consecutive status query recoveries allowed
	// after ambiguous chunk failures without the offset advancing.
	// 0 means the default, a negative value disables recovery.
	// Default: 1
	MaxRecoveries int

	// HungThreshold is the duration after which a chunk request is considered hung
	// if it exceeds the average chunk time by this amount. Hung requests are aborted
	// and recovered like failed ones. 0 disables the detection.
	// Default: 0
	HungThreshold time.Duration

	// SessionID identifies the upload for reattachment. Generated when empty.
	SessionID string

	// Recorder, if set, is notified about the session location and progress.
	Recorder SessionRecorder

	// LocationObtained is called once, when the server first provides the session location.
	LocationObtained func(sessionID, location string)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Transport:     nil, // Will be created by the Fetcher
		Logger:        nil,
		MaxRecoveries: defaultMaxRecoveries,
		HungThreshold: 0,
	}
}
