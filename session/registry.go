// Package session persists resumable upload sessions, so an upload interrupted by a process exit
// can be listed and reattached by its identifier.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-resumable/upload"
	"github.com/bitrise-io/go-resumable/upload/source"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const keyPrefix = "session/"

// ErrNotFound is returned for identifiers the registry does not know.
var ErrNotFound = errors.New("upload session not found")

// Record is the persisted state of one upload session.
type Record struct {
	ID          string    `json:"id"`
	Location    string    `json:"location"`
	MIMEType    string    `json:"mime_type"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalLength int64     `json:"total_length"`
	Offset      int64     `json:"offset"`
	SourcePath  string    `json:"source_path,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Registry stores upload sessions in a LevelDB database. It implements upload.SessionRecorder:
// sessions are added once their location is known, kept while they are unfinished or failed,
// and removed when they complete or get cancelled.
type Registry struct {
	db     *leveldb.DB
	logger log.Logger
	// serializes read-modify-write cycles
	mu  sync.Mutex
	now func() time.Time
}

// NewIdentifier returns a new session identifier.
func NewIdentifier() string {
	return uuid.NewString()
}

// Open opens or creates the registry database at path.
func Open(path string, logger log.Logger) (*Registry, error) {
	if logger == nil {
		logger = log.NewLogger()
	}

	opts := &opt.Options{
		WriteBuffer: 1024 * 1024,
	}
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open session database %s: %w", path, err)
	}

	return &Registry{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// LocationObtained implements upload.SessionRecorder.
func (r *Registry) LocationObtained(info upload.SessionInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	record := Record{
		ID:          info.ID,
		Location:    info.Location,
		MIMEType:    info.MIMEType,
		ChunkSize:   info.ChunkSize,
		TotalLength: info.TotalLength,
		SourcePath:  info.SourcePath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing, err := r.get(info.ID); err == nil {
		record.Offset = existing.Offset
		record.CreatedAt = existing.CreatedAt
	}

	r.logger.Debugf("Registering upload session %s", info.ID)
	return r.put(record)
}

// OffsetConfirmed implements upload.SessionRecorder.
func (r *Registry) OffsetConfirmed(id string, offset int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.get(id)
	if err != nil {
		return err
	}
	record.Offset = offset
	record.UpdatedAt = r.now()
	return r.put(record)
}

// Finished implements upload.SessionRecorder.
func (r *Registry) Finished(id string, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err == nil || errors.Is(err, upload.ErrCancelled) {
		r.logger.Debugf("Removing finished upload session %s", id)
		return r.delete(id)
	}

	record, getErr := r.get(id)
	if getErr != nil {
		return getErr
	}
	record.LastError = err.Error()
	record.UpdatedAt = r.now()
	return r.put(record)
}

// ListActiveSessionIdentifiers returns the identifiers of the unfinished sessions, oldest first.
func (r *Registry) ListActiveSessionIdentifiers() ([]string, error) {
	records, err := r.List()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids, nil
}

// List returns the unfinished sessions, oldest first.
func (r *Registry) List() ([]Record, error) {
	iter := r.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()

	var records []Record
	for iter.Next() {
		var record Record
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			r.logger.Warnf("Skipping unreadable session record %s: %s", iter.Key(), err)
			continue
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("list upload sessions: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Get returns the session stored for id.
func (r *Registry) Get(id string) (Record, error) {
	return r.get(id)
}

// Forget removes the session stored for id.
func (r *Registry) Forget(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.get(id); err != nil {
		return err
	}
	return r.delete(id)
}

// Attach recreates the upload of a stored session. The returned upload continues at the stored
// location under the same identifier and reports its progress back to the registry.
// File backed sessions get their file reopened; other sessions need a data source set by the caller.
func (r *Registry) Attach(id string, config upload.Config) (*upload.Fetcher, error) {
	record, err := r.get(id)
	if err != nil {
		return nil, err
	}

	config.SessionID = record.ID
	if config.Recorder == nil {
		config.Recorder = r
	}

	f, err := upload.NewWithLocation(record.Location, record.MIMEType, record.ChunkSize, config)
	if err != nil {
		return nil, fmt.Errorf("attach upload session %s: %w", id, err)
	}

	if record.SourcePath != "" {
		if err := r.checkSource(record); err != nil {
			return nil, fmt.Errorf("attach upload session %s: %w", id, err)
		}
		if err := f.SetFile(record.SourcePath); err != nil {
			return nil, fmt.Errorf("attach upload session %s: %w", id, err)
		}
	}

	r.logger.Debugf("Attached upload session %s at offset %d", id, record.Offset)
	return f, nil
}

func (r *Registry) checkSource(record Record) error {
	src, err := source.NewFile(record.SourcePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			r.logger.Warnf("Failed to close %s: %s", record.SourcePath, err)
		}
	}()

	if record.TotalLength != upload.UnknownLength && src.Length() != record.TotalLength {
		return fmt.Errorf("%s changed size from %d to %d bytes", record.SourcePath, record.TotalLength, src.Length())
	}
	return nil
}

func (r *Registry) get(id string) (Record, error) {
	data, err := r.db.Get(key(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("read upload session %s: %w", id, err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("decode upload session %s: %w", id, err)
	}
	return record, nil
}

func (r *Registry) put(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode upload session %s: %w", record.ID, err)
	}
	if err := r.db.Put(key(record.ID), data, nil); err != nil {
		return fmt.Errorf("write upload session %s: %w", record.ID, err)
	}
	return nil
}

func (r *Registry) delete(id string) error {
	if err := r.db.Delete(key(id), nil); err != nil {
		return fmt.Errorf("delete upload session %s: %w", id, err)
	}
	return nil
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}
