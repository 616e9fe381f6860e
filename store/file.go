package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"vidqueue/task"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// FileStore keeps the snapshot in a single JSON document. A sibling lock file
// guarantees only one process owns the state at a time.
type FileStore struct {
	path   string
	lock   *flock.Flock
	logger *zap.Logger
}

// OpenFile acquires the lock for path and returns a store writing to it.
func OpenFile(path string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure state directory: %w", err)
		}
	}

	lockPath := path + ".lock"
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("state file %s is in use by another vidqueue instance", path)
	}

	logger.Info("file store opened", zap.String("path", path), zap.String("lock", lockPath))
	return &FileStore{path: path, lock: lock, logger: logger}, nil
}

// ReadFile returns a FileStore that only loads. It takes no lock: saves replace
// the file by rename, so a reader always sees a complete document even while the
// owning process keeps writing.
func ReadFile(path string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger}
}

// Save writes the snapshot to a temp file and renames it over the old one.
func (s *FileStore) Save(ctx context.Context, snap *task.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.lock == nil {
		return fmt.Errorf("state file %s is opened read-only", s.path)
	}
	values, err := encode(snap)
	if err != nil {
		return err
	}
	doc := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		doc[k] = json.RawMessage(v)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Load returns (nil, nil) when the state file does not exist yet.
func (s *FileStore) Load(ctx context.Context) (*task.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	values := make(map[string]string, len(doc))
	for k, v := range doc {
		values[k] = string(v)
	}
	return decode(values)
}

// Close releases the lock.
func (s *FileStore) Close() error {
	if s.lock == nil {
		return nil
	}
	if err := s.lock.Unlock(); err != nil {
		s.logger.Warn("failed to release state lock", zap.Error(err))
		return err
	}
	return nil
}
