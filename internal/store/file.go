package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/seantiz/shipwright/internal/model"
)

var _ ArtifactStore = (*FileStore)(nil)

// FileStore implements ArtifactStore on a single JSON document mapping task
// IDs to artifact records. The document is read in full and rewritten in full
// on every write, but each read-modify-write cycle holds an exclusive lock on
// a sidecar lock file, so writers in this and other processes serialize.
type FileStore struct {
	path   string
	lock   *flock.Flock
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore returns a store backed by the JSON file at path. The file is
// created on first write.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create mapping dir: %w", err)
		}
	}
	return &FileStore{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger,
	}, nil
}

// Close releases the lock file handle.
func (s *FileStore) Close() error {
	return s.lock.Close()
}

// GetArtifact reads the mapping and returns the record for taskID.
func (s *FileStore) GetArtifact(ctx context.Context, taskID string) (*model.ArtifactRecord, error) {
	var rec *model.ArtifactRecord
	err := s.withLock(ctx, func() error {
		mapping, err := s.load()
		if err != nil {
			return err
		}
		if r, ok := mapping[taskID]; ok {
			rec = &r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// PutArtifact upserts the record for taskID.
func (s *FileStore) PutArtifact(ctx context.Context, taskID string, rec model.ArtifactRecord) error {
	return s.withLock(ctx, func() error {
		mapping, err := s.load()
		if err != nil {
			return err
		}
		rec.Version = mapping[taskID].Version + 1
		rec.UpdatedAt = time.Now().UTC()
		mapping[taskID] = rec
		return s.save(mapping)
	})
}

// CompareAndSwapArtifact writes rec only when the stored version matches.
func (s *FileStore) CompareAndSwapArtifact(ctx context.Context, taskID string, expectedVersion int64, rec model.ArtifactRecord) error {
	return s.withLock(ctx, func() error {
		mapping, err := s.load()
		if err != nil {
			return err
		}
		current, exists := mapping[taskID]
		switch {
		case expectedVersion == 0 && exists:
			return ErrVersionConflict
		case expectedVersion != 0 && (!exists || current.Version != expectedVersion):
			return ErrVersionConflict
		}
		rec.Version = current.Version + 1
		rec.UpdatedAt = time.Now().UTC()
		mapping[taskID] = rec
		return s.save(mapping)
	})
}

func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock mapping file: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock mapping file: not acquired")
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Error("unlock mapping file", "path", s.path, "error", err)
		}
	}()

	return fn()
}

// load reads the whole mapping. A missing file is an empty mapping; an
// unparsable one is reported and treated as empty.
func (s *FileStore) load() (map[string]model.ArtifactRecord, error) {
	mapping := make(map[string]model.ArtifactRecord)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return mapping, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	if len(data) == 0 {
		return mapping, nil
	}

	if err := json.Unmarshal(data, &mapping); err != nil {
		s.logger.Warn("mapping file is invalid, resetting mapping", "path", s.path, "error", err)
		return make(map[string]model.ArtifactRecord), nil
	}
	for id, rec := range mapping {
		// Records written before versioning start at 1.
		if rec.Version == 0 {
			rec.Version = 1
			mapping[id] = rec
		}
	}
	return mapping, nil
}

// save rewrites the whole mapping through a temp file and rename.
func (s *FileStore) save(mapping map[string]model.ArtifactRecord) error {
	data, err := json.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp mapping file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp mapping file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp mapping file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp mapping file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace mapping file: %w", err)
	}
	return nil
}
