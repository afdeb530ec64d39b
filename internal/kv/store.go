/*
Summary:
Store holds the key -> Record map in memory and persists it as a single JSON
snapshot after every mutation. It is oblivious to version/tombstone
semantics — the coordinator is the only writer of record content, the store
just guarantees that what's on disk matches what's in memory once a mutating
call returns.
*/

package kv

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Store is a concurrent, persisted key -> Record map.
type Store struct {
	mu     sync.RWMutex
	data   map[string]Record
	path   string
	logger *slog.Logger
}

// NewStore loads path if it exists and returns a Store backed by it. A
// missing snapshot yields an empty store; an empty or malformed one yields an
// empty store and a warning log rather than an error. Any other read error is
// returned.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{data: make(map[string]Record), path: path, logger: logger}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrapf(err, "read snapshot %s", path)
	}
	if len(raw) == 0 {
		logger.Warn("snapshot file is empty, starting with an empty store", "path", path)
		return s, nil
	}
	var loaded map[string]Record
	if err := json.Unmarshal(raw, &loaded); err != nil {
		logger.Warn("snapshot file is malformed, starting with an empty store", "path", path, "error", err)
		return s, nil
	}
	s.data = loaded
	return s, nil
}

// Get returns the record for key, if any.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[key]
	return rec, ok
}

// PutRecord unconditionally assigns rec to key and persists the whole
// snapshot before returning, so the on-disk state always reflects the
// in-memory state by the time the caller's response goes out.
func (s *Store) PutRecord(key string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = rec
	return s.persistLocked()
}

// Keys returns every key present, including tombstoned ones.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out
}

// All returns a snapshot copy of the entire map, for get_all_data.
func (s *Store) All() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// persistLocked serializes the map and atomically replaces the snapshot
// file: write to a temp file in the same directory, fsync, then rename.
// Callers must hold s.mu.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	buf, err := json.Marshal(s.data)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create snapshot directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp snapshot")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write temp snapshot")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "sync temp snapshot")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close temp snapshot")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "rename snapshot into place %s", s.path)
	}
	return nil
}
