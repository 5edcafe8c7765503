// Package store implements the addressable artifact store used by the
// orchestrator's delivery phase: content-addressed by digest, held
// in-memory, and optionally mirrored to an on-disk directory for
// out-of-process retrieval.
package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/owulveryck/agentplatform/internal/idgen"
)

// ErrNotFound is returned when a digest has no matching artifact.
var ErrNotFound = errors.New("store: artifact not found")

// Record describes a stored artifact.
type Record struct {
	Digest string
	Size   int64
	Path   string // empty when the store is in-memory only
}

// Store is a content-addressed blob store. A zero-value Store is
// in-memory only; New wires an optional on-disk backing directory.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
	dir     string
}

// New creates a Store. If dir is non-empty, every Put is also mirrored
// to dir/<digest> so artifacts survive process restarts and can be
// served by a plain file server.
func New(dir string) *Store {
	return &Store{
		objects: make(map[string][]byte),
		dir:     dir,
	}
}

// Put stores data under its content digest and returns the resulting
// Record. Re-putting identical content is idempotent.
func (s *Store) Put(data []byte) (Record, error) {
	digest := idgen.ContentHash(data)

	s.mu.Lock()
	if s.objects == nil {
		s.objects = make(map[string][]byte)
	}
	s.objects[digest] = append([]byte(nil), data...)
	s.mu.Unlock()

	record := Record{Digest: digest, Size: int64(len(data))}

	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return Record{}, err
		}
		path := filepath.Join(s.dir, digest)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return Record{}, err
		}
		record.Path = path
	}

	return record, nil
}

// Get returns the artifact bytes stored under digest.
func (s *Store) Get(digest string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.objects[digest]
	s.mu.RUnlock()
	if ok {
		return data, nil
	}

	if s.dir != "" {
		data, err := os.ReadFile(filepath.Join(s.dir, digest))
		if err == nil {
			return data, nil
		}
	}
	return nil, ErrNotFound
}
