// Package store persists the set of peers flagged for auto-connect.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/srg/gattlink/internal/stack"
	"gopkg.in/yaml.v3"
)

// Store persists a set of normalized peer addresses. Replace always writes the full set.
type Store interface {
	Load() ([]string, error)
	Replace(addrs []string) error
}

// document is the on-disk layout
type document struct {
	Version     int      `yaml:"version"`
	AutoConnect []string `yaml:"auto_connect"`
}

const fileVersion = 1

// FileStore keeps the set in a YAML file, replaced atomically on every write.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by path. The file is created on first Replace.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file
func (s *FileStore) Path() string { return s.path }

// Load reads the persisted set. A missing file is an empty set.
func (s *FileStore) Load() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read auto-connect set: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse auto-connect set %s: %w", s.path, err)
	}
	if doc.Version > fileVersion {
		return nil, fmt.Errorf("auto-connect set %s: unsupported version %d", s.path, doc.Version)
	}
	return Normalize(doc.AutoConnect), nil
}

// Replace overwrites the persisted set with addrs.
func (s *FileStore) Replace(addrs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(document{Version: fileVersion, AutoConnect: Normalize(addrs)})
	if err != nil {
		return fmt.Errorf("encode auto-connect set: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".autoconnect-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName) // no-op after a successful rename
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write auto-connect set: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync auto-connect set: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close auto-connect set: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace auto-connect set: %w", err)
	}
	return nil
}

// MemoryStore keeps the set in memory
type MemoryStore struct {
	mu       sync.Mutex
	addrs    []string
	replaces int
	fail     error
}

// NewMemoryStore creates a store preloaded with addrs
func NewMemoryStore(addrs ...string) *MemoryStore {
	return &MemoryStore{addrs: Normalize(addrs)}
}

func (m *MemoryStore) Load() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.addrs...), nil
}

func (m *MemoryStore) Replace(addrs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.addrs = Normalize(addrs)
	m.replaces++
	return nil
}

// Replaces returns how many times the set was written
func (m *MemoryStore) Replaces() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaces
}

// FailWith makes subsequent Replace calls return err
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Normalize canonicalizes, de-duplicates and sorts addresses, dropping empty ones.
func Normalize(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		n := stack.NormalizeAddress(a)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
