package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_ReplaceAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "autoconnect.yaml")
	s := NewFileStore(path)

	got, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, got, "missing file is an empty set")

	require.NoError(t, s.Replace([]string{"bb:bb:bb:bb:bb:bb", "aa-aa-aa-aa-aa-aa", "BB:BB:BB:BB:BB:BB", ""}))

	got, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"AA:AA:AA:AA:AA:AA", "BB:BB:BB:BB:BB:BB"}, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "auto_connect:")
	assert.Contains(t, string(raw), "version: 1")

	// full-set replace drops entries not in the new set
	require.NoError(t, s.Replace([]string{"AA:AA:AA:AA:AA:AA"}))
	got, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"AA:AA:AA:AA:AA:AA"}, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoconnect.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auto_connect: [unterminated"), 0o644))

	_, err := NewFileStore(path).Load()
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("version: 9\nauto_connect: []\n"), 0o644))
	_, err = NewFileStore(path).Load()
	assert.ErrorContains(t, err, "unsupported version")
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore("aa:aa:aa:aa:aa:aa")
	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"AA:AA:AA:AA:AA:AA"}, got)

	require.NoError(t, m.Replace(nil))
	got, err = m.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, m.Replaces())

	m.FailWith(errors.New("disk full"))
	assert.Error(t, m.Replace([]string{"x"}))
}

var _ Store = (*FileStore)(nil)
var _ Store = (*MemoryStore)(nil)
