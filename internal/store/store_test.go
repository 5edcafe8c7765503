package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet_RoundTrip(t *testing.T) {
	s := New("")
	record, err := s.Put([]byte("hello artifact"))
	require.NoError(t, err)
	assert.NotEmpty(t, record.Digest)
	assert.Equal(t, int64(len("hello artifact")), record.Size)

	data, err := s.Get(record.Digest)
	require.NoError(t, err)
	assert.Equal(t, "hello artifact", string(data))
}

func TestPut_IdempotentOnIdenticalContent(t *testing.T) {
	s := New("")
	r1, err := s.Put([]byte("same"))
	require.NoError(t, err)
	r2, err := s.Put([]byte("same"))
	require.NoError(t, err)
	assert.Equal(t, r1.Digest, r2.Digest)
}

func TestGet_MissingDigest(t *testing.T) {
	s := New("")
	_, err := s.Get("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPut_MirrorsToDisk(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	record, err := s.Put([]byte("on disk"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, record.Digest), record.Path)

	// A fresh store pointed at the same dir can read it back without
	// ever having Put it in-memory.
	reopened := New(dir)
	data, err := reopened.Get(record.Digest)
	require.NoError(t, err)
	assert.Equal(t, "on disk", string(data))
}
