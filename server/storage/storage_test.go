package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/server/config"
	"github.com/stretchr/testify/require"
)

func TestStorageFS(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	s, err := New(logs.NewTestingLog(t), config.StorageConfig{Filesystem: &config.StorageConfigFS{Root: root}})
	require.NoError(t, err)

	require.NoError(t, WriteBytes(s, "a/b.jpg", []byte("jpeg")))
	raw, err := os.ReadFile(filepath.Join(root, "a", "b.jpg"))
	require.NoError(t, err)
	require.Equal(t, "jpeg", string(raw))

	back, err := ReadFile(s, "a/b.jpg")
	require.NoError(t, err)
	require.Equal(t, "jpeg", string(back))

	// Overwrite truncates
	require.NoError(t, WriteBytes(s, "a/b.jpg", []byte("j")))
	back, err = ReadFile(s, "a/b.jpg")
	require.NoError(t, err)
	require.Equal(t, "j", string(back))

	require.NoError(t, s.DeleteFile("a/b.jpg"))
	_, err = ReadFile(s, "a/b.jpg")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.DeleteFile("a/b.jpg"), ErrNotFound)
}

func TestStorageFSRejectsEscapes(t *testing.T) {
	s, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	require.ErrorIs(t, WriteBytes(s, "../x", nil), ErrInvalidName)
	require.ErrorIs(t, WriteBytes(s, "/etc/x", nil), ErrInvalidName)
	_, err = s.ReadFile("")
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestStorageNotConfigured(t *testing.T) {
	_, err := New(logs.NewTestingLog(t), config.StorageConfig{})
	require.Error(t, err)
}

func TestStorageFSWriteIsAtomic(t *testing.T) {
	root := t.TempDir()
	s, err := NewStorageFS(logs.NewTestingLog(t), root)
	require.NoError(t, err)

	w, err := s.WriteFile("k.json")
	require.NoError(t, err)
	_, err = w.Write([]byte("[]"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "k.json"))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, w.Close())
	f, err := s.ReadFile("k.json")
	require.NoError(t, err)
	defer f.Reader.Close()
	require.EqualValues(t, 2, f.Size)
	require.Equal(t, "application/json", f.ContentType)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestContentType(t *testing.T) {
	require.Equal(t, "image/jpeg", ContentType("20240101-000000-1.jpg"))
	require.Equal(t, "image/jpeg", ContentType("x-detection.JPG"))
	require.Equal(t, "application/json", ContentType("x-detection.json"))
	require.Equal(t, "application/octet-stream", ContentType("x"))
}
