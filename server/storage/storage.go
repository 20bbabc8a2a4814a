package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/server/config"
)

var ErrInvalidName = errors.New("Invalid file name")
var ErrNotFound = errors.New("File not found")

// Storage is an abstraction of a blob store (eg a directory, or a GCS bucket)
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(name string) (*File, error)

	DeleteFile(name string) error
}

// File is an element in blob storage.
type File struct {
	Reader      io.ReadCloser
	ModifiedAt  time.Time
	Size        int64
	ContentType string
}

// ContentType guesses the MIME type of a collected artifact from its name
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

// New opens the blob store described by cfg
func New(log logs.Log, cfg config.StorageConfig) (Storage, error) {
	if cfg.GCS != nil {
		s, err := NewStorageGCS(log, cfg.GCS.Bucket, cfg.GCS.Prefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	} else if cfg.Filesystem != nil {
		s, err := NewStorageFS(log, cfg.Filesystem.Root)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')")
}

func WriteFile(s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func WriteBytes(s Storage, name string, content []byte) error {
	return WriteFile(s, name, bytes.NewReader(content))
}

func ReadFile(s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}
