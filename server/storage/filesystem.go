package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/logs"
)

// StorageFS keeps blobs as files under Root.
// A blob only appears under its final name once it has been completely written.
type StorageFS struct {
	Root string
	log  logs.Log
}

func NewStorageFS(log logs.Log, root string) (*StorageFS, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create storage directory %v: %w", absRoot, err)
	}
	log.Infof("Storing collected data in %v", absRoot)
	return &StorageFS{
		Root: absRoot,
		log:  log,
	}, nil
}

// resolve maps a blob name to a path inside Root
func (fs *StorageFS) resolve(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, ".") || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: '%v'", ErrInvalidName, name)
	}
	return filepath.Join(fs.Root, name), nil
}

// pendingFile is renamed into place when it is closed
type pendingFile struct {
	*os.File
	final string
}

func (p *pendingFile) Close() error {
	if err := p.File.Close(); err != nil {
		os.Remove(p.File.Name())
		return err
	}
	if err := os.Rename(p.File.Name(), p.final); err != nil {
		os.Remove(p.File.Name())
		return err
	}
	return nil
}

func (fs *StorageFS) WriteFile(name string) (io.WriteCloser, error) {
	final, err := fs.resolve(name)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, ".pending-*")
	if err != nil {
		return nil, err
	}
	return &pendingFile{File: f, final: final}, nil
}

func (fs *StorageFS) ReadFile(name string) (*File, error) {
	path, err := fs.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{
		Reader:      f,
		ModifiedAt:  st.ModTime(),
		Size:        st.Size(),
		ContentType: ContentType(name),
	}, nil
}

func (fs *StorageFS) DeleteFile(name string) error {
	path, err := fs.resolve(name)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
