package util

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TempFiles hands out unique scratch files for captures, and sweeps up any that were
// left behind (eg by a capture program that was killed half way through).
type TempFiles struct {
	Root string

	lock       sync.Mutex
	counter    uint64
	inUse      map[string]bool
	lastSweep  time.Time
	sweepEvery time.Duration
	maxAge     time.Duration
}

// TempFile is a reserved scratch path. The file itself is created by whoever uses Path.
type TempFile struct {
	Path  string
	owner *TempFiles
}

// NewTempFiles empties root, or creates it if necessary
func NewTempFiles(root string) (*TempFiles, error) {
	if err := os.MkdirAll(root, 0777); err != nil {
		return nil, fmt.Errorf("Failed to create temporary file directory '%v': %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		os.RemoveAll(filepath.Join(root, e.Name()))
	}
	return &TempFiles{
		Root:       root,
		inUse:      map[string]bool{},
		lastSweep:  time.Now(),
		sweepEvery: time.Minute,
		maxAge:     5 * time.Minute,
	}, nil
}

// Reserve returns a new path ending in ext (eg ".jpg").
// Call Release when done with it.
func (t *TempFiles) Reserve(ext string) *TempFile {
	t.lock.Lock()
	defer t.lock.Unlock()
	now := time.Now()
	if now.Sub(t.lastSweep) > t.sweepEvery {
		t.lastSweep = now
		t.sweepLocked(now)
	}
	t.counter++
	path := filepath.Join(t.Root, fmt.Sprintf("capture-%d-%d%v", os.Getpid(), t.counter, ext))
	t.inUse[path] = true
	return &TempFile{Path: path, owner: t}
}

// Release deletes the file, if it was created
func (f *TempFile) Release() {
	os.Remove(f.Path)
	f.owner.lock.Lock()
	delete(f.owner.inUse, f.Path)
	f.owner.lock.Unlock()
}

// InUse returns the number of reserved paths that have not been released
func (t *TempFiles) InUse() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.inUse)
}

// sweepLocked removes stale files that nobody holds a reservation on
func (t *TempFiles) sweepLocked(now time.Time) {
	entries, _ := os.ReadDir(t.Root)
	for _, e := range entries {
		path := filepath.Join(t.Root, e.Name())
		if t.inUse[path] {
			continue
		}
		info, err := e.Info()
		if err == nil && now.Sub(info.ModTime()) > t.maxAge {
			os.Remove(path)
		}
	}
}
