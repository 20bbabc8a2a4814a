package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapbus/pkg/envelope"
	"github.com/fsnotify/fsnotify"
)

// FileEngine talks to an engine that watches a directory.
//
// For each cycle we write <key>.jpg, and then an empty <key>.jpg.done. The engine
// writes its answer to <key>.jpg.txt, and then creates <key>.jpg.txt.done.
// One directory watcher serves all cycles, and wakes the cycle whose sentinel appeared.
type FileEngine struct {
	Dir string

	log     logs.Log
	watcher *fsnotify.Watcher
	exited  chan struct{}

	lock    sync.Mutex
	waiting map[string]chan struct{} // Result sentinel file name -> wakeup
	closed  bool
}

type cycleFiles struct {
	image      string
	imageDone  string
	result     string
	resultDone string
}

func (e *FileEngine) files(key string) cycleFiles {
	image := filepath.Join(e.Dir, key+".jpg")
	return cycleFiles{
		image:      image,
		imageDone:  image + ".done",
		result:     image + ".txt",
		resultDone: image + ".txt.done",
	}
}

func (f cycleFiles) removeAll() {
	for _, fn := range []string{f.image, f.imageDone, f.result, f.resultDone} {
		os.Remove(fn)
	}
}

func NewFileEngine(log logs.Log, dir string) (*FileEngine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create inference image directory '%v': %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("Failed to create file watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("Failed to watch '%v': %w", dir, err)
	}
	e := &FileEngine{
		Dir:     dir,
		log:     log,
		watcher: watcher,
		exited:  make(chan struct{}),
		waiting: map[string]chan struct{}{},
	}
	go e.watch()
	return e, nil
}

func (e *FileEngine) watch() {
	defer close(e.exited)
	for {
		select {
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				e.wake(filepath.Base(ev.Name))
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.log.Warnf("File watcher error: %v", err)
		}
	}
}

func (e *FileEngine) wake(name string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if ch, ok := e.waiting[name]; ok {
		close(ch)
		delete(e.waiting, name)
	}
}

func (e *FileEngine) register(name string) (chan struct{}, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	ch := make(chan struct{})
	e.waiting[name] = ch
	return ch, nil
}

func (e *FileEngine) unregister(name string) {
	e.lock.Lock()
	delete(e.waiting, name)
	e.lock.Unlock()
}

func (e *FileEngine) Infer(ctx context.Context, cycle envelope.Cycle, img []byte) (*Result, error) {
	files := e.files(cycle.Key)
	resultDoneName := filepath.Base(files.resultDone)

	// Register before creating the input sentinel, so that a fast engine can't beat us
	ready, err := e.register(resultDoneName)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(files.image, img, 0644); err != nil {
		e.unregister(resultDoneName)
		return nil, fmt.Errorf("Failed to write inference image: %w", err)
	}
	if err := os.WriteFile(files.imageDone, nil, 0644); err != nil {
		e.unregister(resultDoneName)
		files.removeAll()
		return nil, fmt.Errorf("Failed to write inference sentinel: %w", err)
	}
	e.log.Debugf("Waiting for %v", resultDoneName)

	select {
	case <-ready:
	case <-ctx.Done():
		e.unregister(resultDoneName)
		files.removeAll()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w for %v", ErrTimeout, files.image)
		}
		return nil, ctx.Err()
	}

	text, err := os.ReadFile(files.result)
	if err != nil {
		files.removeAll()
		return nil, fmt.Errorf("Failed to read inference result: %w", err)
	}
	return &Result{
		Text:    string(text),
		Cleanup: files.removeAll,
	}, nil
}

// Close stops the watcher. Cycles that are still waiting end when their context does.
func (e *FileEngine) Close() {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return
	}
	e.closed = true
	e.lock.Unlock()
	e.watcher.Close()
	<-e.exited
}
