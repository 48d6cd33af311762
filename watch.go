package mcp

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// fileWatcher reports writes to local files backing resources. Directories are watched rather
// than the files themselves so that editors replacing a file by rename keep being observed.
type fileWatcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu    sync.Mutex
	uris  map[string]string // cleaned path -> resource uri
	dirs  map[string]int    // watched directory -> number of files in it
	close sync.Once

	updates chan<- string
	done    chan struct{}
	closed  chan struct{}
}

func newFileWatcher(updates chan<- string, logger *slog.Logger) (*fileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fw := &fileWatcher{
		watcher: w,
		logger:  logger,
		uris:    make(map[string]string),
		dirs:    make(map[string]int),
		updates: updates,
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go fw.run()
	return fw, nil
}

func (w *fileWatcher) watch(path, uri string) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.uris[path]; ok {
		w.uris[path] = uri
		return nil
	}
	if w.dirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}
	w.dirs[dir]++
	w.uris[path] = uri
	return nil
}

func (w *fileWatcher) unwatch(path string) {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.uris[path]; !ok {
		return
	}
	delete(w.uris, path)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		if err := w.watcher.Remove(dir); err != nil {
			w.logger.Debug("failed to stop watching directory", slog.String("dir", dir), slog.String("err", err.Error()))
		}
	}
}

func (w *fileWatcher) Close() error {
	var err error
	w.close.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		<-w.closed
	})
	return err
}

func (w *fileWatcher) run() {
	defer close(w.closed)

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.mu.Lock()
			uri, ok := w.uris[filepath.Clean(ev.Name)]
			w.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case w.updates <- uri:
			default:
				w.logger.Debug("dropping file update, nobody is listening", slog.String("uri", uri))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.String("err", err.Error()))
		}
	}
}
