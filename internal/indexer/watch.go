package indexer

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/agentbatch/internal/logfields"
)

// BinaryWatcher observes one binary path with fsnotify and reports its
// executability through a callback. Watching the parent directory survives
// the delete-then-recreate pattern package managers use on upgrade.
type BinaryWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	onState func(available bool)
	done    chan struct{}
}

// WatchBinary starts watching path. onState is invoked once immediately
// with the current state and again on every change.
func WatchBinary(path string, onState func(available bool)) (*BinaryWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	bw := &BinaryWatcher{path: path, watcher: w, onState: onState, done: make(chan struct{})}
	onState(bw.probe())
	go bw.loop()
	return bw, nil
}

// probe checks the binary exists and is executable by someone.
func (bw *BinaryWatcher) probe() bool {
	info, err := os.Stat(bw.path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

func (bw *BinaryWatcher) loop() {
	defer close(bw.done)
	for {
		select {
		case ev, ok := <-bw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != bw.path {
				continue
			}
			bw.onState(bw.probe())
		case err, ok := <-bw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Binary watcher error", logfields.Path(bw.path), logfields.Error(err))
		}
	}
}

// Close stops watching.
func (bw *BinaryWatcher) Close() error {
	err := bw.watcher.Close()
	<-bw.done
	return err
}
