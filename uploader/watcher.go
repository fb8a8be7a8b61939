package uploader

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher nudges the engine when something lands in the source tree, so new
// files are picked up ahead of the periodic scan. Events are only a hint:
// the scan remains the source of truth and a missed event costs at most one
// interval.
type Watcher struct {
	fw    *fsnotify.Watcher
	nudge chan struct{}
	done  chan struct{}
}

// NewWatcher starts watching root and its current subdirectories.
// Directories created later are added as their create events arrive.
func NewWatcher(root string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return fw.Add(path)
	})
	if walkErr != nil {
		fw.Close()
		return nil, fmt.Errorf("watch source tree: %w", walkErr)
	}

	w := &Watcher{
		fw:    fw,
		nudge: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Nudge delivers at most one pending wake-up; multiple bursts of events
// coalesce into a single receive.
func (w *Watcher) Nudge() <-chan struct{} { return w.nudge }

// Close stops the watcher and its event loop.
func (w *Watcher) Close() {
	w.fw.Close()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	l := sub("watcher")
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) {
				if fi, statErr := os.Stat(ev.Name); statErr == nil && fi.IsDir() {
					if addErr := w.fw.Add(ev.Name); addErr != nil {
						l.Debug("watch new directory", "path", ev.Name, "err", addErr)
					}
				}
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename) {
				select {
				case w.nudge <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			l.Warn("watch error", "err", err)
		}
	}
}
