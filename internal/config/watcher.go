package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/faults"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher invokes a callback when a watched file or directory changes.
// Bursts of events (editors write, rename and chmod in quick succession) are
// collapsed into a single callback per debounce window.
type Watcher struct {
	target   string
	dirMode  bool
	debounce time.Duration
	onChange func()
	logger   *zap.Logger
	fs       *fsnotify.Watcher

	closeOnce sync.Once
	done      chan struct{}
}

// Watch starts watching path, which may be a file or a directory. For a file
// the parent directory is watched, since most editors replace files by
// rename.
func Watch(path string, debounce time.Duration, onChange func(), logger *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, faults.Wrap(faults.InvalidInput, "resolving watch path", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, faults.Wrap(faults.NotFound, "watch target "+abs, err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "creating file watcher", err)
	}
	w := &Watcher{
		target:   abs,
		dirMode:  info.IsDir(),
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		fs:       fs,
		done:     make(chan struct{}),
	}
	watchDir := abs
	if !w.dirMode {
		watchDir = filepath.Dir(abs)
	}
	if err := fs.Add(watchDir); err != nil {
		fs.Close()
		return nil, faults.Wrap(faults.Configuration, "watching "+watchDir, err)
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("file change detected",
				zap.String("file", event.Name),
				zap.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.onChange()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// relevant drops chmod noise and, in file mode, events for sibling files.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if w.dirMode {
		return true
	}
	return event.Name == w.target
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
	})
	return err
}
