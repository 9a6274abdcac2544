package crypto

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ReadKeysFile parses an external key ring file: a flat YAML map of
// key_id -> "algorithm:base64(key)". Keeping the ring outside the main
// config lets it carry tighter file permissions and rotate independently.
func ReadKeysFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read keys file: %w", err)
	}
	keys := make(map[string]string)
	if err := yaml.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("crypto: parse keys file %s: %w", path, err)
	}
	return keys, nil
}

// Watcher reloads the key ring when the external keys file changes, so new
// rotation keys become usable without a restart. Events are debounced since
// editors and config management tools produce bursts of writes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	debounce  time.Duration
	reload    func() error
	logger    *zap.Logger
	done      chan struct{}
}

// NewWatcher watches path and calls reload after each settled change.
// reload re-reads and re-applies the ring; its error is logged, not fatal,
// and the previous ring stays active until a reload succeeds.
func NewWatcher(path string, reload func() error, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("crypto: new watcher: %w", err)
	}
	return &Watcher{
		fsWatcher: fsw,
		path:      path,
		debounce:  time.Second,
		reload:    reload,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching. The containing directory is watched rather than
// the file itself so atomic rename-into-place updates are seen.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("crypto: watch %s: %w", dir, err)
	}
	go w.loop()
	return nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.reload(); err != nil {
				w.logger.Error("encryption keys reload failed, keeping previous ring", zap.Error(err))
				continue
			}
			w.logger.Info("encryption keys reloaded", zap.String("path", w.path))

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("keys file watch error", zap.Error(err))

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Base(event.Name) == filepath.Base(w.path)
}
