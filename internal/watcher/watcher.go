// Package watcher re-runs auto-discovery when a credential source file
// changes on disk, so new keys in .env or config files appear without
// waiting for the next scheduler tick.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounce coalesces editor write bursts into one discovery pass.
const debounce = 2 * time.Second

// Trigger is the discovery hook the watcher fires after a change settles.
type Trigger interface {
	RunDiscovery(ctx context.Context)
}

// Watcher monitors credential source files.
type Watcher struct {
	fs      *fsnotify.Watcher
	trigger Trigger
	watched map[string]struct{}
}

// New builds a watcher over the given paths. Paths that do not exist yet
// are covered by watching their parent directory. Returns nil without
// error when none of the paths' directories exist.
func New(paths []string, trigger Trigger) (*Watcher, error) {
	fs, errNew := fsnotify.NewWatcher()
	if errNew != nil {
		return nil, errNew
	}

	w := &Watcher{fs: fs, trigger: trigger, watched: make(map[string]struct{})}
	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, errAbs := filepath.Abs(p)
		if errAbs != nil {
			continue
		}
		w.watched[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}

	added := 0
	for dir := range dirs {
		if info, errStat := os.Stat(dir); errStat != nil || !info.IsDir() {
			continue
		}
		if errAdd := fs.Add(dir); errAdd != nil {
			log.WithError(errAdd).WithField("dir", dir).Warn("watcher: cannot watch directory")
			continue
		}
		added++
	}
	if added == 0 {
		_ = fs.Close()
		return nil, nil
	}
	return w, nil
}

// Start runs the event loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	if w == nil {
		return
	}
	go w.run(ctx)
	log.Infof("watcher: monitoring %d credential source paths", len(w.watched))
}

func (w *Watcher) run(ctx context.Context) {
	defer func() { _ = w.fs.Close() }()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case errWatch, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.WithError(errWatch).Warn("watcher: filesystem event error")
		case <-fire:
			timer = nil
			fire = nil
			log.Info("watcher: credential source changed, re-running discovery")
			w.trigger.RunDiscovery(ctx)
		}
	}
}

// relevant reports whether the event touches a monitored file with an
// operation that can change its contents.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	abs, errAbs := filepath.Abs(event.Name)
	if errAbs != nil {
		return false
	}
	_, ok := w.watched[abs]
	return ok
}
