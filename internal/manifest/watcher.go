package manifest

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Logger matches the logging contract used across the agent.
type Logger interface {
	Printf(format string, args ...any)
}

// Watcher observes the manifest file and invokes OnDeploy whenever the file
// is rewritten with a new version. Deploy tooling writes the manifest via
// rename, so create and rename events count as much as plain writes.
type Watcher struct {
	path     string
	onDeploy func(Manifest)
	logger   Logger
	debounce time.Duration
	lastSeen string
}

func NewWatcher(path string, currentVersion string, onDeploy func(Manifest), logger Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		onDeploy: onDeploy,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		lastSeen: currentVersion,
	}
}

// Run blocks until ctx is done, reloading the manifest after each change to
// its file. Invalid intermediate states (partial writes, schema violations)
// are logged and skipped; only a parseable manifest with a new version fires
// OnDeploy.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: rename-based writes replace the
	// inode and a file watch would go stale after the first deploy.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("manifest watcher: %v", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	m, err := Load(w.path)
	if err != nil {
		w.logf("manifest reload skipped: %v", err)
		return
	}
	if m.Version == w.lastSeen {
		return
	}
	w.lastSeen = m.Version
	if w.onDeploy != nil {
		w.onDeploy(m)
	}
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
