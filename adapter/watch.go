// Package adapter connects the registry to its surroundings: file system
// notifications for the text form and the process-wide OpenTelemetry
// providers.
package adapter

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/srediag/shmregion/internal/logging"
)

// Trigger is implemented by registry.Refresher.
type Trigger interface {
	Trigger()
}

const watchOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

// Watcher triggers a refresh whenever the registry text file changes. The
// directory is watched, since the owner replaces the file by rename.
type Watcher struct {
	path    string
	target  Trigger
	watcher *fsnotify.Watcher
	log     logr.Logger
}

// NewWatcher watches path on behalf of target.
func NewWatcher(path string, target Trigger, log logr.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:    abs,
		target:  target,
		watcher: fw,
		log:     logging.OrDefault(log).WithName("watch"),
	}, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Run forwards events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&watchOps == 0 {
				continue
			}
			w.log.V(2).Info("registry file changed", "op", ev.Op.String())
			w.target.Trigger()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error(err, "watch failed", "path", w.path)
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
