package profile

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EventKind says what happened to a profile file.
type EventKind string

const (
	Created EventKind = "created"
	Updated EventKind = "updated"
	Removed EventKind = "removed"
)

// Event reports a change to one profile file.
type Event struct {
	Kind EventKind `json:"kind"`
	Name string    `json:"name"`
	Path string    `json:"path"`
}

// classify maps an fsnotify event on the profiles directory to a profile Event. Temp files left by atomic writes
// and foreign files are ignored.
func classify(event fsnotify.Event) (Event, bool) {
	base := filepath.Base(event.Name)
	if filepath.Ext(base) != Extension || strings.HasPrefix(base, ".") {
		return Event{}, false
	}
	e := Event{Name: strings.TrimSuffix(base, Extension), Path: event.Name}
	switch {
	case event.Has(fsnotify.Create):
		e.Kind = Created
	case event.Has(fsnotify.Write):
		e.Kind = Updated
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		e.Kind = Removed
	default:
		return Event{}, false
	}
	return e, true
}

// Watch calls fn for every profile created, updated or removed in the store directory. It blocks until ctx
// is done and returns underlying fsnotify errors if something goes fatally wrong.
func (s *Store) Watch(ctx context.Context, fn func(Event)) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "error creating fsnotify watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", s.dir)
	}
	s.logger.Info("listening for profile changes", zap.String("path", s.dir))
	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "exiting profile watch")
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("fsnotify watcher closed")
			}
			e, ok := classify(event)
			if !ok {
				continue
			}
			s.logger.Debug("profile changed", zap.String("kind", string(e.Kind)), zap.String("path", e.Path))
			fn(e)
		case watcherErr, ok := <-watcher.Errors:
			if !ok {
				return errors.New("fsnotify watcher closed")
			}
			s.logger.Error("fsnotify watcher error", zap.Error(watcherErr))
		}
	}
}
