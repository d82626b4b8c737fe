// Package statefile reads the small YAML document a sync program writes to
// report its status, and watches it for changes.
//
//	state: syncing
//	paused: false
//	menu_path: /com/canonical/dbusmenu/mail
package statefile

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/nikicat/sync-menu/internal/syncapp"
)

// Status is the content of a state file. Missing keys take zero values.
type Status struct {
	State    syncapp.State `yaml:"state"`
	Paused   bool          `yaml:"paused"`
	MenuPath string        `yaml:"menu_path,omitempty"`
}

// Parse decodes a state file. An empty document is an idle, unpaused status.
func Parse(data []byte) (Status, error) {
	var st Status
	if err := yaml.Unmarshal(data, &st); err != nil {
		return Status{}, err
	}
	if st.MenuPath != "" && st.MenuPath[0] != '/' {
		return Status{}, fmt.Errorf("menu_path %q is not an object path", st.MenuPath)
	}
	return st, nil
}

// Load reads and parses the state file at path.
func Load(path string) (Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Status{}, err
	}
	st, err := Parse(data)
	if err != nil {
		return Status{}, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	return st, nil
}

// Save writes st to path atomically.
func Save(path string, st Status) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Watcher reports the content of a state file each time it changes.
// The parent directory is watched so that editors replacing the file are
// followed.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	last    []byte
}

// NewWatcher creates a watcher for path. A nil logger uses slog.Default().
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:    abs,
		watcher: watcher,
		logger:  logger.With("component", "statefile", "path", abs),
	}, nil
}

// Run calls onChange with the current content, if the file exists, and
// again whenever the content changes. Writes that leave the bytes unchanged
// and unparsable content are skipped. Removing the file keeps the last
// status. Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, onChange func(Status)) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	w.reload(onChange)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				w.reload(onChange)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.logger.Debug("state file removed, keeping last status")
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(onChange func(Status)) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("failed to read state file", "error", err)
		}
		return
	}
	if w.last != nil && bytes.Equal(data, w.last) {
		return
	}
	w.last = data

	st, err := Parse(data)
	if err != nil {
		w.logger.Warn("ignoring invalid state file", "error", err)
		return
	}
	w.logger.Debug("state file changed", "state", st.State, "paused", st.Paused, "menu_path", st.MenuPath)
	onChange(st)
}
