// Package menu provides menus that can be attached to a sync source.
//
// The sync indicator only needs to know where a source's menu is exported;
// the menu's items are served by whatever owns that path.
package menu

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/google/uuid"

	dbustypes "github.com/nikicat/sync-menu/internal/dbus"
)

// watchers tracks path-change callbacks. Callbacks are invoked without the
// lock held and never from inside watch.
type watchers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(dbus.ObjectPath)
}

func (w *watchers) watch(fn func(dbus.ObjectPath)) (stop func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fns == nil {
		w.fns = make(map[int]func(dbus.ObjectPath))
	}
	id := w.next
	w.next++
	w.fns[id] = fn

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.fns, id)
	}
}

func (w *watchers) notify(path dbus.ObjectPath) {
	w.mu.Lock()
	fns := make([]func(dbus.ObjectPath), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(path)
	}
}

func (w *watchers) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.fns)
}

// Static is a menu exported by someone else at a known path. SetObjectPath
// tells watchers the menu has moved.
type Static struct {
	// moveMu orders concurrent moves together with their notifications.
	moveMu sync.Mutex

	mu   sync.Mutex
	path dbus.ObjectPath
	w    watchers
}

// NewStatic returns a menu that refers to path.
func NewStatic(path dbus.ObjectPath) *Static {
	return &Static{path: path}
}

// ObjectPath returns the current path.
func (s *Static) ObjectPath() dbus.ObjectPath {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// WatchObjectPath registers fn for path changes.
func (s *Static) WatchObjectPath(fn func(dbus.ObjectPath)) (stop func()) {
	return s.w.watch(fn)
}

// SetObjectPath changes the path and notifies watchers if it differs.
// Watchers must not call SetObjectPath.
func (s *Static) SetObjectPath(path dbus.ObjectPath) {
	s.moveMu.Lock()
	defer s.moveMu.Unlock()

	s.mu.Lock()
	if s.path == path {
		s.mu.Unlock()
		return
	}
	s.path = path
	s.mu.Unlock()

	s.w.notify(path)
}

// Watchers returns the number of registered watchers.
func (s *Static) Watchers() int {
	return s.w.count()
}

// DefaultPath returns a fresh path under MenuPathRoot.
func DefaultPath() dbus.ObjectPath {
	id := strings.ReplaceAll(uuid.NewString(), "-", "_")
	return dbus.ObjectPath(dbustypes.MenuPathRoot + "/m_" + id)
}

// Server exports a placeholder menu object on a connection so the path it
// reports is live. Move re-exports it elsewhere.
type Server struct {
	conn   *dbus.Conn
	logger *slog.Logger

	// moveMu orders concurrent moves together with their notifications.
	moveMu sync.Mutex

	mu     sync.Mutex
	path   dbus.ObjectPath
	closed bool
	w      watchers
}

// NewServer exports a menu at path on conn. An empty path picks one under
// MenuPathRoot.
func NewServer(conn *dbus.Conn, path dbus.ObjectPath) (*Server, error) {
	if path == "" {
		path = DefaultPath()
	}
	if !path.IsValid() {
		return nil, fmt.Errorf("invalid menu path %q", path)
	}

	s := &Server{
		conn:   conn,
		logger: slog.Default().With("component", "menu"),
	}
	if err := s.exportAt(path); err != nil {
		return nil, err
	}
	s.path = path
	return s, nil
}

func (s *Server) exportAt(path dbus.ObjectPath) error {
	node := &introspect.Node{
		Name:       string(path),
		Interfaces: []introspect.Interface{introspect.IntrospectData},
	}
	if err := s.conn.Export(introspect.NewIntrospectable(node), path, dbustypes.IntrospectableInterface); err != nil {
		return fmt.Errorf("export menu at %s: %w", path, err)
	}
	return nil
}

func (s *Server) unexportAt(path dbus.ObjectPath) {
	if !s.conn.Connected() {
		return
	}
	if err := s.conn.Export(nil, path, dbustypes.IntrospectableInterface); err != nil {
		s.logger.Debug("unexport menu", "path", string(path), "error", err)
	}
}

// ObjectPath returns where the menu is exported.
func (s *Server) ObjectPath() dbus.ObjectPath {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// WatchObjectPath registers fn for path changes.
func (s *Server) WatchObjectPath(fn func(dbus.ObjectPath)) (stop func()) {
	return s.w.watch(fn)
}

// Move re-exports the menu at path and notifies watchers. Watchers see
// moves in the order they took effect and must not call Move.
func (s *Server) Move(path dbus.ObjectPath) error {
	if !path.IsValid() {
		return fmt.Errorf("invalid menu path %q", path)
	}

	s.moveMu.Lock()
	defer s.moveMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("menu closed")
	}
	if path == s.path {
		s.mu.Unlock()
		return nil
	}
	if err := s.exportAt(path); err != nil {
		s.mu.Unlock()
		return err
	}
	old := s.path
	s.path = path
	s.unexportAt(old)
	s.mu.Unlock()

	s.logger.Debug("menu moved", "from", string(old), "to", string(path))
	s.w.notify(path)
	return nil
}

// Close unexports the menu. Watchers are not notified; the path simply
// stops resolving.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.unexportAt(s.path)
}
