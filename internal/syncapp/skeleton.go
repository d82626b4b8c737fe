package syncapp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	dbustypes "github.com/nikicat/sync-menu/internal/dbus"
)

var errPathInUse = errors.New("object already exported at path")

// claims records the paths skeletons have exported on each connection.
// godbus replaces an existing export without complaint, so collisions are
// caught here.
var claims = struct {
	sync.Mutex
	paths map[*dbus.Conn]map[dbus.ObjectPath]struct{}
}{paths: make(map[*dbus.Conn]map[dbus.ObjectPath]struct{})}

func claim(conn *dbus.Conn, path dbus.ObjectPath) bool {
	claims.Lock()
	defer claims.Unlock()

	paths := claims.paths[conn]
	if paths == nil {
		paths = make(map[dbus.ObjectPath]struct{})
		claims.paths[conn] = paths
	}
	if _, ok := paths[path]; ok {
		return false
	}
	paths[path] = struct{}{}
	return true
}

func unclaim(conn *dbus.Conn, path dbus.ObjectPath) {
	claims.Lock()
	defer claims.Unlock()

	paths := claims.paths[conn]
	delete(paths, path)
	if len(paths) == 0 {
		delete(claims.paths, conn)
	}
}

// skeleton is the exported side of an App. It exists from construction and
// mirrors the App's properties; export attaches it to a connection.
//
// Lock order: App.mu, then skeleton.mu, then the prop lock. The Paused
// write callback runs under the prop lock and only hands the value to
// onRemotePaused, which must not block.
type skeleton struct {
	logger         *slog.Logger
	onRemotePaused func(bool)

	mu        sync.Mutex
	desktopID string
	state     State
	paused    bool
	menuPath  dbus.ObjectPath

	conn  *dbus.Conn
	path  dbus.ObjectPath
	props *prop.Properties
}

func newSkeleton(desktopID string, logger *slog.Logger, onRemotePaused func(bool)) *skeleton {
	return &skeleton{
		logger:         logger,
		onRemotePaused: onRemotePaused,
		desktopID:      desktopID,
		state:          StateIdle,
		menuPath:       dbustypes.NoMenuPath,
	}
}

// export publishes the skeleton at path. Property values are taken from
// the skeleton, so everything set before export is what peers see first.
func (s *skeleton) export(conn *dbus.Conn, path dbus.ObjectPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.props != nil {
		return fmt.Errorf("already exported at %s", s.path)
	}
	if !conn.Connected() {
		return errors.New("connection closed")
	}
	if !claim(conn, path) {
		return errPathInUse
	}

	props, err := prop.Export(conn, path, prop.Map{
		dbustypes.SourceInterface: {
			dbustypes.PropState: {
				Value:    uint32(s.state),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			dbustypes.PropPaused: {
				Value:    s.paused,
				Writable: true,
				Emit:     prop.EmitTrue,
				Callback: s.pausedWritten,
			},
			dbustypes.PropMenuPath: {
				Value:    s.menuPath,
				Writable: false,
				Emit:     prop.EmitTrue,
			},
			dbustypes.PropDesktop: {
				Value:    s.desktopID,
				Writable: false,
				Emit:     prop.EmitConst,
			},
		},
	})
	if err != nil {
		unclaim(conn, path)
		return fmt.Errorf("export properties: %w", err)
	}

	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       dbustypes.SourceInterface,
				Properties: props.Introspection(dbustypes.SourceInterface),
				Signals:    []introspect.Signal{{Name: dbustypes.SignalExists}},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), path, dbustypes.IntrospectableInterface); err != nil {
		conn.Export(nil, path, dbustypes.PropertiesInterface) //nolint:errcheck
		unclaim(conn, path)
		return fmt.Errorf("export introspectable: %w", err)
	}

	s.conn = conn
	s.path = path
	s.props = props
	s.logger.Debug("exported", "path", string(path))
	return nil
}

// unexport removes the object from the bus. It is a no-op when the
// skeleton is not exported or the connection is already gone.
func (s *skeleton) unexport() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.props == nil {
		return
	}
	conn, path := s.conn, s.path
	s.conn, s.path, s.props = nil, "", nil
	unclaim(conn, path)

	if !conn.Connected() {
		return
	}
	for _, iface := range []string{dbustypes.PropertiesInterface, dbustypes.IntrospectableInterface} {
		if err := conn.Export(nil, path, iface); err != nil {
			s.logger.Debug("unexport", "interface", iface, "error", err)
		}
	}
	s.logger.Debug("unexported", "path", string(path))
}

func (s *skeleton) exported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props != nil
}

// pausedWritten runs when a peer sets Paused through the Properties
// interface. The prop lock is held.
func (s *skeleton) pausedWritten(c *prop.Change) *dbus.Error {
	paused, ok := c.Value.(bool)
	if !ok {
		return dbustypes.ErrInvalidValue(c.Name)
	}
	s.logger.Debug("paused set by peer", "paused", paused)
	if s.onRemotePaused != nil {
		s.onRemotePaused(paused)
	}
	return nil
}

func (s *skeleton) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.pushLocked(dbustypes.PropState, uint32(state))
}

func (s *skeleton) setPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
	s.pushLocked(dbustypes.PropPaused, paused)
}

func (s *skeleton) setMenuPath(path dbus.ObjectPath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.menuPath = path
	s.pushLocked(dbustypes.PropMenuPath, path)
}

// pushLocked writes value to the exported property unless it already holds
// it, so peers never see a PropertiesChanged that changes nothing.
func (s *skeleton) pushLocked(name string, value any) {
	if s.props == nil {
		return
	}
	if cur, err := s.props.Get(dbustypes.SourceInterface, name); err == nil && cur.Value() == value {
		return
	}
	s.props.SetMust(dbustypes.SourceInterface, name, value)
}

// exportedValue reads a property back from the exported object.
func (s *skeleton) exportedValue(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.props == nil {
		return nil, false
	}
	v, err := s.props.Get(dbustypes.SourceInterface, name)
	if err != nil {
		return nil, false
	}
	return v.Value(), true
}

func (s *skeleton) snapshot() (state State, paused bool, menuPath dbus.ObjectPath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.paused, s.menuPath
}

func (s *skeleton) emitExists() error {
	s.mu.Lock()
	conn, path := s.conn, s.path
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not exported")
	}
	return conn.Emit(path, dbustypes.SourceInterface+"."+dbustypes.SignalExists)
}
