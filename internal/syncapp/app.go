// Package syncapp publishes an application's synchronization status on
// the session bus for the sync indicator.
//
// An App is created with a desktop id. Construction derives the object
// path and starts connecting in the background; once connected the App
// exports its properties, watches for the indicator, and emits Exists
// every time the indicator appears. Setters can be used at any time before
// Close; values set before the connection completes are exported as the
// initial state.
package syncapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/sync-menu/internal/bus"
	"github.com/nikicat/sync-menu/internal/syncpath"
)

var (
	// ErrExportFailed is reported when the connected App cannot publish
	// its object.
	ErrExportFailed = errors.New("export failed")

	// ErrClosed is returned by Wait when the App was closed before the
	// connection settled.
	ErrClosed = errors.New("sync app closed")
)

// Menu is the menu attached to a source. Only its export path is used.
//
// WatchObjectPath registers fn to be called with the new path whenever the
// menu moves, and returns a function that unregisters it. It must not call
// fn synchronously, and the returned stop function must not wait for a
// running fn. Implementations must be comparable (pointer types).
type Menu interface {
	ObjectPath() dbus.ObjectPath
	WatchObjectPath(fn func(dbus.ObjectPath)) (stop func())
}

// Observer receives property change notifications.
type Observer interface {
	OnPropertyChanged(app *App, p Property)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(app *App, p Property)

func (f ObserverFunc) OnPropertyChanged(app *App, p Property) { f(app, p) }

// menuLink ties the current menu's path to the exported MenuPath. A link
// is replaced, never reused, so callbacks from a stale link are ignored.
type menuLink struct {
	stop func()
}

// App is the client handle for one application.
type App struct {
	desktopID  string
	path       dbus.ObjectPath
	peerName   string
	watchFlags bus.WatchFlags
	logger     *slog.Logger

	broker *bus.Broker
	skel   *skeleton
	events *dispatcher
	ready  chan struct{}

	mu      sync.Mutex
	phase   Phase
	err     error
	state   State
	paused  bool
	menu    Menu
	link    *menuLink
	conn    *dbus.Conn
	watcher *bus.Watcher

	observersMu sync.RWMutex
	observers   []Observer
}

// New creates an App for desktopID and starts connecting to the bus.
// It fails only if desktopID does not yield a valid object path.
func New(desktopID string, opts ...Option) (*App, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	path, err := syncpath.Derive(desktopID)
	if err != nil {
		return nil, err
	}

	logger := o.logger.With("desktop_id", desktopID)
	a := &App{
		desktopID:  desktopID,
		path:       path,
		peerName:   o.peerName,
		watchFlags: o.watchFlags,
		logger:     logger,
		events:     newDispatcher(),
		ready:      make(chan struct{}),
		phase:      PhaseConnecting,
		state:      StateIdle,
	}
	a.skel = newSkeleton(desktopID, logger, a.remotePausedChanged)

	switch {
	case o.dialer != nil:
		a.broker = bus.NewBrokerWithDialer(o.dialer, o.shared)
	default:
		a.broker = bus.NewBroker(o.busAddress)
	}

	logger.Debug("initializing", "path", string(path))
	a.broker.Connect(a.connected)
	return a, nil
}

// connected completes the bus connect started by New.
func (a *App) connected(conn *dbus.Conn, err error) {
	a.mu.Lock()

	if a.phase == PhaseDisposed {
		a.mu.Unlock()
		a.broker.Release(conn)
		return
	}

	if err != nil {
		a.phase = PhaseConnectFailed
		a.err = err
		a.mu.Unlock()
		a.logger.Error("unable to get bus", "error", err)
		close(a.ready)
		return
	}

	if err := a.skel.export(conn, a.path); err != nil {
		a.phase = PhaseExportFailed
		a.err = fmt.Errorf("%w: %s: %v", ErrExportFailed, a.path, err)
		a.mu.Unlock()
		a.logger.Error("unable to export", "path", string(a.path), "error", err)
		a.broker.Release(conn)
		close(a.ready)
		return
	}
	a.conn = conn

	w, err := bus.Watch(conn, a.peerName, a.watchFlags, a.peerAppeared, a.peerVanished)
	if err != nil {
		// The object is published; the indicator will find it when it
		// enumerates sources, it just won't get an Exists announcement.
		a.logger.Warn("unable to watch indicator", "name", a.peerName, "error", err)
	}
	a.watcher = w
	a.phase = PhaseExported
	a.mu.Unlock()

	a.logger.Info("exported sync source", "path", string(a.path))
	close(a.ready)
}

func (a *App) peerAppeared(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.phase != PhaseExported {
		return
	}
	a.logger.Debug("indicator appeared", "owner", owner)
	if err := a.skel.emitExists(); err != nil {
		a.logger.Warn("failed to emit Exists", "error", err)
	}
}

func (a *App) peerVanished() {
	a.logger.Debug("indicator vanished")
}

// remotePausedChanged is the skeleton's Paused write hook. It runs under
// the prop lock, so the record update is queued.
func (a *App) remotePausedChanged(paused bool) {
	a.events.post(func() { a.SetPaused(paused) })
}

// DesktopID returns the desktop id given to New.
func (a *App) DesktopID() string {
	return a.desktopID
}

// ObjectPath returns the path the App is (or will be) exported at.
func (a *App) ObjectPath() dbus.ObjectPath {
	return a.path
}

// State returns the current state.
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Paused reports whether the App is paused.
func (a *App) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// Menu returns the attached menu, or nil.
func (a *App) Menu() Menu {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.menu
}

// Phase returns the lifecycle phase.
func (a *App) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Err returns the fatal connect or export error, if any.
func (a *App) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Ready is closed once the App is exported, has failed, or is closed.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Wait blocks until the connect attempt settles. It returns nil once
// exported, the fatal error on failure, and ErrClosed if the App was closed
// first.
func (a *App) Wait(ctx context.Context) error {
	select {
	case <-a.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.err != nil:
		return a.err
	case a.phase == PhaseDisposed:
		return ErrClosed
	}
	return nil
}

// SetState sets the state. Setting the current value does nothing.
func (a *App) SetState(state State) {
	a.mu.Lock()
	if a.phase == PhaseDisposed || a.state == state {
		a.mu.Unlock()
		return
	}
	a.state = state
	a.skel.setState(state)
	a.mu.Unlock()

	a.notify(PropertyState)
}

// SetPaused sets the paused flag. Setting the current value does nothing.
func (a *App) SetPaused(paused bool) {
	a.mu.Lock()
	if a.phase == PhaseDisposed || a.paused == paused {
		a.mu.Unlock()
		return
	}
	a.paused = paused
	a.skel.setPaused(paused)
	a.mu.Unlock()

	a.notify(PropertyPaused)
}

// SetMenu attaches m, replacing any previous menu. The exported MenuPath
// follows m's path until the menu is replaced. With m nil the last
// exported MenuPath is left as is.
func (a *App) SetMenu(m Menu) {
	a.mu.Lock()
	if a.phase == PhaseDisposed || a.menu == m {
		a.mu.Unlock()
		return
	}
	a.rebindMenuLocked(m)
	a.mu.Unlock()

	a.notify(PropertyMenu)
}

func (a *App) rebindMenuLocked(m Menu) {
	if a.link != nil {
		a.link.stop()
		a.link = nil
	}
	a.menu = m
	if m == nil {
		return
	}

	l := &menuLink{}
	l.stop = m.WatchObjectPath(func(dbus.ObjectPath) {
		a.menuMoved(l)
	})
	a.link = l
	a.skel.setMenuPath(m.ObjectPath())
}

// menuMoved re-reads the menu's path rather than trusting the callback
// argument, so a late callback cannot roll MenuPath back.
func (a *App) menuMoved(l *menuLink) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.phase == PhaseDisposed || a.link != l || a.menu == nil {
		return
	}
	a.skel.setMenuPath(a.menu.ObjectPath())
}

// MenuPath returns the MenuPath value peers see (or will see once
// exported).
func (a *App) MenuPath() dbus.ObjectPath {
	_, _, path := a.skel.snapshot()
	return path
}

// Subscribe registers o for property change notifications. Notifications
// are delivered in order on a single goroutine owned by the App; o may call
// back into the App.
func (a *App) Subscribe(o Observer) {
	a.observersMu.Lock()
	defer a.observersMu.Unlock()
	a.observers = append(a.observers, o)
}

// Unsubscribe removes o.
func (a *App) Unsubscribe(o Observer) {
	a.observersMu.Lock()
	defer a.observersMu.Unlock()
	if i := slices.Index(a.observers, o); i >= 0 {
		a.observers = slices.Delete(a.observers, i, i+1)
	}
}

func (a *App) notify(p Property) {
	a.events.post(func() {
		a.observersMu.RLock()
		observers := slices.Clone(a.observers)
		a.observersMu.RUnlock()

		for _, o := range observers {
			o.OnPropertyChanged(a, p)
		}
	})
}

// Close releases the App: a pending connect is abandoned, the indicator
// watch is stopped, the menu is detached, the object is unexported and the
// connection is released. Close is idempotent and may be called from an
// Observer.
func (a *App) Close() error {
	a.mu.Lock()
	if a.phase == PhaseDisposed {
		a.mu.Unlock()
		return nil
	}
	settled := a.phase != PhaseConnecting
	a.phase = PhaseDisposed
	a.broker.Cancel()

	link := a.link
	a.link = nil
	a.menu = nil
	w := a.watcher
	a.watcher = nil
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if link != nil {
		link.stop()
	}
	if w != nil {
		w.Stop()
	}
	a.skel.unexport()
	if conn != nil {
		a.broker.Release(conn)
	}
	a.events.stop()
	if !settled {
		close(a.ready)
	}

	a.logger.Debug("disposed")
	return nil
}
