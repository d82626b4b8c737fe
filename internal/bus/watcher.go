package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	busInterface       = "org.freedesktop.DBus"
	nameOwnerChanged   = busInterface + ".NameOwnerChanged"
	errNameHasNoOwner  = "org.freedesktop.DBus.Error.NameHasNoOwner"
	errServiceUnknown  = "org.freedesktop.DBus.Error.ServiceUnknown"
	startServiceMethod = busInterface + ".StartServiceByName"
)

// WatchFlags control how a name is watched.
type WatchFlags uint

const (
	// WatchAutoStart asks the bus to activate the owner of the name if the
	// bus supports activation for it.
	WatchAutoStart WatchFlags = 1 << iota
)

// Watcher reports appearance and disappearance of the owner of a bus name.
//
// Callbacks are serialized on the watcher goroutine. An owner that is
// already present when the watch starts is reported as an appearance.
type Watcher struct {
	conn     *dbus.Conn
	name     string
	onAppear func(owner string)
	onVanish func()
	logger   *slog.Logger

	signals   chan *dbus.Signal
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once

	// owner is only touched by the run goroutine.
	owner string
}

// Watch starts watching name on conn. onAppear receives the unique name of
// the new owner. Either callback may be nil.
func Watch(conn *dbus.Conn, name string, flags WatchFlags, onAppear func(owner string), onVanish func()) (*Watcher, error) {
	w := &Watcher{
		conn:     conn,
		name:     name,
		onAppear: onAppear,
		onVanish: onVanish,
		logger:   slog.Default().With("component", "watcher", "name", name),
		signals:  make(chan *dbus.Signal, 16),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}

	// Subscribe before asking for the current owner so no transition is
	// lost in between.
	if err := conn.AddMatchSignal(w.matchOptions()...); err != nil {
		return nil, fmt.Errorf("watch %s: add match: %w", name, err)
	}
	conn.Signal(w.signals)

	if flags&WatchAutoStart != 0 {
		w.autoStart()
	}

	go w.run()
	return w, nil
}

func (w *Watcher) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface(busInterface),
		dbus.WithMatchSender(busInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, w.name),
	}
}

// autoStart requests activation without waiting for the reply. Buses
// without a service file for the name answer ServiceUnknown, which is
// normal.
func (w *Watcher) autoStart() {
	call := w.conn.BusObject().Go(startServiceMethod, 0, make(chan *dbus.Call, 1), w.name, uint32(0))
	go func() {
		select {
		case <-call.Done:
			if call.Err != nil {
				if ErrorName(call.Err) == errServiceUnknown {
					w.logger.Debug("no activatable service")
					return
				}
				w.logger.Debug("auto-start failed", "error", call.Err)
			}
		case <-w.done:
		}
	}()
}

func (w *Watcher) run() {
	defer close(w.exited)

	owner, err := w.currentOwner()
	if err != nil {
		w.logger.Warn("failed to query name owner", "error", err)
	}
	w.setOwner(owner)

	for {
		select {
		case <-w.done:
			return
		case sig, ok := <-w.signals:
			if !ok {
				// Channel closed by godbus when the connection closes.
				return
			}
			if sig.Name != nameOwnerChanged {
				continue
			}

			// NameOwnerChanged(name string, old_owner string, new_owner string)
			if len(sig.Body) != 3 {
				continue
			}
			name, ok1 := sig.Body[0].(string)
			_, ok2 := sig.Body[1].(string)
			newOwner, ok3 := sig.Body[2].(string)
			if !ok1 || !ok2 || !ok3 || name != w.name {
				continue
			}
			w.setOwner(newOwner)
		}
	}
}

func (w *Watcher) currentOwner() (string, error) {
	var owner string
	err := w.conn.BusObject().Call(busInterface+".GetNameOwner", 0, w.name).Store(&owner)
	if err != nil {
		if ErrorName(err) == errNameHasNoOwner {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}

// ErrorName returns the D-Bus error name carried by err, or "" if err is
// not a D-Bus error reply.
func ErrorName(err error) string {
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name
	}
	var pe *dbus.Error
	if errors.As(err, &pe) && pe != nil {
		return pe.Name
	}
	return ""
}

// setOwner applies an owner transition and fires callbacks. Reports of the
// owner we already know about are dropped; the initial GetNameOwner reply
// and a NameOwnerChanged queued before it can describe the same owner.
func (w *Watcher) setOwner(owner string) {
	if owner == w.owner {
		return
	}
	select {
	case <-w.done:
		return
	default:
	}

	if w.owner != "" {
		w.logger.Debug("name vanished", "owner", w.owner)
		w.owner = ""
		if w.onVanish != nil {
			w.onVanish()
		}
	}
	if owner != "" {
		w.logger.Debug("name appeared", "owner", owner)
		w.owner = owner
		if w.onAppear != nil {
			w.onAppear(owner)
		}
	}
}

// Stop ends the watch and waits for an in-flight callback to return.
// It must not be called from inside a callback.
func (w *Watcher) Stop() {
	w.closeOnce.Do(func() {
		close(w.done)
		// Don't close the signals channel; godbus may already have.
		w.conn.RemoveSignal(w.signals)
		if w.conn.Connected() {
			if err := w.conn.RemoveMatchSignal(w.matchOptions()...); err != nil {
				w.logger.Debug("remove match", "error", err)
			}
		}
	})
	<-w.exited
}
