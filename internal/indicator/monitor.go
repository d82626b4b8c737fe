// Package indicator implements the indicator side of the sync protocol:
// it owns the indicator bus name, discovers sources through their Exists
// announcements, and follows their properties until they leave the bus.
package indicator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/sync-menu/internal/dbus"
	"github.com/nikicat/sync-menu/internal/procutil"
	"github.com/nikicat/sync-menu/internal/syncapp"
)

var (
	// ErrNameTaken is returned when another process already owns the
	// indicator name.
	ErrNameTaken = errors.New("indicator name already owned")

	// ErrNotFound is returned for an unknown source id.
	ErrNotFound = errors.New("source not found")
)

const (
	nameOwnerChanged  = "org.freedesktop.DBus.NameOwnerChanged"
	propertiesChanged = dbustypes.PropertiesInterface + ".PropertiesChanged"
	existsSignal      = dbustypes.SourceInterface + "." + dbustypes.SignalExists
)

// Monitor tracks the sources announcing themselves to the indicator.
type Monitor struct {
	conn       *dbus.Conn
	name       string
	logger     *slog.Logger
	historyMax int

	mu      sync.RWMutex
	sources map[string]*Source

	observersMu sync.RWMutex
	observers   map[Observer]struct{}

	historyMu sync.RWMutex
	history   []Event

	signals   chan *dbus.Signal
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithName overrides the bus name the monitor requests.
func WithName(name string) Option {
	return func(m *Monitor) { m.name = name }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithHistory sets how many events History keeps.
func WithHistory(n int) Option {
	return func(m *Monitor) { m.historyMax = n }
}

// NewMonitor subscribes to source signals on conn and then requests the
// indicator name, which makes running sources announce themselves.
func NewMonitor(conn *dbus.Conn, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		conn:       conn,
		name:       dbustypes.IndicatorBusName,
		logger:     slog.Default(),
		historyMax: 100,
		sources:    make(map[string]*Source),
		observers:  make(map[Observer]struct{}),
		signals:    make(chan *dbus.Signal, 64),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "indicator")

	for _, rule := range m.matchRules() {
		if err := conn.AddMatchSignal(rule...); err != nil {
			m.removeMatches()
			return nil, fmt.Errorf("add match: %w", err)
		}
	}
	conn.Signal(m.signals)
	go m.run()

	reply, err := conn.RequestName(m.name, dbus.NameFlagDoNotQueue)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("request name %s: %w", m.name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		m.Close()
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, m.name)
	}

	m.logger.Info("indicator started", "name", m.name)
	return m, nil
}

func (m *Monitor) matchRules() [][]dbus.MatchOption {
	return [][]dbus.MatchOption{
		{
			dbus.WithMatchInterface(dbustypes.SourceInterface),
			dbus.WithMatchMember(dbustypes.SignalExists),
		},
		{
			dbus.WithMatchInterface(dbustypes.PropertiesInterface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchArg(0, dbustypes.SourceInterface),
		},
		{
			dbus.WithMatchInterface("org.freedesktop.DBus"),
			dbus.WithMatchMember("NameOwnerChanged"),
			dbus.WithMatchSender("org.freedesktop.DBus"),
		},
	}
}

func (m *Monitor) removeMatches() {
	for _, rule := range m.matchRules() {
		m.conn.RemoveMatchSignal(rule...) //nolint:errcheck
	}
}

func (m *Monitor) run() {
	defer close(m.exited)
	for {
		select {
		case <-m.done:
			return
		case sig, ok := <-m.signals:
			if !ok {
				return
			}
			m.handle(sig)
		}
	}
}

func (m *Monitor) handle(sig *dbus.Signal) {
	switch sig.Name {
	case existsSignal:
		m.refresh(sig.Sender, sig.Path)

	case propertiesChanged:
		// PropertiesChanged(interface, changed, invalidated)
		if len(sig.Body) != 3 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if iface != dbustypes.SourceInterface {
			return
		}
		m.update(sig.Sender, sig.Path, changed)

	case nameOwnerChanged:
		// NameOwnerChanged(name, old_owner, new_owner)
		if len(sig.Body) != 3 {
			return
		}
		name, ok1 := sig.Body[0].(string)
		oldOwner, ok2 := sig.Body[1].(string)
		newOwner, ok3 := sig.Body[2].(string)
		if !ok1 || !ok2 || !ok3 {
			return
		}
		if name != "" && name[0] == ':' && oldOwner != "" && newOwner == "" {
			m.ownerGone(oldOwner)
		}
	}
}

// refresh reads all properties of a source and records it.
func (m *Monitor) refresh(owner string, path dbus.ObjectPath) {
	var props map[string]dbus.Variant
	err := m.conn.Object(owner, path).
		Call(dbustypes.PropertiesInterface+".GetAll", 0, dbustypes.SourceInterface).
		Store(&props)
	if err != nil {
		m.logger.Warn("failed to read source", "owner", owner, "path", string(path), "error", err)
		return
	}

	id := SourceID(owner, path)
	m.mu.RLock()
	_, known := m.sources[id]
	m.mu.RUnlock()
	var process string
	var pid uint32
	if !known {
		process, pid = m.ownerProcess(owner)
	}

	m.mu.Lock()
	src, known := m.sources[id]
	if !known {
		src = &Source{ID: id, Owner: owner, Path: path, MenuPath: dbustypes.NoMenuPath, Process: process, PID: pid}
		m.sources[id] = src
	}
	applyProperties(src, props)
	src.UpdatedAt = time.Now()
	snapshot := *src
	m.mu.Unlock()

	if known {
		m.logger.Debug("source announced again", "id", id)
		m.notify(Event{Type: EventSourceUpdated, Source: snapshot, Time: snapshot.UpdatedAt})
		return
	}
	m.logger.Info("source added", "id", id, "desktop_id", snapshot.DesktopID, "state", snapshot.State.String())
	m.notify(Event{Type: EventSourceAdded, Source: snapshot, Time: snapshot.UpdatedAt})
}

// ownerProcess names the program behind a unique bus name.
func (m *Monitor) ownerProcess(owner string) (string, uint32) {
	var pid uint32
	err := m.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, owner).Store(&pid)
	if err != nil {
		m.logger.Debug("failed to get source pid", "owner", owner, "error", err)
		return "", 0
	}
	return procutil.ResolveOwner(pid)
}

func (m *Monitor) update(owner string, path dbus.ObjectPath, changed map[string]dbus.Variant) {
	id := SourceID(owner, path)
	m.mu.Lock()
	src, ok := m.sources[id]
	if !ok {
		m.mu.Unlock()
		// Changes from a source that never announced itself.
		m.refresh(owner, path)
		return
	}
	applyProperties(src, changed)
	src.UpdatedAt = time.Now()
	snapshot := *src
	m.mu.Unlock()

	m.logger.Debug("source updated", "id", id, "state", snapshot.State.String(), "paused", snapshot.Paused)
	m.notify(Event{Type: EventSourceUpdated, Source: snapshot, Time: snapshot.UpdatedAt})
}

func (m *Monitor) ownerGone(owner string) {
	var removed []Source
	m.mu.Lock()
	for id, src := range m.sources {
		if src.Owner == owner {
			removed = append(removed, *src)
			delete(m.sources, id)
		}
	}
	m.mu.Unlock()

	now := time.Now()
	for _, src := range removed {
		m.logger.Info("source removed", "id", src.ID, "desktop_id", src.DesktopID)
		m.notify(Event{Type: EventSourceRemoved, Source: src, Time: now})
	}
}

func applyProperties(src *Source, props map[string]dbus.Variant) {
	for name, v := range props {
		switch name {
		case dbustypes.PropState:
			if s, ok := v.Value().(uint32); ok {
				src.State = syncapp.State(s)
			}
		case dbustypes.PropPaused:
			if p, ok := v.Value().(bool); ok {
				src.Paused = p
			}
		case dbustypes.PropMenuPath:
			if p, ok := v.Value().(dbus.ObjectPath); ok {
				src.MenuPath = p
			}
		case dbustypes.PropDesktop:
			if d, ok := v.Value().(string); ok {
				src.DesktopID = d
			}
		}
	}
}

// Sources returns a snapshot of all known sources ordered by desktop id.
func (m *Monitor) Sources() []Source {
	m.mu.RLock()
	result := make([]Source, 0, len(m.sources))
	for _, src := range m.sources {
		result = append(result, *src)
	}
	m.mu.RUnlock()

	slices.SortFunc(result, func(a, b Source) int {
		return cmp.Or(cmp.Compare(a.DesktopID, b.DesktopID), cmp.Compare(a.ID, b.ID))
	})
	return result
}

// Source returns the source with the given id.
func (m *Monitor) Source(id string) (Source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.sources[id]
	if !ok {
		return Source{}, false
	}
	return *src, true
}

// SetPaused asks the source to pause or resume by writing its Paused
// property.
func (m *Monitor) SetPaused(ctx context.Context, id string, paused bool) error {
	src, ok := m.Source(id)
	if !ok {
		return ErrNotFound
	}
	call := m.conn.Object(src.Owner, src.Path).CallWithContext(ctx,
		dbustypes.PropertiesInterface+".Set", 0,
		dbustypes.SourceInterface, dbustypes.PropPaused, dbus.MakeVariant(paused))
	if call.Err != nil {
		return fmt.Errorf("set paused on %s: %w", id, call.Err)
	}
	return nil
}

// Subscribe registers an observer. Events are delivered in order on the
// monitor's goroutine, so observers must not block.
func (m *Monitor) Subscribe(o Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers[o] = struct{}{}
}

// Unsubscribe removes an observer.
func (m *Monitor) Unsubscribe(o Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	delete(m.observers, o)
}

func (m *Monitor) notify(event Event) {
	m.addHistory(event)

	m.observersMu.RLock()
	observers := make([]Observer, 0, len(m.observers))
	for o := range m.observers {
		observers = append(observers, o)
	}
	m.observersMu.RUnlock()

	for _, o := range observers {
		o.OnEvent(event)
	}
}

func (m *Monitor) addHistory(event Event) {
	if m.historyMax <= 0 {
		return
	}
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	// Newest first.
	m.history = append([]Event{event}, m.history...)
	if len(m.history) > m.historyMax {
		m.history = m.history[:m.historyMax]
	}
}

// History returns recent events, newest first.
func (m *Monitor) History() []Event {
	m.historyMu.RLock()
	defer m.historyMu.RUnlock()
	return append([]Event{}, m.history...)
}

// Name returns the bus name the monitor owns.
func (m *Monitor) Name() string {
	return m.name
}

// Close releases the indicator name and stops tracking. The connection is
// left open. Close waits for event delivery to stop, so it must not be
// called from an observer.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.conn.RemoveSignal(m.signals)
		if m.conn.Connected() {
			if _, err := m.conn.ReleaseName(m.name); err != nil {
				m.logger.Debug("release name", "error", err)
			}
			m.removeMatches()
		}
		<-m.exited
	})
}
