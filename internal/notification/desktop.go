// Package notification raises desktop notifications for sync sources that
// report an error.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/sync-menu/internal/indicator"
	"github.com/nikicat/sync-menu/internal/syncapp"
)

const (
	notifyDest      = "org.freedesktop.Notifications"
	notifyPath      = "/org/freedesktop/Notifications"
	notifyInterface = "org.freedesktop.Notifications"

	appName = "sync-menu"
)

// Notifier defines the interface for sending desktop notifications.
type Notifier interface {
	// Notify sends a notification and returns its ID.
	// The actions parameter takes alternating (id, label) pairs per the FreeDesktop spec.
	Notify(summary, body, icon string, actions []string) (uint32, error)
	// Close closes a notification by ID.
	Close(id uint32) error
}

// Pauser pauses sources. *indicator.Monitor implements it.
type Pauser interface {
	SetPaused(ctx context.Context, id string, paused bool) error
}

// Action represents a user interaction with a notification button.
type Action struct {
	NotificationID uint32
	ActionKey      string
}

// Dialer opens the bus connection a DBusNotifier talks over.
type Dialer func() (*dbus.Conn, error)

// DBusNotifier sends notifications via D-Bus and listens for action button clicks.
// It reconnects if the connection drops.
type DBusNotifier struct {
	dial Dialer

	mu      sync.Mutex
	conn    *dbus.Conn
	signals chan *dbus.Signal
	actions chan Action
	done    chan struct{}
	stopped sync.Once
}

// NewDBusNotifier creates a notifier on a connection from dial and starts
// listening for ActionInvoked signals. A nil dial uses a private session
// bus connection.
func NewDBusNotifier(dial Dialer) (*DBusNotifier, error) {
	if dial == nil {
		dial = func() (*dbus.Conn, error) { return dbus.ConnectSessionBus() }
	}
	n := &DBusNotifier{
		dial:    dial,
		signals: make(chan *dbus.Signal, 16),
		actions: make(chan Action, 16),
		done:    make(chan struct{}),
	}

	if err := n.connect(); err != nil {
		return nil, err
	}
	go n.processSignals(n.signals)
	return n, nil
}

// connect must be called with n.mu held or during construction.
func (n *DBusNotifier) connect() error {
	conn, err := n.dial()
	if err != nil {
		return fmt.Errorf("connect to session bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(notifyInterface),
		dbus.WithMatchMember("ActionInvoked"),
	); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to ActionInvoked: %w", err)
	}

	conn.Signal(n.signals)
	n.conn = conn
	return nil
}

// reconnect replaces a dead connection. The old processSignals goroutine
// exits when godbus closes its channel. Must be called with n.mu held.
func (n *DBusNotifier) reconnect() error {
	if n.conn != nil {
		n.conn.Close()
	}
	n.signals = make(chan *dbus.Signal, 16)
	if err := n.connect(); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	go n.processSignals(n.signals)
	slog.Info("reconnected to D-Bus session bus")
	return nil
}

// Actions returns a channel that receives action button clicks.
func (n *DBusNotifier) Actions() <-chan Action {
	return n.actions
}

// Stop stops the signal listener and closes the connection.
func (n *DBusNotifier) Stop() {
	n.stopped.Do(func() {
		close(n.done)
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.conn != nil {
			n.conn.Close()
		}
	})
}

func (n *DBusNotifier) processSignals(ch <-chan *dbus.Signal) {
	for {
		select {
		case <-n.done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if sig.Name != notifyInterface+".ActionInvoked" || len(sig.Body) != 2 {
				continue
			}
			id, ok1 := sig.Body[0].(uint32)
			key, ok2 := sig.Body[1].(string)
			if !ok1 || !ok2 {
				continue
			}
			select {
			case n.actions <- Action{NotificationID: id, ActionKey: key}:
			case <-n.done:
				return
			}
		}
	}
}

// Notify sends a desktop notification with optional action buttons.
// If the connection is dead, it reconnects and retries once.
func (n *DBusNotifier) Notify(summary, body, icon string, actions []string) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id, err := n.doNotify(summary, body, icon, actions)
	if err != nil && errors.Is(err, dbus.ErrClosed) {
		if reconnErr := n.reconnect(); reconnErr != nil {
			return 0, fmt.Errorf("notify call: %w (reconnect failed: %v)", err, reconnErr)
		}
		id, err = n.doNotify(summary, body, icon, actions)
	}
	return id, err
}

func (n *DBusNotifier) doNotify(summary, body, icon string, actions []string) (uint32, error) {
	call := n.conn.Object(notifyDest, notifyPath).Call(
		notifyInterface+".Notify",
		0,
		appName,   // app_name
		uint32(0), // replaces_id
		icon,      // app_icon
		summary,   // summary
		body,      // body
		actions,   // actions
		map[string]dbus.Variant{
			"urgency": dbus.MakeVariant(byte(1)), // normal
		},
		int32(-1), // expire_timeout
	)
	if call.Err != nil {
		return 0, fmt.Errorf("notify call: %w", call.Err)
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("store notify result: %w", err)
	}
	return id, nil
}

// Close closes a notification by ID.
// If the connection is dead, it reconnects and retries once.
func (n *DBusNotifier) Close(id uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	err := n.doClose(id)
	if err != nil && errors.Is(err, dbus.ErrClosed) {
		if reconnErr := n.reconnect(); reconnErr != nil {
			return fmt.Errorf("close notification: %w (reconnect failed: %v)", err, reconnErr)
		}
		err = n.doClose(id)
	}
	return err
}

func (n *DBusNotifier) doClose(id uint32) error {
	call := n.conn.Object(notifyDest, notifyPath).Call(notifyInterface+".CloseNotification", 0, id)
	if call.Err != nil {
		return fmt.Errorf("close notification: %w", call.Err)
	}
	return nil
}

// Handler receives source events and shows a notification while a source
// is in the error state. The notification offers to pause the source.
type Handler struct {
	notifier Notifier
	pauser   Pauser

	mu            sync.Mutex
	notifications map[string]uint32 // source ID -> notification ID
	sources       map[uint32]string // notification ID -> source ID
}

// NewHandler creates a notification handler. pauser may be nil, in which
// case notifications carry no pause button.
func NewHandler(notifier Notifier, pauser Pauser) *Handler {
	return &Handler{
		notifier:      notifier,
		pauser:        pauser,
		notifications: make(map[string]uint32),
		sources:       make(map[uint32]string),
	}
}

// OnEvent implements indicator.Observer.
func (h *Handler) OnEvent(event indicator.Event) {
	src := event.Source
	switch event.Type {
	case indicator.EventSourceAdded, indicator.EventSourceUpdated:
		if src.State == syncapp.StateError && !src.Paused {
			h.show(src)
		} else {
			h.dismiss(src.ID)
		}
	case indicator.EventSourceRemoved:
		h.dismiss(src.ID)
	}
}

func (h *Handler) show(src indicator.Source) {
	h.mu.Lock()
	_, shown := h.notifications[src.ID]
	h.mu.Unlock()
	if shown {
		return
	}

	var actions []string
	if h.pauser != nil {
		actions = []string{"pause", "Pause", "dismiss", "Dismiss"}
	}
	name := src.DesktopID
	if name == "" {
		name = string(src.Path)
	}

	id, err := h.notifier.Notify("Sync failed", fmt.Sprintf("<b>%s</b> reported a synchronization error", name), "dialog-error", actions)
	if err != nil {
		slog.Error("failed to send notification", "error", err, "source", src.ID)
		return
	}

	h.mu.Lock()
	h.notifications[src.ID] = id
	h.sources[id] = src.ID
	h.mu.Unlock()

	slog.Debug("sent desktop notification", "source", src.ID, "notification_id", id)
}

func (h *Handler) dismiss(sourceID string) {
	h.mu.Lock()
	notifID, ok := h.notifications[sourceID]
	if ok {
		delete(h.notifications, sourceID)
		delete(h.sources, notifID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	if err := h.notifier.Close(notifID); err != nil {
		slog.Debug("failed to close notification", "error", err, "notification_id", notifID)
		return
	}
	slog.Debug("closed desktop notification", "source", sourceID, "notification_id", notifID)
}

// ListenActions reads from the actions channel and acts on button clicks.
// It blocks until the channel is closed or ctx is cancelled.
func (h *Handler) ListenActions(ctx context.Context, actions <-chan Action) {
	for {
		select {
		case <-ctx.Done():
			return
		case action, ok := <-actions:
			if !ok {
				return
			}
			h.handleAction(ctx, action)
		}
	}
}

func (h *Handler) handleAction(ctx context.Context, action Action) {
	h.mu.Lock()
	sourceID, ok := h.sources[action.NotificationID]
	if ok {
		// Clicking a button already dismissed the notification.
		delete(h.sources, action.NotificationID)
		delete(h.notifications, sourceID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	switch action.ActionKey {
	case "pause":
		if h.pauser == nil {
			return
		}
		if err := h.pauser.SetPaused(ctx, sourceID, true); err != nil {
			if errors.Is(err, indicator.ErrNotFound) {
				slog.Debug("source already gone", "source", sourceID)
				return
			}
			slog.Error("failed to pause source from notification", "source", sourceID, "error", err)
			return
		}
		slog.Info("paused source from notification", "source", sourceID)
	case "dismiss", "default":
	default:
		slog.Debug("unknown action key", "action", action.ActionKey, "source", sourceID)
	}
}

// Shown returns the number of notifications currently shown.
func (h *Handler) Shown() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notifications)
}
