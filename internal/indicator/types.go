package indicator

import (
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/sync-menu/internal/syncapp"
)

// Source is one sync source as seen by the indicator.
type Source struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner"`
	Path      dbus.ObjectPath `json:"path"`
	DesktopID string          `json:"desktop_id"`
	State     syncapp.State   `json:"state"`
	Paused    bool            `json:"paused"`
	MenuPath  dbus.ObjectPath `json:"menu_path"`
	Process   string          `json:"process,omitempty"`
	PID       uint32          `json:"pid,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SourceID identifies the source exported at path by the connection owner.
func SourceID(owner string, path dbus.ObjectPath) string {
	return owner + string(path)
}

// EventType represents the type of source event.
type EventType int

const (
	EventSourceAdded EventType = iota
	EventSourceUpdated
	EventSourceRemoved
)

func (t EventType) String() string {
	switch t {
	case EventSourceAdded:
		return "source_added"
	case EventSourceUpdated:
		return "source_updated"
	case EventSourceRemoved:
		return "source_removed"
	}
	return "unknown"
}

// Event is delivered to observers when a source changes.
type Event struct {
	Type   EventType `json:"-"`
	Source Source    `json:"source"`
	Time   time.Time `json:"time"`
}

// Observer receives source events. Observers are compared by identity, so
// use pointer types.
type Observer interface {
	OnEvent(Event)
}
