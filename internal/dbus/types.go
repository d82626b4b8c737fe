// Package dbus provides D-Bus names and helpers for the sync indicator protocol.
package dbus

import "github.com/godbus/dbus/v5"

// D-Bus names shared by sync sources and the indicator.
const (
	// IndicatorBusName is owned by the indicator process. Sources watch it
	// and announce themselves whenever it appears.
	IndicatorBusName = "com.canonical.indicator.sync"

	// SourceInterface is implemented by every exported sync source.
	SourceInterface = "com.canonical.indicator.sync.app"

	// SourcePathRoot is the namespace under which sources are exported.
	SourcePathRoot = "/com/canonical/indicator/sync/source"

	// MenuPathRoot is where menus created without an explicit path live.
	MenuPathRoot = "/com/canonical/dbusmenu"

	PropertiesInterface     = "org.freedesktop.DBus.Properties"
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
)

// Source interface members.
const (
	PropState    = "State"
	PropPaused   = "Paused"
	PropMenuPath = "MenuPath"
	PropDesktop  = "Desktop"

	SignalExists = "Exists"
)

// NoMenuPath is the MenuPath value of a source that never had a menu.
// Object paths cannot be empty on the wire.
const NoMenuPath = dbus.ObjectPath("/")

// Standard error names.
const (
	ErrNotSupported     = "org.freedesktop.DBus.Error.NotSupported"
	ErrInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrPropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
)

// NewDBusError creates a D-Bus error with the given name and message.
func NewDBusError(name, message string) *dbus.Error {
	return &dbus.Error{
		Name: name,
		Body: []interface{}{message},
	}
}

// ErrInvalidValue returns an InvalidArgs error for a property write with
// the wrong type or an out-of-range value.
func ErrInvalidValue(property string) *dbus.Error {
	return NewDBusError(ErrInvalidArgs, "Invalid value for property "+property)
}
