package syncapp

import (
	"fmt"
	"strings"
)

// State is the synchronization state a source reports to the indicator.
// Values are part of the wire protocol.
type State uint32

const (
	StateIdle State = iota
	StateSyncing
	StateError
)

// StateActive is an alias for StateSyncing.
const StateActive = StateSyncing

var stateNames = [...]string{
	StateIdle:    "idle",
	StateSyncing: "syncing",
	StateError:   "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	return int(s) < len(stateNames)
}

// ParseState parses a state name. "active" is accepted for syncing.
func ParseState(name string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "idle":
		return StateIdle, nil
	case "syncing", "active":
		return StateSyncing, nil
	case "error":
		return StateError, nil
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid state %d", uint32(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Property identifies an App property in change notifications.
type Property int

const (
	PropertyState Property = iota
	PropertyPaused
	PropertyMenu
)

func (p Property) String() string {
	switch p {
	case PropertyState:
		return "state"
	case PropertyPaused:
		return "paused"
	case PropertyMenu:
		return "menu"
	}
	return fmt.Sprintf("Property(%d)", int(p))
}

// Phase is the lifecycle phase of an App.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseExported
	PhaseConnectFailed
	PhaseExportFailed
	PhaseDisposed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseExported:
		return "exported"
	case PhaseConnectFailed:
		return "connect-failed"
	case PhaseExportFailed:
		return "export-failed"
	case PhaseDisposed:
		return "disposed"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}
