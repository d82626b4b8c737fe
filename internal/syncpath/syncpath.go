// Package syncpath derives D-Bus object paths for sync sources from
// desktop ids.
package syncpath

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/sync-menu/internal/dbus"
)

// DesktopSuffix is stripped from desktop ids given as file names.
const DesktopSuffix = ".desktop"

// ErrInvalidIdentifier is returned when a desktop id cannot be turned into a
// valid object path.
var ErrInvalidIdentifier = errors.New("invalid desktop id")

// Sanitize reduces a desktop id (or a path to a .desktop file) to a single
// object path segment. Every byte outside [A-Za-z0-9_] becomes '_'.
// The result may be empty.
func Sanitize(desktopID string) string {
	base := filepath.Base(desktopID)
	// filepath.Base("") is "."; treat it like the empty id.
	if desktopID == "" {
		base = ""
	}
	base = strings.TrimSuffix(base, DesktopSuffix)

	b := []byte(base)
	for i, c := range b {
		if !isPathByte(c) {
			b[i] = '_'
		}
	}
	return string(b)
}

// Derive returns the object path under which the source for desktopID is
// exported: SourcePathRoot + "/" + Sanitize(desktopID).
func Derive(desktopID string) (dbus.ObjectPath, error) {
	if desktopID == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}

	path := dbus.ObjectPath(dbustypes.SourcePathRoot + "/" + Sanitize(desktopID))
	if !path.IsValid() {
		slog.Warn("not a valid object path", "path", string(path), "desktop_id", desktopID)
		return "", fmt.Errorf("%w: %q gives object path %q", ErrInvalidIdentifier, desktopID, path)
	}

	slog.Debug("built path from desktop id", "path", string(path), "desktop_id", desktopID)
	return path, nil
}

func isPathByte(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '_'
}
