// Package sdnotify reports service state to systemd.
package sdnotify

import (
	"log/slog"
	"net"
	"os"
)

// Notify sends a state notification to systemd via NOTIFY_SOCKET.
// If NOTIFY_SOCKET is not set (non-systemd environment), returns silently.
// Dial failures are logged as warnings but do not return an error (fire-and-forget).
func Notify(state string) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return
	}
	conn, err := net.Dial("unixgram", socket)
	if err != nil {
		slog.Warn("sd-notify dial failed", "socket", socket, "err", err)
		return
	}
	defer conn.Close()
	conn.Write([]byte(state)) //nolint:errcheck
}

// Ready tells systemd that startup has finished.
func Ready() { Notify("READY=1") }

// Stopping tells systemd that shutdown has begun.
func Stopping() { Notify("STOPPING=1") }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) { Notify("STATUS=" + msg) }
