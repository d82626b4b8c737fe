// Package testutil starts private D-Bus daemons for integration tests.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

// busConfigTemplate is a session-style bus that lets the current user own
// any name and call anything. Activation is not configured, so
// StartServiceByName fails with ServiceUnknown, like a desktop session
// without the indicator installed.
//
// Args: sockPath, uid (numeric string)
const busConfigTemplate = `<?xml version="1.0"?>
<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-BUS Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <type>session</type>
  <listen>unix:path=%s</listen>
  <policy context="default">
    <allow send_destination="*" eavesdrop="true"/>
    <allow eavesdrop="true"/>
  </policy>
  <policy user="%s">
    <allow own="*"/>
  </policy>
</busconfig>`

// StartBus starts a private dbus-daemon and returns its address. The daemon
// is killed on test cleanup. Tests are skipped when dbus-daemon is not
// installed.
//
// Filesystem sockets (not abstract) keep parallel tests apart.
func StartBus(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		t.Skip("dbus-daemon not available")
	}

	tmpDir := t.TempDir()
	sockPath := filepath.Join(tmpDir, "bus.sock")
	confPath := filepath.Join(tmpDir, "bus.conf")

	conf := fmt.Sprintf(busConfigTemplate, sockPath, fmt.Sprint(unix.Getuid()))
	if err := os.WriteFile(confPath, []byte(conf), 0600); err != nil {
		t.Fatalf("write bus config: %v", err)
	}

	cmd := exec.Command("dbus-daemon", "--config-file="+confPath, "--nofork")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill() //nolint:errcheck
		cmd.Wait()         //nolint:errcheck
	})

	// The socket file appears before the daemon accepts; only a completed
	// handshake means the bus is up. 50 * 100ms = 5s max.
	addr := "unix:path=" + sockPath
	var lastErr error
	for range 50 {
		if lastErr = probeBus(addr); lastErr == nil {
			return addr
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("dbus-daemon not accepting connections: %v", lastErr)
	return ""
}

func probeBus(addr string) error {
	conn, err := dbus.Connect(addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Connect opens a private connection to addr, closed on test cleanup.
func Connect(t *testing.T, addr string) *dbus.Conn {
	t.Helper()

	conn, err := dbus.Connect(addr)
	if err != nil {
		t.Fatalf("connect %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// Own connects to addr and requests name, failing the test if the
// connection does not become the primary owner.
func Own(t *testing.T, addr, name string) *dbus.Conn {
	t.Helper()

	conn := Connect(t, addr)
	reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		t.Fatalf("request name %q: %v", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		t.Fatalf("not primary owner of %q (reply=%d)", name, reply)
	}
	return conn
}

// Eventually polls cond every 10ms until it returns true or timeout
// elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: "+format, append([]any{timeout}, args...)...)
}
