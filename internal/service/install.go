// Package service manages systemd user units for sync-menu.
package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// MonitorUnit runs "sync-menu monitor".
	MonitorUnit = "sync-menu-monitor.service"
	// PublishUnit is a template; the instance is the desktop id.
	PublishUnit = "sync-menu-publish@.service"
)

const monitorTemplate = `[Unit]
Description=sync-menu - sync indicator monitor and status API
PartOf=graphical-session.target

[Service]
Type=notify
ExecStart=%s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

const publishTemplate = `[Unit]
Description=sync-menu - publish sync status for %%i
PartOf=graphical-session.target

[Service]
Type=notify
ExecStart=%s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

// Options configures service installation.
type Options struct {
	// Unit is MonitorUnit or PublishUnit.
	Unit string
	// ConfigPath, if set, adds --config <path> to ExecStart.
	ConfigPath string
	// DesktopID enables PublishUnit for this desktop id.
	DesktopID string
	// Start the service immediately after enabling.
	Start bool
}

// unitDir returns the systemd user unit directory.
// Uses $XDG_CONFIG_HOME/systemd/user/ with fallback to ~/.config/systemd/user/.
func unitDir() (string, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "systemd", "user"), nil
}

// UnitPath returns the full path where unit is (or would be) installed.
func UnitPath(unit string) (string, error) {
	dir, err := unitDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, unit), nil
}

// InstanceName returns the unit name systemctl operates on. A publish
// instance is named after the escaped desktop id.
func InstanceName(opts Options) (string, error) {
	switch opts.Unit {
	case MonitorUnit:
		return MonitorUnit, nil
	case PublishUnit:
		if opts.DesktopID == "" {
			return "", fmt.Errorf("%s needs a desktop id", PublishUnit)
		}
		return strings.Replace(PublishUnit, "@", "@"+escape(opts.DesktopID), 1), nil
	}
	return "", fmt.Errorf("unknown unit %q", opts.Unit)
}

// escape follows systemd-escape for instance names.
func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '/':
			b.WriteByte('-')
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '_', c == ':', c == '.' && i > 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, `\x%02x`, c)
		}
	}
	return b.String()
}

func unitContent(self string, opts Options) (string, error) {
	var execStart, tmpl string
	switch opts.Unit {
	case MonitorUnit:
		execStart, tmpl = self+" monitor", monitorTemplate
	case PublishUnit:
		execStart, tmpl = self+" publish --desktop-id %I", publishTemplate
	default:
		return "", fmt.Errorf("unknown unit %q", opts.Unit)
	}
	if opts.ConfigPath != "" {
		execStart += " --config " + opts.ConfigPath
	}
	return fmt.Sprintf(tmpl, execStart), nil
}

// Install writes the systemd user unit file, reloads systemd, and enables the service.
func Install(opts Options) error {
	instance, err := InstanceName(opts)
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	content, err := unitContent(self, opts)
	if err != nil {
		return err
	}

	dir, err := unitDir()
	if err != nil {
		return err
	}
	unitPath := filepath.Join(dir, opts.Unit)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}

	if err := os.WriteFile(unitPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	fmt.Printf("Wrote unit file: %s\n", unitPath)

	if err := systemctlFunc("daemon-reload"); err != nil {
		return err
	}

	if err := systemctlFunc("enable", instance); err != nil {
		return err
	}
	fmt.Printf("Enabled %s\n", instance)

	if opts.Start {
		if err := systemctlFunc("start", instance); err != nil {
			return err
		}
		fmt.Printf("Started %s\n", instance)
	}

	return nil
}

// Uninstall stops and disables the service. The unit file is removed for
// the monitor; a publish template is shared by all instances and stays.
func Uninstall(opts Options) error {
	instance, err := InstanceName(opts)
	if err != nil {
		return err
	}

	// Stop first (ignore error — may not be running).
	_ = systemctlFunc("stop", instance)

	if err := systemctlFunc("disable", instance); err != nil {
		return err
	}
	fmt.Printf("Disabled %s\n", instance)

	if opts.Unit == PublishUnit {
		return nil
	}

	unitPath, err := UnitPath(opts.Unit)
	if err != nil {
		return err
	}
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	fmt.Printf("Removed %s\n", unitPath)

	return systemctlFunc("daemon-reload")
}

// Status runs systemctl --user status for the service, printing output directly.
func Status(opts Options) error {
	instance, err := InstanceName(opts)
	if err != nil {
		return err
	}
	cmd := exec.Command("systemctl", "--user", "status", instance)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// systemctl status exits non-zero when inactive — not an error for us.
	cmd.Run()
	return nil
}

// systemctlFunc is the function used to run systemctl commands.
// Replaced in tests to avoid requiring a real systemd.
var systemctlFunc = systemctlExec

func systemctlExec(args ...string) error {
	fullArgs := append([]string{"--user"}, args...)
	cmd := exec.Command("systemctl", fullArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl %s: %w", args[0], err)
	}
	return nil
}
