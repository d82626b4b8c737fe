// Package procutil names the program behind a bus connection by reading
// the Linux process tree from /proc.
package procutil

import (
	"fmt"
	"os"
	"strings"
)

// shells is the set of known shell process names to skip when walking
// up the process tree to find the program that started a publisher.
var shells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true,
	"dash": true, "csh": true, "tcsh": true, "ksh": true,
}

// wrappers are processes that publish on behalf of their parent.
var wrappers = map[string]bool{
	"sync-menu": true, "env": true, "flock": true, "timeout": true,
}

// IsShell reports whether the given comm name is a known shell.
func IsShell(comm string) bool {
	return shells[comm]
}

// ReadComm reads the process name from /proc/<pid>/comm.
// Returns empty string on error.
func ReadComm(pid int32) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ReadPPID reads the parent PID from /proc/<pid>/stat.
// Returns 0 on any error.
func ReadPPID(pid int32) int32 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	// Format: "pid (comm) state ppid ..."; comm may contain spaces.
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return 0
	}
	fields := strings.Fields(s[i+2:])
	if len(fields) < 2 {
		return 0
	}
	var ppid int32
	fmt.Sscanf(fields[1], "%d", &ppid)
	return ppid
}

// ResolveOwner walks from pid up to init, skipping shells and wrappers such
// as "sync-menu publish" started from a script, to find the program that
// owns a source. Returns ("", 0) if /proc is unreadable.
func ResolveOwner(pid uint32) (comm string, ownerPID uint32) {
	p := int32(pid)
	comm = ReadComm(p)
	if comm == "" {
		return "", 0
	}
	if !skip(comm) {
		return comm, pid
	}

	for p = ReadPPID(p); p > 1; p = ReadPPID(p) {
		c := ReadComm(p)
		if c == "" {
			break
		}
		if !skip(c) {
			return c, uint32(p)
		}
	}

	// Nothing but shells and wrappers; report the process itself.
	return comm, pid
}

func skip(comm string) bool {
	return shells[comm] || wrappers[comm]
}
