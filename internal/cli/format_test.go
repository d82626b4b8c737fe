package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestFormatSources_Table(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf, false)

	sources := []Source{
		{ID: ":1.5/a", DesktopID: "files.desktop", State: "syncing", MenuPath: "/com/canonical/dbusmenu/files", UpdatedAt: time.Now()},
		{ID: ":1.6/b", State: "error", Paused: true, MenuPath: "/"},
	}
	if err := f.FormatSources(sources); err != nil {
		t.Fatalf("FormatSources failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "APP") {
		t.Errorf("missing header: %q", lines[0])
	}
	if !strings.Contains(lines[2], "files.desktop") || !strings.Contains(lines[2], "/com/canonical/dbusmenu/files") {
		t.Errorf("unexpected row: %q", lines[2])
	}
	// Without a desktop id the source id is shown, and "/" means no menu.
	if !strings.HasPrefix(lines[3], ":1.6/b") || !strings.Contains(lines[3], "yes") {
		t.Errorf("unexpected row: %q", lines[3])
	}
}

func TestFormatSources_Empty(t *testing.T) {
	var buf bytes.Buffer
	NewFormatter(&buf, false).FormatSources(nil)
	if got := strings.TrimSpace(buf.String()); got != "No sync sources" {
		t.Errorf("got %q", got)
	}
}

func TestFormatSources_JSON(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf, true)
	if err := f.FormatSources([]Source{{ID: "x", State: "idle"}}); err != nil {
		t.Fatalf("FormatSources failed: %v", err)
	}

	var decoded []Source
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(decoded) != 1 || decoded[0].ID != "x" {
		t.Errorf("decoded %+v", decoded)
	}
}

func TestFormatSource(t *testing.T) {
	var buf bytes.Buffer
	NewFormatter(&buf, false).FormatSource(&Source{ID: "x", DesktopID: "a.desktop", State: "idle", Process: "thunderbird", PID: 42})
	out := buf.String()
	for _, want := range []string{"App:     a.desktop", "State:   idle", "Paused:  no", "Menu:    -", "Process: thunderbird [42]"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatMessage(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf, false)
	f.FormatMessage(Message{Type: "source_updated", Source: &Source{DesktopID: "a.desktop", State: "error"}})
	if got := strings.TrimSpace(buf.String()); got != "source_updated a.desktop state=error paused=no" {
		t.Errorf("got %q", got)
	}
}

func TestFormatHistory(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf, false)
	f.FormatHistory([]LogEntry{{Type: "source_removed", Source: Source{DesktopID: "a.desktop", State: "idle"}, Time: time.Now()}})
	if !strings.Contains(buf.String(), "source_removed") {
		t.Errorf("output missing event type:\n%s", buf.String())
	}

	buf.Reset()
	f.FormatHistory(nil)
	if strings.TrimSpace(buf.String()) != "No history entries" {
		t.Errorf("got %q", buf.String())
	}
}

func TestFormatAction(t *testing.T) {
	var buf bytes.Buffer
	NewFormatter(&buf, false).FormatAction("paused", &Source{DesktopID: "a.desktop"})
	if strings.TrimSpace(buf.String()) != "a.desktop: paused" {
		t.Errorf("got %q", buf.String())
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 8, "this is…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
