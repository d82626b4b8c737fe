package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nikicat/sync-menu/internal/indicator"
	"github.com/nikicat/sync-menu/internal/syncapp"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewHandlerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, slog.LevelInfo, "json"))
	l.Debug("hidden")
	l.Info("shown", "k", "v")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not a single JSON record: %v\n%s", err, buf.String())
	}
	if rec["msg"] != "shown" || rec["k"] != "v" {
		t.Errorf("record = %v", rec)
	}
}

func TestNewHandlerTextUnderSystemd(t *testing.T) {
	t.Setenv("INVOCATION_ID", "abc")

	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, slog.LevelInfo, "text"))
	l.Info("hello", "k", "v")

	out := buf.String()
	if strings.Contains(out, "\x1b[") {
		t.Errorf("colour codes under systemd: %q", out)
	}
	if !strings.HasPrefix(out, "INF hello") {
		t.Errorf("expected no timestamp, got %q", out)
	}
}

func TestSourceLog(t *testing.T) {
	var buf bytes.Buffer
	l := NewSourceLog(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	l.OnEvent(indicator.Event{
		Type: indicator.EventSourceAdded,
		Source: indicator.Source{
			ID:        ":1.7/com/canonical/indicator/sync/source/mail",
			DesktopID: "mail.desktop",
			State:     syncapp.StateError,
			Paused:    true,
			MenuPath:  "/com/canonical/dbusmenu/mail",
		},
	})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{
		"msg":        "source_event",
		"level":      "INFO",
		"component":  "indicator",
		"event":      "source_added",
		"desktop_id": "mail.desktop",
		"state":      "error",
		"paused":     true,
		"menu":       "/com/canonical/dbusmenu/mail",
	}
	for k, v := range want {
		if rec[k] != v {
			t.Errorf("%s = %v, want %v", k, rec[k], v)
		}
	}

	buf.Reset()
	l.OnEvent(indicator.Event{Type: indicator.EventSourceRemoved, Source: indicator.Source{ID: "x"}})
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["event"] != "source_removed" {
		t.Errorf("event = %v", rec["event"])
	}
}
