package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Formatter outputs data in various formats.
type Formatter struct {
	w      io.Writer
	asJSON bool
}

// NewFormatter creates a new formatter.
func NewFormatter(w io.Writer, asJSON bool) *Formatter {
	return &Formatter{w: w, asJSON: asJSON}
}

const sourceRow = "%-24s  %-8s  %-6s  %-36s  %s\n"

// FormatSources outputs sources as a table.
func (f *Formatter) FormatSources(sources []Source) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(sources)
	}

	if len(sources) == 0 {
		fmt.Fprintln(f.w, "No sync sources")
		return nil
	}

	fmt.Fprintf(f.w, sourceRow, "APP", "STATE", "PAUSED", "MENU", "UPDATED")
	fmt.Fprintf(f.w, sourceRow, "------------------------", "--------", "------", "------------------------------------", "-------")
	for i := range sources {
		src := &sources[i]
		fmt.Fprintf(f.w, sourceRow,
			truncate(appName(src), 24),
			src.State,
			formatBool(src.Paused),
			truncate(formatMenu(src.MenuPath), 36),
			formatAgo(src.UpdatedAt))
	}
	return nil
}

// FormatSource outputs a single source.
func (f *Formatter) FormatSource(src *Source) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(src)
	}
	fmt.Fprintf(f.w, "App:     %s\n", appName(src))
	fmt.Fprintf(f.w, "ID:      %s\n", src.ID)
	fmt.Fprintf(f.w, "Path:    %s\n", src.Path)
	fmt.Fprintf(f.w, "State:   %s\n", src.State)
	fmt.Fprintf(f.w, "Paused:  %s\n", formatBool(src.Paused))
	fmt.Fprintf(f.w, "Menu:    %s\n", formatMenu(src.MenuPath))
	if src.Process != "" {
		fmt.Fprintf(f.w, "Process: %s [%d]\n", src.Process, src.PID)
	}
	return nil
}

// FormatStatus outputs the monitor status.
func (f *Formatter) FormatStatus(s *Status) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(s)
	}
	fmt.Fprintf(f.w, "Indicator: %s\n", s.Indicator)
	fmt.Fprintf(f.w, "Sources:   %d (%d in error)\n", s.SourceCount, s.ErrorCount)
	fmt.Fprintf(f.w, "Uptime:    %s\n", time.Since(s.StartedAt).Round(time.Second))
	return nil
}

// FormatHistory outputs source events as a table.
func (f *Formatter) FormatHistory(entries []LogEntry) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(f.w, "No history entries")
		return nil
	}

	fmt.Fprintf(f.w, "%-15s  %-24s  %-8s  %s\n", "EVENT", "APP", "STATE", "WHEN")
	fmt.Fprintf(f.w, "%-15s  %-24s  %-8s  %s\n", "---------------", "------------------------", "--------", "----")
	for _, e := range entries {
		fmt.Fprintf(f.w, "%-15s  %-24s  %-8s  %s\n", e.Type, truncate(appName(&e.Source), 24), e.Source.State, formatAgo(e.Time))
	}
	return nil
}

// FormatMessage outputs one stream message.
func (f *Formatter) FormatMessage(msg Message) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(msg)
	}
	if msg.Type == "snapshot" {
		return f.FormatSources(msg.Sources)
	}
	if msg.Source == nil {
		fmt.Fprintln(f.w, msg.Type)
		return nil
	}
	fmt.Fprintf(f.w, "%s %s state=%s paused=%s\n", msg.Type, appName(msg.Source), msg.Source.State, formatBool(msg.Source.Paused))
	return nil
}

// FormatAction outputs an action result.
func (f *Formatter) FormatAction(action string, src *Source) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(map[string]string{
			"status": action,
			"id":     src.ID,
		})
	}
	fmt.Fprintf(f.w, "%s: %s\n", appName(src), action)
	return nil
}

func appName(src *Source) string {
	if src.DesktopID != "" {
		return src.DesktopID
	}
	return src.ID
}

func formatMenu(path string) string {
	if path == "" || path == "/" {
		return "-"
	}
	return path
}

func formatBool(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}

func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	ago := time.Since(t).Round(time.Second)
	if ago < 0 {
		return "just now"
	}
	return ago.String() + " ago"
}
