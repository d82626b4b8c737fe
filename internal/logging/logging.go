// Package logging configures slog and records source activity.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/nikicat/sync-menu/internal/indicator"
)

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewHandler builds a text (tint) or json handler writing to w.
func NewHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	// When running under systemd, the journal adds its own timestamps.
	underSystemd := os.Getenv("INVOCATION_ID") != ""
	opts := &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    underSystemd,
	}
	if underSystemd {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		}
	}
	return tint.NewHandler(w, opts)
}

// Setup installs the default logger on stderr.
func Setup(level, format string) (slog.Level, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return lvl, err
	}
	slog.SetDefault(slog.New(NewHandler(os.Stderr, lvl, format)))
	return lvl, nil
}

// SourceLog writes one structured record per source event. It implements
// indicator.Observer.
type SourceLog struct {
	*slog.Logger
}

// NewSourceLog logs source events through l.
func NewSourceLog(l *slog.Logger) *SourceLog {
	if l == nil {
		l = slog.Default()
	}
	return &SourceLog{Logger: l.With("component", "indicator")}
}

// OnEvent implements indicator.Observer.
func (l *SourceLog) OnEvent(event indicator.Event) {
	src := event.Source
	attrs := []slog.Attr{
		slog.String("event", event.Type.String()),
		slog.String("source", src.ID),
		slog.String("desktop_id", src.DesktopID),
	}
	level := slog.LevelInfo
	if event.Type != indicator.EventSourceRemoved {
		attrs = append(attrs,
			slog.String("state", src.State.String()),
			slog.Bool("paused", src.Paused),
			slog.String("menu", string(src.MenuPath)),
		)
		if event.Type == indicator.EventSourceUpdated {
			level = slog.LevelDebug
		}
	}
	l.LogAttrs(context.Background(), level, "source_event", attrs...)
}
