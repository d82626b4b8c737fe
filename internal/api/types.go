package api

import (
	"context"
	"time"

	"github.com/nikicat/sync-menu/internal/indicator"
)

// SourceProvider is what the API serves. *indicator.Monitor implements it.
type SourceProvider interface {
	Name() string
	Sources() []indicator.Source
	History() []indicator.Event
	SetPaused(ctx context.Context, id string, paused bool) error
	Subscribe(indicator.Observer)
	Unsubscribe(indicator.Observer)
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Running     bool      `json:"running"`
	Indicator   string    `json:"indicator"`
	SourceCount int       `json:"source_count"`
	ErrorCount  int       `json:"error_count"`
	StartedAt   time.Time `json:"started_at"`
}

// SourcesResponse is returned by GET /api/v1/sources.
type SourcesResponse struct {
	Sources []indicator.Source `json:"sources"`
}

// PauseRequest is the body of POST /api/v1/sources/pause.
type PauseRequest struct {
	ID     string `json:"id"`
	Paused bool   `json:"paused"`
}

// ActionResponse is returned by action endpoints.
type ActionResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LogEntry is one source event.
type LogEntry struct {
	Type   string           `json:"type"`
	Source indicator.Source `json:"source"`
	Time   time.Time        `json:"time"`
}

// LogResponse is returned by GET /api/v1/log, newest first.
type LogResponse struct {
	Entries []LogEntry `json:"entries"`
}
