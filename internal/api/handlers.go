package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nikicat/sync-menu/internal/indicator"
	"github.com/nikicat/sync-menu/internal/syncapp"
)

// Handlers provides HTTP handlers for the REST API.
type Handlers struct {
	provider  SourceProvider
	startedAt time.Time
}

// NewHandlers creates new API handlers.
func NewHandlers(provider SourceProvider) *Handlers {
	return &Handlers{
		provider:  provider,
		startedAt: time.Now(),
	}
}

// HandleStatus handles GET /api/v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sources := h.provider.Sources()
	errCount := 0
	for _, src := range sources {
		if src.State == syncapp.StateError {
			errCount++
		}
	}

	writeJSON(w, StatusResponse{
		Running:     true,
		Indicator:   h.provider.Name(),
		SourceCount: len(sources),
		ErrorCount:  errCount,
		StartedAt:   h.startedAt,
	})
}

// HandleSources handles GET /api/v1/sources.
func (h *Handlers) HandleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sources := h.provider.Sources()
	if sources == nil {
		sources = []indicator.Source{}
	}
	writeJSON(w, SourcesResponse{Sources: sources})
}

// HandlePause handles POST /api/v1/sources/pause.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		writeError(w, "missing source id", http.StatusBadRequest)
		return
	}

	if err := h.provider.SetPaused(r.Context(), req.ID, req.Paused); err != nil {
		if errors.Is(err, indicator.ErrNotFound) {
			writeError(w, "source not found", http.StatusNotFound)
			return
		}
		slog.Warn("set paused failed", "id", req.ID, "error", err)
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}

	status := "resumed"
	if req.Paused {
		status = "paused"
	}
	writeJSON(w, ActionResponse{Status: status})
}

// HandleLog handles GET /api/v1/log.
func (h *Handlers) HandleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	history := h.provider.History()
	entries := make([]LogEntry, len(history))
	for i, e := range history {
		entries[i] = LogEntry{Type: e.Type.String(), Source: e.Source, Time: e.Time}
	}
	writeJSON(w, LogResponse{Entries: entries})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
