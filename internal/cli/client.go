// Package cli provides a client for the sync-menu monitor API.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-resty/resty/v2"
)

// Client communicates with the monitor API.
type Client struct {
	serverAddr string
	token      string
	rest       *resty.Client
}

// NewClient creates a new API client.
func NewClient(serverAddr, token string) *Client {
	return &Client{
		serverAddr: serverAddr,
		token:      token,
		rest: resty.New().
			SetBaseURL("http://" + serverAddr).
			SetAuthToken(token).
			SetTimeout(10 * time.Second),
	}
}

// Source is a sync source as reported by the monitor. The cli package
// keeps its own copy of the wire types rather than importing the server.
type Source struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Path      string    `json:"path"`
	DesktopID string    `json:"desktop_id"`
	State     string    `json:"state"`
	Paused    bool      `json:"paused"`
	MenuPath  string    `json:"menu_path"`
	Process   string    `json:"process,omitempty"`
	PID       uint32    `json:"pid,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status is the monitor status.
type Status struct {
	Running     bool      `json:"running"`
	Indicator   string    `json:"indicator"`
	SourceCount int       `json:"source_count"`
	ErrorCount  int       `json:"error_count"`
	StartedAt   time.Time `json:"started_at"`
}

// LogEntry is one source event.
type LogEntry struct {
	Type   string    `json:"type"`
	Source Source    `json:"source"`
	Time   time.Time `json:"time"`
}

// Message is one WebSocket stream message.
type Message struct {
	Type    string   `json:"type"`
	Sources []Source `json:"sources"`
	Source  *Source  `json:"source,omitempty"`
}

// SourcesResponse is the response from the sources endpoint.
type SourcesResponse struct {
	Sources []Source `json:"sources"`
}

// LogResponse is the response from the log endpoint.
type LogResponse struct {
	Entries []LogEntry `json:"entries"`
}

// ErrorResponse is an error response from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Status returns the monitor status.
func (c *Client) Status() (*Status, error) {
	var result Status
	if err := c.getJSON("/api/v1/status", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Sources returns all known sources.
func (c *Client) Sources() ([]Source, error) {
	var result SourcesResponse
	if err := c.getJSON("/api/v1/sources", &result); err != nil {
		return nil, err
	}
	return result.Sources, nil
}

// History returns recent source events, newest first.
func (c *Client) History() ([]LogEntry, error) {
	var result LogResponse
	if err := c.getJSON("/api/v1/log", &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// Pause pauses a source by id, id prefix or desktop id.
func (c *Client) Pause(ref string) (*Source, error) {
	return c.setPaused(ref, true)
}

// Resume resumes a source by id, id prefix or desktop id.
func (c *Client) Resume(ref string) (*Source, error) {
	return c.setPaused(ref, false)
}

func (c *Client) setPaused(ref string, paused bool) (*Source, error) {
	src, err := c.Resolve(ref)
	if err != nil {
		return nil, err
	}

	body := map[string]any{"id": src.ID, "paused": paused}
	if err := c.check(c.rest.R().SetBody(body).SetError(&ErrorResponse{}).Post("/api/v1/sources/pause")); err != nil {
		return nil, err
	}
	return src, nil
}

// Resolve finds the single source matching ref: an exact id, a desktop id
// with or without the .desktop suffix, or an id prefix.
func (c *Client) Resolve(ref string) (*Source, error) {
	sources, err := c.Sources()
	if err != nil {
		return nil, err
	}

	var matches []Source
	for _, src := range sources {
		if src.ID == ref {
			return &src, nil
		}
		if src.DesktopID == ref || strings.TrimSuffix(src.DesktopID, ".desktop") == ref ||
			strings.HasPrefix(src.ID, ref) {
			matches = append(matches, src)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no source found matching: %s", ref)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous source %q matches %d sources", ref, len(matches))
	}
}

// Watch streams monitor messages to fn until ctx is done or the stream
// ends. The first message is always a snapshot.
func (c *Client) Watch(ctx context.Context, fn func(Message)) error {
	conn, _, err := websocket.Dial(ctx, "ws://"+c.serverAddr+"/api/v1/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}},
	})
	if err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		fn(msg)
	}
}

func (c *Client) getJSON(path string, v any) error {
	return c.check(c.rest.R().SetResult(v).SetError(&ErrorResponse{}).Get(path))
}

// check turns a transport failure or a non-2xx response into an error,
// preferring the server's error message.
func (c *Client) check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	if errResp, ok := resp.Error().(*ErrorResponse); ok && errResp.Error != "" {
		return fmt.Errorf("%s", errResp.Error)
	}
	return fmt.Errorf("request failed: %s", resp.Status())
}
