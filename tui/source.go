package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nachoal/stock-agent-go/history"
)

// ProgressSource supplies the data the watcher polls.
type ProgressSource interface {
	LatestRun(ctx context.Context, sessionID string) (*history.TodoRun, error)
	Sessions(ctx context.Context) ([]history.SessionInfo, error)
}

// StoreSource reads a local session store. Pair it with a read-through
// store to see runs written by another process.
type StoreSource struct {
	Store *history.Store
}

func (s StoreSource) LatestRun(ctx context.Context, sessionID string) (*history.TodoRun, error) {
	return s.Store.GetLatestTodoRun(ctx, sessionID)
}

func (s StoreSource) Sessions(ctx context.Context) ([]history.SessionInfo, error) {
	return s.Store.ListSessions(ctx)
}

// HTTPSource polls a running server.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource returns a source for the server at baseURL.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *HTTPSource) LatestRun(ctx context.Context, sessionID string) (*history.TodoRun, error) {
	var run history.TodoRun
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/todo-runs/latest"
	if err := s.get(ctx, path, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *HTTPSource) Sessions(ctx context.Context) ([]history.SessionInfo, error) {
	var body struct {
		Sessions []history.SessionInfo `json:"sessions"`
	}
	if err := s.get(ctx, "/api/sessions", &body); err != nil {
		return nil, err
	}
	return body.Sessions, nil
}

func (s *HTTPSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return history.ErrTodoRunNotFound
	case resp.StatusCode != http.StatusOK:
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
