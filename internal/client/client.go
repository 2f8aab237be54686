// Package client provides an HTTP client for the structcap server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/structcap/internal/metrics"
	"github.com/raphaelgruber/structcap/internal/models"
)

var (
	// ErrJobRunning is returned by Start when the server already runs a job.
	ErrJobRunning = errors.New("job already running")
	// ErrNoJob is returned by Watch when the server has never run a job.
	ErrNoJob = errors.New("no job has been started")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error: %d - %s", e.StatusCode, e.Message)
}

// Client talks to the structcap server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new client.
// If baseURL is empty, uses STRUCTCAP_SERVER_URL env var or defaults to localhost:8484.
// Timeout can be configured via STRUCTCAP_CLIENT_TIMEOUT env var (default 30s).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("STRUCTCAP_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8484"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("STRUCTCAP_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// do sends a request and decodes a JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp models.ErrorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if result == nil {
		return nil
	}
	if raw, ok := result.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// Start asks the server to start a job.
func (c *Client) Start(ctx context.Context, req models.StartRequest) (*models.StartResponse, error) {
	var resp models.StartResponse
	err := c.do(ctx, http.MethodPost, "/api/run", nil, req, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return nil, ErrJobRunning
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop asks the server to stop the running job and returns the reported status.
func (c *Client) Stop(ctx context.Context) (string, error) {
	var resp models.StopResponse
	if err := c.do(ctx, http.MethodPost, "/api/stop", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Status returns the current or most recent job.
func (c *Client) Status(ctx context.Context) (*models.JobStatus, error) {
	var status models.JobStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Run is a persisted job run as returned by the server.
type Run struct {
	ID          string               `json:"id"`
	Kind        string               `json:"kind"`
	State       string               `json:"state"`
	ParentDir   string               `json:"parent_dir"`
	Model       string               `json:"model"`
	ExitCode    *int                 `json:"exit_code,omitempty"`
	Error       *string              `json:"error,omitempty"`
	Summary     *models.BatchSummary `json:"summary,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// Jobs lists recent job runs from the server's history.
func (c *Client) Jobs(ctx context.Context, limit int) ([]Run, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var runs []Run
	if err := c.do(ctx, http.MethodGet, "/api/jobs", q, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Stats returns the server's runtime statistics.
func (c *Client) Stats(ctx context.Context) (*metrics.Snapshot, error) {
	var snap metrics.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func parentQuery(parentDir string) url.Values {
	q := url.Values{}
	if parentDir != "" {
		q.Set("parent_dir", parentDir)
	}
	return q
}

// Folders lists the items under parentDir (the server default when empty).
func (c *Client) Folders(ctx context.Context, parentDir string) ([]models.Item, error) {
	var items []models.Item
	if err := c.do(ctx, http.MethodGet, "/api/folders", parentQuery(parentDir), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Images returns preview images of an item, downscaled to thumb pixels when thumb > 0.
func (c *Client) Images(ctx context.Context, uid, parentDir string, thumb int) ([]models.ImageData, error) {
	q := parentQuery(parentDir)
	if thumb > 0 {
		q.Set("thumb", strconv.Itoa(thumb))
	}
	var images []models.ImageData
	if err := c.do(ctx, http.MethodGet, "/api/images/"+url.PathEscape(uid), q, nil, &images); err != nil {
		return nil, err
	}
	return images, nil
}

// Output returns an item's persisted structured output.
func (c *Client) Output(ctx context.Context, uid, parentDir string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/output/"+url.PathEscape(uid), parentQuery(parentDir), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Templates lists the template files known to the server.
func (c *Client) Templates(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.do(ctx, http.MethodGet, "/api/templates", nil, nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// Template returns one template file's content.
func (c *Client) Template(ctx context.Context, name string) (models.Template, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/templates/"+url.PathEscape(name), nil, nil, &raw); err != nil {
		return nil, err
	}
	return models.ParseTemplate(raw)
}

// Watch follows the job's progress over a websocket, calling onEvent for every
// event including pings. It returns the terminal event. Return an error from
// onEvent to abort.
func (c *Client) Watch(ctx context.Context, onEvent func(models.Event) error) (models.Event, error) {
	wsEndpoint := c.baseURL + "/api/progress/ws"
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsEndpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return models.Event{}, ErrNoJob
		}
		return models.Event{}, fmt.Errorf("websocket connect: %w", err)
	}

	// Track connection state for proper cleanup
	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return models.Event{}, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return models.Event{}, errors.New("stream closed before the job finished")
			}
			return models.Event{}, fmt.Errorf("read message: %w", err)
		}

		if onEvent != nil {
			if err := onEvent(ev); err != nil {
				return ev, err
			}
		}
		if ev.Terminal() {
			return ev, nil
		}
	}
}
