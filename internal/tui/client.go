package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/ainews/internal/models"
	"github.com/fentz26/ainews/internal/process"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// errUnavailable marks a 503 from the daemon, e.g. no process manager.
var errUnavailable = errors.New("unavailable")

// Client wraps HTTP calls to the ainews daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Health fetches /health. The payload is returned even when the daemon
// reports an unhealthy database.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	if err != nil && !errors.Is(err, errUnavailable) {
		return nil, err
	}
	return &h, nil
}

// ProcessStatus fetches the supervised process status. A daemon without a
// process manager yields (nil, nil).
func (c *Client) ProcessStatus(ctx context.Context) (*process.Status, error) {
	var st process.Status
	if err := c.do(ctx, http.MethodGet, "/process", nil, &st); err != nil {
		if errors.Is(err, errUnavailable) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

// SessionStats fetches session, lock and article counts.
func (c *Client) SessionStats(ctx context.Context) (*models.SessionStats, error) {
	var stats models.SessionStats
	if err := c.do(ctx, http.MethodGet, "/sessions/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Operations fetches the most recent operation log entries.
func (c *Client) Operations(ctx context.Context, limit int) ([]models.OperationRecord, error) {
	var ops []models.OperationRecord
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/operations?limit=%d", limit), nil, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// StartProcess launches the crawl process.
func (c *Client) StartProcess(ctx context.Context, daysBack int, resumeFrom string) error {
	body := map[string]any{"days_back": daysBack, "resume_from": resumeFrom}
	return c.do(ctx, http.MethodPost, "/process/start", body, nil)
}

// PauseProcess suspends the crawl process.
func (c *Client) PauseProcess(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/process/pause", nil, nil)
}

// ResumeProcess continues a paused crawl process.
func (c *Client) ResumeProcess(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/process/resume", nil, nil)
}

// StopProcess terminates the crawl process and reports whether it had to
// be killed.
func (c *Client) StopProcess(ctx context.Context, timeout time.Duration) (bool, error) {
	var res struct {
		Forced bool `json:"forced"`
	}
	body := map[string]any{"timeout_sec": int(timeout.Seconds())}
	if err := c.do(ctx, http.MethodPost, "/process/stop", body, &res); err != nil {
		return false, err
	}
	return res.Forced, nil
}

// EmergencyStop kills every matching process and returns their pids.
func (c *Client) EmergencyStop(ctx context.Context) ([]int32, error) {
	var res struct {
		Killed []int32 `json:"killed_processes"`
	}
	if err := c.do(ctx, http.MethodPost, "/process/emergency-stop", nil, &res); err != nil {
		return nil, err
	}
	return res.Killed, nil
}

// CleanupSessions reaps stale sessions.
func (c *Client) CleanupSessions(ctx context.Context) (*models.CleanupResult, error) {
	var res models.CleanupResult
	if err := c.do(ctx, http.MethodPost, "/sessions/cleanup", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CleanupMemory asks the daemon for a memory cleanup pass.
func (c *Client) CleanupMemory(ctx context.Context) (*process.CleanupResult, error) {
	var res process.CleanupResult
	if err := c.do(ctx, http.MethodPost, "/process/cleanup-memory", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, data, out any) error {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return err
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		if resp.StatusCode == http.StatusServiceUnavailable {
			if out != nil {
				_ = json.Unmarshal(raw, out)
			}
			return fmt.Errorf("%w: %s", errUnavailable, msg)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
