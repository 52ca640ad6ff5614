package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fivegen/aquariuslocation/internal/storage"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

// Client talks to a running host's control surface.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a new API client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Healthcheck checks if the host is reachable.
func (c *Client) Healthcheck() error {
	resp, err := c.httpClient.Get(c.baseURL + "/healthcheck")
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// Status fetches the coordinator status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// SessionCommand runs start, stop or reset.
func (c *Client) SessionCommand(ctx context.Context, action string) error {
	return c.do(ctx, http.MethodPost, "/api/session/"+url.PathEscape(action), nil, nil)
}

// Settings fetches the stored settings as text fields.
func (c *Client) Settings(ctx context.Context) (SettingsResponse, error) {
	var out SettingsResponse
	err := c.do(ctx, http.MethodGet, "/api/settings", nil, &out)
	return out, err
}

// ApplySettings edits the given fields, saves and restarts the session.
func (c *Client) ApplySettings(ctx context.Context, values map[string]string) error {
	return c.do(ctx, http.MethodPost, "/api/settings", values, nil)
}

// Revisions lists applied settings snapshots, newest first.
func (c *Client) Revisions(ctx context.Context, limit int) ([]storage.Revision, error) {
	var out []storage.Revision
	path := fmt.Sprintf("/api/settings/revisions?limit=%d", limit)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ClearHistory deletes every stored fix.
func (c *Client) ClearHistory(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/history", nil, nil)
}

// History fetches the stored fixes, oldest first.
func (c *Client) History(ctx context.Context) ([]core.Fix, error) {
	var fc featureCollection
	if err := c.do(ctx, http.MethodGet, "/api/history", nil, &fc); err != nil {
		return nil, err
	}
	fixes := make([]core.Fix, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f.Geometry.Type != "Point" {
			continue
		}
		var xy []float64
		if err := json.Unmarshal(f.Geometry.Coordinates, &xy); err != nil || len(xy) < 2 {
			continue
		}
		fix := core.Fix{Longitude: xy[0], Latitude: xy[1]}
		if v, ok := f.Properties["observedAt"].(string); ok {
			fix.ObservedAt, _ = time.Parse(time.RFC3339Nano, v)
		}
		if v, ok := f.Properties["altitude"].(float64); ok {
			fix.Altitude = v
		}
		if v, ok := f.Properties["accuracy"].(float64); ok {
			fix.Accuracy = float32(v)
		}
		if v, ok := f.Properties["provider"].(string); ok {
			fix.Provider = v
		}
		fixes = append(fixes, fix)
	}
	return fixes, nil
}

type featureCollection struct {
	Features []struct {
		Geometry struct {
			Type        string          `json:"type"`
			Coordinates json.RawMessage `json:"coordinates"`
		} `json:"geometry"`
		Properties map[string]any `json:"properties"`
	} `json:"features"`
}

// Log fetches the rendered event log.
func (c *Client) Log(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/log", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("log request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("log returned status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read log: %w", err)
	}
	return string(b), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
