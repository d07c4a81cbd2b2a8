// Package singleinstance finds a resident host on the control address and
// delegates toggles to it.
package singleinstance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoActiveTab is returned when the resident has no tab to toggle.
var ErrNoActiveTab = errors.New("resident has no active tab")

// Client talks to a resident host.
type Client struct {
	base string
	http *http.Client
}

// NewClient targets the control API at addr (host:port or a full URL).
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: 2 * time.Second}}
}

// Running reports whether a resident answers the health check.
func (c *Client) Running(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// TryToggle asks the resident to toggle selection in its active tab. When
// no resident is found it returns delegated=false and a nil error.
func (c *Client) TryToggle(ctx context.Context) (delegated bool, tab int, err error) {
	if !c.Running(ctx) {
		return false, 0, nil
	}
	tab, err = c.post(ctx, "/v1/tabs/active/toggle")
	return true, tab, err
}

// Toggle asks the resident to toggle selection in a specific tab.
func (c *Client) Toggle(ctx context.Context, tab int) error {
	_, err := c.post(ctx, fmt.Sprintf("/v1/tabs/%d/toggle", tab))
	return err
}

func (c *Client) post(ctx context.Context, path string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("contact resident: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		var body struct {
			Tab int `json:"tab"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return 0, fmt.Errorf("decode resident response: %w", err)
		}
		return body.Tab, nil
	case http.StatusNotFound:
		return 0, ErrNoActiveTab
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return 0, fmt.Errorf("resident returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
