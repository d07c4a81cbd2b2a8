package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"codeocr/src/screenshot"
)

// ErrUnreachable wraps transport failures talking to the recognition server.
var ErrUnreachable = errors.New("recognition server unreachable")

// Kind classifies non-2xx responses.
type Kind int

const (
	KindClient Kind = iota
	KindAuth
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindServer:
		return "server"
	}
	return "client"
}

// ServerError is a non-2xx response from the recognition server.
type ServerError struct {
	Status  int
	Kind    Kind
	Message string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("recognition server returned %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("recognition server returned %d (%s)", e.Status, e.Kind)
}

// Classify maps an HTTP status to a Kind.
func Classify(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 500:
		return KindServer
	}
	return KindClient
}

// Request is the wire shape sent to the recognition server.
type Request struct {
	ImageData string `json:"image_data"`
	Prompt    string `json:"prompt"`
}

// Response is the wire shape returned by the recognition server.
type Response struct {
	ResultText *string `json:"result_text,omitempty"`
	Message    string  `json:"message,omitempty"`
}

type Config struct {
	Endpoint    string
	ExtensionID string
	APIKey      string
	MaxAttempts int
	RetryDelay  time.Duration
	HTTPClient  *http.Client
}

const (
	defaultAttempts = 3
	initialDelay    = 1 * time.Second
	fallbackText    = "Processing failed."
)

// Client submits cropped images to the recognition server.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = initialDelay
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 45 * time.Second}
	}
	return &Client{cfg: cfg, http: hc}
}

// Endpoint returns the configured server URL.
func (c *Client) Endpoint() string { return c.cfg.Endpoint }

// Recognize sends a PNG crop with its prompt and returns the result text.
// Unreachable and 5xx failures are retried; other errors return at once.
func (c *Client) Recognize(ctx context.Context, png []byte, prompt string) (string, error) {
	if c.cfg.Endpoint == "" {
		return "", fmt.Errorf("recognition endpoint is not configured")
	}
	body, err := json.Marshal(Request{ImageData: screenshot.EncodeDataURL(png), Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(c.cfg.RetryDelay) * (1.5 * float64(attempt)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := c.post(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
		log.Warnf("Recognize: attempt %d/%d failed: %v", attempt+1, c.cfg.MaxAttempts, err)
	}
	return "", lastErr
}

func retryable(err error) bool {
	if errors.Is(err, ErrUnreachable) {
		return true
	}
	var se *ServerError
	return errors.As(err, &se) && se.Kind == KindServer
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.cfg.ExtensionID != "" {
		req.Header.Set("X-Extension-ID", c.cfg.ExtensionID)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrUnreachable, err)
	}
	var parsed Response
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Errorf("Recognize: request %s failed with status %d: %s", requestID, resp.StatusCode, truncate(string(raw), 500))
		return "", &ServerError{Status: resp.StatusCode, Kind: Classify(resp.StatusCode), Message: parsed.Message}
	}
	if decodeErr != nil {
		return "", fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	log.Debugf("Recognize: request %s succeeded", requestID)
	switch {
	case parsed.ResultText != nil:
		return *parsed.ResultText, nil
	case parsed.Message != "":
		return parsed.Message, nil
	}
	return fallbackText, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Ping checks that the recognition server answers HTTP at all. Any status
// counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c.cfg.Endpoint == "" {
		return fmt.Errorf("recognition endpoint is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp.Body.Close()
	return nil
}
