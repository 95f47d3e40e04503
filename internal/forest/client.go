// Package forest is the HTTP client for the long-term archival store.
//
// Facts that clear the sync-eligibility bar get pushed here once; the
// returned reference is stamped onto the fact and never overwritten.
package forest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Record is the payload for one archived fact.
type Record struct {
	Content    string            `json:"content"`
	FactType   string            `json:"type"`
	Confidence float64           `json:"confidence"`
	Tags       []string          `json:"tags,omitempty"`
	Scope      string            `json:"scope"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Config holds archival store connection settings.
type Config struct {
	Endpoint    string
	APIKey      string
	Scope       string // deployment-wide archive scope, stamped on every record
	MaxRetries  int    // retries after the first attempt (default: 1)
	TimeoutSecs int    // per-request timeout (default: 15)
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Scope == "" {
		return fmt.Errorf("scope is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 1
	}
	if c.TimeoutSecs < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if c.TimeoutSecs == 0 {
		c.TimeoutSecs = 15
	}
	return nil
}

// HTTPError represents a non-2xx archival store response.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client pushes records to the archival store.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a forest client with the given configuration.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		http: &http.Client{
			Timeout: time.Duration(config.TimeoutSecs) * time.Second,
		},
	}, nil
}

type archiveResponse struct {
	ID string `json:"id"`
}

const retryBackoff = 500 * time.Millisecond

// Archive pushes one record and returns the store's reference for it. The
// record's Scope is filled from config when empty. 5xx and network errors
// are retried; 4xx other than 429 are terminal.
func (c *Client) Archive(ctx context.Context, rec Record) (string, error) {
	if rec.Content == "" {
		return "", fmt.Errorf("empty content")
	}
	if rec.Scope == "" {
		rec.Scope = c.config.Scope
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		ref, err := c.attemptArchive(ctx, rec)
		if err == nil {
			return ref, nil
		}
		lastErr = err

		if !retryable(err) || attempt == c.config.MaxRetries {
			break
		}

		backoff := retryBackoff << attempt
		if httpErr, ok := err.(*HTTPError); ok && httpErr.StatusCode == http.StatusTooManyRequests && httpErr.RetryAfter > 0 {
			backoff = httpErr.RetryAfter
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}

	return "", fmt.Errorf("archiving record: %w", lastErr)
}

func retryable(err error) bool {
	httpErr, ok := err.(*HTTPError)
	if !ok {
		return true
	}
	return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
}

// attemptArchive makes a single push.
func (c *Client) attemptArchive(ctx context.Context, rec Record) (string, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshaling record: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var retryAfter time.Duration
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return "", &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			RetryAfter: retryAfter,
		}
	}

	var parsed archiveResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parsing response JSON: %w", err)
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("archival store returned no id")
	}
	return parsed.ID, nil
}
