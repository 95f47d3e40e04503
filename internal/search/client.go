// Package search is the HTTP client for the external similarity-search
// backend.
//
// The backend is a black box: POST a query, get back ranked nearest
// neighbors whose IDs are fact IDs in the local store. Callers treat every
// error from Search as "backend unavailable" and fall back to textual
// matching, so this client keeps failure simple: one typed error, bounded
// retries.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"
)

// Match is one nearest neighbor. ID refers to a fact in the local store.
type Match struct {
	ID         int64   `json:"id"`
	FactType   string  `json:"type"`
	Similarity float64 `json:"similarity"`
}

// Config holds similarity backend connection settings.
type Config struct {
	Endpoint    string
	APIKey      string
	MaxRetries  int // retries after the first attempt (default: 1)
	TimeoutSecs int // per-request timeout (default: 10)
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
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
		c.TimeoutSecs = 10
	}
	return nil
}

// HTTPError represents a non-2xx backend response.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client queries the similarity backend.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a search client with the given configuration.
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

type searchRequest struct {
	Query          string  `json:"query"`
	MatchCount     int     `json:"match_count"`
	MatchThreshold float64 `json:"match_threshold"`
}

type searchResponse struct {
	Matches []Match `json:"matches"`
}

// retryBackoff is the base delay between attempts, doubled per attempt.
const retryBackoff = 500 * time.Millisecond

// Search returns up to count neighbors of query with similarity at or above
// threshold, best first. 5xx and network errors are retried; 4xx other than
// 429 are terminal.
func (c *Client) Search(ctx context.Context, query string, count int, threshold float64) ([]Match, error) {
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	if count <= 0 {
		count = 5
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		matches, err := c.attemptSearch(ctx, query, count, threshold)
		if err == nil {
			sort.SliceStable(matches, func(i, j int) bool {
				return matches[i].Similarity > matches[j].Similarity
			})
			return matches, nil
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
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("similarity search: %w", lastErr)
}

// retryable reports whether an attempt error is worth another try. Network
// failures and 5xx/429 responses are; other HTTP statuses are not.
func retryable(err error) bool {
	httpErr, ok := err.(*HTTPError)
	if !ok {
		return true
	}
	return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
}

// attemptSearch makes a single backend call.
func (c *Client) attemptSearch(ctx context.Context, query string, count int, threshold float64) ([]Match, error) {
	body, err := json.Marshal(searchRequest{
		Query:          query,
		MatchCount:     count,
		MatchThreshold: threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var retryAfter time.Duration
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			RetryAfter: retryAfter,
		}
	}

	var parsed searchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	return parsed.Matches, nil
}
