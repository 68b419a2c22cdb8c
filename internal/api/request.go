package api

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rickgao/vmlink/internal/version"
)

// APIError represents a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// response is a fully read HTTP answer.
type response struct {
	body        []byte
	contentType string
}

// rebase swaps the scheme://host:port of link for c.baseURL when one is set.
func (c *Client) rebase(link string) string {
	if c.baseURL == "" {
		return link
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(link, "http://"), "https://")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return strings.TrimSuffix(c.baseURL, "/") + rest[i:]
	}
	return c.baseURL
}

// doRequest performs a single GET.
func (c *Client) doRequest(ctx context.Context, link string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}

	return &response{body: body, contentType: resp.Header.Get("Content-Type")}, nil
}

// doWithRetry performs a GET with exponential backoff retry.
func (c *Client) doWithRetry(ctx context.Context, link string) (*response, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int63n(int64(backoff)+1))
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		resp, err := c.doRequest(ctx, link)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		apiErr, ok := err.(*APIError)
		if !ok || !apiErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Get asks the backend to fetch torrent id, optionally spending a freeleech token.
// The backend answers with a small HTML confirmation page, returned as-is.
func (c *Client) Get(ctx context.Context, id string, useFLToken bool) (string, error) {
	link := c.rebase(GetURL(c.settings, id, useFLToken))
	resp, err := c.doWithRetry(ctx, link)
	if err != nil {
		return "", fmt.Errorf("get torrent %s: %w", id, err)
	}

	c.logger.Info("torrent sent to backend", "id", id, "fltoken", useFLToken)
	return string(resp.body), nil
}

// StatsImage downloads one statistics graph. It returns the image bytes and
// their content type.
func (c *Client) StatsImage(ctx context.Context, filename string) ([]byte, string, error) {
	link := c.rebase(StatsURL(c.settings, filename))
	resp, err := c.doWithRetry(ctx, link)
	if err != nil {
		return nil, "", fmt.Errorf("get stats %s: %w", filename, err)
	}
	return resp.body, resp.contentType, nil
}
