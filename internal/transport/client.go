package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Client is the HTTP implementation of BSOTransport. It authenticates
// with a bearer token sourced from an oauth2.TokenSource (the access
// token itself is an external-collaborator responsibility) and retries
// on the status codes isRetryable names.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokenSource oauth2.TokenSource
	logger      *slog.Logger
	maxRetries  int
}

var _ BSOTransport = (*Client)(nil)

// NewClient creates an HTTP BSOTransport against baseURL, authenticating
// every request with a token drawn from tokenSource.
func NewClient(baseURL string, tokenSource oauth2.TokenSource, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		tokenSource: tokenSource,
		logger:      logger,
		maxRetries:  5,
	}
}

func (c *Client) InfoCollections(ctx context.Context) ([]CollectionInfo, error) {
	var raw map[string]int64

	if err := c.doJSON(ctx, http.MethodGet, "/info/collections", nil, &raw); err != nil {
		return nil, err
	}

	out := make([]CollectionInfo, 0, len(raw))
	for name, modified := range raw {
		out = append(out, CollectionInfo{Name: name, LastModified: modified})
	}

	return out, nil
}

func (c *Client) FetchMetaGlobal(ctx context.Context) (string, string, error) {
	var bso BSO

	if err := c.doJSON(ctx, http.MethodGet, "/storage/meta/global", nil, &bso); err != nil {
		return "", "", err
	}

	var meta struct {
		SyncID string `json:"syncID"`
	}

	if err := json.Unmarshal([]byte(bso.Payload), &meta); err != nil {
		return "", "", fmt.Errorf("transport: decoding meta/global payload: %w", err)
	}

	return bso.Payload, meta.SyncID, nil
}

func (c *Client) FetchCryptoKeys(ctx context.Context) (string, error) {
	var bso BSO
	if err := c.doJSON(ctx, http.MethodGet, "/storage/crypto/keys", nil, &bso); err != nil {
		return "", err
	}

	return bso.Payload, nil
}

func (c *Client) FetchPage(ctx context.Context, collection string, since int64, token string) ([]BSO, string, error) {
	q := url.Values{}
	q.Set("newer", strconv.FormatInt(since, 10))
	q.Set("full", "1")
	q.Set("sort", "newest")

	if token != "" {
		q.Set("offset", token)
	}

	path := fmt.Sprintf("/storage/%s?%s", collection, q.Encode())

	var records []BSO
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, "", err
	}

	const pageSize = 1000

	nextToken := ""
	if len(records) == pageSize {
		nextToken = strconv.FormatInt(records[len(records)-1].Modified, 10)
	}

	return records, nextToken, nil
}

func (c *Client) PutBatch(ctx context.Context, collection string, batch Batch) (BatchResult, error) {
	var result BatchResult

	path := fmt.Sprintf("/storage/%s?batch=true&commit=true", collection)
	if err := c.doJSON(ctx, http.MethodPost, path, batch.Records, &result); err != nil {
		return BatchResult{}, err
	}

	return result, nil
}

func (c *Client) Delete(ctx context.Context, collection string, ids []string) error {
	path := fmt.Sprintf("/storage/%s", collection)
	if len(ids) > 0 {
		q := url.Values{}
		q.Set("ids", joinIDs(ids))
		path += "?" + q.Encode()
	}

	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}

		out += id
	}

	return out
}

// doJSON performs one HTTP round trip with retry/backoff over
// isRetryable status codes.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var bodyBytes []byte

	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: encoding request body: %w", err)
		}

		bodyBytes = b
	}

	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.waitBackoff(ctx, attempt, lastErr); err != nil {
				return err
			}
		}

		resp, err := c.doOnce(ctx, method, path, bodyBytes)
		if err != nil {
			lastErr = err

			if !isRetryableErr(err) {
				return err
			}

			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp, out); err != nil {
				return fmt.Errorf("transport: decoding response body: %w", err)
			}
		}

		return nil
	}

	return fmt.Errorf("transport: exhausted %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	tok, err := c.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("transport: obtaining token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: building request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: reading response body: %w", err)
	}

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("X-Request-Id"),
			Message:    string(data),
			Err:        sentinel,
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			if ra, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil {
				httpErr.RetryAfter = ra
			}
		}

		return nil, httpErr
	}

	return data, nil
}

func (c *Client) waitBackoff(ctx context.Context, attempt int, lastErr error) error {
	delay := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond

	var httpErr *HTTPError
	if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > 0 {
		delay = time.Duration(httpErr.RetryAfter) * time.Second
	}

	c.logger.Debug("retrying transport request", slog.Int("attempt", attempt), slog.Duration("delay", delay))

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isRetryableErr(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return isRetryable(httpErr.StatusCode)
	}

	return true // network-level errors (timeouts, connection reset) are retried
}
