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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/loftsync/internal/ids"
)

// HTTPError is a non-success response from the remote.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthenticated:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// HTTPClient talks to the remote REST API:
//
//	POST /v1/{collection}        create
//	GET  /v1/{collection}/{id}   fetch
//	PUT  /v1/{collection}/{id}   overwrite
//
// where collection is workspaces, folders, or documents. Requests carry the
// session token as a bearer credential. 429 and 5xx responses and transport
// errors are retried with capped exponential backoff.
type HTTPClient struct {
	baseURL    string
	auth       Authenticator
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.httpClient = c }
}

// WithRetries sets the retry budget and backoff bounds.
func WithRetries(retries int, baseDelay, maxDelay time.Duration) HTTPOption {
	return func(h *HTTPClient) {
		h.maxRetries = retries
		h.baseDelay = baseDelay
		h.maxDelay = maxDelay
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPClient) { h.logger = l }
}

// NewHTTPClient creates a client for baseURL.
func NewHTTPClient(baseURL string, auth Authenticator, opts ...HTTPOption) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	c := &HTTPClient{
		baseURL:    baseURL,
		auth:       auth,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

var _ Client = (*HTTPClient)(nil)

func collection(kind ids.Kind) (string, error) {
	switch kind {
	case ids.KindWorkspace:
		return "workspaces", nil
	case ids.KindFolder:
		return "folders", nil
	case ids.KindDocument:
		return "documents", nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
}

// CreateRemote implements Client.
func (c *HTTPClient) CreateRemote(ctx context.Context, e Entity) (Entity, error) {
	coll, err := collection(e.Kind)
	if err != nil {
		return Entity{}, err
	}
	var out Entity
	if err := c.doJSON(ctx, http.MethodPost, "/v1/"+coll, e, &out); err != nil {
		return Entity{}, fmt.Errorf("create %s: %w", e.Kind, err)
	}
	return out, nil
}

// GetRemote implements Client.
func (c *HTTPClient) GetRemote(ctx context.Context, kind ids.Kind, id string) (Entity, error) {
	coll, err := collection(kind)
	if err != nil {
		return Entity{}, err
	}
	var out Entity
	if err := c.doJSON(ctx, http.MethodGet, "/v1/"+coll+"/"+url.PathEscape(id), nil, &out); err != nil {
		return Entity{}, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	return out, nil
}

// UpdateRemote implements Client.
func (c *HTTPClient) UpdateRemote(ctx context.Context, kind ids.Kind, id string, e Entity) (Entity, error) {
	coll, err := collection(kind)
	if err != nil {
		return Entity{}, err
	}
	var out Entity
	if err := c.doJSON(ctx, http.MethodPut, "/v1/"+coll+"/"+url.PathEscape(id), e, &out); err != nil {
		return Entity{}, fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	return out, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	if c.auth == nil {
		return ErrUnauthenticated
	}
	sess, ok := c.auth.Session(ctx)
	if !ok {
		return ErrUnauthenticated
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+sess.Token)
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				c.logger.Debug("remote request failed, retrying", "method", method, "path", requestPath, "attempt", attempt+1, "error", err)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			c.logger.Debug("remote request retryable status", "method", method, "path", requestPath, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsUnauthenticated reports whether err means the session is missing or
// was rejected.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrUnauthenticated)
}

// IsNotFound reports whether err means the remote has no such entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
