// Package remote is the HTTP client for the proctoring backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sentinel errors matched with errors.Is against *APIError.
var (
	ErrUnauthorized       = errors.New("backend rejected credentials")
	ErrNotFound           = errors.New("resource not found")
	ErrAttemptConflict    = errors.New("attempt already exists for this exam")
	ErrAlreadySubmitted   = errors.New("attempt already submitted")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// APIError is a non-2xx reply from the backend.
type APIError struct {
	Op     string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: backend returned %d", e.Op, e.Status)
}

// Is maps status codes and known details onto the package sentinels.
func (e *APIError) Is(target error) bool {
	detail := strings.ToLower(e.Detail)
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrAlreadySubmitted:
		return (e.Status == http.StatusBadRequest || e.Status == http.StatusConflict) &&
			strings.Contains(detail, "already submitted")
	case ErrAttemptConflict:
		return e.Status == http.StatusConflict ||
			(e.Status == http.StatusBadRequest && strings.Contains(detail, "in progress"))
	case ErrBackendUnavailable:
		return e.Status >= 500
	}
	return false
}

// Client talks to the backend's REST API. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a client rooted at baseURL (".../api/v1").
func NewClient(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "remote").Logger(),
	}
}

// WithToken returns a copy of the client authenticating with token.
func (c *Client) WithToken(token string) *Client {
	return &Client{baseURL: c.baseURL, http: c.http, log: c.log, token: token}
}

// Token returns the bearer token in use.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the bearer token for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// ChannelURL returns the WebSocket URL of an attempt's proctoring channel.
func (c *Client) ChannelURL(attemptID uuid.UUID) (string, error) {
	u, err := url.Parse(c.baseURL + "/monitor/enhanced/ws/proctoring/" + attemptID.String())
	if err != nil {
		return "", fmt.Errorf("parse channel url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if token := c.Token(); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// AuthHeader returns the headers carrying the bearer token.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if token := c.Token(); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

func (c *Client) getJSON(ctx context.Context, op, path string, out interface{}) error {
	return c.doJSON(ctx, op, http.MethodGet, path, nil, out)
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out interface{}) error {
	return c.doJSON(ctx, op, http.MethodPost, path, in, out)
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op string, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("op", op).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Backend call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: op, Status: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// readDetail extracts FastAPI-style {"detail": "..."} bodies, falling back to
// the raw text.
func readDetail(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var env struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(b, &env); err == nil && len(env.Detail) > 0 {
		var s string
		if json.Unmarshal(env.Detail, &s) == nil {
			return s
		}
		return string(env.Detail)
	}
	return strings.TrimSpace(string(b))
}
