package rest

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
	"sync/atomic"
	"time"
)

const (
	defaultFailThreshold    = 3
	defaultEndpointCooldown = 10 * time.Second
)

var ErrUnauthorized = errors.New("session expired, please login again")

// StatusError is a non-2xx answer from the service. Message carries the
// server's detail text so callers can match on it.
type StatusError struct {
	Status  int
	Method  string
	Path    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s failed with status %d", e.Method, e.Path, e.Status)
}

func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

type TokenFunc func() (string, error)

type Options struct {
	Endpoints        []string
	HTTPClient       *http.Client
	Token            TokenFunc
	FailThreshold    int
	EndpointCooldown time.Duration
}

// Client talks JSON to the plan service. Requests rotate over the configured
// endpoints; an endpoint that fails FailThreshold times in a row on transport
// or 5xx errors is skipped for EndpointCooldown.
type Client struct {
	endpoints []string
	http      *http.Client
	token     TokenFunc
	next      uint32

	failThreshold    int
	endpointCooldown time.Duration

	mu         sync.Mutex
	failureCnt map[string]int
	cooldownTo map[string]time.Time
}

func NewClient(opts Options) *Client {
	normalized := normalizeEndpoints(opts.Endpoints)
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	failThreshold := opts.FailThreshold
	if failThreshold <= 0 {
		failThreshold = defaultFailThreshold
	}
	cooldown := opts.EndpointCooldown
	if cooldown <= 0 {
		cooldown = defaultEndpointCooldown
	}
	return &Client{
		endpoints:        normalized,
		http:             httpClient,
		token:            opts.Token,
		failThreshold:    failThreshold,
		endpointCooldown: cooldown,
		failureCnt:       make(map[string]int, len(normalized)),
		cooldownTo:       make(map[string]time.Time, len(normalized)),
	}
}

func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, payload any, out any) error {
	return c.Do(ctx, http.MethodPost, path, nil, payload, out)
}

func (c *Client) Patch(ctx context.Context, path string, payload any, out any) error {
	return c.Do(ctx, http.MethodPatch, path, nil, payload, out)
}

func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodDelete, path, nil, nil, out)
}

func (c *Client) Do(ctx context.Context, method, path string, query url.Values, payload any, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("api endpoint is not configured")
	}
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = b
	}
	normalizedPath := path
	if !strings.HasPrefix(normalizedPath, "/") {
		normalizedPath = "/" + normalizedPath
	}
	if len(query) > 0 {
		normalizedPath += "?" + query.Encode()
	}

	var token string
	if c.token != nil {
		t, err := c.token()
		if err != nil {
			return err
		}
		token = t
	}

	start := int(atomic.AddUint32(&c.next, 1)-1) % len(c.endpoints)
	var lastErr error
	for offset := 0; offset < len(c.endpoints); offset++ {
		endpoint := c.endpoints[(start+offset)%len(c.endpoints)]
		if c.isCoolingDown(endpoint, time.Now()) {
			continue
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, endpoint+normalizedPath, reader)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("api request failed endpoint=%s: %w", endpoint, doErr)
			c.onFailure(endpoint, time.Now())
			continue
		}

		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 {
			lastErr = newStatusError(method, path, resp.StatusCode, raw)
			c.onFailure(endpoint, time.Now())
			// the endpoint may have applied a mutation before failing
			if !replayable(method) {
				return lastErr
			}
			continue
		}
		c.onSuccess(endpoint)
		if resp.StatusCode >= 300 {
			return newStatusError(method, path, resp.StatusCode, raw)
		}
		if readErr != nil {
			return readErr
		}
		if out == nil || len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		return json.Unmarshal(raw, out)
	}

	if lastErr == nil {
		return fmt.Errorf("api request failed: all endpoints cooling down")
	}
	return lastErr
}

func replayable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func newStatusError(method, path string, status int, raw []byte) *StatusError {
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(raw, &payload)
	message := payload.Detail
	if message == "" {
		message = payload.Error
	}
	if message == "" {
		message = payload.Message
	}
	if message == "" && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
		message = ErrUnauthorized.Error()
	}
	return &StatusError{Status: status, Method: method, Path: path, Message: message}
}

func normalizeEndpoints(endpoints []string) []string {
	result := make([]string, 0, len(endpoints))
	seen := map[string]struct{}{}
	for _, endpoint := range endpoints {
		normalized := strings.TrimRight(strings.TrimSpace(endpoint), "/")
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

func (c *Client) isCoolingDown(endpoint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldownTo[endpoint]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(c.cooldownTo, endpoint)
		return false
	}
	return true
}

func (c *Client) onFailure(endpoint string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := c.failureCnt[endpoint] + 1
	c.failureCnt[endpoint] = count
	if count >= c.failThreshold {
		c.cooldownTo[endpoint] = now.Add(c.endpointCooldown)
		c.failureCnt[endpoint] = 0
	}
}

func (c *Client) onSuccess(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCnt[endpoint] = 0
	delete(c.cooldownTo, endpoint)
}
