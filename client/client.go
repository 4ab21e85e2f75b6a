// Package client is the Go consumer for the workgraph HTTP API: typed
// wrappers over the REST surface plus a polling loop that tracks a sync
// cursor across restarts.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrSyncExpired = errors.New("sync token expired")

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

func (e *HTTPError) Is(target error) bool {
	return target == ErrSyncExpired && e.StatusCode == http.StatusPreconditionFailed
}

type ResourceRef struct {
	GID          string `json:"gid"`
	ResourceType string `json:"resourceType"`
}

type ChangeSummary struct {
	Field  string `json:"field,omitempty"`
	Action string `json:"action"`
}

type Event struct {
	WorkspaceGID string         `json:"workspaceGid"`
	Sequence     uint64         `json:"sequence"`
	Resource     ResourceRef    `json:"resource"`
	Action       string         `json:"action"`
	Parent       *ResourceRef   `json:"parent,omitempty"`
	User         *ResourceRef   `json:"user,omitempty"`
	Change       *ChangeSummary `json:"change,omitempty"`
	OccurredAt   string         `json:"occurredAt"`
}

type EventFeed struct {
	Events  []Event `json:"data"`
	Sync    string  `json:"sync"`
	HasMore bool    `json:"hasMore"`
}

type Resource struct {
	GID          string            `json:"gid"`
	ResourceType string            `json:"resourceType"`
	WorkspaceGID string            `json:"workspaceGid"`
	Name         string            `json:"name,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	Version      int64             `json:"version"`
	Deleted      bool              `json:"deleted,omitempty"`
	CreatedAt    string            `json:"createdAt"`
	ModifiedAt   string            `json:"modifiedAt"`
}

type ApplyResult struct {
	Resource *Resource `json:"resource,omitempty"`
	Events   []Event   `json:"events"`
}

type EventFilter struct {
	ResourceType string `json:"resourceType"`
	Action       string `json:"action,omitempty"`
}

type Webhook struct {
	GID                 string        `json:"gid"`
	WorkspaceGID        string        `json:"workspaceGid"`
	ResourceGID         string        `json:"resource"`
	Target              string        `json:"target"`
	State               string        `json:"state"`
	Filters             []EventFilter `json:"filters,omitempty"`
	Active              bool          `json:"active"`
	LastSuccessAt       string        `json:"lastSuccessAt,omitempty"`
	LastFailureAt       string        `json:"lastFailureAt,omitempty"`
	LastFailureContent  string        `json:"lastFailureContent,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

type WebhookRequest struct {
	ResourceGID string        `json:"resource"`
	Target      string        `json:"target"`
	Filters     []EventFilter `json:"filters,omitempty"`
}

type BatchAction struct {
	RelativePath string         `json:"relativePath"`
	Method       string         `json:"method"`
	Data         map[string]any `json:"data,omitempty"`
}

type BatchResult struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) ApplyMutation(ctx context.Context, workspaceGID string, mutation map[string]any) (ApplyResult, error) {
	var out ApplyResult
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/workspaces/%s/mutations", url.PathEscape(workspaceGID)), mutation, &out)
	return out, err
}

func (c *Client) GetResource(ctx context.Context, gid string) (Resource, error) {
	var out struct {
		Data Resource `json:"data"`
	}
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/resources/%s", url.PathEscape(gid)), nil, &out)
	return out.Data, err
}

// GetEvents polls the change feed. An empty sync token establishes a fresh
// cursor at the head of the stream without returning historical events.
func (c *Client) GetEvents(ctx context.Context, resource, sync string, limit int) (EventFeed, error) {
	q := url.Values{}
	if strings.TrimSpace(resource) != "" {
		q.Set("resource", strings.TrimSpace(resource))
	}
	if strings.TrimSpace(sync) != "" {
		q.Set("sync", strings.TrimSpace(sync))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out EventFeed
	err := c.doJSON(ctx, http.MethodGet, "/v1/events?"+q.Encode(), nil, &out)
	return out, err
}

// CreateWebhook registers a subscription. The returned secret is shown only
// here; store it to verify delivery signatures.
func (c *Client) CreateWebhook(ctx context.Context, req WebhookRequest) (Webhook, string, error) {
	var out struct {
		Data   Webhook `json:"data"`
		Secret string  `json:"secret"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/webhooks", req, &out)
	return out.Data, out.Secret, err
}

func (c *Client) ListWebhooks(ctx context.Context, resource string) ([]Webhook, error) {
	q := url.Values{}
	if strings.TrimSpace(resource) != "" {
		q.Set("resource", strings.TrimSpace(resource))
	}
	path := "/v1/webhooks"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out struct {
		Data []Webhook `json:"data"`
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out.Data, err
}

func (c *Client) GetWebhook(ctx context.Context, gid string) (Webhook, error) {
	var out struct {
		Data Webhook `json:"data"`
	}
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/webhooks/%s", url.PathEscape(gid)), nil, &out)
	return out.Data, err
}

func (c *Client) DeleteWebhook(ctx context.Context, gid string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/v1/webhooks/%s", url.PathEscape(gid)), nil, nil)
}

func (c *Client) ReenableWebhook(ctx context.Context, gid string) (Webhook, error) {
	var out struct {
		Data Webhook `json:"data"`
	}
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/webhooks/%s/reenable", url.PathEscape(gid)), nil, &out)
	return out.Data, err
}

func (c *Client) Batch(ctx context.Context, actions []BatchAction) ([]BatchResult, error) {
	body := map[string]any{"actions": actions}
	var out struct {
		Data []BatchResult `json:"data"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/batch", body, &out)
	return out.Data, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
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
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
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
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
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

func correlationID() string {
	return fmt.Sprintf("client_%d", time.Now().UnixNano())
}
