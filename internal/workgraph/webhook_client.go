package workgraph

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	headerHookSecret    = "X-Hook-Secret"
	headerHookSignature = "X-Hook-Signature"
	headerDeliveryID    = "X-Delivery-Id"
)

// DeliveryResult is the observed outcome of one send attempt. RetryAfter
// carries the target's own backoff hint when it returned one.
type DeliveryResult struct {
	StatusCode int
	RetryAfter time.Duration
	Latency    time.Duration
}

// DeliveryClient performs the outbound side of the webhook engine: the
// activation handshake and signed payload sends. The engine owns retry and
// failure accounting; a client makes exactly one attempt per call.
type DeliveryClient interface {
	Handshake(ctx context.Context, target, secret string) error
	Deliver(ctx context.Context, target, secret string, body []byte) (*DeliveryResult, error)
}

type HTTPDeliveryClientOptions struct {
	HTTPClient *http.Client
	UserAgent  string
}

type HTTPDeliveryClient struct {
	httpClient *http.Client
	userAgent  string
}

func NewHTTPDeliveryClient(opts HTTPDeliveryClientOptions) *HTTPDeliveryClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "workgraph-webhooks/1"
	}
	return &HTTPDeliveryClient{
		httpClient: httpClient,
		userAgent:  userAgent,
	}
}

// Handshake posts an empty event list carrying the one-time secret. The
// target proves control of its endpoint by echoing the secret header back
// on a 2xx response.
func (c *HTTPDeliveryClient) Handshake(ctx context.Context, target, secret string) error {
	if c == nil {
		return fmt.Errorf("delivery client is nil")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(`{"events":[]}`))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerHookSecret, secret)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("handshake rejected: status=%d", resp.StatusCode)
	}
	if echo := strings.TrimSpace(resp.Header.Get(headerHookSecret)); echo != secret {
		return fmt.Errorf("handshake response did not echo the secret")
	}
	return nil
}

// Deliver sends one signed payload. The signature header is an HMAC-SHA256
// over the raw body with the subscription secret, hex encoded, so receivers
// can verify authenticity before trusting the events.
func (c *HTTPDeliveryClient) Deliver(ctx context.Context, target, secret string, body []byte) (*DeliveryResult, error) {
	if c == nil {
		return nil, fmt.Errorf("delivery client is nil")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerHookSignature, SignPayload(secret, body))
	req.Header.Set(headerDeliveryID, uuid.NewString())
	req.Header.Set("User-Agent", c.userAgent)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return &DeliveryResult{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After")),
		Latency:    time.Since(started),
	}, nil
}

// SignPayload computes the delivery signature for a body. Exported so
// receivers (and tests) verify with the same primitive the sender uses.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload checks a received signature in constant time.
func VerifyPayload(secret string, body []byte, signature string) bool {
	want := SignPayload(secret, body)
	return hmac.Equal([]byte(want), []byte(strings.TrimSpace(signature)))
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
