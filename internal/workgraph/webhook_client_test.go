package workgraph

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandshakeRequiresSecretEcho(t *testing.T) {
	var received string
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Get("X-Hook-Secret")
		w.Header().Set("X-Hook-Secret", received)
		w.WriteHeader(http.StatusOK)
	}))
	defer echo.Close()

	client := NewHTTPDeliveryClient(HTTPDeliveryClientOptions{})
	if err := client.Handshake(context.Background(), echo.URL, "s3cret"); err != nil {
		t.Fatalf("handshake against echoing target failed: %v", err)
	}
	if received != "s3cret" {
		t.Fatalf("target saw secret %q", received)
	}

	silent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer silent.Close()
	err := client.Handshake(context.Background(), silent.URL, "s3cret")
	if err == nil || !strings.Contains(err.Error(), "echo") {
		t.Fatalf("expected echo failure, got: %v", err)
	}

	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Hook-Secret", r.Header.Get("X-Hook-Secret"))
		w.WriteHeader(http.StatusForbidden)
	}))
	defer refusing.Close()
	err = client.Handshake(context.Background(), refusing.URL, "s3cret")
	if err == nil || !strings.Contains(err.Error(), "status=403") {
		t.Fatalf("expected status rejection, got: %v", err)
	}
}

func TestDeliverSignsBodyAndReadsRetryAfter(t *testing.T) {
	var gotSignature, gotDeliveryID string
	var gotBody []byte
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Hook-Signature")
		gotDeliveryID = r.Header.Get("X-Delivery-Id")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer target.Close()

	client := NewHTTPDeliveryClient(HTTPDeliveryClientOptions{})
	body := []byte(`{"events":[{"sequence":1}]}`)
	result, err := client.Deliver(context.Background(), target.URL, "s3cret", body)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if result.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", result.StatusCode)
	}
	if result.RetryAfter != 7*time.Second {
		t.Fatalf("expected Retry-After 7s, got %s", result.RetryAfter)
	}
	if string(gotBody) != string(body) {
		t.Fatalf("body altered in flight: %q", gotBody)
	}
	if gotDeliveryID == "" {
		t.Fatalf("expected a delivery id header")
	}
	if !VerifyPayload("s3cret", gotBody, gotSignature) {
		t.Fatalf("signature did not verify against the received body")
	}
	if VerifyPayload("wrong", gotBody, gotSignature) {
		t.Fatalf("signature verified with the wrong secret")
	}
	if VerifyPayload("s3cret", append(gotBody, 'x'), gotSignature) {
		t.Fatalf("signature verified for a tampered body")
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if d := parseRetryAfterSeconds(""); d != 0 {
		t.Fatalf("empty header must parse to zero, got %s", d)
	}
	if d := parseRetryAfterSeconds("12"); d != 12*time.Second {
		t.Fatalf("expected 12s, got %s", d)
	}
	if d := parseRetryAfterSeconds("-3"); d != 0 {
		t.Fatalf("negative value must parse to zero, got %s", d)
	}
	if d := parseRetryAfterSeconds("soon"); d != 0 {
		t.Fatalf("junk must parse to zero, got %s", d)
	}
}
