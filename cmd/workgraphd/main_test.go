package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("WORKGRAPH_TEST_INT", "42")
	if got := intEnv("WORKGRAPH_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("WORKGRAPH_TEST_INT_BAD", "not-a-number")
	if got := intEnv("WORKGRAPH_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("WORKGRAPH_TEST_DURATION", "150ms")
	if got := durationEnv("WORKGRAPH_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("WORKGRAPH_TEST_DURATION_BAD", "soon")
	if got := durationEnv("WORKGRAPH_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("WORKGRAPH_TEST_INT_UNSET")
	_ = os.Unsetenv("WORKGRAPH_TEST_DURATION_UNSET")

	if got := intEnv("WORKGRAPH_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := int64Env("WORKGRAPH_TEST_INT_UNSET", 11); got != 11 {
		t.Fatalf("expected fallback 11, got %d", got)
	}
	if got := durationEnv("WORKGRAPH_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestStorageProfileDefaults(t *testing.T) {
	t.Setenv("WORKGRAPH_STORAGE_PROFILE", "")
	t.Setenv("WORKGRAPH_DATA_DIR", "")
	stateDSN, queueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil || stateDSN != "" || queueDSN != "" {
		t.Fatalf("default profile must not pick backends, got %q/%q err=%v", stateDSN, queueDSN, err)
	}

	t.Setenv("WORKGRAPH_STORAGE_PROFILE", "memory")
	stateDSN, queueDSN, err = storageProfileDefaultsFromEnv()
	if err != nil || stateDSN != "memory://" || queueDSN != "memory://" {
		t.Fatalf("memory profile mismatch: %q/%q err=%v", stateDSN, queueDSN, err)
	}

	t.Setenv("WORKGRAPH_STORAGE_PROFILE", "durable-local")
	t.Setenv("WORKGRAPH_DATA_DIR", filepath.Join("var", "workgraph"))
	stateDSN, queueDSN, err = storageProfileDefaultsFromEnv()
	if err != nil {
		t.Fatalf("durable-local profile failed: %v", err)
	}
	if !strings.HasPrefix(stateDSN, "file://") || !strings.Contains(stateDSN, "state.json") {
		t.Fatalf("unexpected state dsn %q", stateDSN)
	}
	if !strings.Contains(queueDSN, "delivery-queue.json") {
		t.Fatalf("unexpected queue dsn %q", queueDSN)
	}

	t.Setenv("WORKGRAPH_STORAGE_PROFILE", "production")
	t.Setenv("WORKGRAPH_PRODUCTION_DSN", "")
	t.Setenv("WORKGRAPH_POSTGRES_DSN", "")
	if _, _, err := storageProfileDefaultsFromEnv(); err == nil {
		t.Fatalf("production profile without a dsn must fail")
	}
	t.Setenv("WORKGRAPH_POSTGRES_DSN", "postgres://db.internal:5432/workgraph")
	stateDSN, queueDSN, err = storageProfileDefaultsFromEnv()
	if err != nil || stateDSN != "postgres://db.internal:5432/workgraph" || queueDSN != stateDSN {
		t.Fatalf("production profile mismatch: %q/%q err=%v", stateDSN, queueDSN, err)
	}

	t.Setenv("WORKGRAPH_STORAGE_PROFILE", "punched-cards")
	if _, _, err := storageProfileDefaultsFromEnv(); err == nil {
		t.Fatalf("unknown profile must be rejected")
	}
}

func TestBuildStorageBackendsFromEnvPrefersExplicitDSN(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WORKGRAPH_STORAGE_PROFILE", "memory")
	t.Setenv("WORKGRAPH_STATE_DSN", "file://"+filepath.Join(dir, "state.json"))
	t.Setenv("WORKGRAPH_STATE_FILE", "")
	t.Setenv("WORKGRAPH_DELIVERY_QUEUE_DSN", "")
	t.Setenv("WORKGRAPH_DELIVERY_QUEUE_SIZE", "")

	stateBackend, deliveryQueue, err := buildStorageBackendsFromEnv()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if stateBackend == nil {
		t.Fatalf("expected a state backend")
	}
	if deliveryQueue == nil {
		t.Fatalf("expected the profile's delivery queue")
	}
	// The explicit DSN wins over the profile for state; the queue falls back
	// to the profile default, an in-memory queue with the default capacity.
	if deliveryQueue.Capacity() <= 0 {
		t.Fatalf("unexpected queue capacity %d", deliveryQueue.Capacity())
	}
}
