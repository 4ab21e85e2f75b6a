package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"debounceWindowMs": 500,
		"retryBaseDelayMs": 250,
		"disableThreshold": 5,
		"eventRetention": "48h"
	}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.DebounceWindowMS != 500 || cfg.RetryBaseDelayMS != 250 || cfg.DisableThreshold != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	retention, err := cfg.Retention()
	if err != nil {
		t.Fatalf("retention parse failed: %v", err)
	}
	if retention != 48*time.Hour {
		t.Fatalf("expected 48h retention, got %s", retention)
	}

	// Partial files are fine; zero values keep current settings.
	empty, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("empty config failed: %v", err)
	}
	if empty.MaxBatchEvents != 0 {
		t.Fatalf("expected zero value, got %d", empty.MaxBatchEvents)
	}
}

func TestParseRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `debounce = 500`},
		{"unknown key", `{"debounceWindowMS": 500}`},
		{"wrong type", `{"debounceWindowMs": "fast"}`},
		{"negative", `{"retryBaseDelayMs": -1}`},
		{"threshold too high", `{"disableThreshold": 1000}`},
		{"bad retention", `{"eventRetention": "two days"}`},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.data)); err == nil {
			t.Fatalf("%s: expected rejection for %s", tc.name, tc.data)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "delivery.json")
	if err := os.WriteFile(path, []byte(`{"debounceWindowMs": 100}`), 0o644); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	updates := make(chan *DeliveryConfig, 4)
	var logMu sync.Mutex
	var logged []string
	watcher, err := Watch(path, func(cfg *DeliveryConfig) {
		updates <- cfg
	}, func(format string, args ...any) {
		logMu.Lock()
		logged = append(logged, format)
		logMu.Unlock()
	})
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(path, []byte(`{"debounceWindowMs": 900}`), 0o644); err != nil {
		t.Fatalf("update write failed: %v", err)
	}
	select {
	case cfg := <-updates:
		if cfg.DebounceWindowMS != 900 {
			t.Fatalf("expected reloaded value 900, got %d", cfg.DebounceWindowMS)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}

	// Invalid writes are skipped and the callback is not invoked.
	if err := os.WriteFile(path, []byte(`{"debounceWindowMs": `), 0o644); err != nil {
		t.Fatalf("broken write failed: %v", err)
	}
	select {
	case cfg := <-updates:
		t.Fatalf("invalid config must not be delivered, got %+v", cfg)
	case <-time.After(200 * time.Millisecond):
	}

	// Atomic replace (write + rename) is picked up as well.
	tmp := filepath.Join(dir, ".delivery.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{"debounceWindowMs": 1200}`), 0o644); err != nil {
		t.Fatalf("tmp write failed: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cfg := <-updates:
			if cfg.DebounceWindowMS == 1200 {
				return
			}
		case <-deadline:
			logMu.Lock()
			joined := strings.Join(logged, "; ")
			logMu.Unlock()
			t.Fatalf("timed out waiting for atomic-replace reload; log: %s", joined)
		}
	}
}
