// Package config loads the delivery-policy configuration file, validates it
// against an embedded JSON schema, and watches it for changes so the daemon
// can retune webhook delivery without a restart.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const deliverySchemaURL = "workgraph://schemas/delivery-config.json"

const deliverySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"debounceWindowMs":  {"type": "integer", "minimum": 0},
		"retryBaseDelayMs":  {"type": "integer", "minimum": 0},
		"retryMaxDelayMs":   {"type": "integer", "minimum": 0},
		"disableThreshold":  {"type": "integer", "minimum": 0, "maximum": 100},
		"handshakeTimeoutMs": {"type": "integer", "minimum": 0},
		"deliveryTimeoutMs": {"type": "integer", "minimum": 0},
		"maxBatchEvents":    {"type": "integer", "minimum": 0, "maximum": 10000},
		"eventRetention":    {"type": "string"}
	}
}`

// DeliveryConfig mirrors the config file. Zero values mean "keep the
// current setting", so partial files are valid.
type DeliveryConfig struct {
	DebounceWindowMS   int    `json:"debounceWindowMs"`
	RetryBaseDelayMS   int    `json:"retryBaseDelayMs"`
	RetryMaxDelayMS    int    `json:"retryMaxDelayMs"`
	DisableThreshold   int    `json:"disableThreshold"`
	HandshakeTimeoutMS int    `json:"handshakeTimeoutMs"`
	DeliveryTimeoutMS  int    `json:"deliveryTimeoutMs"`
	MaxBatchEvents     int    `json:"maxBatchEvents"`
	EventRetention     string `json:"eventRetention"`
}

func (c *DeliveryConfig) Retention() (time.Duration, error) {
	if c == nil || strings.TrimSpace(c.EventRetention) == "" {
		return 0, nil
	}
	return time.ParseDuration(strings.TrimSpace(c.EventRetention))
}

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(deliverySchema))
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema is not valid JSON: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(deliverySchemaURL, doc); err != nil {
		panic(fmt.Sprintf("config: embedded schema rejected: %v", err))
	}
	schema, err := compiler.Compile(deliverySchemaURL)
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema does not compile: %v", err))
	}
	return schema
}

// Load reads and validates the config file. The schema check runs before
// unmarshalling so a typo'd key or wrong type is reported with the schema's
// diagnostics rather than silently ignored.
func Load(path string) (*DeliveryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*DeliveryConfig, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config is not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("config failed schema validation: %w", err)
	}
	var cfg DeliveryConfig
	if err := unmarshalStrict(data, &cfg); err != nil {
		return nil, err
	}
	if _, err := cfg.Retention(); err != nil {
		return nil, fmt.Errorf("config eventRetention is not a duration: %w", err)
	}
	return &cfg, nil
}

func unmarshalStrict(data []byte, out *DeliveryConfig) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config did not decode: %w", err)
	}
	return nil
}

// Watch re-loads the file whenever it is written or replaced and hands the
// validated result to onChange. Invalid intermediate writes are logged and
// skipped; the previous settings stay in force.
func Watch(path string, onChange func(*DeliveryConfig), logf func(format string, args ...any)) (*fsnotify.Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config watch requires an onChange callback")
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and atomic writers replace the file,
	// which would orphan a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logf("config: reload of %s skipped: %v", path, err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logf("config: watcher error: %v", err)
			}
		}
	}()
	return watcher, nil
}
