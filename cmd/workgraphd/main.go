package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/workgraph-io/workgraph/internal/config"
	"github.com/workgraph-io/workgraph/internal/httpapi"
	"github.com/workgraph-io/workgraph/internal/workgraph"
)

func main() {
	addr := os.Getenv("WORKGRAPH_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	stateBackend, deliveryQueue, err := buildStorageBackendsFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage backends: %v", err)
	}

	store := workgraph.NewStoreWithOptions(workgraph.StoreOptions{
		StateBackend:           stateBackend,
		StateFile:              os.Getenv("WORKGRAPH_STATE_FILE"),
		DeliveryQueue:          deliveryQueue,
		DeliveryQueueSize:      intEnv("WORKGRAPH_DELIVERY_QUEUE_SIZE", 0),
		DeliveryWorkers:        intEnv("WORKGRAPH_DELIVERY_WORKERS", 0),
		MaxOutboundConcurrency: intEnv("WORKGRAPH_MAX_OUTBOUND_CONCURRENCY", 0),
		EventRetention:         durationEnv("WORKGRAPH_EVENT_RETENTION", 0),
		CursorSecret:           os.Getenv("WORKGRAPH_CURSOR_SECRET"),
		PageLimit:              intEnv("WORKGRAPH_PAGE_LIMIT", 0),
		BackendProfile:         strings.TrimSpace(os.Getenv("WORKGRAPH_STORAGE_PROFILE")),
		Policy: workgraph.DeliveryPolicy{
			DebounceWindow:   durationEnv("WORKGRAPH_DEBOUNCE_WINDOW", 0),
			RetryBaseDelay:   durationEnv("WORKGRAPH_RETRY_BASE_DELAY", 0),
			RetryMaxDelay:    durationEnv("WORKGRAPH_RETRY_MAX_DELAY", 0),
			DisableThreshold: intEnv("WORKGRAPH_DISABLE_THRESHOLD", 0),
			HandshakeTimeout: durationEnv("WORKGRAPH_HANDSHAKE_TIMEOUT", 0),
			DeliveryTimeout:  durationEnv("WORKGRAPH_DELIVERY_TIMEOUT", 0),
			MaxBatchEvents:   intEnv("WORKGRAPH_MAX_BATCH_EVENTS", 0),
		},
	})
	defer store.Close()

	if configFile := strings.TrimSpace(os.Getenv("WORKGRAPH_CONFIG_FILE")); configFile != "" {
		if err := applyConfigFile(store, configFile); err != nil {
			log.Fatalf("failed to load config file: %v", err)
		}
		watcher, err := config.Watch(configFile, func(cfg *config.DeliveryConfig) {
			applyDeliveryConfig(store, cfg)
			log.Printf("reloaded delivery config from %s", configFile)
		}, log.Printf)
		if err != nil {
			log.Fatalf("failed to watch config file: %v", err)
		}
		defer watcher.Close()
	}

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:        os.Getenv("WORKGRAPH_JWT_SECRET"),
		RateLimitMax:     intEnv("WORKGRAPH_RATE_LIMIT_MAX", 0),
		RateLimitWindow:  durationEnv("WORKGRAPH_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:     int64Env("WORKGRAPH_MAX_BODY_BYTES", 0),
		BatchMaxItems:    intEnv("WORKGRAPH_BATCH_MAX_ITEMS", 0),
		BatchFanOut:      intEnv("WORKGRAPH_BATCH_FAN_OUT", 0),
		BatchItemTimeout: durationEnv("WORKGRAPH_BATCH_ITEM_TIMEOUT", 0),
	})

	log.Printf("workgraphd listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func applyConfigFile(store *workgraph.Store, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	applyDeliveryConfig(store, cfg)
	return nil
}

func applyDeliveryConfig(store *workgraph.Store, cfg *config.DeliveryConfig) {
	store.UpdateDeliveryPolicy(workgraph.DeliveryPolicy{
		DebounceWindow:   time.Duration(cfg.DebounceWindowMS) * time.Millisecond,
		RetryBaseDelay:   time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
		RetryMaxDelay:    time.Duration(cfg.RetryMaxDelayMS) * time.Millisecond,
		DisableThreshold: cfg.DisableThreshold,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMS) * time.Millisecond,
		DeliveryTimeout:  time.Duration(cfg.DeliveryTimeoutMS) * time.Millisecond,
		MaxBatchEvents:   cfg.MaxBatchEvents,
	})
	if retention, err := cfg.Retention(); err == nil && retention > 0 {
		store.UpdateEventRetention(retention)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func buildStorageBackendsFromEnv() (workgraph.StateBackend, workgraph.DeliveryQueue, error) {
	profileStateDSN, profileQueueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}

	stateDSN := strings.TrimSpace(os.Getenv("WORKGRAPH_STATE_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("WORKGRAPH_STATE_FILE"))
	var stateBackend workgraph.StateBackend
	switch {
	case stateDSN != "":
		stateBackend, err = workgraph.BuildStateBackendFromDSN(stateDSN)
	case stateFile != "":
		stateBackend, err = workgraph.BuildStateBackendFromDSN(stateFile)
	case profileStateDSN != "":
		stateBackend, err = workgraph.BuildStateBackendFromDSN(profileStateDSN)
	}
	if err != nil {
		return nil, nil, err
	}

	queueDSN := strings.TrimSpace(os.Getenv("WORKGRAPH_DELIVERY_QUEUE_DSN"))
	queueSize := intEnv("WORKGRAPH_DELIVERY_QUEUE_SIZE", 0)
	var deliveryQueue workgraph.DeliveryQueue
	switch {
	case queueDSN != "":
		deliveryQueue, err = workgraph.BuildDeliveryQueueFromDSN(queueDSN, queueSize)
	case profileQueueDSN != "":
		deliveryQueue, err = workgraph.BuildDeliveryQueueFromDSN(profileQueueDSN, queueSize)
	}
	if err != nil {
		return nil, nil, err
	}
	return stateBackend, deliveryQueue, nil
}

func storageProfileDefaultsFromEnv() (stateDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("WORKGRAPH_STORAGE_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("WORKGRAPH_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".workgraph"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("WORKGRAPH_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("WORKGRAPH_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", "", fmt.Errorf("WORKGRAPH_PRODUCTION_DSN or WORKGRAPH_POSTGRES_DSN is required when WORKGRAPH_STORAGE_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"),
			"file://" + filepath.Join(dataDir, "delivery-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported WORKGRAPH_STORAGE_PROFILE: %s", profile)
	}
}
