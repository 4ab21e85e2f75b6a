package workgraph

import (
	"fmt"
	"net/url"
	"strings"
)

func BuildDeliveryQueueFromDSN(dsn string, capacity int) (DeliveryQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupDeliveryQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileDeliveryQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryDeliveryQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresDeliveryQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: delivery queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported delivery queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", validationErr("dsn", "is required")
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", validationErr("dsn", "is required")
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", validationErr("dsn", "does not name a path")
	}
	return path, nil
}
