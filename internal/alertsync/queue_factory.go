package alertsync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type SubmissionQueueFactory func(dsn string, logger Logger) (SubmissionQueue, error)

var queueFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]SubmissionQueueFactory
}{
	factories: map[string]SubmissionQueueFactory{},
}

// RegisterSubmissionQueueFactory installs a custom queue backend for a DSN
// scheme. Built-in schemes (file, memory, postgres) can be overridden.
func RegisterSubmissionQueueFactory(scheme string, factory SubmissionQueueFactory) {
	scheme = normalizeQueueScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	queueFactoryRegistry.mu.Lock()
	defer queueFactoryRegistry.mu.Unlock()
	queueFactoryRegistry.factories[scheme] = factory
}

func lookupSubmissionQueueFactory(scheme string) (SubmissionQueueFactory, bool) {
	scheme = normalizeQueueScheme(scheme)
	queueFactoryRegistry.mu.RLock()
	defer queueFactoryRegistry.mu.RUnlock()
	factory, ok := queueFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeQueueScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func BuildSubmissionQueueFromDSN(dsn string, logger Logger) (SubmissionQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeQueueScheme(parsed.Scheme)
	if factory, ok := lookupSubmissionQueueFactory(scheme); ok {
		return factory(dsn, logger)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileSubmissionQueue(path, logger)
	case "memory", "mem", "inmem":
		return NewInMemorySubmissionQueue(), nil
	case "postgres", "postgresql":
		return NewPostgresSubmissionQueue(dsn, logger)
	case "redis", "rediss", "sqlite", "nats":
		return nil, fmt.Errorf("%w: submission queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported submission queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
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
		return "", ErrInvalidInput
	}
	return path, nil
}
