package status

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryClient is an in-process Client for running without a Redis server
type MemoryClient struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryClient creates an empty in-process client
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Get implements Client
func (m *MemoryClient) Get(ctx context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.lookupLocked(key)
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

// Set implements Client. Only string and []byte values are supported.
func (m *MemoryClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch v := value.(type) {
	case string:
		m.values[key] = v
	case []byte:
		m.values[key] = string(v)
	default:
		return redis.NewStatusResult("", errUnsupportedValue)
	}

	if expiration > 0 {
		m.expires[key] = m.now().Add(expiration)
	} else {
		delete(m.expires, key)
	}
	return redis.NewStatusResult("OK", nil)
}

// Del implements Client
func (m *MemoryClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, key := range keys {
		if _, ok := m.lookupLocked(key); ok {
			n++
		}
		delete(m.values, key)
		delete(m.expires, key)
	}
	return redis.NewIntResult(n, nil)
}

// Ping implements Client
func (m *MemoryClient) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *MemoryClient) lookupLocked(key string) (string, bool) {
	value, ok := m.values[key]
	if !ok {
		return "", false
	}
	if exp, ok := m.expires[key]; ok && !m.now().Before(exp) {
		delete(m.values, key)
		delete(m.expires, key)
		return "", false
	}
	return value, true
}

var errUnsupportedValue = errors.New("status: memory client stores strings only")

var (
	_ Client = (*MemoryClient)(nil)
	_ Client = (*redis.Client)(nil)
)
