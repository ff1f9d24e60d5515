// Package status keeps per-resume processing status and cached artifacts in
// Redis under "<namespace>:<id>" keys.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Namespace prefixes the keys of one kind of record
type Namespace string

const (
	NamespaceTime           Namespace = "time"
	NamespaceStatus         Namespace = "status"
	NamespaceUser           Namespace = "user"
	NamespaceJobDescription Namespace = "job_description"
	NamespaceResume         Namespace = "resume"
	NamespaceResumeRawText  Namespace = "resume_raw_text"
	NamespaceEnhancedResume Namespace = "enhanced_resume"
	NamespaceFeedback       Namespace = "feedback"
)

// Status is the lifecycle status of a resume
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("status: not found")

// Key joins a namespace and id into a store key
func Key(ns Namespace, id string) string {
	return string(ns) + ":" + id
}

// Client is the subset of the go-redis client the store uses
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Store reads and writes namespaced records
type Store struct {
	client Client
	ttl    time.Duration
}

// NewStore creates a store on client. Records expire after ttl; zero keeps
// them forever.
func NewStore(client Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Open connects to the Redis server at url
func Open(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Set stores value under ns:id
func (s *Store) Set(ctx context.Context, ns Namespace, id, value string) error {
	if err := s.client.Set(ctx, Key(ns, id), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", Key(ns, id), err)
	}
	return nil
}

// Get returns the value stored under ns:id, or ErrNotFound
func (s *Store) Get(ctx context.Context, ns Namespace, id string) (string, error) {
	value, err := s.client.Get(ctx, Key(ns, id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", Key(ns, id), err)
	}
	return value, nil
}

// SetJSON stores value encoded as JSON
func (s *Store) SetJSON(ctx context.Context, ns Namespace, id string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", Key(ns, id), err)
	}
	return s.Set(ctx, ns, id, string(body))
}

// GetJSON decodes the JSON value stored under ns:id into out
func (s *Store) GetJSON(ctx context.Context, ns Namespace, id string, out any) error {
	value, err := s.Get(ctx, ns, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return fmt.Errorf("decode %s: %w", Key(ns, id), err)
	}
	return nil
}

// Delete removes the records of id in every given namespace
func (s *Store) Delete(ctx context.Context, id string, namespaces ...Namespace) error {
	if len(namespaces) == 0 {
		return nil
	}
	keys := make([]string, len(namespaces))
	for i, ns := range namespaces {
		keys[i] = Key(ns, id)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// SetStatus records the status of a resume and when it changed
func (s *Store) SetStatus(ctx context.Context, id string, st Status, at time.Time) error {
	if !st.Valid() {
		return fmt.Errorf("invalid status %q", st)
	}
	if err := s.Set(ctx, NamespaceStatus, id, string(st)); err != nil {
		return err
	}
	return s.Set(ctx, NamespaceTime, id, at.UTC().Format(time.RFC3339))
}

// GetStatus returns the status of a resume and when it last changed
func (s *Store) GetStatus(ctx context.Context, id string) (Status, time.Time, error) {
	value, err := s.Get(ctx, NamespaceStatus, id)
	if err != nil {
		return "", time.Time{}, err
	}

	var at time.Time
	if raw, err := s.Get(ctx, NamespaceTime, id); err == nil {
		at, _ = time.Parse(time.RFC3339, raw)
	} else if !errors.Is(err, ErrNotFound) {
		return "", time.Time{}, err
	}

	return Status(value), at, nil
}

// Ping checks the server is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
