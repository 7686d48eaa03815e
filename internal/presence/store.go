package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrInvalidToken     = errors.New("invalid token")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
)

// Store is the key-value contract the engine runs on. Every per-device piece
// of state lives under its own key, so the only operation that has to be
// atomic across concurrent callers is GetAndDelete: it backs single-use token
// redemption and must resolve in one round trip with exactly one winner.
//
// PushCapped prepends a value to a per-key list and truncates the list to cap
// entries, newest first. The prepend+truncate pair is one logical operation
// from the caller's point of view; races between writers on the same key
// resolve to whatever append order the backend observed.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	GetAndDelete(ctx context.Context, key string) (string, bool, error)
	PushCapped(ctx context.Context, listKey, value string, cap int) error
	ListRange(ctx context.Context, listKey string, limit int) ([]string, error)
}

type storeCloser interface {
	Close() error
}

// Logical key layout shared by every backend.
const (
	latestKeyPrefix  = "presence:latest:"
	historyKeyPrefix = "presence:history:"
	tokenKeyPrefix   = "token:"
	quarantineKey    = "quarantine:unmapped"
)

func latestKey(device string) string  { return latestKeyPrefix + device }
func historyKey(device string) string { return historyKeyPrefix + device }
func tokenKey(token string) string    { return tokenKeyPrefix + token }

type memoryValue struct {
	value     string
	expiresAt time.Time
}

func (v memoryValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && !now.Before(v.expiresAt)
}

// InMemoryStore is the reference Store used by tests and development setups.
type InMemoryStore struct {
	mu     sync.Mutex
	values map[string]memoryValue
	lists  map[string][]string
	now    func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		values: map[string]memoryValue{},
		lists:  map[string][]string{},
		now:    time.Now,
	}
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.values[key]
	if !ok {
		return "", false, nil
	}
	if entry.expired(s.now()) {
		delete(s.values, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *InMemoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = memoryValue{value: value}
	return nil
}

func (s *InMemoryStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: non-positive ttl", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = memoryValue{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) GetAndDelete(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.values[key]
	if !ok {
		return "", false, nil
	}
	delete(s.values, key)
	if entry.expired(s.now()) {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *InMemoryStore) PushCapped(ctx context.Context, listKey, value string, cap int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if cap <= 0 {
		return fmt.Errorf("%w: non-positive cap", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]string{value}, s.lists[listKey]...)
	if len(list) > cap {
		list = list[:cap]
	}
	s.lists[listKey] = list
	return nil
}

func (s *InMemoryStore) ListRange(ctx context.Context, listKey string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[listKey]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]string, limit)
	copy(out, list[:limit])
	return out, nil
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
