package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// pebbleEnvelope wraps a stored value with its optional expiry so TTLs survive
// process restarts; pebble itself has no expiring keys.
type pebbleEnvelope struct {
	Value     string     `json:"v"`
	ExpiresAt *time.Time `json:"exp,omitempty"`
}

func (e pebbleEnvelope) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// PebbleStore is the embedded single-node backend. The process owning the
// pebble directory is the only writer, so a store-level mutex is enough to
// make GetAndDelete atomic and to keep the prepend+truncate of PushCapped
// consistent; lists are stored as one JSON array per key.
type PebbleStore struct {
	mu  sync.Mutex
	db  *pebble.DB
	now func() time.Time
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &PebbleStore{db: db, now: time.Now}, nil
}

func (s *PebbleStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	envelope, ok, err := s.getEnvelopeLocked(key)
	if err != nil || !ok {
		return "", false, err
	}
	if envelope.expired(s.now()) {
		_ = s.db.Delete([]byte(key), pebble.Sync)
		return "", false, nil
	}
	return envelope.Value, true, nil
}

func (s *PebbleStore) Set(ctx context.Context, key, value string) error {
	return s.setEnvelope(ctx, key, pebbleEnvelope{Value: value})
}

func (s *PebbleStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: non-positive ttl", ErrInvalidInput)
	}
	expiresAt := s.now().Add(ttl)
	return s.setEnvelope(ctx, key, pebbleEnvelope{Value: value, ExpiresAt: &expiresAt})
}

func (s *PebbleStore) setEnvelope(ctx context.Context, key string, envelope pebbleEnvelope) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PebbleStore) GetAndDelete(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	envelope, ok, err := s.getEnvelopeLocked(key)
	if err != nil || !ok {
		return "", false, err
	}
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if envelope.expired(s.now()) {
		return "", false, nil
	}
	return envelope.Value, true, nil
}

func (s *PebbleStore) PushCapped(ctx context.Context, listKey, value string, cap int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if cap <= 0 {
		return fmt.Errorf("%w: non-positive cap", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.getListLocked(listKey)
	if err != nil {
		return err
	}
	list = append([]string{value}, list...)
	if len(list) > cap {
		list = list[:cap]
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := s.db.Set([]byte(listKey), data, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PebbleStore) ListRange(ctx context.Context, listKey string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.getListLocked(listKey)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]string, limit)
	copy(out, list[:limit])
	return out, nil
}

func (s *PebbleStore) getEnvelopeLocked(key string) (pebbleEnvelope, bool, error) {
	data, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return pebbleEnvelope{}, false, nil
	}
	if err != nil {
		return pebbleEnvelope{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer closer.Close()
	var envelope pebbleEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return pebbleEnvelope{}, false, err
	}
	return envelope, true, nil
}

func (s *PebbleStore) getListLocked(listKey string) ([]string, error) {
	data, closer, err := s.db.Get([]byte(listKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer closer.Close()
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
