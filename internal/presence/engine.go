package presence

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Update describes one applied state transition, delivered to registered
// listeners after the store write has succeeded.
type Update struct {
	Device string `json:"device"`
	Kind   string `json:"kind"`
	Record Record `json:"record"`
}

// UpdateListener receives presence updates. Listeners must not block; slow
// consumers should buffer on their side.
type UpdateListener func(Update)

type EngineOptions struct {
	Store         Store
	HistoryCap    int
	QuarantineCap int
	TokenTTL      time.Duration
}

// Engine composes the record manager, token broker, and event normalizer over
// one injected store handle. All transport layers talk to this facade.
type Engine struct {
	store      Store
	records    *RecordManager
	tokens     *TokenBroker
	normalizer *Normalizer
	tokenTTL   time.Duration

	listenersMu sync.RWMutex
	listeners   map[int]UpdateListener
	listenerSeq int
}

func NewEngine(store Store) *Engine {
	return NewEngineWithOptions(EngineOptions{Store: store})
}

func NewEngineWithOptions(opts EngineOptions) *Engine {
	store := opts.Store
	if store == nil {
		store = NewInMemoryStore()
	}
	tokenTTL := opts.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	records := NewRecordManager(store, opts.HistoryCap)
	tokens := NewTokenBroker(store)
	return &Engine{
		store:      store,
		records:    records,
		tokens:     tokens,
		normalizer: NewNormalizer(records, tokens, store, opts.QuarantineCap),
		tokenTTL:   tokenTTL,
		listeners:  map[int]UpdateListener{},
	}
}

// Subscribe registers a listener for presence updates and returns a function
// that removes it again. Live-view connections unsubscribe on disconnect.
func (e *Engine) Subscribe(listener UpdateListener) func() {
	if listener == nil {
		return func() {}
	}
	e.listenersMu.Lock()
	e.listenerSeq++
	id := e.listenerSeq
	e.listeners[id] = listener
	e.listenersMu.Unlock()
	return func() {
		e.listenersMu.Lock()
		delete(e.listeners, id)
		e.listenersMu.Unlock()
	}
}

func (e *Engine) notify(device, kind string, record Record) {
	e.listenersMu.RLock()
	listeners := make([]UpdateListener, 0, len(e.listeners))
	for _, listener := range e.listeners {
		listeners = append(listeners, listener)
	}
	e.listenersMu.RUnlock()
	update := Update{Device: device, Kind: kind, Record: record}
	for _, listener := range listeners {
		listener(update)
	}
}

// RecordLocation applies a structured location event.
func (e *Engine) RecordLocation(ctx context.Context, device string, lat, lon float64, timestamp string) (Record, error) {
	record, err := e.records.UpsertLocation(ctx, device, lat, lon, timestamp)
	if err != nil {
		return Record{}, err
	}
	e.notify(device, HistoryLocationUpdate, record)
	return record, nil
}

// IngestFreeTextEvent normalizes a free-text event. Unmappable events are
// quarantined and reported as matched=false, never as an error.
func (e *Engine) IngestFreeTextEvent(ctx context.Context, rawText, sender, timestamp string) (IngestResult, error) {
	result, err := e.normalizer.Ingest(ctx, rawText, sender, timestamp)
	if err != nil {
		return IngestResult{}, err
	}
	if result.Matched {
		if record, latestErr := e.records.Latest(ctx, result.Device); latestErr == nil {
			e.notify(result.Device, HistorySOSViaLink, record)
		}
	}
	return result, nil
}

// GetLatest returns the latest record or ErrDeviceNotFound.
func (e *Engine) GetLatest(ctx context.Context, device string) (Record, error) {
	return e.records.Latest(ctx, device)
}

// MarkSafe transitions the device to safe. When a token is supplied it is
// redeemed first and must resolve to the same device; redemption is the one
// single-use step in the system, so a replayed confirmation fails with
// ErrInvalidToken rather than silently succeeding twice.
func (e *Engine) MarkSafe(ctx context.Context, device, token string) (Record, error) {
	if _, err := e.records.Latest(ctx, device); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(token) != "" {
		bound, err := e.tokens.Redeem(ctx, token)
		if err != nil {
			return Record{}, err
		}
		if bound != device {
			return Record{}, ErrInvalidToken
		}
	}
	record, err := e.records.MarkSafe(ctx, device, "")
	if err != nil {
		return Record{}, err
	}
	e.notify(device, HistoryMarkedSafe, record)
	return record, nil
}

// IssueToken creates a short-lived single-use token bound to the device.
func (e *Engine) IssueToken(ctx context.Context, device string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = e.tokenTTL
	}
	return e.tokens.Issue(ctx, device, ttl)
}

// AttachAudio records an uploaded clip reference on the device.
func (e *Engine) AttachAudio(ctx context.Context, device, audioURL, timestamp string) (Record, error) {
	record, err := e.records.AttachAudio(ctx, device, audioURL, timestamp)
	if err != nil {
		return Record{}, err
	}
	e.notify(device, HistoryAudioUpload, record)
	return record, nil
}

// History returns the device's audit trail, newest first.
func (e *Engine) History(ctx context.Context, device string, limit int) ([]HistoryEntry, error) {
	return e.records.History(ctx, device, limit)
}

// Quarantine returns unmapped inbound events, newest first.
func (e *Engine) Quarantine(ctx context.Context, limit int) ([]UnmappedEvent, error) {
	return e.normalizer.Quarantined(ctx, limit)
}

// TokenTTL reports the default TTL applied when callers do not specify one.
func (e *Engine) TokenTTL() time.Duration {
	return e.tokenTTL
}

// Close releases the underlying store if it owns external resources.
func (e *Engine) Close() error {
	if closer, ok := e.store.(storeCloser); ok {
		return closer.Close()
	}
	return nil
}
