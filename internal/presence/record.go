package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusSafe   Status = "safe"
)

// Record is the latest known state for one device. Lat/Lon stay nil until the
// first location-bearing event and are only ever overwritten by events that
// carry new coordinates.
type Record struct {
	Device         string   `json:"device"`
	Lat            *float64 `json:"lat,omitempty"`
	Lon            *float64 `json:"lon,omitempty"`
	Timestamp      string   `json:"timestamp"`
	Status         Status   `json:"status"`
	AudioURL       string   `json:"audioUrl,omitempty"`
	AudioTimestamp string   `json:"audioTs,omitempty"`
	LastRawEvent   string   `json:"lastRawEvent,omitempty"`
	LastSender     string   `json:"lastSender,omitempty"`
}

const (
	HistoryLocationUpdate = "location_update"
	HistorySOSViaLink     = "sos_via_link"
	HistoryMarkedSafe     = "marked_safe"
	HistoryAudioUpload    = "audio_upload"
)

// HistoryEntry is one immutable audit record. Entries are appended for every
// received event, duplicates included: the trail has to reflect retried
// deliveries from unreliable transports.
type HistoryEntry struct {
	Kind      string            `json:"kind"`
	Timestamp string            `json:"timestamp"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

const DefaultHistoryCap = 1000

// RecordManager owns the latest record and capped history for every device.
// Each device's read-modify-write cycle runs under a per-device lock so
// concurrent updates to independent fields of the same record cannot clobber
// each other; different devices proceed in parallel.
type RecordManager struct {
	store      Store
	historyCap int
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewRecordManager(store Store, historyCap int) *RecordManager {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &RecordManager{
		store:      store,
		historyCap: historyCap,
		now:        time.Now,
		locks:      map[string]*sync.Mutex{},
	}
}

func (m *RecordManager) deviceLock(device string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[device]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[device] = lock
	}
	return lock
}

func (m *RecordManager) normalizeTimestamp(timestamp string) string {
	timestamp = strings.TrimSpace(timestamp)
	if timestamp == "" {
		return m.now().UTC().Format(time.RFC3339)
	}
	return timestamp
}

// UpsertLocation overwrites the coordinates and timestamp of the device's
// latest record. A device reporting its location is by definition not yet
// confirmed safe, so the status is forced back to active.
func (m *RecordManager) UpsertLocation(ctx context.Context, device string, lat, lon float64, timestamp string) (Record, error) {
	if strings.TrimSpace(device) == "" {
		return Record{}, fmt.Errorf("%w: empty device id", ErrInvalidInput)
	}
	timestamp = m.normalizeTimestamp(timestamp)

	lock := m.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	record, _, err := m.loadLocked(ctx, device)
	if err != nil {
		return Record{}, err
	}
	record.Device = device
	record.Lat = &lat
	record.Lon = &lon
	record.Timestamp = timestamp
	record.Status = StatusActive
	if err := m.saveLocked(ctx, device, record); err != nil {
		return Record{}, err
	}
	entry := HistoryEntry{
		Kind:      HistoryLocationUpdate,
		Timestamp: timestamp,
		Attrs: map[string]string{
			"lat": formatCoord(lat),
			"lon": formatCoord(lon),
		},
	}
	if err := m.appendHistoryLocked(ctx, device, entry); err != nil {
		return Record{}, err
	}
	return record, nil
}

// MarkActive is the merge used for events that carry no coordinates, such as
// an SOS link arriving over SMS. Existing coordinates are copied forward.
func (m *RecordManager) MarkActive(ctx context.Context, device, timestamp, rawEvent, sender string) (Record, error) {
	if strings.TrimSpace(device) == "" {
		return Record{}, fmt.Errorf("%w: empty device id", ErrInvalidInput)
	}
	timestamp = m.normalizeTimestamp(timestamp)

	lock := m.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	record, _, err := m.loadLocked(ctx, device)
	if err != nil {
		return Record{}, err
	}
	record.Device = device
	record.Timestamp = timestamp
	record.Status = StatusActive
	record.LastRawEvent = rawEvent
	record.LastSender = sender
	if err := m.saveLocked(ctx, device, record); err != nil {
		return Record{}, err
	}
	entry := HistoryEntry{
		Kind:      HistorySOSViaLink,
		Timestamp: timestamp,
		Attrs:     map[string]string{},
	}
	if sender != "" {
		entry.Attrs["sender"] = sender
	}
	if rawEvent != "" {
		entry.Attrs["raw"] = rawEvent
	}
	if err := m.appendHistoryLocked(ctx, device, entry); err != nil {
		return Record{}, err
	}
	return record, nil
}

// MarkSafe transitions an existing device to safe. Unknown devices fail with
// ErrDeviceNotFound: a device that never reported cannot be confirmed safe.
func (m *RecordManager) MarkSafe(ctx context.Context, device, timestamp string) (Record, error) {
	if strings.TrimSpace(device) == "" {
		return Record{}, fmt.Errorf("%w: empty device id", ErrInvalidInput)
	}
	timestamp = m.normalizeTimestamp(timestamp)

	lock := m.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	record, found, err := m.loadLocked(ctx, device)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrDeviceNotFound
	}
	record.Status = StatusSafe
	record.Timestamp = timestamp
	if err := m.saveLocked(ctx, device, record); err != nil {
		return Record{}, err
	}
	entry := HistoryEntry{Kind: HistoryMarkedSafe, Timestamp: timestamp}
	if err := m.appendHistoryLocked(ctx, device, entry); err != nil {
		return Record{}, err
	}
	return record, nil
}

// AttachAudio sets the audio reference fields without touching location or
// status, so it composes with UpsertLocation inside one logical request.
func (m *RecordManager) AttachAudio(ctx context.Context, device, audioURL, timestamp string) (Record, error) {
	if strings.TrimSpace(device) == "" {
		return Record{}, fmt.Errorf("%w: empty device id", ErrInvalidInput)
	}
	if strings.TrimSpace(audioURL) == "" {
		return Record{}, fmt.Errorf("%w: empty audio reference", ErrInvalidInput)
	}
	timestamp = m.normalizeTimestamp(timestamp)

	lock := m.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()

	record, _, err := m.loadLocked(ctx, device)
	if err != nil {
		return Record{}, err
	}
	record.Device = device
	record.AudioURL = audioURL
	record.AudioTimestamp = timestamp
	if record.Status == "" {
		record.Status = StatusActive
	}
	if record.Timestamp == "" {
		record.Timestamp = timestamp
	}
	if err := m.saveLocked(ctx, device, record); err != nil {
		return Record{}, err
	}
	entry := HistoryEntry{
		Kind:      HistoryAudioUpload,
		Timestamp: timestamp,
		Attrs:     map[string]string{"audioUrl": audioURL},
	}
	if err := m.appendHistoryLocked(ctx, device, entry); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Latest returns the device's latest record, or ErrDeviceNotFound. A missing
// device is a distinct outcome from a device with no coordinates yet.
func (m *RecordManager) Latest(ctx context.Context, device string) (Record, error) {
	raw, found, err := m.store.Get(ctx, latestKey(device))
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrDeviceNotFound
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Record{}, fmt.Errorf("corrupt latest record for %s: %w", device, err)
	}
	if record.Device == "" {
		record.Device = device
	}
	return record, nil
}

// History returns up to limit entries, newest first.
func (m *RecordManager) History(ctx context.Context, device string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > m.historyCap {
		limit = m.historyCap
	}
	raws, err := m.store.ListRange(ctx, historyKey(device), limit)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (m *RecordManager) loadLocked(ctx context.Context, device string) (Record, bool, error) {
	raw, found, err := m.store.Get(ctx, latestKey(device))
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		return Record{}, false, nil
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Record{}, false, fmt.Errorf("corrupt latest record for %s: %w", device, err)
	}
	return record, true, nil
}

func (m *RecordManager) saveLocked(ctx context.Context, device string, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, latestKey(device), string(data))
}

func (m *RecordManager) appendHistoryLocked(ctx context.Context, device string, entry HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return m.store.PushCapped(ctx, historyKey(device), string(data), m.historyCap)
}

func formatCoord(v float64) string {
	return fmt.Sprintf("%g", v)
}
