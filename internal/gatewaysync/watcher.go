package gatewaysync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const metaSuffix = ".meta"

type Logger interface {
	Printf(format string, args ...any)
}

type WatcherOptions struct {
	// Dir is the clip drop directory.
	Dir    string
	Device string
	// StaticLat/StaticLon are used when a clip has no paired .meta file,
	// e.g. a gateway without a GPS fix at record time.
	StaticLat float64
	StaticLon float64
	// DeleteOnSuccess removes the clip and its .meta after a clean upload.
	DeleteOnSuccess bool
	// SettleDelay is how long a file must sit unchanged before upload;
	// recorders write clips incrementally.
	SettleDelay  time.Duration
	PollInterval time.Duration
	Logger       Logger
}

// Watcher picks up audio clips dropped into a directory and hands them to the
// uploader. Each clip may carry a paired "<name>.meta" JSON file with
// {lat, lon, timestamp}; without one the static coordinates apply. Files are
// uploaded once; failed uploads are retried on later passes.
type Watcher struct {
	uploader        Uploader
	dir             string
	device          string
	staticLat       float64
	staticLon       float64
	deleteOnSuccess bool
	settleDelay     time.Duration
	pollInterval    time.Duration
	logger          Logger

	mu      sync.Mutex
	pending map[string]time.Time
	done    map[string]struct{}
}

func NewWatcher(uploader Uploader, opts WatcherOptions) (*Watcher, error) {
	if uploader == nil {
		return nil, fmt.Errorf("uploader is required")
	}
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	device := strings.TrimSpace(opts.Device)
	if device == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	settle := opts.SettleDelay
	if settle <= 0 {
		settle = time.Second
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	return &Watcher{
		uploader:        uploader,
		dir:             dir,
		device:          device,
		staticLat:       opts.StaticLat,
		staticLon:       opts.StaticLon,
		deleteOnSuccess: opts.DeleteOnSuccess,
		settleDelay:     settle,
		pollInterval:    poll,
		logger:          opts.Logger,
		pending:         map[string]time.Time{},
		done:            map[string]struct{}{},
	}, nil
}

// Run watches the directory until the context is canceled. Files already in
// the directory at startup are queued too, so clips recorded while the
// gateway was offline still go out.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	if err := w.scanExisting(); err != nil {
		return err
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.markPending(event.Name)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.forget(event.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logf("watch error: %v", err)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// scanExisting queues files present before the watcher started, oldest first.
func (w *Watcher) scanExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	type aged struct {
		path    string
		modTime time.Time
	}
	var files []aged
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{
			path:    filepath.Join(w.dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range files {
		if !strings.HasSuffix(f.path, metaSuffix) {
			w.pending[f.path] = time.Time{}
		}
	}
	return nil
}

func (w *Watcher) markPending(path string) {
	if strings.HasSuffix(path, metaSuffix) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.done[path]; ok {
		return
	}
	w.pending[path] = time.Now()
}

// forget drops all bookkeeping for a path. A file recreated at the same name
// later counts as a brand-new clip.
func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, path)
	delete(w.done, path)
}

// flush uploads every pending clip whose settle delay has elapsed. It also
// sweeps uploaded-clip bookkeeping for files that disappeared without a
// Remove event, so the done set stays bounded by what is on disk.
func (w *Watcher) flush(ctx context.Context) {
	now := time.Now()
	w.mu.Lock()
	var ready []string
	for path, queuedAt := range w.pending {
		if now.Sub(queuedAt) >= w.settleDelay {
			ready = append(ready, path)
		}
	}
	var uploaded []string
	for path := range w.done {
		uploaded = append(uploaded, path)
	}
	w.mu.Unlock()
	for _, path := range uploaded {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			w.forget(path)
		}
	}
	sort.Strings(ready)

	for _, path := range ready {
		if ctx.Err() != nil {
			return
		}
		if err := w.processClip(ctx, path); err != nil {
			w.logf("upload %s failed, will retry: %v", path, err)
			continue
		}
		w.mu.Lock()
		delete(w.pending, path)
		w.done[path] = struct{}{}
		w.mu.Unlock()
	}
}

func (w *Watcher) processClip(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Removed before upload; nothing to do.
			w.mu.Lock()
			delete(w.pending, path)
			w.mu.Unlock()
			return nil
		}
		return err
	}
	if info.IsDir() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		return nil
	}

	meta := w.readMeta(path)
	w.logf("uploading %s (lat=%g lon=%g)", filepath.Base(path), meta.Lat, meta.Lon)
	if err := w.uploader.UploadClip(ctx, path, meta); err != nil {
		return err
	}
	if w.deleteOnSuccess {
		if err := os.Remove(path); err != nil {
			w.logf("failed to delete uploaded clip %s: %v", path, err)
		}
		metaPath := path + metaSuffix
		if _, err := os.Stat(metaPath); err == nil {
			_ = os.Remove(metaPath)
		}
	}
	return nil
}

// readMeta loads the paired .meta JSON; missing or unparsable metadata falls
// back to the static coordinates.
func (w *Watcher) readMeta(clipPath string) ClipMeta {
	meta := ClipMeta{
		Device: w.device,
		Lat:    w.staticLat,
		Lon:    w.staticLon,
	}
	data, err := os.ReadFile(clipPath + metaSuffix)
	if err != nil {
		return meta
	}
	var parsed struct {
		Lat       *float64 `json:"lat"`
		Lon       *float64 `json:"lon"`
		Timestamp string   `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		w.logf("unparsable meta for %s: %v", clipPath, err)
		return meta
	}
	if parsed.Lat != nil {
		meta.Lat = *parsed.Lat
	}
	if parsed.Lon != nil {
		meta.Lon = *parsed.Lon
	}
	meta.Timestamp = parsed.Timestamp
	return meta
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
