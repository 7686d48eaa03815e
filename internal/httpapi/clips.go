package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ClipStore persists uploaded audio clips and serves them back. Save returns
// the public URL path the clip is reachable under.
type ClipStore interface {
	Save(device, filename string, r io.Reader) (string, error)
	Serve(w http.ResponseWriter, r *http.Request, urlPath string)
}

const clipURLPrefix = "/clips/"

// DirClipStore keeps clips on the local filesystem, one directory per device.
type DirClipStore struct {
	root string
}

func NewDirClipStore(root string) (*DirClipStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("empty clip directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create clip directory: %w", err)
	}
	return &DirClipStore{root: root}, nil
}

func (s *DirClipStore) Save(device, filename string, r io.Reader) (string, error) {
	device = sanitizePathSegment(device)
	filename = sanitizePathSegment(filename)
	if device == "" || filename == "" {
		return "", fmt.Errorf("invalid clip name")
	}
	dir := filepath.Join(s.root, device)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create device clip directory: %w", err)
	}
	dst := filepath.Join(dir, filename)
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create clip file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("write clip file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close clip file: %w", err)
	}
	return clipURLPrefix + device + "/" + filename, nil
}

func (s *DirClipStore) Serve(w http.ResponseWriter, r *http.Request, urlPath string) {
	rel := strings.TrimPrefix(urlPath, clipURLPrefix)
	parts := strings.SplitN(rel, "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	device := sanitizePathSegment(parts[0])
	filename := sanitizePathSegment(parts[1])
	if device == "" || filename == "" || device != parts[0] || filename != parts[1] {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.root, device, filename))
}

// sanitizePathSegment flattens a name to a single safe path element.
func sanitizePathSegment(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if strings.Trim(out, "._") == "" {
		return ""
	}
	return out
}
