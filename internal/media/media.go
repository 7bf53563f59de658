// Package media stores hop photographs and hands back the URL recorded on
// the hop. References are opaque to the rest of the service.
package media

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by Get for an unknown reference.
var ErrNotFound = eris.New("media: object not found")

// Store persists image bytes.
type Store interface {
	// Put writes data and returns its public reference.
	Put(ctx context.Context, data []byte) (string, error)
	// Get resolves a reference returned by Put.
	Get(ctx context.Context, ref string) ([]byte, error)
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

func objectName(data []byte) string {
	ext, ok := extensions[http.DetectContentType(data)]
	if !ok {
		ext = ".bin"
	}
	return uuid.NewString() + ext
}

// Local keeps objects as files under Dir and serves them at BaseURL.
type Local struct {
	dir     string
	baseURL string
}

// NewLocal creates dir if needed. baseURL defaults to /uploads.
func NewLocal(dir, baseURL string) (*Local, error) {
	if dir == "" {
		return nil, eris.New("media: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "media: create %s", dir)
	}
	if baseURL == "" {
		baseURL = "/uploads"
	}
	return &Local{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir is the backing directory, served by the HTTP layer.
func (l *Local) Dir() string { return l.dir }

func (l *Local) Put(_ context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", eris.New("media: empty object")
	}
	name := objectName(data)
	if err := os.WriteFile(filepath.Join(l.dir, name), data, 0o644); err != nil {
		return "", eris.Wrapf(err, "media: write %s", name)
	}
	return l.baseURL + "/" + name, nil
}

func (l *Local) Get(_ context.Context, ref string) ([]byte, error) {
	name := path.Base(ref)
	if name == "." || name == "/" || !strings.HasPrefix(ref, l.baseURL+"/") {
		return nil, eris.Wrapf(ErrNotFound, "media: %s", ref)
	}
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if os.IsNotExist(err) {
		return nil, eris.Wrapf(ErrNotFound, "media: %s", ref)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "media: read %s", ref)
	}
	return data, nil
}

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", eris.New("media: empty object")
	}
	ref := "mem://" + objectName(data)
	m.mu.Lock()
	m.objects[ref] = append([]byte(nil), data...)
	m.mu.Unlock()
	return ref, nil
}

func (m *Memory) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[ref]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "media: %s", ref)
	}
	return data, nil
}
