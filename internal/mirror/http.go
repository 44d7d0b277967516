package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// HTTPMirror downloads objects over HTTP into an on-disk cache and
// serves local paths from it. Cached objects survive restarts; the
// cache is pruned to a bounded number of files, oldest first.
type HTTPMirror struct {
	baseURL    string
	cacheDir   string
	maxObjects int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPMirror creates a mirror fetching from baseURL into cacheDir,
// keeping at most maxObjects cached files.
func NewHTTPMirror(baseURL, cacheDir string, maxObjects int, logger *slog.Logger) *HTTPMirror {
	if maxObjects <= 0 {
		maxObjects = 64
	}
	return &HTTPMirror{
		baseURL:    baseURL,
		cacheDir:   cacheDir,
		maxObjects: maxObjects,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		logger: logger,
	}
}

// Localize returns a local path for object, downloading it on a cache
// miss. The object path is repository-relative with forward slashes.
func (m *HTTPMirror) Localize(ctx context.Context, object string) (string, error) {
	local := filepath.Join(m.cacheDir, filepath.FromSlash(object))
	if _, err := os.Stat(local); err == nil {
		m.logger.Debug("mirror cache hit", "object", object)
		return local, nil
	}

	if err := m.fetch(ctx, object, local); err != nil {
		return "", err
	}
	if err := m.prune(); err != nil {
		m.logger.Warn("mirror cache prune failed", "error", err)
	}
	return local, nil
}

func (m *HTTPMirror) fetch(ctx context.Context, object, local string) error {
	src, err := url.JoinPath(m.baseURL, object)
	if err != nil {
		return fmt.Errorf("building object URL for %s: %w", object, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", object, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotMirrored, object)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, src)
	}

	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return err
	}

	// Download to a temp file and rename so a partial fetch never looks
	// like a cached object.
	tmp, err := os.CreateTemp(filepath.Dir(local), ".fetch-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("downloading %s: %w", object, err)
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return err
	}

	m.logger.Info("object mirrored", "object", object, "bytes", n)
	return nil
}

type cachedObject struct {
	path    string
	modTime time.Time
}

func (m *HTTPMirror) prune() error {
	var objects []cachedObject
	err := filepath.Walk(m.cacheDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		objects = append(objects, cachedObject{path: path, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if len(objects) <= m.maxObjects {
		return nil
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].modTime.Before(objects[j].modTime)
	})
	for _, o := range objects[:len(objects)-m.maxObjects] {
		if err := os.Remove(o.path); err != nil {
			return fmt.Errorf("pruning %s: %w", o.path, err)
		}
	}
	return nil
}
