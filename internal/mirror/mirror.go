// Package mirror gives the pipeline local paths for case data that may
// originate in a remote object store. The core only ever reads local
// files; a Localizer is the seam through which a remote store client
// supplies locally cached mirrors of CFD/FEM archives.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotMirrored indicates the requested object is not available locally.
var ErrNotMirrored = errors.New("object not mirrored locally")

// Localizer resolves a repository-relative object path to a local
// filesystem path, fetching and caching it if necessary.
type Localizer interface {
	Localize(ctx context.Context, object string) (string, error)
}

// LocalStore serves objects from an already-mirrored repository root
// without any fetching.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{root: dir}
}

// Root returns the repository root directory.
func (s *LocalStore) Root() string { return s.root }

// Localize returns the local path for object, or ErrNotMirrored if it
// does not exist under the root.
func (s *LocalStore) Localize(_ context.Context, object string) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(object))
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotMirrored, object)
		}
		return "", fmt.Errorf("checking %s: %w", object, err)
	}
	return path, nil
}
