// Package objectstore downloads the raw bytes behind a model.File's
// storage key, the boundary C4/C8 call "download the file's bytes" without
// specifying a backend.
package objectstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Downloader fetches the raw bytes stored under a key.
type Downloader interface {
	Download(ctx context.Context, storageKey string) ([]byte, error)
}

// LocalFS resolves storage keys as paths under Root. It is the default,
// dependency-free backend for local and single-node deployments; a
// production deployment backed by an object store implements the same
// Downloader interface.
type LocalFS struct {
	Root string
}

// NewLocalFS builds a LocalFS rooted at root.
func NewLocalFS(root string) LocalFS {
	return LocalFS{Root: root}
}

func (l LocalFS) Download(ctx context.Context, storageKey string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	path := filepath.Join(l.Root, filepath.Clean("/"+storageKey))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "objectstore: download %s", storageKey)
	}
	return data, nil
}
