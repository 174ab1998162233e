package objectstore

import (
	"context"

	"github.com/rotisserie/eris"
)

// Fake is an in-memory Downloader for tests.
type Fake struct {
	Objects map[string][]byte
}

func (f Fake) Download(ctx context.Context, storageKey string) ([]byte, error) {
	data, ok := f.Objects[storageKey]
	if !ok {
		return nil, eris.Errorf("objectstore: fake has no object %q", storageKey)
	}
	return data, nil
}
