package localfs

import (
	"context"
	"fmt"
	"io"
)

// Archive is the on-disk stand-in for object storage, used when no bucket is configured.
type Archive struct {
	store *Storage
}

func NewArchive(basePath string) (*Archive, error) {
	store, err := New(basePath)
	if err != nil {
		return nil, fmt.Errorf("init local archive: %w", err)
	}
	return &Archive{store: store}, nil
}

// Upload keeps the first copy of a key, like the object storage backend does.
func (a *Archive) Upload(ctx context.Context, objectKey string, data io.Reader) (string, error) {
	exists, err := a.store.Exists(ctx, objectKey)
	if err != nil {
		return "", err
	}
	if exists {
		return "", nil
	}
	if err := a.store.Save(ctx, objectKey, data); err != nil {
		return "", err
	}
	return objectKey, nil
}

func (a *Archive) Exists(ctx context.Context, objectKey string) (bool, error) {
	return a.store.Exists(ctx, objectKey)
}
