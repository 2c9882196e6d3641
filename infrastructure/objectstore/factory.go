package objectstore

import (
	"context"
	"fmt"

	"crosspost/domain/repository"
	"crosspost/infrastructure/configuration"
)

// New builds the internal object store selected by configuration.
func New(ctx context.Context, cfg configuration.ObjectStore) (repository.IBlobStore, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Store(ctx, cfg)
	case "local", "":
		return NewLocalStore(cfg.LocalPath, "")
	}
	return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
}

var (
	_ repository.IBlobStore = (*S3Store)(nil)
	_ repository.IBlobStore = (*LocalStore)(nil)
)
