package blob

import (
	"context"
	"fmt"

	fsstore "tims/internal/infra/blob/fs"
	memorystore "tims/internal/infra/blob/memory"
	s3store "tims/internal/infra/blob/s3"
)

// Config selects and parameterises the artifact store.
type Config struct {
	Driver Driver
	FSRoot string
	S3     s3store.Config
}

// Open returns the Store named by cfg.Driver (default fs).
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return fsstore.New(cfg.FSRoot)
	case DriverS3:
		return s3store.New(ctx, cfg.S3)
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", driver)
	}
}

// NewMemory returns an in-memory Store.
func NewMemory() Store { return memorystore.New() }
