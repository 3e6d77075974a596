package snapshot

import (
	"fmt"
	"log"

	"ordsync/internal/config"
)

// Open builds the store selected by cfg. Remote backends are wrapped in
// a CachedStore unless CacheTTL is zero. The returned close function is
// never nil.
func Open(cfg config.SnapshotConfig, logger *log.Logger) (Store, func() error, error) {
	if logger == nil {
		logger = log.Default()
	}
	noop := func() error { return nil }

	switch cfg.Backend {
	case "memory":
		logger.Printf("snapshot store: in-memory")
		return NewMemoryStore(), noop, nil
	case "", "file":
		fs, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, noop, err
		}
		logger.Printf("snapshot store: file dir=%s", cfg.Dir)
		return fs, noop, nil
	case "postgres":
		pg, err := OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		logger.Printf("snapshot store: postgres")
		return cached(pg, cfg), pg.Close, nil
	case "s3":
		s3, err := NewS3Store(cfg.S3)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to initialize snapshot s3 store: %w", err)
		}
		logger.Printf("snapshot store: s3 bucket=%s endpoint=%s", cfg.S3.Bucket, cfg.S3.Endpoint)
		return cached(s3, cfg), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
	}
}

func cached(origin Store, cfg config.SnapshotConfig) Store {
	if cfg.CacheTTL <= 0 {
		return origin
	}
	c := DefaultCacheConfig()
	c.TTL = cfg.CacheTTL
	return NewCachedStore(origin, c)
}
