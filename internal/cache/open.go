package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"

	"github.com/huyhandes/aurcache/internal/config"
	"github.com/huyhandes/aurcache/internal/storage"
)

// OpenStore opens the backend selected by cfg.CacheBackend.
func OpenStore(cfg *config.Config) (Store, error) {
	switch cfg.CacheBackend {
	case config.BackendBolt, "":
		return OpenBolt(cfg.CachePath)
	case config.BackendSQLite:
		return OpenSQLite(cfg.CachePath)
	case config.BackendLocal:
		backend, err := storage.OpenDir(cfg.CachePath)
		if err != nil {
			return nil, err
		}
		return NewObjectStore(backend), nil
	case config.BackendS3:
		backend, err := storage.NewBucket(context.Background(), &storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			UseSSL:          cfg.S3UseSSL,
			ForcePathStyle:  cfg.S3ForcePathStyle,
			ConnectTimeout:  cfg.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		return NewObjectStore(backend), nil
	case config.BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// Open builds the RecordCache described by cfg. A backend that cannot be
// opened is not fatal: the returned cache stores nothing and every lookup
// goes to the network for this run.
func Open(cfg *config.Config) *RecordCache {
	opts := Options{TTL: cfg.TTL}

	store, err := OpenStore(cfg)
	if err != nil {
		log.Warn().
			Err(&IOError{Op: "open", Err: err}).
			Str("backend", cfg.CacheBackend).
			Str("path", cfg.CachePath).
			Msg("Cache unavailable, all queries will be fetched")
		return Disabled(opts)
	}

	log.Debug().
		Str("backend", cfg.CacheBackend).
		Str("path", cfg.CachePath).
		Dur("ttl", cfg.TTL).
		Msg("Record cache opened")

	c := New(store, opts)
	if cfg.PurgeOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := c.PurgeExpired(ctx, cfg.TTL); err != nil {
			log.Warn().Err(err).Msg("Cache purge failed")
		}
	}
	return c
}
