package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/phuslu/log"

	"github.com/huyhandes/aurcache/internal/aur"
)

// ErrIncomplete is returned by Put for a brief record. Only full info
// records are ever persisted.
var ErrIncomplete = errors.New("cache: refusing to store incomplete record")

// Entry is a cached record and the time it was fetched.
type Entry struct {
	Key       string
	Record    aur.Record
	FetchedAt time.Time
}

// envelope is the stored form of an Entry.
type envelope struct {
	Key       string      `json:"key"`
	FetchedAt time.Time   `json:"fetched_at"`
	Full      bool        `json:"full"`
	Record    *aur.Record `json:"record"`
}

// Options configures a RecordCache.
type Options struct {
	TTL time.Duration
	Now func() time.Time // defaults to time.Now
}

// RecordCache persists complete package records keyed by query identity.
type RecordCache struct {
	store    Store
	ttl      time.Duration
	now      func() time.Time
	disabled bool
}

// InfoKey is the cache key of the info record for a package name.
func InfoKey(name string) string {
	return "info:" + name
}

// SearchKey is the identity of one search physical call.
func SearchKey(by aur.Field, term string) string {
	return "search:" + string(by) + ":" + term
}

// Fresh reports whether an entry fetched at fetchedAt may still be served
// at now under ttl.
func Fresh(fetchedAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(fetchedAt) <= ttl
}

func New(store Store, opts Options) *RecordCache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if store == nil {
		store = nopStore{}
	}
	_, disabled := store.(nopStore)
	return &RecordCache{
		store:    store,
		ttl:      opts.TTL,
		now:      now,
		disabled: disabled,
	}
}

// Disabled returns a cache that stores nothing.
func Disabled(opts Options) *RecordCache {
	return New(nopStore{}, opts)
}

// TTL returns the configured time-to-live.
func (c *RecordCache) TTL() time.Duration { return c.ttl }

// Disabled reports whether the cache has no backing store.
func (c *RecordCache) Disabled() bool { return c.disabled }

// Now returns the cache clock's current time.
func (c *RecordCache) Now() time.Time { return c.now() }

// Get returns the entry for key, or nil when absent, and whether it is
// still fresh. Store failures are logged and reported as a miss.
func (c *RecordCache) Get(ctx context.Context, key string) (*Entry, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn().Err(&IOError{Op: "get", Key: key, Err: err}).Msg("Cache read failed, fetching instead")
		}
		return nil, false
	}

	entry, err := decodeEntry(key, data)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Ignoring unreadable cache entry")
		return nil, false
	}

	return entry, Fresh(entry.FetchedAt, c.now(), c.ttl)
}

// Put stores record under key with the current time, replacing any
// previous entry.
func (c *RecordCache) Put(ctx context.Context, key string, record aur.Record) error {
	if !record.Complete() {
		return fmt.Errorf("%w: %s", ErrIncomplete, key)
	}

	// The scraped packager is not part of the RPC payload.
	record.LastPackager = ""

	data, err := sonic.ConfigStd.Marshal(&envelope{
		Key:       key,
		FetchedAt: c.now().UTC(),
		Full:      true,
		Record:    &record,
	})
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}

	if err := c.store.Put(ctx, key, data); err != nil {
		return &IOError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// PurgeExpired deletes every entry older than ttl, along with entries that
// no longer decode. It returns the number of entries removed.
func (c *RecordCache) PurgeExpired(ctx context.Context, ttl time.Duration) (int, error) {
	now := c.now()

	var expired []string
	err := c.store.ForEach(ctx, func(key string, value []byte) error {
		entry, err := decodeEntry(key, value)
		if err != nil || !Fresh(entry.FetchedAt, now, ttl) {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return 0, &IOError{Op: "scan", Err: err}
	}

	removed := 0
	for _, key := range expired {
		if err := c.store.Delete(ctx, key); err != nil {
			return removed, &IOError{Op: "delete", Key: key, Err: err}
		}
		removed++
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Dur("ttl", ttl).Msg("Purged expired cache entries")
	}
	return removed, nil
}

// ForEach visits every decodable entry.
func (c *RecordCache) ForEach(ctx context.Context, fn func(*Entry) error) error {
	err := c.store.ForEach(ctx, func(key string, value []byte) error {
		entry, err := decodeEntry(key, value)
		if err != nil {
			return nil
		}
		return fn(entry)
	})
	if err != nil {
		return &IOError{Op: "scan", Err: err}
	}
	return nil
}

func (c *RecordCache) Close() error {
	return c.store.Close()
}

func decodeEntry(key string, data []byte) (*Entry, error) {
	var env envelope
	if err := sonic.ConfigStd.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	if env.Record == nil || !env.Full {
		return nil, fmt.Errorf("cache entry %s holds no complete record", key)
	}
	env.Record.Full = true
	if !env.Record.Complete() {
		return nil, fmt.Errorf("cache entry %s holds no complete record", key)
	}
	return &Entry{
		Key:       key,
		Record:    *env.Record,
		FetchedAt: env.FetchedAt,
	}, nil
}
