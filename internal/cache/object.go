package cache

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/huyhandes/aurcache/internal/storage"
)

const objectSuffix = ".json"

// ObjectStore keeps one object per entry in a storage.Storage, either a
// local directory or an S3 bucket shared between machines.
type ObjectStore struct {
	backend storage.Storage
}

func NewObjectStore(backend storage.Storage) *ObjectStore {
	return &ObjectStore{backend: backend}
}

func objectKey(key string) string {
	return url.PathEscape(key) + objectSuffix
}

func entryKey(object string) (string, bool) {
	if !strings.HasSuffix(object, objectSuffix) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(object, objectSuffix))
	if err != nil {
		return "", false
	}
	return key, true
}

func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := storage.ReadAll(ctx, s.backend, objectKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *ObjectStore) Put(ctx context.Context, key string, value []byte) error {
	return storage.WriteBytes(ctx, s.backend, objectKey(key), value)
}

func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	return s.backend.Remove(ctx, objectKey(key))
}

// ForEach skips objects that are not entries, so a bucket prefix may be
// shared with other data.
func (s *ObjectStore) ForEach(ctx context.Context, fn func(key string, value []byte) error) error {
	for object, err := range s.backend.Keys(ctx, "") {
		if err != nil {
			return err
		}
		key, ok := entryKey(object)
		if !ok {
			continue
		}
		value, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue // deleted since the listing
		}
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *ObjectStore) Close() error {
	return s.backend.Close()
}
