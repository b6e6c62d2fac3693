// Package storage keeps opaque blobs, such as serialized cache entries and
// snapshot tarballs, under flat string keys in a directory or an S3 bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

var (
	// ErrNotFound is returned when a key has no stored blob.
	ErrNotFound = errors.New("storage: blob not found")

	// ErrInvalidKey is returned for keys that are not flat names.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Storage is a flat blob store. Implementations are safe for concurrent use
// and replace blobs atomically.
type Storage interface {
	// Open returns the blob under key. Missing keys wrap ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Write stores size bytes from r under key. A negative size means
	// unknown.
	Write(ctx context.Context, key string, r io.Reader, size int64) error

	// Remove deletes the blob. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys yields the stored keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) iter.Seq2[string, error]

	Close() error
}

// ValidKey rejects keys that could name something other than a single blob:
// empty names, path separators and dot-prefixed names, which the directory
// backend reserves for partial writes.
func ValidKey(key string) error {
	if key == "" || strings.HasPrefix(key, ".") || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// ReadAll returns the whole blob under key.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// WriteBytes stores data under key.
func WriteBytes(ctx context.Context, s Storage, key string, data []byte) error {
	return s.Write(ctx, key, bytes.NewReader(data), int64(len(data)))
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".tar.gz"), strings.HasSuffix(key, ".tgz"):
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}
