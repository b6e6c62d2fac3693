// Package cache holds fetched package records on disk and decides whether a
// cached answer may still be served.
package cache

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by a Store for a key it does not hold.
var ErrNotFound = errors.New("cache: not found")

// Store is a persistent key/value table. Implementations must make each
// Put atomic per key and be safe for concurrent use within one process.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// ForEach calls fn for every stored entry. value is only valid for the
	// duration of the call.
	ForEach(ctx context.Context, fn func(key string, value []byte) error) error

	Close() error
}

// IOError wraps a failure of the backing store. The planner treats it as a
// cache miss rather than a fatal error.
type IOError struct {
	Op  string
	Key string
	Err error
}

func (e *IOError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// nopStore holds nothing. It stands in when the configured store cannot be
// opened so every lookup falls through to the network.
type nopStore struct{}

func (nopStore) Get(context.Context, string) ([]byte, error) { return nil, ErrNotFound }
func (nopStore) Put(context.Context, string, []byte) error   { return nil }
func (nopStore) Delete(context.Context, string) error        { return nil }
func (nopStore) Close() error                                { return nil }

func (nopStore) ForEach(context.Context, func(string, []byte) error) error {
	return nil
}
