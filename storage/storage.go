// Package storage provides the key-value persistence used by the directory:
// whole-value Put and Get with an at-most-one-writer guarantee supplied by
// the backing store.
package storage

import "errors"

// ErrNotFound is returned by Get for keys that were never put.
var ErrNotFound = errors.New("storage: key not found")

// KV is the store contract. Implementations must tolerate concurrent
// callers; the directory actor is the only writer by construction.
type KV interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Close() error
}
