// Package storage provides the byte-oriented key/value Storage Provider used
// for replicated-document state and provenance snapshots.
//
// Implementations are interchangeable at runtime and selected by DSN (see
// Open): an in-memory map, a filesystem directory (desktop), a SQLite object
// table (the embedded/browser-style object store) and Postgres.
//
// Providers hold no engine-level locks: concurrent writes to different keys
// are safe, concurrent writes to the same key are last-write-wins.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("storage: key not found")

	// ErrInvalidKey is returned for empty keys or keys with empty, "." or ".."
	// segments.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Provider is a persistent byte key/value store.
type Provider interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases the provider's resources.
	Close() error
}

// Error wraps a failure of the underlying persistent store.
// Retryable tells callers whether repeating the operation may succeed.
type Error struct {
	Op        string
	Key       string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Key == "" {
		return fmt.Sprintf("storage %s (%s): %v", e.Op, kind, e.Err)
	}
	return fmt.Sprintf("storage %s %q (%s): %v", e.Op, e.Key, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a storage error tagged retryable.
// Uses errors.As to handle wrapped errors.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// wrapErr tags a backend failure. ErrNotFound and ErrInvalidKey pass through
// untouched so callers can match them directly.
func wrapErr(op, key string, err error, retryable func(error) bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidKey) {
		return err
	}
	r := errors.Is(err, context.DeadlineExceeded)
	if !r && retryable != nil {
		r = retryable(err)
	}
	return &Error{Op: op, Key: key, Retryable: r, Err: err}
}

const (
	documentPrefix   = "doc/"
	provenancePrefix = "provenance/"
)

// DocumentKey is the key holding the replicated state of document id.
func DocumentKey(id string) string {
	return documentPrefix + id
}

// ProvenancePrefix is the key prefix of all provenance snapshots of id.
func ProvenancePrefix(id string) string {
	return provenancePrefix + id + "/"
}

// ProvenanceKey is the key of a provenance snapshot taken at ts.
// The zero-padded timestamp keeps List results in chronological order.
func ProvenanceKey(id string, ts time.Time) string {
	return fmt.Sprintf("%s%020d", ProvenancePrefix(id), ts.UnixNano())
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
