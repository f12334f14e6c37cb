package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Key is an ordered tuple of segments, conventionally [documentId, kind, chunkId].
type Key []string

func (k Key) String() string {
	return strings.Join(k, "/")
}

// HasPrefix reports whether prefix is a leading run of k's segments.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, seg := range prefix {
		if k[i] != seg {
			return false
		}
	}
	return true
}

// Chunk is a stored unit of document history.
type Chunk struct {
	Key  Key
	Data []byte
}

// Adapter is durable key/range storage for document chunks. It holds no
// sync logic and never retries; every failure is returned as an *Error.
type Adapter interface {
	// Load returns nil data and no error when the key is absent.
	Load(ctx context.Context, key Key) ([]byte, error)

	// Save upserts the chunk. Saving the same key twice overwrites.
	Save(ctx context.Context, key Key, data []byte) error

	// Remove deletes a chunk; absent keys are not an error.
	Remove(ctx context.Context, key Key) error

	// LoadRange returns every chunk whose key starts with prefix, ordered by key.
	LoadRange(ctx context.Context, prefix Key) ([]Chunk, error)

	// RemoveRange deletes every chunk whose key starts with prefix.
	RemoveRange(ctx context.Context, prefix Key) error
}

var (
	ErrEmptyKey = errors.New("empty storage key")
	ErrClosed   = errors.New("storage closed")
)

// Error is the storage failure surfaced to callers. A lost save would break
// convergence, so adapters never swallow one.
type Error struct {
	Op  string
	Key Key
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the operation ran out of time rather than failed.
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

func IsStorageError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

func wrap(op string, key Key, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Key: key, Err: err}
}

func checkKey(op string, key Key) error {
	if len(key) == 0 {
		return &Error{Op: op, Key: key, Err: ErrEmptyKey}
	}
	return nil
}
