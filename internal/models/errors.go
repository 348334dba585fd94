package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for lookups of a uuid or id that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCollectionNotFound is returned by store operations on a collection that was never created.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrInvalidInput marks caller mistakes: bad collection names, missing paths, malformed ids.
	ErrInvalidInput = errors.New("invalid input")
)

// HashingError reports that a source file could not be hashed. It is not fatal: the record is
// ingested with an empty content hash and never deduplicated.
type HashingError struct {
	Path string
	Err  error
}

func (e *HashingError) Error() string {
	return fmt.Sprintf("hash %s: %v", e.Path, e.Err)
}

func (e *HashingError) Unwrap() error { return e.Err }

// ExtractionError reports an image decode or inference failure.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract embedding from %s: %v", e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// StoreError reports a failed record store call with enough context to log and surface it.
type StoreError struct {
	Op         string
	Collection string
	Key        string
	Err        error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s on %q (%s): %v", e.Op, e.Collection, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s on %q: %v", e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err unless it is nil.
func NewStoreError(op, collection, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Collection: collection, Key: key, Err: err}
}
