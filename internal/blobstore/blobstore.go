// Package blobstore abstracts the remote file store that holds both the JSON
// collection documents and the uploaded binary assets. The create-if-absent
// write is the one atomic primitive the rest of the system builds on.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Read when the path does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrAlreadyExists is returned by WriteIfAbsent when the path exists.
	// During lock acquisition it is expected and benign; everywhere else it
	// is a real error.
	ErrAlreadyExists = errors.New("object already exists")
	// ErrModified is returned by Swap when the object no longer holds the
	// content the caller conditioned on.
	ErrModified = errors.New("object modified")
)

// StoreError wraps a transport or auth failure talking to the remote store.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("blobstore %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Entry describes one object returned by List.
type Entry struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// Store is the adapter contract. Implementations do not retry; retrying is
// the caller's responsibility.
type Store interface {
	Exists(ctx context.Context, path string) (bool, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte, contentType string) error
	// WriteIfAbsent atomically creates the object only if the path is free.
	WriteIfAbsent(ctx context.Context, path string, data []byte) error
	// Swap atomically replaces the object's content, but only while it still
	// holds old: ErrModified if the content differs, ErrNotFound if the path
	// is absent.
	Swap(ctx context.Context, path string, old, new []byte) error
	// Delete is idempotent: deleting an absent path is not an error.
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]Entry, error)
}
