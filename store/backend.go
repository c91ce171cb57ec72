package store

import (
	"context"
	"errors"
)

// ErrSnapshotNotFound indicates the requested snapshot doesn't exist
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Backend is durable storage for encoded snapshot records. The record
// bytes are opaque to the backend: it stores and returns them exactly
// as written, so the codec's checksum still covers the data after a
// round trip through storage. Backend errors pass through the Keeper
// unchanged.
type Backend interface {
	// Put stores a record under key, replacing any previous one.
	Put(ctx context.Context, key string, record []byte, meta Meta) error

	// Get returns the record and metadata stored under key, or
	// ErrSnapshotNotFound.
	Get(ctx context.Context, key string) ([]byte, Meta, error)

	// Delete removes the snapshot under key, or returns
	// ErrSnapshotNotFound if there is none.
	Delete(ctx context.Context, key string) error

	// List returns metadata for every stored snapshot, ordered by key.
	List(ctx context.Context) ([]Meta, error)

	// FindByTag returns metadata for every snapshot carrying tag.
	FindByTag(ctx context.Context, tag string) ([]Meta, error)

	Close() error
}
